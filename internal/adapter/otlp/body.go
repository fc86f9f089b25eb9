package otlp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

// ContentType is the only accepted request media type.
const ContentType = "application/x-protobuf"

// ErrBodyTooLarge is wrapped by Decompress when the decoded body exceeds
// its limit.
var ErrBodyTooLarge = errors.New("decompressed body too large")

// Decompress undoes a Content-Encoding. Identity bodies are returned as is.
// A positive limit caps the decompressed size.
func Decompress(signal Signal, body []byte, encoding string, limit int64) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, &DecodeError{Signal: signal, Err: err}
		}
		defer zr.Close()
		var r io.Reader = zr
		if limit > 0 {
			r = io.LimitReader(zr, limit+1)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, &DecodeError{Signal: signal, Err: err}
		}
		if limit > 0 && int64(len(out)) > limit {
			return nil, &DecodeError{Signal: signal, Err: fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, limit)}
		}
		return out, nil
	default:
		return nil, &DecodeError{Signal: signal, Err: fmt.Errorf("unsupported content encoding %q", encoding)}
	}
}

// ProjectKeyHint returns the project key embedded in the first event that
// carries one in its metadata.
func ProjectKeyHint(events []domain.Event) string {
	for _, ev := range events {
		for _, k := range []string{"project_key", "projectKey"} {
			if s, ok := ev.Metadata[k].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
