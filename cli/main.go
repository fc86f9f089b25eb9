// Package main provides a CLI that replays newline-delimited JSON events
// into the ingestor's native API.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"
)

// Result is the per-event outcome returned by the ingestor.
type Result struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ingestRequest struct {
	Events []json.RawMessage `json:"events"`
}

type ingestResponse struct {
	Results []Result `json:"results"`
	Error   string   `json:"error,omitempty"`
}

// Client sends event batches to one ingestor.
type Client struct {
	addr       string
	projectKey string
	http       *http.Client
}

// NewClient creates a client for the ingestor at addr.
func NewClient(addr, projectKey string) *Client {
	return &Client{
		addr:       strings.TrimRight(addr, "/"),
		projectKey: projectKey,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Send posts one batch and returns the per-event results.
func (c *Client) Send(ctx context.Context, events []json.RawMessage) ([]Result, error) {
	body, err := json.Marshal(ingestRequest{Events: events})
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+"/v1/runs/ingest", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.projectKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	var out ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ingest failed with status %d: %s", resp.StatusCode, out.Error)
	}
	return out.Results, nil
}

// Replay reads one JSON event per line and sends them in batches of size.
// It returns the number of events the ingestor rejected.
func (c *Client) Replay(ctx context.Context, r io.Reader, size int, w io.Writer) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	failed := 0
	batch := make([]json.RawMessage, 0, size)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		results, err := c.Send(ctx, batch)
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.Success {
				fmt.Fprintf(w, "ok   %s\n", res.ID)
				continue
			}
			failed++
			fmt.Fprintf(w, "FAIL %s: %s\n", res.ID, res.Error)
		}
		batch = batch[:0]
		return nil
	}

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if !json.Valid([]byte(text)) {
			return failed, fmt.Errorf("line %d: invalid JSON", line)
		}
		batch = append(batch, json.RawMessage(text))
		if len(batch) >= size {
			if err := flush(); err != nil {
				return failed, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return failed, err
	}
	return failed, flush()
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "Ingestor base URL")
	projectKey := flag.String("key", os.Getenv("LUNARY_PUBLIC_KEY"), "Project public or private key")
	file := flag.String("file", "-", "Newline-delimited JSON events, - for stdin")
	batchSize := flag.Int("batch", 100, "Events per request")
	flag.Parse()

	log.SetFlags(log.Ltime)

	if *projectKey == "" {
		log.Fatalf("A project key is required (-key or LUNARY_PUBLIC_KEY)")
	}
	if *batchSize < 1 {
		log.Fatalf("-batch must be positive")
	}

	in := os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			log.Fatalf("Failed to open events: %v", err)
		}
		defer f.Close()
		in = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := NewClient(*addr, *projectKey)
	failed, err := client.Replay(ctx, in, *batchSize, os.Stdout)
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
	if failed > 0 {
		log.Printf("%d events were rejected", failed)
		os.Exit(1)
	}
}
