// Package auth extracts project keys from requests and maps project
// resolution failures to HTTP statuses.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

// ProjectKeyHeader carries a project key on OTLP exports.
const ProjectKeyHeader = "lunary-project-key"

// Bearer returns the token of an "Authorization: Bearer" header.
func Bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// Status maps a project resolution error to a status code and message.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrMissingProjectKey):
		return http.StatusUnauthorized, "missing project key"
	case errors.Is(err, domain.ErrInvalidProjectID):
		return http.StatusPaymentRequired, "Incorrect project id format"
	case errors.Is(err, domain.ErrProjectNotFound):
		return http.StatusUnauthorized, "This project does not exist"
	}
	return http.StatusInternalServerError, err.Error()
}
