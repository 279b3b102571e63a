// Package helpers holds the small request/response plumbing shared by
// every route: the response envelope, strict JSON decoding and client IP
// extraction.
package helpers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/reqctx"
)

// Envelope is the uniform response body. Success responses carry Data,
// error responses carry Error; Metadata is always present.
type Envelope struct {
	Success  bool       `json:"success"`
	Data     any        `json:"data,omitempty"`
	Error    *ErrorBody `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`
}

// ErrorBody is the machine-readable error payload.
type ErrorBody struct {
	Code    apperr.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Metadata rides along on every response.
type Metadata struct {
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Pagination    *Pagination `json:"pagination,omitempty"`
}

// Pagination describes the window a list response covers.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPagination computes the page count from a total.
func NewPagination(page, pageSize, total int) *Pagination {
	pages := 0
	if pageSize > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	return &Pagination{Page: page, PageSize: pageSize, Total: total, TotalPages: pages}
}

// RespondData writes a success envelope with the given status.
func RespondData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, Envelope{
		Success:  true,
		Data:     data,
		Metadata: Metadata{Timestamp: time.Now().UTC()},
	})
}

// RespondPage writes a success envelope carrying pagination metadata.
func RespondPage(w http.ResponseWriter, r *http.Request, status int, data any, p *Pagination) {
	writeJSON(w, status, Envelope{
		Success:  true,
		Data:     data,
		Metadata: Metadata{Timestamp: time.Now().UTC(), Pagination: p},
	})
}

// RespondError maps err onto the taxonomy and writes the error envelope.
// Unknown errors become INTERNAL with the cause logged, never echoed.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	if e.Code == apperr.CodeInternal {
		slog.ErrorContext(r.Context(), "request_failed_internal",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
		)
	}

	writeJSON(w, apperr.HTTPStatus(e.Code), Envelope{
		Success: false,
		Error: &ErrorBody{
			Code:    e.Code,
			Message: e.Message,
			Details: e.Details,
		},
		Metadata: Metadata{
			Timestamp:     time.Now().UTC(),
			CorrelationID: correlationID(w, r),
		},
	})
}

// correlationID prefers the request context; during panic recovery only
// the echoed response header is available.
func correlationID(w http.ResponseWriter, r *http.Request) string {
	if id := reqctx.From(r.Context()).CorrelationID; id != "" {
		return id
	}
	return w.Header().Get("X-Correlation-ID")
}

func writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("response_encode_failed", "error", err)
	}
}
