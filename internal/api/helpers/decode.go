package helpers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/meridianhq/taskforge/internal/apperr"
)

// maxBodyBytes caps request bodies; anything larger is a client error.
const maxBodyBytes = 1 << 20

// DecodeJSON decodes the request body into v. Unknown fields, trailing
// garbage and oversized bodies are all rejected as VALIDATION_ERROR so the
// route adapters can pass the result straight to RespondError.
func DecodeJSON(r *http.Request, v any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return apperr.Validation("Content-Type must be application/json")
	}

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Validation("request body is empty")
		case errors.As(err, &maxErr):
			return apperr.Validation("request body exceeds the size limit")
		default:
			return apperr.Validation("request body is not valid JSON").WithCause(err)
		}
	}
	if dec.More() {
		return apperr.Validation("request body must contain a single JSON object")
	}
	return nil
}
