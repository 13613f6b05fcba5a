package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to its HTTP status and error type.
func statusFor(err error) (int, string) {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound, "not_found"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable, "timeout"
	}
	kind := domain.KindOf(err)
	switch kind {
	case domain.InvalidInput:
		return http.StatusBadRequest, kind.String()
	case domain.EmbeddingUnavailable, domain.VectorStoreUnavailable, domain.GenerationUnavailable:
		return http.StatusServiceUnavailable, kind.String()
	case domain.NamespaceNotFound:
		return http.StatusNotFound, kind.String()
	default:
		return http.StatusInternalServerError, kind.String()
	}
}

// writeError reports err with a fixed message for its kind. Invalid input
// carries our own validation message; upstream details only go to the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, typ := statusFor(err)
	msg := domain.UserMessage(domain.KindOf(err))
	var de *domain.Error
	switch {
	case code == http.StatusNotFound && errors.Is(err, storage.ErrNotFound):
		msg = "not found"
	case domain.IsKind(err, domain.InvalidInput) && errors.As(err, &de) && de.Err != nil:
		msg = de.Err.Error()
	}
	if code >= 500 {
		slog.Warn("request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	httpError(w, code, typ, "%s", msg)
}

func invalidf(op, format string, args ...any) error {
	return domain.Errorf(domain.InvalidInput, op, format, args...)
}
