package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/getsafe360/saas-app/internal/shared"
	"github.com/getsafe360/saas-app/internal/telemetry"
)

var (
	errInvalidJSON = shared.Validation("invalid_json")
	errTooLarge    = shared.Validation("request_too_large")
	errNoSession   = shared.NewError(shared.KindUnauthenticated, "unauthorized", "missing or unknown session key")
)

func statusFor(kind shared.ErrorKind) int {
	switch kind {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindUnauthenticated:
		return http.StatusUnauthorized
	case shared.KindForbidden:
		return http.StatusForbidden
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindConflict:
		return http.StatusConflict
	case shared.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case shared.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {ok:false, error, message, ...details}.
// Unclassified and transient failures are logged and masked.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := shared.AsError(err)
	if !ok || e.Kind == shared.KindTransient || e.Kind == shared.KindEngine {
		telemetry.WithTrace(r.Context(), s.logger).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok":      false,
			"error":   "internal_error",
			"message": "internal error",
		})
		return
	}

	payload := make(map[string]any, len(e.Details)+3)
	for k, v := range e.Details {
		payload[k] = v
	}
	payload["ok"] = false
	payload["error"] = e.Code
	payload["message"] = e.Message

	status := statusFor(e.Kind)
	if status == http.StatusTooManyRequests {
		if raw, ok := e.Details["resetAt"].(string); ok {
			resetAt, _ := time.Parse(time.RFC3339, raw)
			secs := int(time.Until(resetAt).Seconds() + 0.999)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	writeJSON(w, status, payload)
}
