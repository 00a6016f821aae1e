package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/getsentry/sentry-go"

	ierr "privatrengoering.dk/cloud/internal/errors"
	"privatrengoering.dk/cloud/internal/logger"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// writeErrorResponse maps err onto its status code. Unexpected failures are
// reported to Sentry and rendered with the generic message.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status := ierr.HTTPStatusFromErr(err)

	fields := map[string]interface{}{
		"error":      err.Error(),
		"status":     status,
		"path":       r.URL.Path,
		"request_id": RequestIDFromContext(r.Context()),
	}
	switch {
	case status >= http.StatusInternalServerError && !ierr.IsUpstream(err):
		logger.Error("Request failed", fields)
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		} else {
			sentry.CaptureException(err)
		}
	case status >= http.StatusInternalServerError:
		logger.Error("Payment processor call failed", fields)
	default:
		logger.Debug("Request rejected", fields)
	}

	if ierr.IsUnauthenticated(err) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="privatrengoering"`)
	}
	writeJSON(w, status, ErrorResponse{Error: ierr.PublicMessage(err)})
}
