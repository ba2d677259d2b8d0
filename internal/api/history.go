package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/audit"
	"github.com/nerrad567/gray-logic-link/internal/device"
)

// handleListHistory returns paginated connection history, newest first.
//
// Query parameters:
//   - device: device id (also matches the temporary id before registration)
//   - session: session id
//   - type: connected, registered or closed
//   - since: RFC 3339 timestamp
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "connection history not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		DeviceID: q.Get("device"),
		Session:  q.Get("session"),
	}

	if v := q.Get("type"); v != "" {
		switch t := device.EventType(v); t {
		case device.EventConnected, device.EventRegistered, device.EventClosed:
			filter.Type = t
		default:
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "type must be connected, registered or closed")
			return
		}
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list connection history", "error", err)
		writeInternalError(w, "failed to list connection history")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
