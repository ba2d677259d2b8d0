package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-link/internal/device"
	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

// closeWait bounds how long DELETE /devices/{id} waits for the device to
// finish closing before answering 202.
const closeWait = 5 * time.Second

// handleListDevices returns a snapshot of every live connection.
//
// Query parameters:
//   - registered: "true" or "false" to filter on registration
//   - direction: "inbound" or "outbound"
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var registered *bool
	if v := q.Get("registered"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "registered must be true or false")
			return
		}
		registered = &b
	}

	var direction *device.Direction
	if v := q.Get("direction"); v != "" {
		var d device.Direction
		if err := d.UnmarshalText([]byte(v)); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "direction must be inbound or outbound")
			return
		}
		direction = &d
	}

	snapshots := s.registry.Snapshots()
	devices := make([]device.Snapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		if registered != nil && snap.Registered != *registered {
			continue
		}
		if direction != nil && snap.Direction != *direction {
			continue
		}
		devices = append(devices, snap)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one live connection.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

// handleCloseDevice closes one live connection.
//
// Query parameters:
//   - reason: a disconnect reason name (default Terminated)
//
// Answers 200 with the final snapshot once the device has finished
// closing, or 202 if it is still draining after closeWait.
func (s *Server) handleCloseDevice(w http.ResponseWriter, r *http.Request) {
	reason := rpc.ReasonTerminated
	if v := r.URL.Query().Get("reason"); v != "" {
		parsed, ok := rpc.ParseDisconnectReason(v)
		if !ok {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "unknown disconnect reason: "+v)
			return
		}
		reason = parsed
	}

	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	if closed, _ := d.Closed(); closed {
		writeError(w, http.StatusConflict, ErrCodeConflict, "device is already closing")
		return
	}

	actor := ""
	if claims := claimsFromContext(r.Context()); claims != nil {
		actor = claims.Subject
	}
	s.logger.Info("closing device via API",
		"device", d.ID(),
		"reason", reason.String(),
		"subject", actor,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	d.Close(reason)

	ctx, cancel := context.WithTimeout(r.Context(), closeWait)
	defer cancel()
	select {
	case <-d.Done():
		writeJSON(w, http.StatusOK, d.Snapshot())
	case <-ctx.Done():
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":     d.ID(),
			"reason": reason,
			"status": "closing",
		})
	}
}

// lookupDevice resolves the {id} URL parameter, writing a 404 when absent.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	id := chi.URLParam(r, "id")
	d, err := s.registry.Get(id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return nil, false
		}
		s.logger.Error("failed to get device", "device", id, "error", err)
		writeInternalError(w, "failed to get device")
		return nil, false
	}
	return d, true
}
