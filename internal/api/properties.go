package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/middts/middts-core/internal/causal"
	"github.com/middts/middts-core/internal/gateway"
	"github.com/middts/middts-core/internal/twin"
)

// PropertyState is the response of GET /properties/{id}/state.
type PropertyState struct {
	ID               int64          `json:"id"`
	InstanceID       int64          `json:"instance_id"`
	Name             string         `json:"name"`
	Type             twin.ValueType `json:"type"`
	Causal           bool           `json:"causal"`
	Value            string         `json:"value"`
	DevicePropertyID *int64         `json:"device_property_id,omitempty"`
	State            causal.State   `json:"state"`
}

// SetValueRequest is the body of PUT /properties/{id}/value.
//
// Mode is "blocking" (default) or "fire_and_forget". Class optionally
// overrides the timeout class with "status_poll", "best_effort_write" or
// "ultra_low_latency_write".
type SetValueRequest struct {
	Value json.RawMessage `json:"value"`
	Mode  string          `json:"mode,omitempty"`
	Class string          `json:"class,omitempty"`
}

// ListenersResponse is the response of GET /listeners.
type ListenersResponse struct {
	Devices []int64 `json:"devices"`
	Count   int     `json:"count"`
}

func (s *Server) handleGetPropertyState(w http.ResponseWriter, r *http.Request) {
	id, ok := propertyID(w, r)
	if !ok {
		return
	}

	p, st, err := s.properties.Describe(r.Context(), id)
	if err != nil {
		if errors.Is(err, twin.ErrNotFound) {
			writeNotFound(w, "property not found")
			return
		}
		s.logger.Error("reading property failed", "property_id", id, "error", err)
		writeInternalError(w, "failed to read property")
		return
	}

	writeJSON(w, http.StatusOK, PropertyState{
		ID:               p.ID,
		InstanceID:       p.InstanceID,
		Name:             p.Name,
		Type:             p.Type,
		Causal:           p.Causal,
		Value:            p.Value,
		DevicePropertyID: p.DevicePropertyID,
		State:            st,
	})
}

func (s *Server) handleSetPropertyValue(w http.ResponseWriter, r *http.Request) {
	id, ok := propertyID(w, r)
	if !ok {
		return
	}

	var req SetValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Value) == 0 {
		writeBadRequest(w, "value is required")
		return
	}
	value, err := twin.DecodeJSON(req.Value)
	if err != nil {
		writeBadRequest(w, "value must be a JSON scalar")
		return
	}
	opts, err := writeOptions(req)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	out, err := s.properties.Write(r.Context(), id, value, opts)
	switch {
	case err == nil:
		status := http.StatusOK
		if out.State == causal.Propagating {
			status = http.StatusAccepted
		}
		writeJSON(w, status, out)
	case errors.Is(err, twin.ErrNotFound):
		writeNotFound(w, "property not found")
	case errors.Is(err, causal.ErrRejected):
		writeJSON(w, http.StatusConflict, rejection{
			Error:   Error{Status: http.StatusConflict, Code: ErrCodeRejected, Message: err.Error()},
			Outcome: out,
		})
	case errors.Is(err, twin.ErrCoercion):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	case errors.Is(err, causal.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "shutting down")
	default:
		s.logger.Error("writing property failed", "property_id", id, "error", err)
		writeInternalError(w, "failed to write property")
	}
}

func (s *Server) handleRefreshProperty(w http.ResponseWriter, r *http.Request) {
	id, ok := propertyID(w, r)
	if !ok {
		return
	}

	out, err := s.properties.Refresh(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.Is(err, twin.ErrNotFound):
		writeNotFound(w, "property not found")
	case errors.Is(err, causal.ErrUnbound), errors.Is(err, causal.ErrNoReadMethod):
		writeError(w, http.StatusConflict, ErrCodeRejected, err.Error())
	case errors.Is(err, causal.ErrReadFailed):
		writeJSON(w, http.StatusBadGateway, rejection{
			Error:   Error{Status: http.StatusBadGateway, Code: ErrCodeDevice, Message: err.Error()},
			Outcome: out,
		})
	default:
		s.logger.Error("refreshing property failed", "property_id", id, "error", err)
		writeInternalError(w, "failed to refresh property")
	}
}

// rejection carries the outcome of a refused write or read next to the error.
type rejection struct {
	Error
	Outcome causal.Outcome `json:"outcome"`
}

func (s *Server) handleListListeners(w http.ResponseWriter, _ *http.Request) {
	resp := ListenersResponse{Devices: []int64{}}
	if s.listeners != nil {
		if devices := s.listeners.Devices(); devices != nil {
			resp.Devices = devices
		}
	}
	resp.Count = len(resp.Devices)
	writeJSON(w, http.StatusOK, resp)
}

func propertyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "property id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeOptions(req SetValueRequest) (causal.WriteOptions, error) {
	var opts causal.WriteOptions
	switch req.Mode {
	case "", causal.Blocking.String():
		opts.Mode = causal.Blocking
	case causal.FireAndForget.String():
		opts.Mode = causal.FireAndForget
	default:
		return opts, errors.New(`mode must be "blocking" or "fire_and_forget"`)
	}

	if req.Class != "" {
		var class gateway.TimeoutClass
		switch req.Class {
		case gateway.StatusPoll.String():
			class = gateway.StatusPoll
		case gateway.BestEffortWrite.String():
			class = gateway.BestEffortWrite
		case gateway.UltraLowLatencyWrite.String():
			class = gateway.UltraLowLatencyWrite
		default:
			return opts, errors.New("unknown timeout class " + strconv.Quote(req.Class))
		}
		opts.Class = &class
	}
	return opts, nil
}
