package api

import (
	"net/http"
	"strconv"

	"github.com/middts/middts-core/internal/audit"
	"github.com/middts/middts-core/internal/causal"
)

// handleListEvents returns recorded sync events.
// Query: ?instance_id=&state=reconciled|rejected&limit=&offset=
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	s.listEvents(w, r, 0)
}

// handleListPropertyEvents returns the sync events of one property.
func (s *Server) handleListPropertyEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := propertyID(w, r)
	if !ok {
		return
	}
	s.listEvents(w, r, id)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request, propertyID int64) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "sync event history is disabled")
		return
	}

	filter, msg := eventFilter(r)
	if msg != "" {
		writeBadRequest(w, msg)
		return
	}
	filter.PropertyID = propertyID

	result, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing sync events failed", "error", err)
		writeInternalError(w, "failed to list sync events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// eventFilter parses list query parameters. A non-empty message reports
// the first invalid parameter.
func eventFilter(r *http.Request) (audit.Filter, string) {
	q := r.URL.Query()
	var f audit.Filter

	if v := q.Get("instance_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return f, "instance_id must be a positive integer"
		}
		f.InstanceID = id
	}
	if v := q.Get("state"); v != "" {
		if v != causal.Reconciled.String() && v != causal.Rejected.String() {
			return f, `state must be "reconciled" or "rejected"`
		}
		f.State = v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, "limit must be a positive integer"
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, "offset must be a non-negative integer"
		}
		f.Offset = n
	}
	return f, ""
}
