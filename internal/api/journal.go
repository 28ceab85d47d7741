package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/avrbridge/internal/journal"
)

// handleListJournal returns journalled lines, newest first.
//
// Query parameters:
//   - direction: sent, received or unmatched
//   - property: filter by classified property
//   - since: RFC 3339 timestamp
//   - limit: max results (default 100, max 1000)
//   - offset: pagination offset
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "line journal not enabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		Direction: q.Get("direction"),
		Property:  q.Get("property"),
	}

	switch filter.Direction {
	case "", journal.DirectionSent, journal.DirectionReceived, journal.DirectionUnmatched:
	default:
		writeBadRequest(w, "direction must be sent, received or unmatched")
		return
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
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

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list journal", "error", err)
		writeInternalError(w, "failed to list journal")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
