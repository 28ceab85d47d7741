package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/avrbridge/internal/engine"
)

// maxQueryTimeout caps the timeout_ms a caller may ask for.
const maxQueryTimeout = time.Minute

// PropertyView describes one property and its last observed value.
type PropertyView struct {
	Name      string      `json:"name"`
	Kind      engine.Kind `json:"kind"`
	Value     any         `json:"value"`
	Queryable bool        `json:"queryable"`
	Settable  bool        `json:"settable"`
	Pending   int         `json:"pending"`
}

// ApplyRequest is the body of POST /properties/{property}/apply. A missing
// or null value sends the apply template unchanged.
type ApplyRequest struct {
	Value any `json:"value"`
}

func (s *Server) view(p engine.Property) PropertyView {
	value, _ := s.engine.Get(p.Name)
	return PropertyView{
		Name:      p.Name,
		Kind:      p.Kind,
		Value:     value,
		Queryable: s.engine.Supports(engine.IntentQuery, p.Name),
		Settable:  s.engine.Supports(engine.IntentApply, p.Name),
		Pending:   s.engine.Pending(p.Name),
	}
}

// handleStatus returns every property value plus link and engine counters.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"site":      s.site,
		"connected": s.connected(),
		"values":    s.engine.Snapshot(),
		"stats":     s.engine.Stats(),
	})
}

func (s *Server) handleListProperties(w http.ResponseWriter, _ *http.Request) {
	props := s.engine.Properties()
	views := make([]PropertyView, 0, len(props))
	for _, p := range props {
		views = append(views, s.view(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"properties": views,
		"count":      len(views),
	})
}

func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "property")
	p, ok := s.engine.Property(name)
	if !ok {
		writeNotFound(w, "unknown property: "+name)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

// handleQueryProperty sends the query for a property and waits for the
// answering line. The optional timeout_ms parameter bounds the wait.
func (s *Server) handleQueryProperty(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "property")

	ctx, cancel, err := s.operationContext(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	defer cancel()

	value, err := s.engine.Query(ctx, name)
	s.observe("query", err)
	if err != nil {
		s.logger.Debug("query failed", "property", name, "error", err)
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"property": name,
		"value":    value,
	})
}

// handleApplyProperty writes the apply line for a property. The new value is
// not confirmed here; it arrives through the echo and the change stream.
func (s *Server) handleApplyProperty(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "property")

	var req ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	ctx, cancel, err := s.operationContext(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	defer cancel()

	err = s.engine.Apply(ctx, name, req.Value)
	s.observe("apply", err)
	if err != nil {
		s.logger.Debug("apply failed", "property", name, "error", err)
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"property": name,
		"value":    req.Value,
		"status":   "sent",
	})
}

// handleRefresh re-queries the refresh set. A partial refresh still returns
// the snapshot, with 504 and the names that went unanswered.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeUnavailable(w, "refresh not available")
		return
	}

	snap, err := s.refresher.Refresh(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"values": snap})
	case snap != nil:
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{
			"values": snap,
			"error":  Error{Code: ErrCodeRefreshIncomplete, Message: err.Error()},
		})
	default:
		writeEngineError(w, err)
	}
}

func (s *Server) operationContext(r *http.Request) (context.Context, context.CancelFunc, error) {
	timeout := s.queryTimeout
	if v := r.URL.Query().Get("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, nil, errors.New("timeout_ms must be a positive integer")
		}
		timeout = min(time.Duration(ms)*time.Millisecond, maxQueryTimeout)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	return ctx, cancel, nil
}
