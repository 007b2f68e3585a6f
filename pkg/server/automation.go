package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wattkeeper/wattkeeper/pkg/engine"
	"github.com/wattkeeper/wattkeeper/pkg/log"
)

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	audit, err := s.engine.RunCycle(ctx, userID)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrCycleBusy):
			writeJSONError(w, "a cycle is already running", http.StatusConflict)
		case errors.Is(err, engine.ErrDeviceNotConfigured):
			writeJSONError(w, "no inverter configured", http.StatusBadRequest)
		default:
			log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.Any("error", err))
			writeJSONError(w, "cycle failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, audit)
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	state, err := s.db.GetAutomationState(ctx, userID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get automation state", slog.Any("error", err))
		writeJSONError(w, "failed to get automation state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, state)
}

func (s *Server) handleSetAutomation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	state, err := s.engine.SetAutomationEnabled(ctx, userID, req.Enabled)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set automation state", slog.Any("error", err))
		writeJSONError(w, "failed to set automation state", http.StatusInternalServerError)
		return
	}

	writeJSON(w, state)
}

func (s *Server) handleClearSegments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	if err := s.engine.RequestClearSegments(ctx, userID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to request segment clear", slog.Any("error", err))
		writeJSONError(w, "failed to request segment clear", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
