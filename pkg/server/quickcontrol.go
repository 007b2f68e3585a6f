package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wattkeeper/wattkeeper/pkg/engine"
	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

type quickControlResponse struct {
	types.QuickControlState
	RemainingMinutes int `json:"remainingMinutes"`
	// set when this very request noticed the expiry and cleaned up
	JustExpired      bool                     `json:"justExpired,omitempty"`
	CompletedControl *types.QuickControlState `json:"completedControl,omitempty"`
}

func (s *Server) quickControlResponse(state types.QuickControlState) quickControlResponse {
	return quickControlResponse{
		QuickControlState: state,
		RemainingMinutes:  state.RemainingMinutes(s.engine.Now()),
	}
}

func (s *Server) handleStartQuickControl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	var req struct {
		Type            types.QuickControlType `json:"type"`
		PowerW          int                    `json:"power"`
		DurationMinutes int                    `json:"durationMinutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	state, err := s.engine.StartQuickControl(ctx, userID, req.Type, req.PowerW, req.DurationMinutes)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrValidation):
			writeJSONError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, engine.ErrQuickControlActive):
			writeJSONError(w, "a quick control is already running", http.StatusConflict)
		case errors.Is(err, engine.ErrDeviceNotConfigured):
			writeJSONError(w, "no inverter configured", http.StatusBadRequest)
		default:
			log.Ctx(ctx).ErrorContext(ctx, "failed to start quick control", slog.Any("error", err))
			writeJSONError(w, "failed to start quick control", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, s.quickControlResponse(state))
}

func (s *Server) handleEndQuickControl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	state, err := s.engine.EndQuickControl(ctx, userID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to end quick control", slog.Any("error", err))
		writeJSONError(w, "failed to end quick control", http.StatusInternalServerError)
		return
	}

	writeJSON(w, s.quickControlResponse(state))
}

func (s *Server) handleQuickControlStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	state, justExpired, err := s.engine.QuickControlStatus(ctx, userID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get quick control", slog.Any("error", err))
		writeJSONError(w, "failed to get quick control", http.StatusInternalServerError)
		return
	}

	res := s.quickControlResponse(state)
	if justExpired {
		completed := state
		res.JustExpired = true
		res.CompletedControl = &completed
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, res)
}
