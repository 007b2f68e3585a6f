package server

import (
	"log/slog"
	"net/http"

	"github.com/wattkeeper/wattkeeper/pkg/cache"
	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

type statusResponse struct {
	Automation   types.AutomationState `json:"automation"`
	QuickControl quickControlResponse  `json:"quickControl"`
	Telemetry    *types.Telemetry      `json:"telemetry,omitempty"`
	PriceCents   *float64              `json:"priceCents,omitempty"`
	FeedInCents  *float64              `json:"feedInCents,omitempty"`
	TemperatureC *float64              `json:"temperatureC,omitempty"`
}

// handleStatus returns everything the dashboard shows in one request. Sources
// that are unavailable are simply omitted.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	state, err := s.db.GetAutomationState(ctx, userID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get automation state", slog.Any("error", err))
		writeJSONError(w, "failed to get automation state", http.StatusInternalServerError)
		return
	}

	qc, _, err := s.engine.QuickControlStatus(ctx, userID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get quick control", slog.Any("error", err))
		writeJSONError(w, "failed to get quick control", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		Automation:   state,
		QuickControl: s.quickControlResponse(qc),
	}

	cfg, version, err := s.db.GetUserConfig(ctx, userID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get config", slog.Any("error", err))
		writeJSONError(w, "failed to get config", http.StatusInternalServerError)
		return
	}
	cfg, _ = types.MigrateConfig(cfg, version)

	if cfg.DeviceID != "" {
		if tel, err := s.cache.Telemetry(ctx, userID, cfg); err == nil {
			resp.Telemetry = &tel
		} else {
			log.Ctx(ctx).WarnContext(ctx, "telemetry unavailable", slog.Any("error", err))
		}
	}

	if cfg.PriceSiteID != "" {
		now := s.engine.Now()
		localNow := now.In(cfg.Location())
		if entries, err := s.cache.Prices(ctx, userID, cfg, localNow, localNow); err == nil {
			resp.PriceCents = cache.CurrentPrice(entries, now, types.ChannelGeneral)
			resp.FeedInCents = cache.CurrentPrice(entries, now, types.ChannelFeedIn)
		} else {
			log.Ctx(ctx).WarnContext(ctx, "prices unavailable", slog.Any("error", err))
		}
	}

	if cfg.Latitude != 0 || cfg.Longitude != 0 {
		if f, err := s.cache.Weather(ctx, userID, cfg); err == nil {
			temp := f.Current.TemperatureC
			resp.TemperatureC = &temp
		} else {
			log.Ctx(ctx).WarnContext(ctx, "weather unavailable", slog.Any("error", err))
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, resp)
}
