package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

// ConfigRes is the response type for GetConfig. Secrets are never echoed
// back; the client only learns whether they are set.
type ConfigRes struct {
	types.UserConfig
	HasInverterAPIKey bool `json:"hasInverterAPIKey"`
	HasPriceAPIToken  bool `json:"hasPriceAPIToken"`
}

func (s *Server) configResponse(cfg types.UserConfig) ConfigRes {
	resp := ConfigRes{
		UserConfig:        cfg,
		HasInverterAPIKey: cfg.InverterAPIKey != "",
		HasPriceAPIToken:  cfg.PriceAPIToken != "",
	}
	resp.InverterAPIKey = ""
	resp.PriceAPIToken = ""
	return resp
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	cfg, version, err := s.db.GetUserConfig(ctx, userID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get config", slog.Any("error", err))
		writeJSONError(w, "failed to get config", http.StatusInternalServerError)
		return
	}
	cfg, migrated := types.MigrateConfig(cfg, version)
	if migrated {
		if err := s.db.SetUserConfig(ctx, userID, cfg, types.CurrentConfigVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated config", slog.Any("error", err))
			// serve the migrated defaults even when the save failed
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, s.configResponse(cfg))
}

func validateConfig(cfg types.UserConfig) error {
	if cfg.CycleIntervalSeconds < 0 {
		return fmt.Errorf("cycle interval cannot be negative")
	}
	if cfg.ChargeStopSoC < 0 || cfg.ChargeStopSoC > 100 {
		return fmt.Errorf("charge stop SOC must be between 0 and 100")
	}
	if cfg.DischargeStopSoC < 0 || cfg.DischargeStopSoC > 100 {
		return fmt.Errorf("discharge stop SOC must be between 0 and 100")
	}
	if (cfg.BlackoutStart == "") != (cfg.BlackoutEnd == "") {
		return fmt.Errorf("blackout start and end must both be set or both be empty")
	}
	if cfg.BlackoutStart != "" {
		if _, err := types.ParseClock(cfg.BlackoutStart); err != nil {
			return fmt.Errorf("invalid blackout start: %v", err)
		}
		if _, err := types.ParseClock(cfg.BlackoutEnd); err != nil {
			return fmt.Errorf("invalid blackout end: %v", err)
		}
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", cfg.Timezone)
		}
	}
	if cfg.PriceTTLSeconds < 0 || cfg.TelemetryTTLSeconds < 0 || cfg.WeatherTTLSeconds < 0 {
		return fmt.Errorf("cache TTLs cannot be negative")
	}
	return nil
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	var req types.UserConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateConfig(req); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	existing, _, err := s.db.GetUserConfig(ctx, userID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get config", slog.Any("error", err))
		writeJSONError(w, "failed to get config", http.StatusInternalServerError)
		return
	}

	// secrets are write-only: an empty value in the request keeps the stored one
	if req.InverterAPIKey == "" {
		req.InverterAPIKey = existing.InverterAPIKey
	}
	if req.PriceAPIToken == "" {
		req.PriceAPIToken = existing.PriceAPIToken
	}

	// resolve a named place to coordinates when none were given
	if req.Place != "" && req.Latitude == 0 && req.Longitude == 0 {
		place, err := s.weather.Geocode(ctx, req.Place)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to geocode place", slog.String("place", req.Place), slog.Any("error", err))
			writeJSONError(w, fmt.Sprintf("could not find place %q", req.Place), http.StatusBadRequest)
			return
		}
		req.Latitude = place.Latitude
		req.Longitude = place.Longitude
		if req.Timezone == "" {
			req.Timezone = place.Timezone
		}
		log.Ctx(ctx).InfoContext(ctx, "geocoded place",
			slog.String("place", req.Place),
			slog.Float64("latitude", place.Latitude),
			slog.Float64("longitude", place.Longitude))
	}

	// verify the price site is visible to the token before persisting it
	if req.PriceSiteID != "" && req.PriceSiteID != existing.PriceSiteID {
		sites, err := s.prices.ListSites(ctx, req.PriceAPIToken)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to list price sites", slog.Any("error", err))
			writeJSONError(w, "failed to verify price site", http.StatusBadRequest)
			return
		}
		found := false
		for _, site := range sites {
			if site.ID == req.PriceSiteID {
				found = true
				break
			}
		}
		if !found {
			writeJSONError(w, fmt.Sprintf("price site %q not found for token", req.PriceSiteID), http.StatusBadRequest)
			return
		}
	}

	if err := s.db.SetUserConfig(ctx, userID, req, types.CurrentConfigVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save config", slog.Any("error", err))
		writeJSONError(w, "failed to save config", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "config updated")
	writeJSON(w, s.configResponse(req))
}

// handleListSites lists the price sites visible to the stored (or provided)
// API token so the client can pick one.
func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	token := r.Header.Get("X-Price-Token")
	if token == "" {
		cfg, _, err := s.db.GetUserConfig(ctx, userID)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get config", slog.Any("error", err))
			writeJSONError(w, "failed to get config", http.StatusInternalServerError)
			return
		}
		token = cfg.PriceAPIToken
	}
	if token == "" {
		writeJSONError(w, "no price API token configured", http.StatusBadRequest)
		return
	}

	sites, err := s.prices.ListSites(ctx, token)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list price sites", slog.Any("error", err))
		writeJSONError(w, "failed to list price sites", http.StatusBadGateway)
		return
	}
	if sites == nil {
		sites = []types.PriceSite{}
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, sites)
}
