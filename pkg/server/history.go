package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

const maxHistoryRange = 7 * 24 * time.Hour

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func (s *Server) handleHistoryPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	prices, err := s.db.GetPriceHistory(ctx, userID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get prices", slog.Any("error", err))
		writeJSONError(w, "failed to get prices", http.StatusInternalServerError)
		return
	}
	if prices == nil {
		prices = []types.PriceEntry{}
	}

	setHistoryCacheControl(w, end)
	writeJSON(w, prices)
}

func (s *Server) handleHistoryActions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.db.GetAuditHistory(ctx, userID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get audit history", slog.Any("error", err))
		writeJSONError(w, "failed to get audit history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []types.AuditEntry{}
	}

	setHistoryCacheControl(w, end)
	writeJSON(w, entries)
}

func (s *Server) handleDayMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	date := r.URL.Query().Get("date")
	if date == "" {
		cfg, _, err := s.db.GetUserConfig(ctx, userID)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get config", slog.Any("error", err))
			writeJSONError(w, "failed to get config", http.StatusInternalServerError)
			return
		}
		date = s.engine.Now().In(cfg.Location()).Format("2006-01-02")
	} else if !dateRe.MatchString(date) {
		writeJSONError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	metrics, err := s.db.GetDayMetrics(ctx, userID, date)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get day metrics", slog.String("date", date), slog.Any("error", err))
		writeJSONError(w, "failed to get day metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, metrics)
}

// setHistoryCacheControl caches completed days for 24 hours and anything that
// overlaps today for 1 minute.
func setHistoryCacheControl(w http.ResponseWriter, end time.Time) {
	today := time.Now().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to last 24 hours if not specified
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > maxHistoryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed %s", maxHistoryRange)
	}

	return start, end, nil
}
