// Package cache sits between the cycle engine and the upstream APIs. Every
// upstream read (prices, inverter telemetry, weather) goes through here so
// that overlapping cycles and API quotas are handled in one place: entries are
// cached per user with per-source TTLs, concurrent fetches are deduplicated
// with singleflight, and a failed refresh serves the stale entry instead of
// failing the cycle.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wattkeeper/wattkeeper/pkg/inverter"
	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/pricing"
	"github.com/wattkeeper/wattkeeper/pkg/storage"
	"github.com/wattkeeper/wattkeeper/pkg/types"
	"github.com/wattkeeper/wattkeeper/pkg/weather"
)

// Default TTLs per source. Prices change every 30 minutes but forecasts are
// revised constantly, telemetry polls burn inverter API quota, and weather
// moves slowly.
const (
	DefaultPriceTTL     = time.Minute
	DefaultTelemetryTTL = 5 * time.Minute
	DefaultWeatherTTL   = 30 * time.Minute
)

// ErrNoData is returned when a fetch fails and there is no cached entry to
// fall back to.
var ErrNoData = errors.New("no cached data")

// Metrics caches per-user upstream reads.
type Metrics struct {
	db        storage.Database
	prices    pricing.Provider
	inverters *inverter.Map
	weather   weather.Provider

	sf    singleflight.Group
	mu    sync.Mutex
	users map[string]*userCache

	// now is swapped out by tests
	now func() time.Time
}

type userCache struct {
	mu sync.Mutex

	prices         map[types.PriceKey]types.PriceEntry
	priceSpanStart time.Time // local midnight of the first cached date
	priceSpanEnd   time.Time // local midnight of the last cached date
	priceFetched   time.Time

	telemetry        types.Telemetry
	telemetryFetched time.Time

	forecast        types.Forecast
	forecastFetched time.Time
}

// New creates a Metrics cache. The database is used for best-effort price
// history write-through and usage counters; both are non-fatal.
func New(db storage.Database, prices pricing.Provider, inverters *inverter.Map, w weather.Provider) *Metrics {
	return &Metrics{
		db:        db,
		prices:    prices,
		inverters: inverters,
		weather:   w,
		users:     make(map[string]*userCache),
		now:       time.Now,
	}
}

func (m *Metrics) user(userID string) *userCache {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		u = &userCache{prices: make(map[types.PriceKey]types.PriceEntry)}
		m.users[userID] = u
	}
	return u
}

func ttlOr(seconds int, def time.Duration) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return def
}

// countMetrics best-effort increments the user's usage counters for today.
func (m *Metrics) countMetrics(ctx context.Context, userID string, cfg types.UserConfig, delta types.DayMetrics) {
	date := m.now().In(cfg.Location()).Format("2006-01-02")
	if err := m.db.IncrementDayMetrics(ctx, userID, date, delta); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "failed to increment day metrics", slog.Any("error", err))
	}
}

// Telemetry returns the current inverter telemetry, fetching at most once per
// TTL. A failed fetch serves the stale reading when one exists.
func (m *Metrics) Telemetry(ctx context.Context, userID string, cfg types.UserConfig) (types.Telemetry, error) {
	u := m.user(userID)
	ttl := ttlOr(cfg.TelemetryTTLSeconds, DefaultTelemetryTTL)

	u.mu.Lock()
	if !u.telemetryFetched.IsZero() && m.now().Sub(u.telemetryFetched) < ttl {
		tel := u.telemetry
		u.mu.Unlock()
		return tel, nil
	}
	u.mu.Unlock()

	v, err, _ := m.sf.Do(userID+":telemetry", func() (interface{}, error) {
		// another caller may have refreshed while we waited
		u.mu.Lock()
		if !u.telemetryFetched.IsZero() && m.now().Sub(u.telemetryFetched) < ttl {
			tel := u.telemetry
			u.mu.Unlock()
			return tel, nil
		}
		hadStale := !u.telemetryFetched.IsZero()
		stale := u.telemetry
		u.mu.Unlock()

		sys := m.inverters.User(ctx, userID, cfg.InverterAPIKey)
		tel, err := sys.Query(ctx, cfg.DeviceID)
		if err != nil {
			if errors.Is(err, inverter.ErrRateLimited) {
				m.countMetrics(ctx, userID, cfg, types.DayMetrics{RateLimitedCalls: 1})
			} else {
				m.countMetrics(ctx, userID, cfg, types.DayMetrics{UpstreamFailures: 1})
			}
			if hadStale {
				log.Ctx(ctx).WarnContext(ctx, "telemetry fetch failed, serving stale", slog.Any("error", err))
				return stale, nil
			}
			return nil, fmt.Errorf("%w: %v", ErrNoData, err)
		}
		m.countMetrics(ctx, userID, cfg, types.DayMetrics{InverterCalls: 1})

		u.mu.Lock()
		u.telemetry = tel
		u.telemetryFetched = m.now()
		u.mu.Unlock()
		return tel, nil
	})
	if err != nil {
		return types.Telemetry{}, err
	}
	return v.(types.Telemetry), nil
}

// Weather returns the forecast for the user's location, fetching at most once
// per TTL. A failed fetch serves the stale forecast when one exists.
func (m *Metrics) Weather(ctx context.Context, userID string, cfg types.UserConfig) (types.Forecast, error) {
	if cfg.Latitude == 0 && cfg.Longitude == 0 {
		return types.Forecast{}, fmt.Errorf("%w: no location configured", ErrNoData)
	}

	u := m.user(userID)
	ttl := ttlOr(cfg.WeatherTTLSeconds, DefaultWeatherTTL)

	u.mu.Lock()
	if !u.forecastFetched.IsZero() && m.now().Sub(u.forecastFetched) < ttl {
		f := u.forecast
		u.mu.Unlock()
		return f, nil
	}
	u.mu.Unlock()

	v, err, _ := m.sf.Do(userID+":weather", func() (interface{}, error) {
		u.mu.Lock()
		if !u.forecastFetched.IsZero() && m.now().Sub(u.forecastFetched) < ttl {
			f := u.forecast
			u.mu.Unlock()
			return f, nil
		}
		hadStale := !u.forecastFetched.IsZero()
		stale := u.forecast
		u.mu.Unlock()

		f, err := m.weather.Forecast(ctx, cfg.Latitude, cfg.Longitude)
		if err != nil {
			m.countMetrics(ctx, userID, cfg, types.DayMetrics{UpstreamFailures: 1})
			if hadStale {
				log.Ctx(ctx).WarnContext(ctx, "weather fetch failed, serving stale", slog.Any("error", err))
				return stale, nil
			}
			return nil, fmt.Errorf("%w: %v", ErrNoData, err)
		}

		u.mu.Lock()
		u.forecast = f
		u.forecastFetched = m.now()
		u.mu.Unlock()
		return f, nil
	})
	if err != nil {
		return types.Forecast{}, err
	}
	return v.(types.Forecast), nil
}

// Prices returns all cached price entries whose interval starts within
// [start, end] (date granularity in the user's timezone). Only the missing
// date spans are fetched: a cache covering Dec 6-7 asked for Dec 6-10 fetches
// Dec 8-10 only. A channel that is entirely absent from the cache forces a
// full refetch of the requested span.
func (m *Metrics) Prices(ctx context.Context, userID string, cfg types.UserConfig, start, end time.Time) ([]types.PriceEntry, error) {
	if cfg.PriceSiteID == "" {
		return nil, fmt.Errorf("%w: no price site configured", ErrNoData)
	}

	loc := cfg.Location()
	startDate := midnight(start.In(loc))
	endDate := midnight(end.In(loc))
	if endDate.Before(startDate) {
		return nil, fmt.Errorf("end %s before start %s", endDate.Format("2006-01-02"), startDate.Format("2006-01-02"))
	}

	u := m.user(userID)
	ttl := ttlOr(cfg.PriceTTLSeconds, DefaultPriceTTL)

	// dedup on (user, source) only: concurrent refreshes, whatever range
	// they asked for, share one flight and then read their own range back
	_, err, _ := m.sf.Do(userID+":prices", func() (interface{}, error) {
		return nil, m.refreshPrices(ctx, u, userID, cfg, startDate, endDate, ttl)
	})
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	var entries []types.PriceEntry
	for _, e := range u.prices {
		st := e.StartTime.In(loc)
		if !st.Before(startDate) && st.Before(endDate.AddDate(0, 0, 1)) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].StartTime.Equal(entries[j].StartTime) {
			return entries[i].ChannelType < entries[j].ChannelType
		}
		return entries[i].StartTime.Before(entries[j].StartTime)
	})
	return entries, nil
}

// refreshPrices figures out which date spans are missing and fetches them.
func (m *Metrics) refreshPrices(ctx context.Context, u *userCache, userID string, cfg types.UserConfig, startDate, endDate time.Time, ttl time.Duration) error {
	u.mu.Lock()
	empty := len(u.prices) == 0
	expired := !u.priceFetched.IsZero() && m.now().Sub(u.priceFetched) >= ttl
	spanStart := u.priceSpanStart
	spanEnd := u.priceSpanEnd
	hasGeneral, hasFeedIn := false, false
	for k := range u.prices {
		switch k.Channel {
		case types.ChannelGeneral:
			hasGeneral = true
		case types.ChannelFeedIn:
			hasFeedIn = true
		}
		if hasGeneral && hasFeedIn {
			break
		}
	}
	u.mu.Unlock()

	var spans [][2]time.Time
	switch {
	case empty || !hasGeneral || !hasFeedIn || expired:
		// nothing usable cached, a whole channel missing, or the data has
		// aged out: fetch the full requested span
		spans = append(spans, [2]time.Time{startDate, endDate})
	default:
		if startDate.Before(spanStart) {
			spans = append(spans, [2]time.Time{startDate, spanStart.AddDate(0, 0, -1)})
		}
		if endDate.After(spanEnd) {
			spans = append(spans, [2]time.Time{spanEnd.AddDate(0, 0, 1), endDate})
		}
	}
	if len(spans) == 0 {
		return nil
	}

	var fetched []types.PriceEntry
	var okSpans [][2]time.Time
	var fetchErr error
	for _, span := range spans {
		entries, err := m.prices.GetPrices(ctx, cfg.PriceAPIToken, cfg.PriceSiteID, span[0], span[1])
		if err != nil {
			m.countMetrics(ctx, userID, cfg, types.DayMetrics{UpstreamFailures: 1})
			log.Ctx(ctx).WarnContext(ctx, "price fetch failed",
				slog.String("start", span[0].Format("2006-01-02")),
				slog.String("end", span[1].Format("2006-01-02")),
				slog.Any("error", err))
			fetchErr = err
			continue
		}
		fetched = append(fetched, entries...)
		okSpans = append(okSpans, span)
	}

	// merge whatever did arrive before deciding how to fail: a successful
	// before-gap fetch is kept even when the after-gap one errored
	if len(okSpans) > 0 {
		m.countMetrics(ctx, userID, cfg, types.DayMetrics{PriceFetches: len(okSpans)})

		// best-effort history write-through
		if err := m.db.UpsertPrices(ctx, userID, fetched, types.CurrentPriceHistoryVersion); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist price history", slog.Any("error", err))
		}

		u.mu.Lock()
		for _, e := range fetched {
			u.prices[e.Key()] = e
		}
		for _, span := range okSpans {
			if u.priceSpanStart.IsZero() || span[0].Before(u.priceSpanStart) {
				u.priceSpanStart = span[0]
			}
			if u.priceSpanEnd.IsZero() || span[1].After(u.priceSpanEnd) {
				u.priceSpanEnd = span[1]
			}
		}
		if fetchErr == nil {
			u.priceFetched = m.now()
		}
		u.mu.Unlock()
	}

	if fetchErr != nil {
		if !empty || len(okSpans) > 0 {
			log.Ctx(ctx).WarnContext(ctx, "serving cached prices after partial fetch failure", slog.Any("error", fetchErr))
			return nil
		}
		return fmt.Errorf("%w: %v", ErrNoData, fetchErr)
	}
	return nil
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// CurrentPrice returns the price on the given channel whose interval covers
// now, or nil when no entry does.
func CurrentPrice(entries []types.PriceEntry, now time.Time, channel types.PriceChannel) *float64 {
	for _, e := range entries {
		if e.ChannelType != channel {
			continue
		}
		if !now.Before(e.StartTime) && now.Before(e.EndTime) {
			v := e.PerKwh
			return &v
		}
	}
	return nil
}
