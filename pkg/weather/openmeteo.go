package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/wattkeeper/wattkeeper/pkg/common"
	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

const upstreamTimeout = 10 * time.Second

// OpenMeteo implements the Provider interface using the Open-Meteo forecast
// and geocoding APIs. No API key is required.
type OpenMeteo struct {
	forecastURL string
	geocodeURL  string
	client      *http.Client
}

// configuredOpenMeteo sets up flags for Open-Meteo and returns the instance.
func configuredOpenMeteo() *OpenMeteo {
	o := &OpenMeteo{
		client: common.HTTPClient(upstreamTimeout),
	}
	forecastURL := lflag.String("openmeteo-forecast-url", "https://api.open-meteo.com/v1/forecast", "URL for the Open-Meteo forecast API")
	geocodeURL := lflag.String("openmeteo-geocode-url", "https://geocoding-api.open-meteo.com/v1/search", "URL for the Open-Meteo geocoding API")

	lflag.Do(func() {
		o.forecastURL = *forecastURL
		o.geocodeURL = *geocodeURL
	})

	return o
}

// NewOpenMeteo creates an OpenMeteo client against the given base URLs. Used
// by tests; production setup goes through Configured.
func NewOpenMeteo(forecastURL, geocodeURL string) *OpenMeteo {
	return &OpenMeteo{
		forecastURL: forecastURL,
		geocodeURL:  geocodeURL,
		client:      common.HTTPClient(upstreamTimeout),
	}
}

// Validate ensures the configuration is valid.
func (o *OpenMeteo) Validate() error {
	if o.forecastURL == "" {
		return fmt.Errorf("openmeteo-forecast-url is required")
	}
	if o.geocodeURL == "" {
		return fmt.Errorf("openmeteo-geocode-url is required")
	}
	return nil
}

func (o *OpenMeteo) get(ctx context.Context, rawURL string, params url.Values, dest interface{}) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		log.Ctx(ctx).ErrorContext(ctx, "open-meteo api error", slog.Int("status", resp.StatusCode), slog.String("body", string(body)))
		return fmt.Errorf("open-meteo status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to decode open-meteo response: %w", err)
	}
	return nil
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Timezone  string  `json:"timezone"`
	} `json:"results"`
}

// Geocode resolves a free-form place name to coordinates and a timezone.
func (o *OpenMeteo) Geocode(ctx context.Context, place string) (types.Place, error) {
	if place == "" {
		return types.Place{}, fmt.Errorf("place is required")
	}

	params := url.Values{}
	params.Set("name", place)
	params.Set("count", "1")

	var res geocodeResponse
	if err := o.get(ctx, o.geocodeURL, params, &res); err != nil {
		return types.Place{}, fmt.Errorf("geocode failed: %w", err)
	}
	if len(res.Results) == 0 {
		return types.Place{}, fmt.Errorf("no results for %q", place)
	}

	r := res.Results[0]
	return types.Place{
		Name:      r.Name,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Timezone:  r.Timezone,
	}, nil
}

type forecastResponse struct {
	Current struct {
		Time          string  `json:"time"`
		Temperature2M float64 `json:"temperature_2m"`
		CloudCover    float64 `json:"cloud_cover"`
	} `json:"current"`
	Hourly struct {
		Time          []string  `json:"time"`
		Temperature2M []float64 `json:"temperature_2m"`
		CloudCover    []float64 `json:"cloud_cover"`
	} `json:"hourly"`
	UTCOffsetSeconds int `json:"utc_offset_seconds"`
}

// Forecast returns current conditions and the hourly outlook.
func (o *OpenMeteo) Forecast(ctx context.Context, latitude, longitude float64) (types.Forecast, error) {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(latitude, 'f', 4, 64))
	params.Set("longitude", strconv.FormatFloat(longitude, 'f', 4, 64))
	params.Set("current", "temperature_2m,cloud_cover")
	params.Set("hourly", "temperature_2m,cloud_cover")
	params.Set("forecast_days", "2")
	params.Set("timezone", "auto")

	var res forecastResponse
	if err := o.get(ctx, o.forecastURL, params, &res); err != nil {
		return types.Forecast{}, fmt.Errorf("forecast failed: %w", err)
	}

	loc := time.FixedZone("local", res.UTCOffsetSeconds)
	parse := func(s string) time.Time {
		// open-meteo emits local times without an offset
		t, err := time.ParseInLocation("2006-01-02T15:04", s, loc)
		if err != nil {
			return time.Time{}
		}
		return t
	}

	f := types.Forecast{
		Current: types.WeatherSample{
			Time:          parse(res.Current.Time),
			TemperatureC:  res.Current.Temperature2M,
			CloudCoverPct: res.Current.CloudCover,
		},
	}
	for i, ts := range res.Hourly.Time {
		sample := types.WeatherSample{Time: parse(ts)}
		if i < len(res.Hourly.Temperature2M) {
			sample.TemperatureC = res.Hourly.Temperature2M[i]
		}
		if i < len(res.Hourly.CloudCover) {
			sample.CloudCoverPct = res.Hourly.CloudCover[i]
		}
		f.Hourly = append(f.Hourly, sample)
	}
	return f, nil
}
