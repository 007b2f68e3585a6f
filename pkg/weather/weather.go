// Package weather provides geocoding and temperature forecasts for
// temperature-based rule conditions.
package weather

import (
	"context"

	"github.com/wattkeeper/wattkeeper/pkg/types"
)

// Provider defines the interface for fetching weather data.
type Provider interface {
	// Geocode resolves a free-form place name to coordinates and a timezone.
	Geocode(ctx context.Context, place string) (types.Place, error)

	// Forecast returns current conditions and the hourly outlook for the
	// given coordinates.
	Forecast(ctx context.Context, latitude, longitude float64) (types.Forecast, error)
}
