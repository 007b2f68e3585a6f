// Package pricing fetches wholesale electricity prices. Prices come from a
// per-user retail API token, so unlike a fixed utility feed every call carries
// the token of the user it is for.
package pricing

import (
	"context"
	"time"

	"github.com/wattkeeper/wattkeeper/pkg/types"
)

// Provider defines the interface for fetching energy prices.
type Provider interface {
	// ListSites returns the sites visible to the given API token.
	ListSites(ctx context.Context, token string) ([]types.PriceSite, error)

	// GetPrices returns interval prices for the site between the two dates
	// (inclusive, date granularity in the site's local time).
	GetPrices(ctx context.Context, token, siteID string, start, end time.Time) ([]types.PriceEntry, error)
}
