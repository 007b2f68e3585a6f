package types

import "time"

// CurrentPriceHistoryVersion is bumped when the stored price shape changes.
const CurrentPriceHistoryVersion = 1

// PriceChannel distinguishes the import price from the export credit.
type PriceChannel string

const (
	ChannelGeneral PriceChannel = "general"
	ChannelFeedIn  PriceChannel = "feedIn"
)

// PriceEntry is one price interval on one channel. Entries are deduplicated
// by (StartTime, ChannelType); a later fetch overwrites an earlier one.
type PriceEntry struct {
	StartTime   time.Time    `json:"startTime"`
	EndTime     time.Time    `json:"endTime"`
	ChannelType PriceChannel `json:"channelType"`
	PerKwh      float64      `json:"perKwh"` // cents/kWh, signed
}

// PriceKey is the dedup key for a price entry.
type PriceKey struct {
	StartTime time.Time
	Channel   PriceChannel
}

// Key returns the dedup key for the entry.
func (p PriceEntry) Key() PriceKey {
	return PriceKey{StartTime: p.StartTime.UTC(), Channel: p.ChannelType}
}

// PriceSite is a billing site known to the price provider.
type PriceSite struct {
	ID      string `json:"id"`
	NMI     string `json:"nmi,omitempty"`
	Network string `json:"network,omitempty"`
	Status  string `json:"status,omitempty"`
}
