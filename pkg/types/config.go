package types

import "time"

// CurrentConfigVersion is the current version of the per-user config struct.
// Increment this value when adding new fields that require default values.
const CurrentConfigVersion = 4

// UserConfig is the per-user configuration stored in the database. These are
// dynamic settings that can be changed without redeploying.
type UserConfig struct {
	// Inverter
	DeviceID       string `json:"deviceID"`
	InverterAPIKey string `json:"inverterAPIKey,omitempty"`

	// Price provider
	PriceSiteID   string `json:"priceSiteID"`
	PriceAPIToken string `json:"priceAPIToken,omitempty"`

	// Weather / location
	Place     string  `json:"place,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`

	// Timezone is the IANA name used for all wall-clock math. When empty the
	// device-reported timezone is used, falling back to UTC.
	Timezone string `json:"timezone,omitempty"`

	// CycleIntervalSeconds gates how often a scheduler may re-run this user's
	// cycle.
	CycleIntervalSeconds int `json:"cycleIntervalSeconds"`

	// Blackout window during which automation must not act. Local "HH:MM"
	// strings; the window may cross midnight. Both empty disables it.
	BlackoutStart string `json:"blackoutStart,omitempty"`
	BlackoutEnd   string `json:"blackoutEnd,omitempty"`

	// Curtailment forces export power to zero when the feed-in price falls
	// below the threshold.
	CurtailmentEnabled    bool    `json:"curtailmentEnabled"`
	CurtailMinFeedInCents float64 `json:"curtailMinFeedInCents"`

	// Mode-specific stop thresholds written into built segments.
	ChargeStopSoC    int `json:"chargeStopSoc"`
	DischargeStopSoC int `json:"dischargeStopSoc"`

	// Cache TTL overrides, in seconds. Zero means the per-source default.
	PriceTTLSeconds     int `json:"priceTTLSeconds,omitempty"`
	TelemetryTTLSeconds int `json:"telemetryTTLSeconds,omitempty"`
	WeatherTTLSeconds   int `json:"weatherTTLSeconds,omitempty"`
}

// Location returns the configured IANA timezone, falling back to UTC when
// unset or unknown.
func (c UserConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MigrateConfig migrates a stored config to the current version, filling in
// safe defaults for fields added since it was written. It returns the migrated
// config and a boolean indicating whether anything changed.
func MigrateConfig(c UserConfig, currentVersion int) (UserConfig, bool) {
	if currentVersion >= CurrentConfigVersion {
		return c, false
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentConfigVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if c.CycleIntervalSeconds == 0 {
				c.CycleIntervalSeconds = 60
				migrated = true
			}
		case 2:
			// version 2: add stop thresholds
			if c.ChargeStopSoC == 0 {
				c.ChargeStopSoC = 90
				migrated = true
			}
			if c.DischargeStopSoC == 0 {
				c.DischargeStopSoC = 30
				migrated = true
			}
		case 3:
			// version 3: add curtailment threshold
			if c.CurtailMinFeedInCents == 0 {
				c.CurtailMinFeedInCents = 1.0
				migrated = true
			}
		case 4:
			// version 4: add cache TTL overrides
			// zero already means "use the per-source default", nothing to fill
		}
	}
	return c, migrated
}
