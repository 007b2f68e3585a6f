package types

import "time"

// Place is a geocoded location.
type Place struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
}

// WeatherSample is one point of a forecast.
type WeatherSample struct {
	Time          time.Time `json:"time"`
	TemperatureC  float64   `json:"temperatureC"`
	CloudCoverPct float64   `json:"cloudCoverPct"`
}

// Forecast holds the current conditions plus the hourly outlook.
type Forecast struct {
	Current WeatherSample   `json:"current"`
	Hourly  []WeatherSample `json:"hourly"`
}
