package types

import "time"

// Telemetry is a point-in-time reading from the inverter.
type Telemetry struct {
	Timestamp time.Time `json:"timestamp"`
	// SoC is the battery state of charge in percent (0-100).
	SoC float64 `json:"soc"`
	// PVPowerKW is the current solar generation in kW.
	PVPowerKW float64 `json:"pvPowerKW"`
	// BatteryPowerKW is positive when discharging, negative when charging.
	BatteryPowerKW float64 `json:"batteryPowerKW"`
	// GridPowerKW is positive when exporting, negative when importing.
	GridPowerKW float64 `json:"gridPowerKW"`
	// LoadPowerKW is the current household consumption in kW.
	LoadPowerKW float64 `json:"loadPowerKW"`
	// ResidualEnergyKWh is the remaining usable battery energy.
	ResidualEnergyKWh float64 `json:"residualEnergyKWh"`
}

// DeviceDetail describes a registered inverter. The timezone rarely changes
// so callers cache it.
type DeviceDetail struct {
	DeviceSN    string `json:"deviceSN"`
	ModuleSN    string `json:"moduleSN"`
	StationName string `json:"stationName"`
	ProductType string `json:"productType"`
	TimeZone    string `json:"timeZone"`
	Status      int    `json:"status"`
}
