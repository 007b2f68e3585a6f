package weather

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the weather provider based on flags.
func Configured() Provider {
	provider := lflag.String("weather-provider", "openmeteo", "Weather provider to use (available: openmeteo)")

	var p struct{ Provider }

	om := configuredOpenMeteo()

	lflag.Do(func() {
		switch *provider {
		case "openmeteo":
			if err := om.Validate(); err != nil {
				panic(fmt.Sprintf("open-meteo validation failed: %v", err))
			}
			p.Provider = om
		default:
			panic(fmt.Sprintf("unknown weather provider: %s", *provider))
		}
	})

	return &p
}
