package pricing

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the price provider based on flags.
func Configured() Provider {
	provider := lflag.String("price-provider", "amber", "Price provider to use (available: amber)")

	var p struct{ Provider }

	amber := configuredAmber()

	lflag.Do(func() {
		switch *provider {
		case "amber":
			if err := amber.Validate(); err != nil {
				panic(fmt.Sprintf("amber validation failed: %v", err))
			}
			p.Provider = amber
		default:
			panic(fmt.Sprintf("unknown price provider: %s", *provider))
		}
	})

	return &p
}
