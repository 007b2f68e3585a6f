package inverter

import (
	"github.com/levenlabs/go-lflag"
)

// Configured sets up the inverter provider Map based on flags. Each user's
// system is created lazily with their own API key.
func Configured() *Map {
	baseURL := lflag.String("foxcloud-url", "", "Base URL for the FoxESS cloud API (empty for production)")

	var u string
	lflag.Do(func() {
		u = *baseURL
	})

	return NewMap(func(apiKey string) System {
		return NewFoxCloud(u, apiKey)
	})
}
