package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/wattkeeper/wattkeeper/pkg/common"
	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

const upstreamTimeout = 10 * time.Second

// Amber implements the Provider interface for the Amber Electric retail API.
// Amber exposes 30-minute wholesale-passthrough prices per site, split into a
// general (import) channel and a feedIn (export) channel.
type Amber struct {
	apiURL string
	client *http.Client
}

// configuredAmber sets up flags for Amber and returns the instance.
func configuredAmber() *Amber {
	a := &Amber{
		client: common.HTTPClient(upstreamTimeout),
	}
	apiURL := lflag.String("amber-api-url", "https://api.amber.com.au/v1", "URL for the Amber Electric API")

	lflag.Do(func() {
		a.apiURL = *apiURL
	})

	return a
}

// NewAmber creates an Amber client against the given base URL. Used by tests;
// production setup goes through Configured.
func NewAmber(apiURL string) *Amber {
	return &Amber{
		apiURL: apiURL,
		client: common.HTTPClient(upstreamTimeout),
	}
}

// Validate ensures the configuration is valid.
func (a *Amber) Validate() error {
	if a.apiURL == "" {
		return fmt.Errorf("amber-api-url is required")
	}
	if _, err := url.Parse(a.apiURL); err != nil {
		return fmt.Errorf("failed to parse amber url (%s): %w", a.apiURL, err)
	}
	return nil
}

func (a *Amber) get(ctx context.Context, token, path string, params url.Values, dest interface{}) error {
	u, err := url.Parse(a.apiURL)
	if err != nil {
		return err
	}
	u.Path, err = url.JoinPath(u.Path, path)
	if err != nil {
		return err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		log.Ctx(ctx).ErrorContext(ctx, "amber api error", slog.Int("status", resp.StatusCode), slog.String("body", string(body)))
		return fmt.Errorf("amber status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode amber response", slog.Any("error", err))
		return fmt.Errorf("failed to decode amber response: %w", err)
	}
	return nil
}

type amberSite struct {
	ID      string `json:"id"`
	NMI     string `json:"nmi"`
	Network string `json:"network"`
	Status  string `json:"status"`
}

// ListSites returns the sites visible to the given API token.
func (a *Amber) ListSites(ctx context.Context, token string) ([]types.PriceSite, error) {
	var raw []amberSite
	if err := a.get(ctx, token, "/sites", nil, &raw); err != nil {
		return nil, fmt.Errorf("list sites failed: %w", err)
	}

	sites := make([]types.PriceSite, 0, len(raw))
	for _, s := range raw {
		sites = append(sites, types.PriceSite{
			ID:      s.ID,
			NMI:     s.NMI,
			Network: s.Network,
			Status:  s.Status,
		})
	}
	return sites, nil
}

type amberInterval struct {
	Type        string    `json:"type"`
	Date        string    `json:"date"`
	Duration    int       `json:"duration"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	ChannelType string    `json:"channelType"`
	PerKwh      float64   `json:"perKwh"`
	SpotPerKwh  float64   `json:"spotPerKwh"`
	Estimate    bool      `json:"estimate"`
}

// GetPrices returns interval prices for the site between the two dates
// (inclusive). Amber reports feedIn perKwh as a cost, so it is negated here:
// a positive feedIn price in the returned entries always means the user earns
// money by exporting.
func (a *Amber) GetPrices(ctx context.Context, token, siteID string, start, end time.Time) ([]types.PriceEntry, error) {
	params := url.Values{}
	params.Set("startDate", start.Format("2006-01-02"))
	params.Set("endDate", end.Format("2006-01-02"))
	params.Set("resolution", "30")

	var raw []amberInterval
	if err := a.get(ctx, token, fmt.Sprintf("/sites/%s/prices", url.PathEscape(siteID)), params, &raw); err != nil {
		return nil, fmt.Errorf("get prices failed: %w", err)
	}

	entries := make([]types.PriceEntry, 0, len(raw))
	for _, in := range raw {
		perKwh := in.PerKwh
		channel := types.PriceChannel(in.ChannelType)
		switch channel {
		case types.ChannelFeedIn:
			perKwh = -perKwh
		case types.ChannelGeneral:
		default:
			// controlled load and other channels are irrelevant here
			continue
		}
		entries = append(entries, types.PriceEntry{
			StartTime:   in.StartTime,
			EndTime:     in.EndTime,
			ChannelType: channel,
			PerKwh:      perKwh,
		})
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched amber prices",
		slog.String("siteID", siteID),
		slog.Int("entries", len(entries)),
		slog.String("start", params.Get("startDate")),
		slog.String("end", params.Get("endDate")))
	return entries, nil
}
