package pricing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattkeeper/wattkeeper/pkg/types"
)

func TestAmberListSites(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sites", r.URL.Path)
		assert.Equal(t, "Bearer psk_token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewEncoder(w).Encode([]amberSite{
			{ID: "site-1", NMI: "61029999999", Status: "active"},
		}))
	}))
	defer srv.Close()

	a := NewAmber(srv.URL)
	sites, err := a.ListSites(context.Background(), "psk_token")
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "site-1", sites[0].ID)
	assert.Equal(t, "active", sites[0].Status)
}

func TestAmberGetPrices(t *testing.T) {
	start := time.Date(2025, 12, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 12, 7, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sites/site-1/prices", r.URL.Path)
		assert.Equal(t, "2025-12-06", r.URL.Query().Get("startDate"))
		assert.Equal(t, "2025-12-07", r.URL.Query().Get("endDate"))
		assert.Equal(t, "30", r.URL.Query().Get("resolution"))
		require.NoError(t, json.NewEncoder(w).Encode([]amberInterval{
			{
				Type:        "ActualInterval",
				StartTime:   start,
				EndTime:     start.Add(30 * time.Minute),
				ChannelType: "general",
				PerKwh:      32.5,
			},
			{
				Type:        "ActualInterval",
				StartTime:   start,
				EndTime:     start.Add(30 * time.Minute),
				ChannelType: "feedIn",
				PerKwh:      -12.0,
			},
			{
				Type:        "ActualInterval",
				StartTime:   start,
				EndTime:     start.Add(30 * time.Minute),
				ChannelType: "controlledLoad",
				PerKwh:      20.0,
			},
		}))
	}))
	defer srv.Close()

	a := NewAmber(srv.URL)
	entries, err := a.GetPrices(context.Background(), "psk_token", "site-1", start, end)
	require.NoError(t, err)
	require.Len(t, entries, 2, "controlled load channel is dropped")

	assert.Equal(t, types.ChannelGeneral, entries[0].ChannelType)
	assert.Equal(t, 32.5, entries[0].PerKwh)

	assert.Equal(t, types.ChannelFeedIn, entries[1].ChannelType)
	assert.Equal(t, 12.0, entries[1].PerKwh, "feedIn is negated so positive means earning")
}

func TestAmberErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewAmber(srv.URL)
	_, err := a.ListSites(context.Background(), "bad")
	assert.Error(t, err)
}

func TestAmberValidate(t *testing.T) {
	assert.Error(t, (&Amber{}).Validate())
	assert.NoError(t, NewAmber("https://api.amber.com.au/v1").Validate())
}
