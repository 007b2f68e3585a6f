// Package storage persists all per-user state. Every document is stored as a
// JSON blob so the schema can evolve without migrating the datastore.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/wattkeeper/wattkeeper/pkg/types"
)

// ErrNotFound is returned when a requested document does not exist. Callers
// that have sensible defaults should treat it as "empty", not as a failure.
var ErrNotFound = errors.New("not found")

// Database defines the interface for persisting per-user data.
type Database interface {
	// Config
	GetUserConfig(ctx context.Context, userID string) (types.UserConfig, int, error)
	SetUserConfig(ctx context.Context, userID string, cfg types.UserConfig, version int) error

	// Automation cycle state
	GetAutomationState(ctx context.Context, userID string) (types.AutomationState, error)
	SetAutomationState(ctx context.Context, userID string, state types.AutomationState) error

	// Rules
	ListRules(ctx context.Context, userID string) ([]types.Rule, error)
	GetRule(ctx context.Context, userID, ruleID string) (types.Rule, error)
	UpsertRule(ctx context.Context, userID string, rule types.Rule) error
	DeleteRule(ctx context.Context, userID, ruleID string) error

	// Quick control override
	GetQuickControl(ctx context.Context, userID string) (types.QuickControlState, error)
	SetQuickControl(ctx context.Context, userID string, state types.QuickControlState) error

	// Price history
	UpsertPrices(ctx context.Context, userID string, entries []types.PriceEntry, version int) error
	GetPriceHistory(ctx context.Context, userID string, start, end time.Time) ([]types.PriceEntry, error)

	// Cycle audit history
	InsertAuditEntry(ctx context.Context, userID string, entry types.AuditEntry) error
	GetAuditHistory(ctx context.Context, userID string, start, end time.Time) ([]types.AuditEntry, error)

	// Per-day usage counters
	IncrementDayMetrics(ctx context.Context, userID, date string, delta types.DayMetrics) error
	GetDayMetrics(ctx context.Context, userID, date string) (types.DayMetrics, error)

	// Users
	ListUserIDs(ctx context.Context) ([]string, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
