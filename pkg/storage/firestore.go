package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. All documents live under users/{userID} and store their payload
// as a JSON string in the "json" field.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(userID, name string) (*firestore.CollectionRef, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	return f.client.Collection("users").Doc(userID).Collection(name), nil
}

// setJSON writes a document whose payload lives in the "json" field. Extra
// top-level fields (timestamps, versions) go alongside for range queries.
func setJSON(ctx context.Context, doc *firestore.DocumentRef, v interface{}, extra map[string]interface{}) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", doc.Path, err)
	}
	fields := map[string]interface{}{
		"json": string(jsonBytes),
	}
	for k, val := range extra {
		fields[k] = val
	}
	if _, err := doc.Set(ctx, fields); err != nil {
		return fmt.Errorf("failed to save %s: %w", doc.Path, err)
	}
	return nil
}

// getJSON reads a document written by setJSON into dest. It returns
// ErrNotFound if the document does not exist.
func getJSON(ctx context.Context, doc *firestore.DocumentRef, dest interface{}) error {
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to fetch %s: %w", doc.Path, err)
	}
	return decodeJSONDoc(ctx, snap, dest)
}

func decodeJSONDoc(ctx context.Context, snap *firestore.DocumentSnapshot, dest interface{}) error {
	val, err := snap.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("doc", snap.Ref.Path))
		return fmt.Errorf("document %s missing 'json' field: %w", snap.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("doc", snap.Ref.Path))
		return fmt.Errorf("document %s 'json' field is not a string", snap.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("doc", snap.Ref.Path), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal document %s: %w", snap.Ref.ID, err)
	}
	return nil
}

// GetUserConfig retrieves the per-user configuration from the
// "config/settings" document. A missing document returns defaults with
// version 0 rather than an error.
func (f *FirestoreProvider) GetUserConfig(ctx context.Context, userID string) (types.UserConfig, int, error) {
	coll, err := f.getCollection(userID, "config")
	if err != nil {
		return types.UserConfig{}, 0, err
	}
	snap, err := coll.Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.UserConfig{}, 0, nil
		}
		return types.UserConfig{}, 0, fmt.Errorf("failed to fetch config doc: %w", err)
	}

	var version int
	if v, err := snap.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var cfg types.UserConfig
	if err := decodeJSONDoc(ctx, snap, &cfg); err != nil {
		return types.UserConfig{}, 0, err
	}
	return cfg, version, nil
}

// SetUserConfig saves the per-user configuration to the "config/settings"
// document.
func (f *FirestoreProvider) SetUserConfig(ctx context.Context, userID string, cfg types.UserConfig, version int) error {
	coll, err := f.getCollection(userID, "config")
	if err != nil {
		return err
	}
	return setJSON(ctx, coll.Doc("settings"), cfg, map[string]interface{}{
		"version": version,
	})
}

// GetAutomationState retrieves the singleton cycle state from the
// "automation/state" document. A missing document returns the zero state.
func (f *FirestoreProvider) GetAutomationState(ctx context.Context, userID string) (types.AutomationState, error) {
	coll, err := f.getCollection(userID, "automation")
	if err != nil {
		return types.AutomationState{}, err
	}
	var state types.AutomationState
	if err := getJSON(ctx, coll.Doc("state"), &state); err != nil {
		if err == ErrNotFound {
			return types.AutomationState{}, nil
		}
		return types.AutomationState{}, err
	}
	return state, nil
}

// SetAutomationState saves the singleton cycle state.
func (f *FirestoreProvider) SetAutomationState(ctx context.Context, userID string, state types.AutomationState) error {
	coll, err := f.getCollection(userID, "automation")
	if err != nil {
		return err
	}
	return setJSON(ctx, coll.Doc("state"), state, map[string]interface{}{
		"timestamp": time.Now().UTC(),
	})
}

// ListRules returns all rules for the user.
func (f *FirestoreProvider) ListRules(ctx context.Context, userID string) ([]types.Rule, error) {
	coll, err := f.getCollection(userID, "rules")
	if err != nil {
		return nil, err
	}
	iter := coll.Documents(ctx)
	defer iter.Stop()

	var rules []types.Rule
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating rules: %w", err)
		}
		var r types.Rule
		if err := decodeJSONDoc(ctx, snap, &r); err != nil {
			return nil, err
		}
		if r.ID == "" {
			r.ID = snap.Ref.ID
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// GetRule returns a single rule, or ErrNotFound.
func (f *FirestoreProvider) GetRule(ctx context.Context, userID, ruleID string) (types.Rule, error) {
	coll, err := f.getCollection(userID, "rules")
	if err != nil {
		return types.Rule{}, err
	}
	var r types.Rule
	if err := getJSON(ctx, coll.Doc(ruleID), &r); err != nil {
		return types.Rule{}, err
	}
	if r.ID == "" {
		r.ID = ruleID
	}
	return r, nil
}

// UpsertRule adds or replaces a rule. The document ID is the rule ID.
func (f *FirestoreProvider) UpsertRule(ctx context.Context, userID string, rule types.Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule missing id")
	}
	coll, err := f.getCollection(userID, "rules")
	if err != nil {
		return err
	}
	return setJSON(ctx, coll.Doc(rule.ID), rule, map[string]interface{}{
		"timestamp": time.Now().UTC(),
	})
}

// DeleteRule removes a rule. Deleting a missing rule succeeds.
func (f *FirestoreProvider) DeleteRule(ctx context.Context, userID, ruleID string) error {
	coll, err := f.getCollection(userID, "rules")
	if err != nil {
		return err
	}
	if _, err := coll.Doc(ruleID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", ruleID, err)
	}
	return nil
}

// GetQuickControl retrieves the manual override state from the
// "control/quick" document. A missing document returns the zero state.
func (f *FirestoreProvider) GetQuickControl(ctx context.Context, userID string) (types.QuickControlState, error) {
	coll, err := f.getCollection(userID, "control")
	if err != nil {
		return types.QuickControlState{}, err
	}
	var state types.QuickControlState
	if err := getJSON(ctx, coll.Doc("quick"), &state); err != nil {
		if err == ErrNotFound {
			return types.QuickControlState{}, nil
		}
		return types.QuickControlState{}, err
	}
	return state, nil
}

// SetQuickControl saves the manual override state.
func (f *FirestoreProvider) SetQuickControl(ctx context.Context, userID string, state types.QuickControlState) error {
	coll, err := f.getCollection(userID, "control")
	if err != nil {
		return err
	}
	return setJSON(ctx, coll.Doc("quick"), state, map[string]interface{}{
		"timestamp": time.Now().UTC(),
	})
}

// UpsertPrices adds or updates price records. The document ID combines the
// interval start with the channel so both channels of an interval coexist.
func (f *FirestoreProvider) UpsertPrices(ctx context.Context, userID string, entries []types.PriceEntry, version int) error {
	coll, err := f.getCollection(userID, "price_history")
	if err != nil {
		return err
	}
	for _, e := range entries {
		docID := e.StartTime.UTC().Format(time.RFC3339) + "_" + string(e.ChannelType)
		if err := setJSON(ctx, coll.Doc(docID), e, map[string]interface{}{
			"timestamp": e.StartTime,
			"version":   version,
		}); err != nil {
			return err
		}
	}
	return nil
}

// GetPriceHistory retrieves price records within the specified time range.
// Uses document ID range queries for efficient filtering.
func (f *FirestoreProvider) GetPriceHistory(ctx context.Context, userID string, start, end time.Time) ([]types.PriceEntry, error) {
	coll, err := f.getCollection(userID, "price_history")
	if err != nil {
		return nil, err
	}
	startDocID := start.UTC().Format(time.RFC3339)
	// "~" sorts after the channel suffix so entries at the end instant on
	// either channel are included
	endDocID := end.UTC().Format(time.RFC3339)
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID+"~")).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []types.PriceEntry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating prices: %w", err)
		}
		var e types.PriceEntry
		if err := decodeJSONDoc(ctx, snap, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// InsertAuditEntry adds an audit record. The document ID is the RFC3339
// timestamp for lexicographic ordering and efficient range queries.
func (f *FirestoreProvider) InsertAuditEntry(ctx context.Context, userID string, entry types.AuditEntry) error {
	coll, err := f.getCollection(userID, "audit_history")
	if err != nil {
		return err
	}
	docID := entry.Timestamp.UTC().Format(time.RFC3339)
	return setJSON(ctx, coll.Doc(docID), entry, map[string]interface{}{
		"timestamp": entry.Timestamp,
	})
}

// GetAuditHistory retrieves audit records within the specified time range.
func (f *FirestoreProvider) GetAuditHistory(ctx context.Context, userID string, start, end time.Time) ([]types.AuditEntry, error) {
	coll, err := f.getCollection(userID, "audit_history")
	if err != nil {
		return nil, err
	}
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []types.AuditEntry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating audit history: %w", err)
		}
		var e types.AuditEntry
		if err := decodeJSONDoc(ctx, snap, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// IncrementDayMetrics atomically adds the delta counters to the
// "metrics/{date}" document. Counters are stored as native fields so
// increments never need a read.
func (f *FirestoreProvider) IncrementDayMetrics(ctx context.Context, userID, date string, delta types.DayMetrics) error {
	coll, err := f.getCollection(userID, "metrics")
	if err != nil {
		return err
	}

	fields := map[string]interface{}{}
	add := func(name string, v int) {
		if v != 0 {
			fields[name] = firestore.Increment(v)
		}
	}
	add("cycles", delta.Cycles)
	add("inverterCalls", delta.InverterCalls)
	add("rateLimitedCalls", delta.RateLimitedCalls)
	add("segmentsWritten", delta.SegmentsWritten)
	add("segmentsCleared", delta.SegmentsCleared)
	add("quickControlRuns", delta.QuickControlRuns)
	add("priceFetches", delta.PriceFetches)
	add("upstreamFailures", delta.UpstreamFailures)
	add("hardwareRejected", delta.HardwareRejected)
	add("persistRetries", delta.PersistRetries)
	add("curtailmentForced", delta.CurtailmentForced)
	if len(fields) == 0 {
		return nil
	}

	if _, err := coll.Doc(date).Set(ctx, fields, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to increment metrics for %s: %w", date, err)
	}
	return nil
}

// GetDayMetrics retrieves the counters for a single date. A missing document
// returns zero counters.
func (f *FirestoreProvider) GetDayMetrics(ctx context.Context, userID, date string) (types.DayMetrics, error) {
	coll, err := f.getCollection(userID, "metrics")
	if err != nil {
		return types.DayMetrics{}, err
	}
	snap, err := coll.Doc(date).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.DayMetrics{}, nil
		}
		return types.DayMetrics{}, fmt.Errorf("failed to fetch metrics doc: %w", err)
	}

	var m types.DayMetrics
	data := snap.Data()
	get := func(name string) int {
		if v, ok := data[name].(int64); ok {
			return int(v)
		}
		return 0
	}
	m.Cycles = get("cycles")
	m.InverterCalls = get("inverterCalls")
	m.RateLimitedCalls = get("rateLimitedCalls")
	m.SegmentsWritten = get("segmentsWritten")
	m.SegmentsCleared = get("segmentsCleared")
	m.QuickControlRuns = get("quickControlRuns")
	m.PriceFetches = get("priceFetches")
	m.UpstreamFailures = get("upstreamFailures")
	m.HardwareRejected = get("hardwareRejected")
	m.PersistRetries = get("persistRetries")
	m.CurtailmentForced = get("curtailmentForced")
	return m, nil
}

// ListUserIDs returns the IDs of all users. DocumentRefs is used instead of
// Documents because user docs exist only through their subcollections.
func (f *FirestoreProvider) ListUserIDs(ctx context.Context) ([]string, error) {
	iter := f.client.Collection("users").DocumentRefs(ctx)

	var ids []string
	for {
		ref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating users: %w", err)
		}
		ids = append(ids, ref.ID)
	}
	return ids, nil
}
