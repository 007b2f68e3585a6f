package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/storage"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

const maxRuleDurationMinutes = 24 * 60

var validWorkModes = map[types.WorkMode]bool{
	types.WorkModeSelfUse:        true,
	types.WorkModeForceCharge:    true,
	types.WorkModeForceDischarge: true,
	types.WorkModeFeedIn:         true,
	types.WorkModeBackup:         true,
}

var validConditionKinds = map[types.ConditionKind]bool{
	types.ConditionSOC:         true,
	types.ConditionPrice:       true,
	types.ConditionFeedInPrice: true,
	types.ConditionTime:        true,
	types.ConditionTemperature: true,
}

var validOperators = map[types.Operator]bool{
	types.OperatorGT:      true,
	types.OperatorGTE:     true,
	types.OperatorLT:      true,
	types.OperatorLTE:     true,
	types.OperatorEQ:      true,
	types.OperatorNEQ:     true,
	types.OperatorBetween: true,
}

func validateRule(rule types.Rule) error {
	if rule.ID == "" {
		return errors.New("rule id is required")
	}
	if rule.Name == "" {
		return errors.New("rule name is required")
	}
	if rule.Priority < 0 {
		return errors.New("priority cannot be negative")
	}
	if rule.CooldownMinutes < 0 {
		return errors.New("cooldown cannot be negative")
	}
	if len(rule.Conditions) == 0 {
		return errors.New("at least one condition is required")
	}
	for kind, c := range rule.Conditions {
		if !validConditionKinds[kind] {
			return fmt.Errorf("unknown condition kind %q", kind)
		}
		if !c.Enabled {
			continue
		}
		if !validOperators[c.Operator] {
			return fmt.Errorf("unknown operator %q for condition %q", c.Operator, kind)
		}
		if c.Operator == types.OperatorBetween && c.Value2 == nil {
			return fmt.Errorf("condition %q needs an upper bound for between", kind)
		}
	}
	if !validWorkModes[rule.Action.WorkMode] {
		return fmt.Errorf("unknown work mode %q", rule.Action.WorkMode)
	}
	if rule.Action.DurationMinutes < 1 || rule.Action.DurationMinutes > maxRuleDurationMinutes {
		return fmt.Errorf("duration must be 1-%d minutes", maxRuleDurationMinutes)
	}
	if rule.Action.PowerKW < 0 {
		return errors.New("power cannot be negative")
	}
	if rule.Action.TargetSoC < 0 || rule.Action.TargetSoC > 100 {
		return errors.New("target SOC must be between 0 and 100")
	}
	return nil
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	rules, err := s.db.ListRules(ctx, userID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list rules", slog.Any("error", err))
		writeJSONError(w, "failed to list rules", http.StatusInternalServerError)
		return
	}
	if rules == nil {
		rules = []types.Rule{}
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, rules)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)
	ruleID := r.PathValue("id")

	rule, err := s.db.GetRule(ctx, userID, ruleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, "rule not found", http.StatusNotFound)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to get rule", slog.String("ruleID", ruleID), slog.Any("error", err))
		writeJSONError(w, "failed to get rule", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, rule)
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	var rule types.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateRule(rule); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// an edit must not reset the cooldown clock
	existing, err := s.db.GetRule(ctx, userID, rule.ID)
	if err == nil {
		rule.LastTriggered = existing.LastTriggered
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get existing rule", slog.String("ruleID", rule.ID), slog.Any("error", err))
		writeJSONError(w, "failed to get existing rule", http.StatusInternalServerError)
		return
	}

	if err := s.db.UpsertRule(ctx, userID, rule); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save rule", slog.String("ruleID", rule.ID), slog.Any("error", err))
		writeJSONError(w, "failed to save rule", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "rule saved", slog.String("ruleID", rule.ID), slog.String("name", rule.Name))
	writeJSON(w, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)
	ruleID := r.PathValue("id")

	if err := s.db.DeleteRule(ctx, userID, ruleID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, "rule not found", http.StatusNotFound)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete rule", slog.String("ruleID", ruleID), slog.Any("error", err))
		writeJSONError(w, "failed to delete rule", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "rule deleted", slog.String("ruleID", ruleID))
	w.WriteHeader(http.StatusOK)
}
