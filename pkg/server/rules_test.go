package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wattkeeper/wattkeeper/pkg/storage"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

func validTestRule() types.Rule {
	return types.Rule{
		ID:       "low-soc-charge",
		Name:     "Low SoC Charge",
		Enabled:  true,
		Priority: 1,
		Conditions: map[types.ConditionKind]types.Condition{
			types.ConditionSOC: {Enabled: true, Operator: types.OperatorLT, Value: 20},
		},
		Action: types.RuleAction{
			WorkMode:        types.WorkModeForceCharge,
			DurationMinutes: 60,
			PowerKW:         5,
		},
	}
}

func postJSON(t *testing.T, path string, v any) *http.Request {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestListRulesEmpty(t *testing.T) {
	h := newTestServer(t)
	h.db.On("ListRules", mock.Anything, testUser).Return(nil, nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/rules", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestGetRuleNotFound(t *testing.T) {
	h := newTestServer(t)
	h.db.On("GetRule", mock.Anything, testUser, "nope").Return(types.Rule{}, storage.ErrNotFound)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/rules/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertRule(t *testing.T) {
	h := newTestServer(t)
	rule := validTestRule()

	h.db.On("GetRule", mock.Anything, testUser, rule.ID).Return(types.Rule{}, storage.ErrNotFound)
	h.db.On("UpsertRule", mock.Anything, testUser, mock.MatchedBy(func(r types.Rule) bool {
		return r.ID == rule.ID && r.LastTriggered == nil
	})).Return(nil).Once()

	rec := h.do(postJSON(t, "/api/rules", rule))
	require.Equal(t, http.StatusOK, rec.Code)
	h.db.AssertExpectations(t)
}

func TestUpsertRulePreservesLastTriggered(t *testing.T) {
	h := newTestServer(t)
	rule := validTestRule()

	triggered := time.Date(2025, 12, 5, 9, 0, 0, 0, time.UTC)
	existing := rule
	existing.LastTriggered = &triggered

	h.db.On("GetRule", mock.Anything, testUser, rule.ID).Return(existing, nil)
	h.db.On("UpsertRule", mock.Anything, testUser, mock.MatchedBy(func(r types.Rule) bool {
		return r.LastTriggered != nil && r.LastTriggered.Equal(triggered)
	})).Return(nil).Once()

	rec := h.do(postJSON(t, "/api/rules", rule))
	require.Equal(t, http.StatusOK, rec.Code)
	h.db.AssertExpectations(t)
}

func TestUpsertRuleValidation(t *testing.T) {
	h := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(*types.Rule)
	}{
		{"missing id", func(r *types.Rule) { r.ID = "" }},
		{"missing name", func(r *types.Rule) { r.Name = "" }},
		{"negative priority", func(r *types.Rule) { r.Priority = -1 }},
		{"negative cooldown", func(r *types.Rule) { r.CooldownMinutes = -5 }},
		{"no conditions", func(r *types.Rule) { r.Conditions = nil }},
		{"unknown work mode", func(r *types.Rule) { r.Action.WorkMode = "Turbo" }},
		{"zero duration", func(r *types.Rule) { r.Action.DurationMinutes = 0 }},
		{"duration too long", func(r *types.Rule) { r.Action.DurationMinutes = maxRuleDurationMinutes + 1 }},
		{"negative power", func(r *types.Rule) { r.Action.PowerKW = -1 }},
		{"target soc out of range", func(r *types.Rule) { r.Action.TargetSoC = 101 }},
		{"unknown condition kind", func(r *types.Rule) {
			r.Conditions["windSpeed"] = types.Condition{Enabled: true, Operator: types.OperatorGT, Value: 1}
		}},
		{"unknown operator", func(r *types.Rule) {
			r.Conditions[types.ConditionSOC] = types.Condition{Enabled: true, Operator: "~", Value: 1}
		}},
		{"between without upper bound", func(r *types.Rule) {
			r.Conditions[types.ConditionSOC] = types.Condition{Enabled: true, Operator: types.OperatorBetween, Value: 1}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validTestRule()
			tt.mutate(&rule)
			rec := h.do(postJSON(t, "/api/rules", rule))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	h.db.AssertNotCalled(t, "UpsertRule", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpsertRuleInvalidBody(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/rules", bytes.NewReader([]byte("{")))
	rec := h.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteRule(t *testing.T) {
	h := newTestServer(t)
	h.db.On("DeleteRule", mock.Anything, testUser, "low-soc-charge").Return(nil).Once()

	rec := h.do(httptest.NewRequest(http.MethodDelete, "/api/rules/low-soc-charge", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	h.db.AssertExpectations(t)
}

func TestDeleteRuleNotFound(t *testing.T) {
	h := newTestServer(t)
	h.db.On("DeleteRule", mock.Anything, testUser, "nope").Return(storage.ErrNotFound)

	rec := h.do(httptest.NewRequest(http.MethodDelete, "/api/rules/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
