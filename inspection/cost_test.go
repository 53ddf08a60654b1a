package inspection_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/inspection"
)

// =============================================================================
// CONDITION -> COST
// =============================================================================

func TestSuggestCost_ReferencePriceOneMillion(t *testing.T) {
	price := generic.MoneyPtr(generic.NewMoney(1_000_000))

	tests := []struct {
		condition generic.Condition
		want      int64
	}{
		{generic.ConditionGood, 0},
		{generic.ConditionDamaged, 300_000},
		{generic.ConditionRepaired, 200_000},
		{generic.ConditionMissing, 1_000_000},
		{generic.ConditionReplaced, 1_000_000},
	}

	for _, tt := range tests {
		t.Run(string(tt.condition), func(t *testing.T) {
			got, ok := inspection.SuggestCost(tt.condition, price)
			require.True(t, ok)
			assert.True(t, got.Equal(generic.NewMoney(tt.want)), "want %d, got %s", tt.want, got)
		})
	}
}

func TestSuggestCost_Rounds(t *testing.T) {
	// 333 * 0.30 = 99.9 -> 100
	got, ok := inspection.SuggestCost(generic.ConditionDamaged, generic.MoneyPtr(generic.NewMoney(333)))
	require.True(t, ok)
	assert.True(t, got.Equal(generic.NewMoney(100)), "got %s", got)
}

func TestSuggestCost_NoSuggestion(t *testing.T) {
	_, ok := inspection.SuggestCost(generic.ConditionUnset, generic.MoneyPtr(generic.NewMoney(10)))
	assert.False(t, ok, "unset condition")

	_, ok = inspection.SuggestCost(generic.ConditionDamaged, nil)
	assert.False(t, ok, "unknown reference price")

	got, ok := inspection.SuggestCost(generic.ConditionGood, nil)
	assert.True(t, ok, "GOOD needs no price")
	assert.True(t, got.IsZero())
}

// =============================================================================
// MANUAL OVERRIDE
// =============================================================================

func TestResolveItemCost_ManualSurvivesConditionChange(t *testing.T) {
	// GIVEN: An item whose cost was typed by the inspector
	item := generic.InspectionItem{
		ID:             "it-1",
		Condition:      generic.ConditionDamaged,
		DamageCost:     generic.ManualCost(generic.NewMoney(42)),
		ReferencePrice: generic.MoneyPtr(generic.NewMoney(1_000_000)),
	}

	// WHEN: The condition changes without a new amount
	cost := inspection.ResolveItemCost(item, generic.ConditionMissing, nil)

	// THEN: The manual amount is kept
	require.NotNil(t, cost)
	assert.Equal(t, generic.CostManual, cost.Source)
	assert.True(t, cost.Amount.Equal(generic.NewMoney(42)))
}

func TestResolveItemCost_AutoIsRederived(t *testing.T) {
	item := generic.InspectionItem{
		ID:             "it-1",
		Condition:      generic.ConditionDamaged,
		DamageCost:     generic.AutoCost(generic.NewMoney(300_000)),
		ReferencePrice: generic.MoneyPtr(generic.NewMoney(1_000_000)),
	}

	cost := inspection.ResolveItemCost(item, generic.ConditionRepaired, nil)

	require.NotNil(t, cost)
	assert.Equal(t, generic.CostAuto, cost.Source)
	assert.True(t, cost.Amount.Equal(generic.NewMoney(200_000)))
}

func TestResolveItemCost_ExplicitWins(t *testing.T) {
	item := generic.InspectionItem{ID: "it-1", DamageCost: generic.ManualCost(generic.NewMoney(42))}

	cost := inspection.ResolveItemCost(item, generic.ConditionDamaged, generic.MoneyPtr(generic.NewMoney(7)))

	require.NotNil(t, cost)
	assert.Equal(t, generic.CostManual, cost.Source)
	assert.True(t, cost.Amount.Equal(generic.NewMoney(7)))
}

func TestResolveItemCost_NoPriceNoCost(t *testing.T) {
	item := generic.InspectionItem{ID: "it-1"}

	assert.Nil(t, inspection.ResolveItemCost(item, generic.ConditionDamaged, nil))
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to generic.InspectionStatus
		want     bool
	}{
		{generic.InspectionPending, generic.InspectionInProgress, true},
		{generic.InspectionPending, generic.InspectionCancelled, true},
		{generic.InspectionPending, generic.InspectionCompleted, false},
		{generic.InspectionInProgress, generic.InspectionCompleted, true},
		{generic.InspectionInProgress, generic.InspectionCancelled, true},
		{generic.InspectionInProgress, generic.InspectionPending, false},
		{generic.InspectionCompleted, generic.InspectionCancelled, false},
		{generic.InspectionCancelled, generic.InspectionInProgress, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, inspection.CanTransition(tt.from, tt.to))
		})
	}
}
