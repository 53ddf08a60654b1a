package inspection

import (
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// CONDITION -> COST
// =============================================================================

var (
	damagedRate  = decimal.RequireFromString("0.30")
	repairedRate = decimal.RequireFromString("0.20")
)

// SuggestCost derives the default damage cost for a condition from the
// asset's reference price. ok is false when the condition is unset or the
// reference price is unknown.
//
//	GOOD     0
//	DAMAGED  round(price * 0.30)
//	REPAIRED round(price * 0.20)
//	MISSING  price
//	REPLACED price
func SuggestCost(condition generic.Condition, referencePrice *generic.Money) (generic.Money, bool) {
	if condition == generic.ConditionGood {
		return decimal.Zero, true
	}
	if !condition.IsSet() || referencePrice == nil {
		return decimal.Zero, false
	}

	price := *referencePrice
	switch condition {
	case generic.ConditionDamaged:
		return price.Mul(damagedRate).Round(0), true
	case generic.ConditionRepaired:
		return price.Mul(repairedRate).Round(0), true
	case generic.ConditionMissing, generic.ConditionReplaced:
		return price, true
	default:
		return decimal.Zero, false
	}
}

// ResolveItemCost decides the damage cost to store for an item whose
// condition becomes condition.
//
// An explicit amount always wins and is tagged MANUAL. Otherwise a MANUAL
// cost already on the item is kept as is; anything else is re-derived
// from the reference price and tagged AUTO (nil when no default exists).
func ResolveItemCost(item generic.InspectionItem, condition generic.Condition, explicit *generic.Money) *generic.DamageCost {
	if explicit != nil {
		return generic.ManualCost(*explicit)
	}
	if item.DamageCost.IsManual() {
		kept := *item.DamageCost
		return &kept
	}
	if amount, ok := SuggestCost(condition, item.ReferencePrice); ok {
		return generic.AutoCost(amount)
	}
	return nil
}
