/*
Package tariff computes progressive (graduated) utility charges.

PURPOSE:
  Water and electricity are billed in bands: the first N units at one
  price, the next M units at a higher price, and so on. Given a usage and
  the ordered tier set for a service, Breakdown reports how much of the
  usage fell in each band and what it cost.

ALGORITHM:
  remaining := usage
  for each tier by TierOrder:
      take := min(remaining, tier.Max - tier.Min)   (unbounded: all of it)
      cost += take * tier.UnitPrice
      remaining -= take
  stop when remaining == 0 or tiers run out

  Tiers [(0,100,1), (100,200,2), (200,-,3)], usage 250:
      100*1 + 100*2 + 50*3 = 450
  Usage exactly 100 consumes only the first band.

DEGRADATION:
  Usage <= 0 or no tiers yields zero. Missing configuration is "pricing not
  configured yet", never an error.

SEE ALSO:
  - factory/tariff.go: Tier sets from JSON, validated with ValidateTiers
  - settlement/aggregator.go: Utility estimates
*/
package tariff

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// QUOTE
// =============================================================================

// BandCharge is the part of the usage billed at one tier.
type BandCharge struct {
	TierOrder int
	Quantity  decimal.Decimal
	UnitPrice generic.Money
	Amount    generic.Money
}

// Quote is the per-band breakdown of a usage.
type Quote struct {
	Usage decimal.Decimal
	Bands []BandCharge
	Total generic.Money
}

// Calculate returns the cost of usage under tiers.
func Calculate(usage decimal.Decimal, tiers []generic.PricingTier) generic.Money {
	return Breakdown(usage, tiers).Total
}

// Breakdown applies tiers in TierOrder to usage.
func Breakdown(usage decimal.Decimal, tiers []generic.PricingTier) Quote {
	q := Quote{Usage: usage, Total: decimal.Zero}
	if !usage.IsPositive() || len(tiers) == 0 {
		return q
	}

	remaining := usage
	for _, tier := range SortTiers(tiers) {
		if !remaining.IsPositive() {
			break
		}

		take := remaining
		if tier.MaxQuantity != nil {
			width := tier.MaxQuantity.Sub(tier.MinQuantity)
			if !width.IsPositive() {
				continue
			}
			take = decimal.Min(remaining, width)
		}

		amount := take.Mul(tier.UnitPrice)
		q.Bands = append(q.Bands, BandCharge{
			TierOrder: tier.TierOrder,
			Quantity:  take,
			UnitPrice: tier.UnitPrice,
			Amount:    amount,
		})
		q.Total = q.Total.Add(amount)
		remaining = remaining.Sub(take)
	}
	return q
}

// SortTiers returns a copy ordered by TierOrder ascending.
func SortTiers(tiers []generic.PricingTier) []generic.PricingTier {
	sorted := make([]generic.PricingTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TierOrder < sorted[j].TierOrder
	})
	return sorted
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateTiers checks that tiers sorted by TierOrder form contiguous,
// non-overlapping [Min, Max) bands and that only the last band is unbounded.
func ValidateTiers(tiers []generic.PricingTier) error {
	if len(tiers) == 0 {
		return generic.NewValidationError("tiers", "required", "at least one tier is required")
	}

	sorted := SortTiers(tiers)
	seen := make(map[int]bool, len(sorted))
	for i, tier := range sorted {
		field := fmt.Sprintf("tiers[%d]", tier.TierOrder)

		if seen[tier.TierOrder] {
			return generic.NewValidationError(field, "unique_order", "duplicate tier_order %d", tier.TierOrder)
		}
		seen[tier.TierOrder] = true

		if tier.MinQuantity.IsNegative() {
			return generic.NewValidationError(field, "min_non_negative", "min_quantity must be >= 0")
		}
		if tier.UnitPrice.IsNegative() {
			return generic.NewValidationError(field, "price_non_negative", "unit_price must be >= 0")
		}

		last := i == len(sorted)-1
		if tier.MaxQuantity == nil && !last {
			return generic.NewValidationError(field, "unbounded_last", "only the last tier may have no max_quantity")
		}
		if tier.MaxQuantity != nil {
			if last {
				return generic.NewValidationError(field, "unbounded_last", "the last tier must have no max_quantity")
			}
			if !tier.MaxQuantity.GreaterThan(tier.MinQuantity) {
				return generic.NewValidationError(field, "band_width", "max_quantity %s must exceed min_quantity %s",
					tier.MaxQuantity, tier.MinQuantity)
			}
		}

		if i > 0 {
			prev := sorted[i-1]
			if !prev.MaxQuantity.Equal(tier.MinQuantity) {
				return generic.NewValidationError(field, "contiguous", "min_quantity %s must equal previous max_quantity %s",
					tier.MinQuantity, prev.MaxQuantity)
			}
		}
	}
	return nil
}

// =============================================================================
// USAGE
// =============================================================================

// UsageByService sums reading usage per service code. Readings for meters
// not in the list, and non-positive usages, are ignored.
func UsageByService(meters []generic.Meter, readings []generic.MeterReading) map[generic.ServiceCode]decimal.Decimal {
	service := make(map[generic.MeterID]generic.ServiceCode, len(meters))
	for _, m := range meters {
		service[m.ID] = m.ServiceCode
	}

	usage := make(map[generic.ServiceCode]decimal.Decimal)
	for _, r := range readings {
		code, ok := service[r.MeterID]
		if !ok {
			continue
		}
		u := r.Usage()
		if !u.IsPositive() {
			continue
		}
		usage[code] = usage[code].Add(u)
	}
	return usage
}
