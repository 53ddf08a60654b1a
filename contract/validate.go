package contract

import (
	"github.com/warp/settlement-engine/generic"
)

// Candidate is a contract about to be signed.
type Candidate struct {
	Type      generic.ContractType
	StartDate generic.TimePoint
	EndDate   *generic.TimePoint
}

// MinimumRentalMonths is the shortest allowed RENTAL term.
const MinimumRentalMonths = 1

// ValidateNewContract checks a candidate against the unit's resolution.
//
// Rules, in order:
//   - no live ACTIVE contract may exist
//   - start must be set and strictly after the reference contract's end,
//     or strictly after today when there is no reference
//   - RENTAL contracts need an end at least one month after start
func ValidateNewContract(c Candidate, res Resolution) error {
	if !res.CanOpenNewContract {
		return generic.NewValidationError("unit", "no_active_contract",
			"unit already has an active contract")
	}

	switch c.Type {
	case generic.ContractRental, generic.ContractPurchase:
	default:
		return generic.NewValidationError("contract_type", "enum",
			"contract type must be RENTAL or PURCHASE, got %q", c.Type)
	}

	if c.StartDate.IsZero() {
		return generic.NewValidationError("start_date", "required", "start date is required")
	}

	if res.Reference != nil {
		if !c.StartDate.After(*res.Reference.EndDate) {
			return generic.NewValidationError("start_date", "after_previous_end",
				"start date %s must be after %s, the end of contract %s",
				c.StartDate, res.Reference.EndDate, res.Reference.ID)
		}
	} else if !c.StartDate.After(res.Today) {
		return generic.NewValidationError("start_date", "after_today",
			"start date %s must be after today (%s)", c.StartDate, res.Today)
	}

	if c.Type == generic.ContractRental {
		if c.EndDate == nil || c.EndDate.IsZero() {
			return generic.NewValidationError("end_date", "required", "end date is required for rental contracts")
		}
		return ValidateRentalTerm(c.StartDate, *c.EndDate)
	}

	if c.EndDate != nil && !c.EndDate.After(c.StartDate) {
		return generic.NewValidationError("end_date", "after_start",
			"end date %s must be after start date %s", c.EndDate, c.StartDate)
	}
	return nil
}

// ValidateRentalTerm enforces end >= start + 1 month.
func ValidateRentalTerm(start, end generic.TimePoint) error {
	minEnd := start.AddMonths(MinimumRentalMonths)
	if end.Before(minEnd) {
		return generic.NewValidationError("end_date", "minimum_term",
			"end date must be >= 1 month after start (earliest %s, got %s)", minEnd, end)
	}
	return nil
}
