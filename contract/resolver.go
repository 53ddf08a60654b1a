/*
Package contract resolves the effective validity of rental contracts.

PURPOSE:
  The persisted contract status is not enough to know whether a unit is
  occupied. A CANCELLED contract stays live until its paid-through end
  date; an ACTIVE contract whose end date passed is over even if nobody
  flipped its status. This package re-derives the real state from
  (status, end date) against a reference day.

EFFECTIVE VALIDITY (on day D):
  live    = (status ACTIVE    and (end is nil or end > D))
         or (status CANCELLED and end >= D)
  expired = not live and end is set

CLASSIFICATION:
  ACTIVE    live (including live CANCELLED contracts)
  EXPIRING  status ACTIVE, live, and 0 < days <= 30
  EXPIRED   expired
  INACTIVE  neither live nor expired (no end date)

  By default the EXPIRING day count spans the contract term (start -> end),
  not the time remaining (today -> end). See ExpiryBasis.

DERIVED VALUES:
  LatestExpiredRental  RENTAL contract with the greatest end among EXPIRED
  CanOpenNewContract   no status-ACTIVE contract is live
  Reference            contract whose end bounds the next start date

SEE ALSO:
  - validate.go: New-contract date rules
  - api/scheduler.go: Opens move-out inspections for expired units
*/
package contract

import (
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// OPTIONS
// =============================================================================

// ExpiryBasis selects how the EXPIRING day count is measured.
type ExpiryBasis string

const (
	// BasisContractTerm counts start -> end. Kept for compatibility with the
	// existing back-office screens.
	BasisContractTerm ExpiryBasis = "contract_term"

	// BasisRemaining counts today -> end.
	BasisRemaining ExpiryBasis = "remaining"
)

// DefaultExpiringWindowDays is the EXPIRING threshold.
const DefaultExpiringWindowDays = 30

type Options struct {
	Basis      ExpiryBasis
	WindowDays int
}

func DefaultOptions() Options {
	return Options{Basis: BasisContractTerm, WindowDays: DefaultExpiringWindowDays}
}

// withDefaults fills unset fields from DefaultOptions.
func (o Options) withDefaults() Options {
	if o.WindowDays <= 0 {
		o.WindowDays = DefaultExpiringWindowDays
	}
	if o.Basis == "" {
		o.Basis = BasisContractTerm
	}
	return o
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

type Class string

const (
	ClassActive   Class = "ACTIVE"
	ClassExpiring Class = "EXPIRING"
	ClassExpired  Class = "EXPIRED"
	ClassInactive Class = "INACTIVE"
)

type Classification struct {
	Contract generic.RentalContract
	Class    Class

	// DaysRemaining is set for EXPIRING, measured per Options.Basis.
	DaysRemaining int

	// Occupying is true while the contract keeps the unit occupied.
	Occupying bool

	// BlocksNewContract is true only for live status-ACTIVE contracts.
	BlocksNewContract bool
}

type Resolution struct {
	Today           generic.TimePoint
	Classifications []Classification

	LatestExpiredRental *generic.RentalContract
	Reference           *generic.RentalContract
	CanOpenNewContract  bool
}

// Occupied reports whether any contract still occupies the unit.
func (r Resolution) Occupied() bool {
	for _, c := range r.Classifications {
		if c.Occupying {
			return true
		}
	}
	return false
}

// NeedsMoveOut reports whether the unit's latest rental expired and nothing
// occupies it any more.
func (r Resolution) NeedsMoveOut() bool {
	return r.LatestExpiredRental != nil && !r.Occupied()
}

// Find returns the classification of one contract.
func (r Resolution) Find(id generic.ContractID) (Classification, bool) {
	for _, c := range r.Classifications {
		if c.Contract.ID == id {
			return c, true
		}
	}
	return Classification{}, false
}

// =============================================================================
// RESOLVER
// =============================================================================

// EffectivelyActive reports whether c is live on day.
func EffectivelyActive(c generic.RentalContract, day generic.TimePoint) bool {
	switch c.Status {
	case generic.ContractActive:
		return c.EndDate == nil || c.EndDate.After(day)
	case generic.ContractCancelled:
		return c.EndDate != nil && c.EndDate.AfterOrEqual(day)
	default:
		return false
	}
}

// IsExpired reports whether c is over on day.
func IsExpired(c generic.RentalContract, day generic.TimePoint) bool {
	return !EffectivelyActive(c, day) && c.EndDate != nil
}

// Classify classifies a single contract. Zero option fields take their
// defaults.
func Classify(c generic.RentalContract, today generic.TimePoint, opts Options) Classification {
	opts = opts.withDefaults()
	out := Classification{Contract: c}

	switch {
	case EffectivelyActive(c, today):
		out.Class = ClassActive
		out.Occupying = true
		out.BlocksNewContract = c.Status == generic.ContractActive

		if c.Status == generic.ContractActive && c.EndDate != nil {
			days := expiryDays(c, today, opts.Basis)
			if days > 0 && days <= opts.WindowDays {
				out.Class = ClassExpiring
				out.DaysRemaining = days
			}
		}
	case IsExpired(c, today):
		out.Class = ClassExpired
	default:
		out.Class = ClassInactive
	}
	return out
}

func expiryDays(c generic.RentalContract, today generic.TimePoint, basis ExpiryBasis) int {
	if basis == BasisRemaining {
		return generic.DaysBetween(today, *c.EndDate)
	}
	return generic.DaysBetween(c.StartDate, *c.EndDate)
}

// Resolve classifies every contract of a unit and derives the values the
// move-out flow needs.
func Resolve(contracts []generic.RentalContract, today generic.TimePoint, opts Options) Resolution {
	opts = opts.withDefaults()

	res := Resolution{
		Today:              today,
		Classifications:    make([]Classification, 0, len(contracts)),
		CanOpenNewContract: true,
	}

	for _, c := range contracts {
		cl := Classify(c, today, opts)
		res.Classifications = append(res.Classifications, cl)

		if cl.BlocksNewContract {
			res.CanOpenNewContract = false
		}

		if cl.Class == ClassExpired && c.Type == generic.ContractRental {
			if res.LatestExpiredRental == nil || c.EndDate.After(*res.LatestExpiredRental.EndDate) {
				latest := c
				res.LatestExpiredRental = &latest
			}
		}

		// A live cancellation bounds the next start date too.
		if isReferenceCandidate(cl) {
			if res.Reference == nil || c.EndDate.After(*res.Reference.EndDate) {
				ref := c
				res.Reference = &ref
			}
		}
	}
	return res
}

func isReferenceCandidate(cl Classification) bool {
	c := cl.Contract
	if c.EndDate == nil {
		return false
	}
	if cl.Class == ClassExpired && c.Type == generic.ContractRental {
		return true
	}
	return cl.Occupying && c.Status == generic.ContractCancelled
}
