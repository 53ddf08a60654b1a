package contract_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var today = generic.MustParseDate("2025-06-15")

func day(offset int) *generic.TimePoint { return generic.DatePtr(today.AddDays(offset)) }

func rental(id string, status generic.ContractStatus, start generic.TimePoint, end *generic.TimePoint) generic.RentalContract {
	return generic.RentalContract{
		ID:        generic.ContractID(id),
		UnitID:    "unit-1",
		Type:      generic.ContractRental,
		Status:    status,
		StartDate: start,
		EndDate:   end,
	}
}

func resolve(contracts ...generic.RentalContract) contract.Resolution {
	return contract.Resolve(contracts, today, contract.DefaultOptions())
}

// =============================================================================
// EFFECTIVE VALIDITY
// =============================================================================

func TestEffectivelyActive(t *testing.T) {
	tests := []struct {
		name   string
		status generic.ContractStatus
		end    *generic.TimePoint
		want   bool
	}{
		{"active open-ended", generic.ContractActive, nil, true},
		{"active ends tomorrow", generic.ContractActive, day(1), true},
		{"active ends today", generic.ContractActive, day(0), false},
		{"active ended yesterday", generic.ContractActive, day(-1), false},
		{"cancelled paid through today", generic.ContractCancelled, day(0), true},
		{"cancelled paid through next week", generic.ContractCancelled, day(7), true},
		{"cancelled ended yesterday", generic.ContractCancelled, day(-1), false},
		{"cancelled without end", generic.ContractCancelled, nil, false},
		{"inactive", generic.ContractInactive, day(30), false},
		{"expired status", generic.ContractExpired, day(30), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := rental("c", tt.status, today.AddMonths(-12), tt.end)
			assert.Equal(t, tt.want, contract.EffectivelyActive(c, today))
		})
	}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

func TestClassify_ExpiringUsesContractTerm(t *testing.T) {
	// GIVEN: Two contracts ending on the same day
	// WHEN: Classified with the default (contract term) basis
	// THEN: Only the one whose whole term is <= 30 days is EXPIRING
	short := rental("short", generic.ContractActive, today.AddDays(-10), day(10))
	long := rental("long", generic.ContractActive, today.AddMonths(-12), day(10))

	shortCl := contract.Classify(short, today, contract.DefaultOptions())
	longCl := contract.Classify(long, today, contract.DefaultOptions())

	assert.Equal(t, contract.ClassExpiring, shortCl.Class)
	assert.Equal(t, 20, shortCl.DaysRemaining)
	assert.Equal(t, contract.ClassActive, longCl.Class)
}

func TestClassify_ExpiringRemainingBasis(t *testing.T) {
	long := rental("long", generic.ContractActive, today.AddMonths(-12), day(10))

	cl := contract.Classify(long, today, contract.Options{Basis: contract.BasisRemaining, WindowDays: 30})

	assert.Equal(t, contract.ClassExpiring, cl.Class)
	assert.Equal(t, 10, cl.DaysRemaining)
}

func TestClassify_ZeroOptionsUseDefaults(t *testing.T) {
	// GIVEN: A 20-day rental classified without options
	short := rental("short", generic.ContractActive, today.AddDays(-10), day(10))

	// WHEN: Classify is called directly with the zero Options
	cl := contract.Classify(short, today, contract.Options{})

	// THEN: The default 30-day window and contract-term basis apply
	assert.Equal(t, contract.ClassExpiring, cl.Class)
	assert.Equal(t, 20, cl.DaysRemaining)
}

func TestClassify_ExpiredAndInactive(t *testing.T) {
	expired := contract.Classify(rental("e", generic.ContractActive, today.AddMonths(-6), day(-1)), today, contract.DefaultOptions())
	inactive := contract.Classify(rental("i", generic.ContractInactive, today.AddMonths(-6), nil), today, contract.DefaultOptions())

	assert.Equal(t, contract.ClassExpired, expired.Class)
	assert.False(t, expired.Occupying)
	assert.Equal(t, contract.ClassInactive, inactive.Class)
}

// =============================================================================
// RESOLUTION
// =============================================================================

func TestResolve_CancelledContractStillOccupiesButDoesNotBlock(t *testing.T) {
	// GIVEN: A CANCELLED contract paid through today+10
	cancelled := rental("cancelled", generic.ContractCancelled, today.AddMonths(-6), day(10))

	// WHEN: Resolving the unit
	res := resolve(cancelled)

	// THEN: The unit is occupied (no move-out yet) ...
	cl, ok := res.Find("cancelled")
	require.True(t, ok)
	assert.Equal(t, contract.ClassActive, cl.Class)
	assert.True(t, res.Occupied())
	assert.False(t, res.NeedsMoveOut())

	// ... but a new contract may be opened, starting after the paid period
	assert.True(t, res.CanOpenNewContract)
	require.NotNil(t, res.Reference)
	assert.Equal(t, generic.ContractID("cancelled"), res.Reference.ID)

	err := contract.ValidateNewContract(contract.Candidate{
		Type:      generic.ContractRental,
		StartDate: *day(10),
		EndDate:   generic.DatePtr(day(10).AddMonths(12)),
	}, res)
	var ve *generic.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "after_previous_end", ve.Rule)

	err = contract.ValidateNewContract(contract.Candidate{
		Type:      generic.ContractRental,
		StartDate: *day(11),
		EndDate:   generic.DatePtr(day(11).AddMonths(12)),
	}, res)
	assert.NoError(t, err)
}

func TestResolve_ActiveContractBlocksNewContract(t *testing.T) {
	res := resolve(rental("active", generic.ContractActive, today.AddMonths(-1), day(200)))

	assert.False(t, res.CanOpenNewContract)
	err := contract.ValidateNewContract(contract.Candidate{
		Type:      generic.ContractRental,
		StartDate: *day(300),
		EndDate:   generic.DatePtr(day(300).AddMonths(6)),
	}, res)
	var ve *generic.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "no_active_contract", ve.Rule)
}

func TestResolve_LatestExpiredRental(t *testing.T) {
	older := rental("older", generic.ContractExpired, today.AddMonths(-24), day(-400))
	newer := rental("newer", generic.ContractActive, today.AddMonths(-12), day(-3))
	purchase := generic.RentalContract{
		ID: "purchase", UnitID: "unit-1", Type: generic.ContractPurchase,
		Status: generic.ContractInactive, StartDate: today.AddMonths(-6), EndDate: day(-1),
	}

	res := resolve(older, newer, purchase)

	require.NotNil(t, res.LatestExpiredRental)
	assert.Equal(t, generic.ContractID("newer"), res.LatestExpiredRental.ID)
	assert.True(t, res.NeedsMoveOut())
	assert.True(t, res.CanOpenNewContract)
}

func TestResolve_EmptyUnit(t *testing.T) {
	res := resolve()

	assert.True(t, res.CanOpenNewContract)
	assert.Nil(t, res.LatestExpiredRental)
	assert.Nil(t, res.Reference)
	assert.False(t, res.NeedsMoveOut())
}

// =============================================================================
// NEW CONTRACT VALIDATION
// =============================================================================

func TestValidateNewContract_NoReferenceMustStartAfterToday(t *testing.T) {
	res := resolve()

	sameDay := contract.Candidate{Type: generic.ContractRental, StartDate: today, EndDate: generic.DatePtr(today.AddMonths(1))}
	err := contract.ValidateNewContract(sameDay, res)
	var ve *generic.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "after_today", ve.Rule)

	tomorrow := contract.Candidate{Type: generic.ContractRental, StartDate: *day(1), EndDate: generic.DatePtr(day(1).AddMonths(1))}
	assert.NoError(t, contract.ValidateNewContract(tomorrow, res))
}

func TestValidateRentalTerm_OneMonthBoundary(t *testing.T) {
	start := generic.MustParseDate("2025-03-10")

	// Exactly one month: allowed
	assert.NoError(t, contract.ValidateRentalTerm(start, start.AddMonths(1)))

	// One day short: rejected
	err := contract.ValidateRentalTerm(start, start.AddMonths(1).AddDays(-1))
	var ve *generic.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "minimum_term", ve.Rule)
	assert.Contains(t, ve.Message, "end date must be >= 1 month after start")
}

func TestValidateNewContract_Purchase(t *testing.T) {
	res := resolve()

	open := contract.Candidate{Type: generic.ContractPurchase, StartDate: *day(5)}
	assert.NoError(t, contract.ValidateNewContract(open, res))

	backwards := contract.Candidate{Type: generic.ContractPurchase, StartDate: *day(5), EndDate: day(4)}
	assert.Error(t, contract.ValidateNewContract(backwards, res))

	unknown := contract.Candidate{Type: "LEASE", StartDate: *day(5)}
	assert.Error(t, contract.ValidateNewContract(unknown, res))
}
