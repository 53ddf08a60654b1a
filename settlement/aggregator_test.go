package settlement_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/generic/store"
	"github.com/warp/settlement-engine/logging"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var today = generic.MustParseDate("2025-06-15")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func tiers(service generic.ServiceCode, prices ...string) []generic.PricingTier {
	from := today.AddMonths(-6)
	return []generic.PricingTier{
		{ServiceCode: service, TierOrder: 1, MinQuantity: dec("0"), MaxQuantity: decPtr("100"), UnitPrice: dec(prices[0]), EffectiveFrom: from},
		{ServiceCode: service, TierOrder: 2, MinQuantity: dec("100"), MaxQuantity: decPtr("200"), UnitPrice: dec(prices[1]), EffectiveFrom: from},
		{ServiceCode: service, TierOrder: 3, MinQuantity: dec("200"), UnitPrice: dec(prices[2]), EffectiveFrom: from},
	}
}

// seed builds unit-1 with a water and an electric meter, readings of 30 m3
// and 250 kWh in the open cycle, and an inspection with one DAMAGED item
// worth 300,000. complete decides whether the inspection is COMPLETED.
func seed(t *testing.T, complete bool) (*store.Memory, *settlement.Service, generic.InspectionID) {
	t.Helper()
	ctx := context.Background()
	clock := generic.FixedClock{Day: today}
	mem := store.NewMemory(clock)

	mem.PutAsset(generic.Asset{ID: "a-tv", UnitID: "unit-1", Code: "TV-01", Active: true,
		PurchasePrice: generic.MoneyPtr(generic.NewMoney(1_000_000))})
	mem.PutMeter(generic.Meter{ID: "m-water", UnitID: "unit-1", ServiceCode: generic.ServiceWater})
	mem.PutMeter(generic.Meter{ID: "m-elec", UnitID: "unit-1", ServiceCode: generic.ServiceElectric})
	mem.PutCycle(generic.ReadingCycle{ID: "cy-1", Name: "2025-06", Status: generic.CycleOpen,
		Period: generic.Period{Start: today.AddDays(-14), End: today.AddDays(15)}})
	require.NoError(t, mem.SaveTiers(ctx, generic.ServiceWater, tiers(generic.ServiceWater, "1", "2", "3")))
	require.NoError(t, mem.SaveTiers(ctx, generic.ServiceElectric, tiers(generic.ServiceElectric, "1", "2", "3")))

	_, err := mem.CreateReading(ctx, generic.MeterReading{MeterID: "m-water", CycleID: "cy-1",
		PrevIndex: dec("100"), CurrIndex: dec("130")})
	require.NoError(t, err)
	_, err = mem.CreateReading(ctx, generic.MeterReading{MeterID: "m-elec", CycleID: "cy-1",
		PrevIndex: dec("2000"), CurrIndex: dec("2250")})
	require.NoError(t, err)

	insp, err := mem.CreateInspection(ctx, generic.NewInspection{ContractID: "c-1", UnitID: "unit-1"})
	require.NoError(t, err)
	full, err := mem.GetInspectionByContract(ctx, "c-1")
	require.NoError(t, err)
	require.NoError(t, mem.TransitionInspection(ctx, insp.ID, generic.InspectionInProgress, ""))
	require.NoError(t, mem.UpdateItem(ctx, insp.ID, full.Items[0].ID, generic.ItemPatch{
		Condition:  generic.ConditionDamaged,
		DamageCost: generic.AutoCost(generic.NewMoney(300_000)),
	}))
	if complete {
		require.NoError(t, mem.TransitionInspection(ctx, insp.ID, generic.InspectionCompleted, ""))
	}

	return mem, settlement.NewService(mem, clock, logging.Discard()), insp.ID
}

func line(t *testing.T, q settlement.Quote, code generic.ServiceCode) settlement.UtilityLine {
	t.Helper()
	for _, u := range q.Utilities {
		if u.Service == code {
			return u
		}
	}
	t.Fatalf("no %s line", code)
	return settlement.UtilityLine{}
}

// =============================================================================
// QUOTE
// =============================================================================

func TestQuote_EstimatesBeforeSettlement(t *testing.T) {
	_, svc, id := seed(t, false)

	q, err := svc.Quote(context.Background(), id)

	require.NoError(t, err)
	assert.True(t, q.Estimate())
	assert.Equal(t, settlement.SourceEstimate, q.DamageSource)
	assert.True(t, q.Damage.Equal(generic.NewMoney(300_000)))

	water := line(t, q, generic.ServiceWater)
	assert.Equal(t, settlement.SourceEstimate, water.Source)
	assert.True(t, water.Amount.Equal(dec("30")), "got %s", water.Amount)

	elec := line(t, q, generic.ServiceElectric)
	assert.True(t, elec.Amount.Equal(dec("450")), "got %s", elec.Amount)
	assert.Len(t, elec.Bands, 3)

	assert.True(t, q.UtilityTotal.Equal(dec("480")))
	assert.True(t, q.GrandTotal.Equal(dec("300480")))
}

func TestQuote_NoTiersConfigured(t *testing.T) {
	ctx := context.Background()
	clock := generic.FixedClock{Day: today}
	mem := store.NewMemory(clock)
	mem.PutMeter(generic.Meter{ID: "m-water", UnitID: "unit-1", ServiceCode: generic.ServiceWater})
	mem.PutCycle(generic.ReadingCycle{ID: "cy-1", Status: generic.CycleOpen,
		Period: generic.Period{Start: today.AddDays(-1), End: today.AddDays(1)}})
	_, err := mem.CreateReading(ctx, generic.MeterReading{MeterID: "m-water", CycleID: "cy-1", CurrIndex: dec("10")})
	require.NoError(t, err)
	insp, err := mem.CreateInspection(ctx, generic.NewInspection{ContractID: "c-1", UnitID: "unit-1"})
	require.NoError(t, err)

	q, err := settlement.NewService(mem, clock, logging.Discard()).Quote(ctx, insp.ID)

	require.NoError(t, err)
	assert.True(t, line(t, q, generic.ServiceWater).Amount.IsZero())
}

// =============================================================================
// SETTLE
// =============================================================================

func TestSettle_RequiresCompletedInspection(t *testing.T) {
	_, svc, id := seed(t, false)

	_, _, err := svc.Settle(context.Background(), id)

	var se *generic.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, generic.InspectionInProgress, se.Status)
}

func TestSettle_ConfirmsUtilitiesOnce(t *testing.T) {
	// GIVEN: A completed inspection with readings in the open cycle
	mem, svc, id := seed(t, true)
	ctx := context.Background()

	// WHEN: Settling
	q, exported, err := svc.Settle(ctx, id)

	// THEN: One UTILITY invoice, and the quote now uses its lines
	require.NoError(t, err)
	require.Len(t, exported, 1)
	assert.Equal(t, generic.InvoiceUtility, exported[0].Kind)
	assert.True(t, exported[0].TotalAmount.Equal(dec("480")))

	assert.False(t, q.Estimate())
	assert.Equal(t, settlement.SourceConfirmed, line(t, q, generic.ServiceWater).Source)
	assert.True(t, q.GrandTotal.Equal(dec("300480")))

	// Settling again does not export twice
	_, again, err := svc.Settle(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, again)

	invoices, err := mem.ListInvoices(ctx, "unit-1", "cy-1")
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}

func TestQuote_ConfirmedLineWinsOverEstimate(t *testing.T) {
	mem, svc, id := seed(t, true)
	ctx := context.Background()

	// Billing already issued a water line that differs from the tariff.
	_, err := mem.CreateInvoice(ctx, generic.Invoice{
		UnitID: "unit-1", CycleID: "cy-1", Kind: generic.InvoiceUtility,
		Lines:       map[generic.ServiceCode]generic.Money{generic.ServiceWater: dec("35")},
		TotalAmount: dec("35"),
	})
	require.NoError(t, err)

	q, err := svc.Quote(ctx, id)

	require.NoError(t, err)
	water := line(t, q, generic.ServiceWater)
	assert.Equal(t, settlement.SourceConfirmed, water.Source)
	assert.True(t, water.Amount.Equal(dec("35")))
	assert.Equal(t, settlement.SourceEstimate, line(t, q, generic.ServiceElectric).Source)
}

func TestSettle_SeesCompletionThroughLag(t *testing.T) {
	// GIVEN: The completion is written but by-id reads still lag behind it
	mem, svc, id := seed(t, false)
	ctx := context.Background()
	mem.ReadLag = 5
	require.NoError(t, mem.TransitionInspection(ctx, id, generic.InspectionCompleted, ""))

	// WHEN: Settling right away
	q, exported, err := svc.Settle(ctx, id)

	// THEN: The authoritative status is used
	require.NoError(t, err)
	assert.Len(t, exported, 1)
	assert.Equal(t, settlement.SourceConfirmed, q.DamageSource)
}

// =============================================================================
// EXPORT AFTER COMPLETION
// =============================================================================

func TestExportCompleted_CreatesUtilityInvoice(t *testing.T) {
	// GIVEN: A completed inspection with readings in the open cycle
	mem, svc, id := seed(t, true)
	ctx := context.Background()
	insp, err := generic.ReadInspection(ctx, mem, id)
	require.NoError(t, err)

	// WHEN: Running the post-completion export
	exported, err := svc.ExportCompleted(ctx, insp)

	// THEN: The unit has its UTILITY invoice without a separate settle call
	require.NoError(t, err)
	require.Len(t, exported, 1)
	assert.Equal(t, generic.InvoiceUtility, exported[0].Kind)
	assert.Equal(t, generic.UnitID("unit-1"), exported[0].UnitID)
	assert.True(t, exported[0].TotalAmount.Equal(dec("480")))

	again, err := svc.ExportCompleted(ctx, insp)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestExportCompleted_RequiresCompletedInspection(t *testing.T) {
	mem, svc, id := seed(t, false)
	insp, err := generic.ReadInspection(context.Background(), mem, id)
	require.NoError(t, err)

	_, err = svc.ExportCompleted(context.Background(), insp)

	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

func TestExportCompleted_NoReadingsNoInvoice(t *testing.T) {
	ctx := context.Background()
	clock := generic.FixedClock{Day: today}
	mem := store.NewMemory(clock)
	mem.PutCycle(generic.ReadingCycle{ID: "cy-1", Status: generic.CycleOpen,
		Period: generic.Period{Start: today.AddDays(-1), End: today.AddDays(1)}})
	insp, err := mem.CreateInspection(ctx, generic.NewInspection{ContractID: "c-1", UnitID: "unit-1"})
	require.NoError(t, err)
	require.NoError(t, mem.TransitionInspection(ctx, insp.ID, generic.InspectionCompleted, ""))
	insp.Status = generic.InspectionCompleted

	exported, err := settlement.NewService(mem, clock, logging.Discard()).ExportCompleted(ctx, insp)

	require.NoError(t, err)
	assert.Empty(t, exported)
}
