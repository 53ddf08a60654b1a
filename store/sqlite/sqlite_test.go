package sqlite

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/generic"
)

var today = generic.MustParseDate("2025-06-15")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", generic.FixedClock{Day: today})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUnit(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	end := today.AddDays(-1)
	require.NoError(t, s.PutContract(ctx, generic.RentalContract{
		ID: "c-1", UnitID: "unit-1", Type: generic.ContractRental, Status: generic.ContractActive,
		StartDate: today.AddMonths(-12), EndDate: &end, MonthlyRent: generic.MoneyPtr(generic.NewMoney(5_000_000)),
	}))
	require.NoError(t, s.PutAsset(ctx, generic.Asset{ID: "a-tv", UnitID: "unit-1", Code: "TV-01", Name: "Television",
		PurchasePrice: generic.MoneyPtr(generic.NewMoney(1_000_000)), Active: true}))
	require.NoError(t, s.PutAsset(ctx, generic.Asset{ID: "a-sofa", UnitID: "unit-1", Code: "SOFA-01", Active: true}))
	require.NoError(t, s.PutAsset(ctx, generic.Asset{ID: "a-old", UnitID: "unit-1", Code: "OLD-01", Active: false}))
	require.NoError(t, s.PutMeter(ctx, generic.Meter{ID: "m-water", UnitID: "unit-1", BuildingID: "b-1",
		ServiceCode: generic.ServiceWater, LastReading: dec("100")}))
	require.NoError(t, s.PutCycle(ctx, generic.ReadingCycle{ID: "cy-1", Name: "2025-06", Status: generic.CycleOpen,
		Period: generic.Period{Start: generic.MustParseDate("2025-06-01"), End: generic.MustParseDate("2025-06-30")}}))
}

func TestContracts_RoundTrip(t *testing.T) {
	s := newStore(t)
	seedUnit(t, s)
	ctx := context.Background()

	c, err := s.GetContract(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, generic.UnitID("unit-1"), c.UnitID)
	require.NotNil(t, c.EndDate)
	assert.Equal(t, "2025-06-14", c.EndDate.String())
	require.NotNil(t, c.MonthlyRent)
	assert.True(t, c.MonthlyRent.Equal(generic.NewMoney(5_000_000)))

	units, err := s.ListUnitIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []generic.UnitID{"unit-1"}, units)

	_, err = s.GetContract(ctx, "nope")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestInspection_CreateSnapshotsActiveAssets(t *testing.T) {
	s := newStore(t)
	seedUnit(t, s)
	ctx := context.Background()

	insp, err := s.CreateInspection(ctx, generic.NewInspection{ContractID: "c-1", UnitID: "unit-1", InspectorName: "Linh"})
	require.NoError(t, err)

	assert.Equal(t, generic.InspectionPending, insp.Status)
	assert.True(t, today.Equal(insp.InspectionDate))
	require.Len(t, insp.Items, 2)
	assert.Equal(t, "SOFA-01", insp.Items[0].AssetCode)
	assert.Nil(t, insp.Items[0].ReferencePrice)
	require.NotNil(t, insp.Items[1].ReferencePrice)
	assert.True(t, insp.Items[1].ReferencePrice.Equal(generic.NewMoney(1_000_000)))

	byContract, err := s.GetInspectionByContract(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, insp.ID, byContract.ID)
}

func TestInspection_TotalFollowsItems(t *testing.T) {
	// GIVEN: An in-progress inspection
	s := newStore(t)
	seedUnit(t, s)
	ctx := context.Background()
	insp, err := s.CreateInspection(ctx, generic.NewInspection{ContractID: "c-1", UnitID: "unit-1"})
	require.NoError(t, err)
	require.NoError(t, s.TransitionInspection(ctx, insp.ID, generic.InspectionInProgress, ""))

	// WHEN: Both items get a cost
	require.NoError(t, s.UpdateItem(ctx, insp.ID, insp.Items[0].ID, generic.ItemPatch{
		Condition: generic.ConditionDamaged, DamageCost: generic.ManualCost(dec("150000.50")), Checked: true,
	}))
	require.NoError(t, s.UpdateItem(ctx, insp.ID, insp.Items[1].ID, generic.ItemPatch{
		Condition: generic.ConditionMissing, DamageCost: generic.AutoCost(generic.NewMoney(1_000_000)), Notes: "gone",
	}))

	// THEN: The derived total is exact and sources survive the round trip
	got, err := s.GetInspection(ctx, insp.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalDamageCost.Equal(dec("1150000.50")), "got %s", got.TotalDamageCost)
	assert.True(t, got.Items[0].DamageCost.IsManual())
	assert.True(t, got.Items[0].Checked)
	assert.Equal(t, "gone", got.Items[1].Notes)

	require.NoError(t, s.TransitionInspection(ctx, insp.ID, generic.InspectionCompleted, "done"))
	got, err = s.GetInspection(ctx, insp.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.InspectionCompleted, got.Status)
	assert.Equal(t, "done", got.InspectorNotes)

	err = s.UpdateItem(ctx, insp.ID, "missing", generic.ItemPatch{})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestInspection_MarkItemsCheckedKeepsCosts(t *testing.T) {
	// GIVEN: An inspection with a manual cost on one item
	s := newStore(t)
	seedUnit(t, s)
	ctx := context.Background()
	insp, err := s.CreateInspection(ctx, generic.NewInspection{ContractID: "c-1", UnitID: "unit-1"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateItem(ctx, insp.ID, insp.Items[0].ID, generic.ItemPatch{
		Condition: generic.ConditionDamaged, DamageCost: generic.ManualCost(dec("700")),
	}))

	// WHEN: Marking every item checked
	require.NoError(t, s.MarkItemsChecked(ctx, insp.ID))

	// THEN: Only the checked flag changes
	got, err := s.GetInspection(ctx, insp.ID)
	require.NoError(t, err)
	for _, it := range got.Items {
		assert.True(t, it.Checked, it.AssetCode)
	}
	assert.Equal(t, generic.ConditionDamaged, got.Items[0].Condition)
	assert.True(t, got.Items[0].DamageCost.IsManual())
	assert.True(t, got.TotalDamageCost.Equal(dec("700")), "got %s", got.TotalDamageCost)

	assert.ErrorIs(t, s.MarkItemsChecked(ctx, "missing"), generic.ErrNotFound)
}

func TestReadings_AdvanceMeter(t *testing.T) {
	s := newStore(t)
	seedUnit(t, s)
	ctx := context.Background()

	r, err := s.CreateReading(ctx, generic.MeterReading{MeterID: "m-water", CycleID: "cy-1",
		PrevIndex: dec("100"), CurrIndex: dec("112")})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)

	meters, err := s.ListMetersByUnit(ctx, "unit-1")
	require.NoError(t, err)
	require.Len(t, meters, 1)
	assert.True(t, meters[0].LastReading.Equal(dec("112")))

	readings, err := s.ListReadings(ctx, "cy-1", "unit-1")
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.True(t, readings[0].Usage().Equal(dec("12")))

	other, err := s.ListReadings(ctx, "cy-1", "unit-2")
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = s.CreateReading(ctx, generic.MeterReading{MeterID: "m-gas", CycleID: "cy-1", CurrIndex: dec("1")})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestAssignments_IdempotentPerBuilding(t *testing.T) {
	s := newStore(t)
	seedUnit(t, s)
	ctx := context.Background()

	first, err := s.CreateReadingAssignment(ctx, generic.ReadingAssignment{CycleID: "cy-1", BuildingID: "b-1", Assignee: "Linh"})
	require.NoError(t, err)
	second, err := s.CreateReadingAssignment(ctx, generic.ReadingAssignment{CycleID: "cy-1", BuildingID: "b-1", Assignee: "Minh"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Linh", second.Assignee)

	list, err := s.ListReadingAssignments(ctx, "cy-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTiers_LatestVersionWins(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	version := func(from string, price string) []generic.PricingTier {
		eff := generic.MustParseDate(from)
		return []generic.PricingTier{
			{ServiceCode: generic.ServiceWater, TierOrder: 1, MinQuantity: dec("0"), MaxQuantity: generic.MoneyPtr(dec("10")), UnitPrice: dec(price), EffectiveFrom: eff},
			{ServiceCode: generic.ServiceWater, TierOrder: 2, MinQuantity: dec("10"), UnitPrice: dec("99"), EffectiveFrom: eff},
		}
	}
	require.NoError(t, s.SaveTiers(ctx, generic.ServiceWater, version("2025-01-01", "5")))
	require.NoError(t, s.SaveTiers(ctx, generic.ServiceWater, version("2025-07-01", "7")))

	tiers, err := s.ActiveTiers(ctx, generic.ServiceWater, today)
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.True(t, tiers[0].UnitPrice.Equal(dec("5")))
	assert.Nil(t, tiers[1].MaxQuantity)

	tiers, err = s.ActiveTiers(ctx, generic.ServiceWater, generic.MustParseDate("2025-07-01"))
	require.NoError(t, err)
	assert.True(t, tiers[0].UnitPrice.Equal(dec("7")))

	none, err := s.ActiveTiers(ctx, generic.ServiceElectric, today)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestExportCycle_OneUtilityInvoicePerUnit(t *testing.T) {
	// GIVEN: 12 m3 of water and a flat 10/m3 tariff
	s := newStore(t)
	seedUnit(t, s)
	ctx := context.Background()
	require.NoError(t, s.SaveTiers(ctx, generic.ServiceWater, []generic.PricingTier{
		{ServiceCode: generic.ServiceWater, TierOrder: 1, MinQuantity: dec("0"), UnitPrice: dec("10"),
			EffectiveFrom: generic.MustParseDate("2025-01-01")},
	}))
	_, err := s.CreateReading(ctx, generic.MeterReading{MeterID: "m-water", CycleID: "cy-1",
		PrevIndex: dec("100"), CurrIndex: dec("112")})
	require.NoError(t, err)

	// WHEN: Exporting twice
	created, err := s.ExportCycle(ctx, "cy-1")
	require.NoError(t, err)
	again, err := s.ExportCycle(ctx, "cy-1")
	require.NoError(t, err)

	// THEN: One invoice with the water line; the second export is a no-op
	require.Len(t, created, 1)
	assert.Empty(t, again)
	inv, err := s.GetInvoice(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, generic.InvoiceUtility, inv.Kind)
	assert.Equal(t, generic.InvoicePending, inv.Status)
	assert.True(t, inv.Lines[generic.ServiceWater].Equal(dec("120")))
	assert.True(t, inv.TotalAmount.Equal(dec("120")))

	// A second live UTILITY invoice for the same unit and cycle is refused
	_, err = s.CreateInvoice(ctx, generic.Invoice{UnitID: "unit-1", CycleID: "cy-1", Kind: generic.InvoiceUtility,
		Lines: map[generic.ServiceCode]generic.Money{}, TotalAmount: decimal.Zero})
	assert.ErrorIs(t, err, generic.ErrValidation)

	require.NoError(t, s.UpdateInvoiceStatus(ctx, inv.ID, generic.InvoicePaid))
	list, err := s.ListInvoices(ctx, "unit-1", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, generic.InvoicePaid, list[0].Status)
}

func TestReset(t *testing.T) {
	s := newStore(t)
	seedUnit(t, s)
	ctx := context.Background()

	require.NoError(t, s.Reset(ctx))

	units, err := s.ListUnitIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, units)
}
