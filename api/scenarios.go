/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates units, contracts,
	assets, meters, a reading cycle and tariffs that demonstrate a specific
	part of the move-out flow.

AVAILABLE SCENARIOS:

	move-out-ready:        Expired rental, vacant unit, no inspection yet
	inspection-in-progress: Same unit with a started inspection, one item damaged
	cancelled-contract:    Cancelled contract still paid through next month
	expiring-renewal:      Short active rental inside the EXPIRING window

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Load preset tariffs via factory
 3. Open the current month's reading cycle
 4. Create unit contracts, assets and meters
 5. Optionally drive the inspection workflow

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "move-out-ready"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/tariff.go: Preset tariff definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/inspection"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "move-out-ready",
		Name:        "Move-Out Ready",
		Description: "Rental ended yesterday; unit A-101 is vacant and waiting for its inspection",
	},
	{
		ID:          "inspection-in-progress",
		Name:        "Inspection In Progress",
		Description: "A-101 inspection started, television recorded as DAMAGED",
	},
	{
		ID:          "cancelled-contract",
		Name:        "Cancelled Contract",
		Description: "B-202 cancelled but paid through next month: still occupied, new contracts allowed",
	},
	{
		ID:          "expiring-renewal",
		Name:        "Expiring Renewal",
		Description: "C-303 short rental inside the 30-day EXPIRING window",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	loaders := map[string]func(context.Context) error{
		"move-out-ready":         h.loadMoveOutReadyScenario,
		"inspection-in-progress": h.loadInspectionInProgressScenario,
		"cancelled-contract":     h.loadCancelledContractScenario,
		"expiring-renewal":       h.loadExpiringRenewalScenario,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	if err := h.seedBuilding(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// seedBuilding loads the preset tariffs and opens this month's cycle.
func (h *Handler) seedBuilding(ctx context.Context) error {
	today := h.Clock.Today()
	from := generic.NewTimePoint(today.Time.Year()-1, time.January, 1).String()

	for _, preset := range []string{factory.ResidentialWaterJSON(from), factory.ResidentialElectricJSON(from)} {
		service, tiers, err := h.TariffFactory.ParseTariff(preset)
		if err != nil {
			return err
		}
		if err := h.Store.SaveTiers(ctx, service, tiers); err != nil {
			return err
		}
	}

	start := generic.NewTimePoint(today.Time.Year(), today.Time.Month(), 1)
	return h.Store.PutCycle(ctx, generic.ReadingCycle{
		ID:     generic.CycleID("cy-" + start.Time.Format("2006-01")),
		Name:   start.Time.Format("2006-01"),
		Status: generic.CycleOpen,
		Period: generic.Period{Start: start, End: start.AddMonths(1).AddDays(-1)},
	})
}

// seedUnit creates a unit's standard assets and two meters.
func (h *Handler) seedUnit(ctx context.Context, unit generic.UnitID, building string) error {
	assets := []generic.Asset{
		{Code: "TV-01", Name: "Television", AssetType: "ELECTRONICS", PurchasePrice: generic.MoneyPtr(generic.NewMoney(8_500_000))},
		{Code: "FRIDGE-01", Name: "Refrigerator", AssetType: "APPLIANCE", PurchasePrice: generic.MoneyPtr(generic.NewMoney(12_000_000))},
		{Code: "SOFA-01", Name: "Sofa", AssetType: "FURNITURE", PurchasePrice: generic.MoneyPtr(generic.NewMoney(6_000_000))},
		{Code: "AC-01", Name: "Air conditioner", AssetType: "APPLIANCE"},
	}
	for _, a := range assets {
		a.ID = generic.AssetID(fmt.Sprintf("%s-%s", unit, a.Code))
		a.UnitID = unit
		a.Active = true
		if err := h.Store.PutAsset(ctx, a); err != nil {
			return err
		}
	}

	meters := []generic.Meter{
		{ID: generic.MeterID(fmt.Sprintf("%s-WATER", unit)), ServiceCode: generic.ServiceWater, LastReading: generic.MustParseDecimal("1250")},
		{ID: generic.MeterID(fmt.Sprintf("%s-ELECTRIC", unit)), ServiceCode: generic.ServiceElectric, LastReading: generic.MustParseDecimal("18420")},
	}
	for _, m := range meters {
		m.UnitID = unit
		m.BuildingID = building
		if err := h.Store.PutMeter(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadMoveOutReadyScenario(ctx context.Context) error {
	today := h.Clock.Today()
	end := today.AddDays(-1)

	if err := h.seedUnit(ctx, "A-101", "tower-a"); err != nil {
		return err
	}
	return h.Store.PutContract(ctx, generic.RentalContract{
		ID:          "ct-a101-2024",
		UnitID:      "A-101",
		Type:        generic.ContractRental,
		Status:      generic.ContractActive,
		StartDate:   end.AddMonths(-12).AddDays(1),
		EndDate:     &end,
		MonthlyRent: generic.MoneyPtr(generic.NewMoney(9_000_000)),
	})
}

func (h *Handler) loadInspectionInProgressScenario(ctx context.Context) error {
	if err := h.loadMoveOutReadyScenario(ctx); err != nil {
		return err
	}

	created, err := h.Inspections.Create(ctx, inspection.CreateInput{
		ContractID:    "ct-a101-2024",
		InspectorName: "Demo Inspector",
	})
	if err != nil {
		return err
	}
	started, err := h.Inspections.Start(ctx, created.Inspection.ID)
	if err != nil {
		return err
	}
	for _, it := range started.Inspection.Items {
		if it.AssetCode != "TV-01" {
			continue
		}
		_, err := h.Inspections.UpdateItem(ctx, started.Inspection.ID, it.ID, inspection.ItemUpdate{
			Condition: generic.ConditionDamaged,
			Notes:     "Cracked screen corner",
		})
		return err
	}
	return nil
}

func (h *Handler) loadCancelledContractScenario(ctx context.Context) error {
	today := h.Clock.Today()
	prevEnd := today.AddMonths(-6)
	paidThrough := today.AddMonths(1)

	if err := h.seedUnit(ctx, "B-202", "tower-b"); err != nil {
		return err
	}
	contracts := []generic.RentalContract{
		{
			ID: "ct-b202-old", UnitID: "B-202", Type: generic.ContractRental, Status: generic.ContractActive,
			StartDate: prevEnd.AddMonths(-12), EndDate: &prevEnd,
			MonthlyRent: generic.MoneyPtr(generic.NewMoney(7_000_000)),
		},
		{
			ID: "ct-b202-cancelled", UnitID: "B-202", Type: generic.ContractRental, Status: generic.ContractCancelled,
			StartDate: prevEnd.AddDays(1), EndDate: &paidThrough,
			MonthlyRent: generic.MoneyPtr(generic.NewMoney(7_500_000)),
		},
	}
	for _, c := range contracts {
		if err := h.Store.PutContract(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadExpiringRenewalScenario(ctx context.Context) error {
	today := h.Clock.Today()
	start := today.AddDays(-5)
	end := start.AddMonths(1)

	if err := h.seedUnit(ctx, "C-303", "tower-c"); err != nil {
		return err
	}
	return h.Store.PutContract(ctx, generic.RentalContract{
		ID:          "ct-c303-short",
		UnitID:      "C-303",
		Type:        generic.ContractRental,
		Status:      generic.ContractActive,
		StartDate:   start,
		EndDate:     &end,
		MonthlyRent: generic.MoneyPtr(generic.NewMoney(6_500_000)),
	})
}
