/*
store.go - Interfaces to the backing store

PURPOSE:
  Defines the boundary between the settlement engine and the services it
  consumes. All state is remote; the engine keeps nothing locally.

KEY INTERFACES:
  ContractDirectory: Contracts by unit (read-only)
  AssetDirectory:    Assets by unit (read-only)
  InspectionStore:   Inspections, items, status transitions
  MeterStore:        Meters, readings, cycles, reading assignments
  PricingStore:      Tariff tiers by service and effective date
  InvoiceStore:      Invoices and bulk cycle export

EVENTUAL CONSISTENCY:
  The InspectionStore derives fields out-of-band: checklist items appear
  some time after CreateInspection, and TotalDamageCost lags UpdateItem.
  Callers never trust a read immediately after a write; they go through
  Reconcile (reconcile.go) with a post-condition.

  GetInspection and GetInspectionByContract may disagree for a short while
  after a write. The by-contract lookup reads the authoritative record;
  ReadInspection combines both. Writes never echo fields back from a read:
  MarkItemsChecked only flips the checked flag.

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory, with configurable read lag
  - store/sqlite/sqlite.go:  SQLite, used by the server binary

SEE ALSO:
  - reconcile.go: Bounded re-fetch
  - inspection/workflow.go: Main consumer
*/
package generic

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DIRECTORIES - Read-only collaborators
// =============================================================================

type ContractDirectory interface {
	// ListContractsByUnit returns every contract ever signed for the unit.
	ListContractsByUnit(ctx context.Context, unitID UnitID) ([]RentalContract, error)

	GetContract(ctx context.Context, id ContractID) (RentalContract, error)

	// ListUnitIDs returns every unit that has at least one contract.
	ListUnitIDs(ctx context.Context) ([]UnitID, error)
}

type AssetDirectory interface {
	ListAssetsByUnit(ctx context.Context, unitID UnitID) ([]Asset, error)
	GetAsset(ctx context.Context, id AssetID) (Asset, error)
}

// =============================================================================
// INSPECTION STORE
// =============================================================================

// NewInspection is the create payload. The store generates one item per
// active asset of the unit, possibly after a delay.
type NewInspection struct {
	ContractID     ContractID
	UnitID         UnitID
	InspectionDate TimePoint
	InspectorName  string
}

// ItemPatch replaces the mutable fields of a checklist item.
type ItemPatch struct {
	Condition  Condition
	DamageCost *DamageCost
	Notes      string
	Checked    bool
}

type InspectionStore interface {
	CreateInspection(ctx context.Context, in NewInspection) (AssetInspection, error)
	GetInspection(ctx context.Context, id InspectionID) (AssetInspection, error)
	GetInspectionByContract(ctx context.Context, contractID ContractID) (AssetInspection, error)

	UpdateItem(ctx context.Context, id InspectionID, itemID ItemID, patch ItemPatch) error

	// MarkItemsChecked sets checked on every item and touches nothing else.
	MarkItemsChecked(ctx context.Context, id InspectionID) error

	// TransitionInspection moves the inspection to status. Notes are stored
	// when non-empty. Completing recomputes TotalDamageCost.
	TransitionInspection(ctx context.Context, id InspectionID, to InspectionStatus, notes string) error

	SetInvoice(ctx context.Context, id InspectionID, invoiceID InvoiceID) error
}

// =============================================================================
// METER STORE
// =============================================================================

// ReadingAssignment records who reads a building's meters in a cycle.
type ReadingAssignment struct {
	ID         string
	CycleID    CycleID
	BuildingID string
	Assignee   string
}

type MeterStore interface {
	ListMetersByUnit(ctx context.Context, unitID UnitID) ([]Meter, error)

	// CreateReading stores a reading and advances the meter's LastReading.
	CreateReading(ctx context.Context, r MeterReading) (MeterReading, error)

	ListReadings(ctx context.Context, cycleID CycleID, unitID UnitID) ([]MeterReading, error)
	ListCycles(ctx context.Context, status CycleStatus) ([]ReadingCycle, error)

	ListReadingAssignments(ctx context.Context, cycleID CycleID) ([]ReadingAssignment, error)
	CreateReadingAssignment(ctx context.Context, a ReadingAssignment) (ReadingAssignment, error)
}

// =============================================================================
// PRICING STORE
// =============================================================================

type PricingStore interface {
	// ActiveTiers returns the tier set in force on asOf, sorted by TierOrder.
	// No configured tiers is not an error: the result is empty.
	ActiveTiers(ctx context.Context, service ServiceCode, asOf TimePoint) ([]PricingTier, error)

	// SaveTiers installs a new tier set effective from the tiers' EffectiveFrom.
	SaveTiers(ctx context.Context, service ServiceCode, tiers []PricingTier) error
}

// =============================================================================
// INVOICE STORE
// =============================================================================

type InvoiceStore interface {
	CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	GetInvoice(ctx context.Context, id InvoiceID) (Invoice, error)
	ListInvoices(ctx context.Context, unitID UnitID, cycleID CycleID) ([]Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id InvoiceID, status InvoiceStatus) error

	// ExportCycle finalizes every reading of the cycle into UTILITY invoices
	// (one per unit). Units already invoiced for the cycle are skipped.
	ExportCycle(ctx context.Context, cycleID CycleID) ([]Invoice, error)
}

// =============================================================================
// CONVENIENCE
// =============================================================================

// Backend bundles every collaborator. Both store implementations satisfy it.
type Backend interface {
	ContractDirectory
	AssetDirectory
	InspectionStore
	MeterStore
	PricingStore
	InvoiceStore
}

// ReadInspection reads an inspection by id, then prefers the by-contract
// lookup when it returns the same inspection: that lookup reads the
// authoritative record while the by-id read may lag behind writes.
func ReadInspection(ctx context.Context, is InspectionStore, id InspectionID) (AssetInspection, error) {
	insp, err := is.GetInspection(ctx, id)
	if err != nil {
		return AssetInspection{}, err
	}
	if insp.ContractID == "" {
		return insp, nil
	}
	current, err := is.GetInspectionByContract(ctx, insp.ContractID)
	if err != nil || current.ID != insp.ID {
		return insp, nil
	}
	return current, nil
}

// LatestReading picks the reading with the highest CurrIndex per meter.
func LatestReading(readings []MeterReading, meterID MeterID) (MeterReading, bool) {
	var (
		best  MeterReading
		found bool
	)
	for _, r := range readings {
		if r.MeterID != meterID {
			continue
		}
		if !found || r.CurrIndex.GreaterThan(best.CurrIndex) {
			best, found = r, true
		}
	}
	return best, found
}

// HasPositiveIndex reports whether a reading carries an index > 0.
func HasPositiveIndex(r MeterReading) bool { return r.CurrIndex.GreaterThan(decimal.Zero) }

// OpenCycle picks the OPEN reading cycle covering today, else the most
// recent OPEN one. ErrNoOpenCycle when none is open.
func OpenCycle(ctx context.Context, ms MeterStore, today TimePoint) (ReadingCycle, error) {
	cycles, err := ms.ListCycles(ctx, CycleOpen)
	if err != nil {
		return ReadingCycle{}, err
	}
	if len(cycles) == 0 {
		return ReadingCycle{}, ErrNoOpenCycle
	}

	latest := cycles[0]
	for _, c := range cycles {
		if c.Period.Contains(today) {
			return c, nil
		}
		if c.Period.Start.After(latest.Period.Start) {
			latest = c
		}
	}
	return latest, nil
}
