// Package store provides Backend implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/tariff"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an in-memory generic.Backend.
//
// ReadLag emulates an eventually-consistent backend: after every inspection
// write, the next ReadLag calls to GetInspection return the snapshot from
// before the write (for a fresh inspection: no items, zero total).
// GetInspectionByContract always reads the authoritative record.
type Memory struct {
	mu sync.RWMutex

	ReadLag int
	clock   generic.Clock

	contracts   map[generic.ContractID]generic.RentalContract
	assets      map[generic.AssetID]generic.Asset
	inspections map[generic.InspectionID]*inspectionRecord
	byContract  map[generic.ContractID]generic.InspectionID
	meters      map[generic.MeterID]generic.Meter
	readings    []generic.MeterReading
	cycles      map[generic.CycleID]generic.ReadingCycle
	assignments []generic.ReadingAssignment
	tiers       map[generic.ServiceCode][]generic.PricingTier
	invoices    map[generic.InvoiceID]generic.Invoice

	faults faults
}

type inspectionRecord struct {
	current generic.AssetInspection
	stale   generic.AssetInspection
	pending int
}

type faults struct {
	readings      map[generic.MeterID]error
	invoiceStatus error
	createInvoice error
}

func NewMemory(clock generic.Clock) *Memory {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &Memory{
		clock:       clock,
		contracts:   make(map[generic.ContractID]generic.RentalContract),
		assets:      make(map[generic.AssetID]generic.Asset),
		inspections: make(map[generic.InspectionID]*inspectionRecord),
		byContract:  make(map[generic.ContractID]generic.InspectionID),
		meters:      make(map[generic.MeterID]generic.Meter),
		cycles:      make(map[generic.CycleID]generic.ReadingCycle),
		tiers:       make(map[generic.ServiceCode][]generic.PricingTier),
		invoices:    make(map[generic.InvoiceID]generic.Invoice),
		faults:      faults{readings: make(map[generic.MeterID]error)},
	}
}

var _ generic.Backend = (*Memory)(nil)

// =============================================================================
// SEEDING AND FAULTS
// =============================================================================

func (m *Memory) PutContract(c generic.RentalContract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[c.ID] = c
}

func (m *Memory) PutAsset(a generic.Asset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[a.ID] = a
}

func (m *Memory) PutMeter(mt generic.Meter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meters[mt.ID] = mt
}

func (m *Memory) PutCycle(c generic.ReadingCycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles[c.ID] = c
}

// FailReading makes CreateReading fail for one meter (nil clears it).
func (m *Memory) FailReading(meterID generic.MeterID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults.readings, meterID)
		return
	}
	m.faults.readings[meterID] = err
}

// FailInvoiceStatus makes UpdateInvoiceStatus fail (nil clears it).
func (m *Memory) FailInvoiceStatus(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults.invoiceStatus = err
}

// FailCreateInvoice makes CreateInvoice fail (nil clears it).
func (m *Memory) FailCreateInvoice(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults.createInvoice = err
}

// =============================================================================
// CONTRACT AND ASSET DIRECTORIES
// =============================================================================

func (m *Memory) ListContractsByUnit(_ context.Context, unitID generic.UnitID) ([]generic.RentalContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.RentalContract
	for _, c := range m.contracts {
		if c.UnitID == unitID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (m *Memory) GetContract(_ context.Context, id generic.ContractID) (generic.RentalContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return generic.RentalContract{}, fmt.Errorf("contract %s: %w", id, generic.ErrNotFound)
	}
	return c, nil
}

func (m *Memory) ListUnitIDs(_ context.Context) ([]generic.UnitID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[generic.UnitID]bool)
	var out []generic.UnitID
	for _, c := range m.contracts {
		if !seen[c.UnitID] {
			seen[c.UnitID] = true
			out = append(out, c.UnitID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) ListAssetsByUnit(_ context.Context, unitID generic.UnitID) ([]generic.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.assetsByUnitLocked(unitID), nil
}

func (m *Memory) assetsByUnitLocked(unitID generic.UnitID) []generic.Asset {
	var out []generic.Asset
	for _, a := range m.assets {
		if a.UnitID == unitID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (m *Memory) GetAsset(_ context.Context, id generic.AssetID) (generic.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assets[id]
	if !ok {
		return generic.Asset{}, fmt.Errorf("asset %s: %w", id, generic.ErrNotFound)
	}
	return a, nil
}

// =============================================================================
// INSPECTION STORE
// =============================================================================

// CreateInspection stores a PENDING inspection with one item per active
// asset of the unit. With ReadLag > 0 the items are not visible right away.
func (m *Memory) CreateInspection(_ context.Context, in generic.NewInspection) (generic.AssetInspection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	insp := generic.AssetInspection{
		ID:              generic.InspectionID(uuid.NewString()),
		ContractID:      in.ContractID,
		UnitID:          in.UnitID,
		Status:          generic.InspectionPending,
		InspectionDate:  in.InspectionDate,
		InspectorName:   in.InspectorName,
		TotalDamageCost: decimal.Zero,
	}
	for _, a := range m.assetsByUnitLocked(in.UnitID) {
		if !a.Active {
			continue
		}
		insp.Items = append(insp.Items, generic.InspectionItem{
			ID:             generic.ItemID(uuid.NewString()),
			AssetID:        a.ID,
			AssetCode:      a.Code,
			AssetName:      a.Name,
			AssetType:      a.AssetType,
			ReferencePrice: a.PurchasePrice,
		})
	}

	skeleton := insp
	skeleton.Items = nil
	m.inspections[insp.ID] = &inspectionRecord{current: insp, stale: skeleton, pending: m.ReadLag}
	m.byContract[in.ContractID] = insp.ID

	// The create response itself never carries the generated items.
	return skeleton, nil
}

func (m *Memory) GetInspection(_ context.Context, id generic.InspectionID) (generic.AssetInspection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.inspections[id]
	if !ok {
		return generic.AssetInspection{}, fmt.Errorf("inspection %s: %w", id, generic.ErrNotFound)
	}
	if rec.pending > 0 {
		rec.pending--
		return cloneInspection(rec.stale), nil
	}
	return cloneInspection(rec.current), nil
}

func (m *Memory) GetInspectionByContract(_ context.Context, contractID generic.ContractID) (generic.AssetInspection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byContract[contractID]
	if !ok {
		return generic.AssetInspection{}, fmt.Errorf("inspection for contract %s: %w", contractID, generic.ErrNotFound)
	}
	return cloneInspection(m.inspections[id].current), nil
}

func (m *Memory) UpdateItem(_ context.Context, id generic.InspectionID, itemID generic.ItemID, patch generic.ItemPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.inspections[id]
	if !ok {
		return fmt.Errorf("inspection %s: %w", id, generic.ErrNotFound)
	}

	next := cloneInspection(rec.current)
	found := false
	for i := range next.Items {
		if next.Items[i].ID != itemID {
			continue
		}
		next.Items[i].Condition = patch.Condition
		next.Items[i].DamageCost = cloneCost(patch.DamageCost)
		next.Items[i].Notes = patch.Notes
		next.Items[i].Checked = patch.Checked
		found = true
	}
	if !found {
		return fmt.Errorf("item %s of inspection %s: %w", itemID, id, generic.ErrNotFound)
	}
	next.TotalDamageCost = next.ItemCostSum()
	m.writeLocked(rec, next)
	return nil
}

func (m *Memory) MarkItemsChecked(_ context.Context, id generic.InspectionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.inspections[id]
	if !ok {
		return fmt.Errorf("inspection %s: %w", id, generic.ErrNotFound)
	}
	next := cloneInspection(rec.current)
	for i := range next.Items {
		next.Items[i].Checked = true
	}
	m.writeLocked(rec, next)
	return nil
}

func (m *Memory) TransitionInspection(_ context.Context, id generic.InspectionID, to generic.InspectionStatus, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.inspections[id]
	if !ok {
		return fmt.Errorf("inspection %s: %w", id, generic.ErrNotFound)
	}

	next := cloneInspection(rec.current)
	next.Status = to
	if notes != "" {
		next.InspectorNotes = notes
	}
	if to == generic.InspectionCompleted {
		next.TotalDamageCost = next.ItemCostSum()
	}
	m.writeLocked(rec, next)
	return nil
}

func (m *Memory) SetInvoice(_ context.Context, id generic.InspectionID, invoiceID generic.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.inspections[id]
	if !ok {
		return fmt.Errorf("inspection %s: %w", id, generic.ErrNotFound)
	}
	next := cloneInspection(rec.current)
	next.InvoiceID = &invoiceID
	m.writeLocked(rec, next)
	return nil
}

// writeLocked installs next and starts a new lag window over the old value.
func (m *Memory) writeLocked(rec *inspectionRecord, next generic.AssetInspection) {
	if rec.pending == 0 {
		rec.stale = rec.current
	}
	rec.current = next
	if m.ReadLag > 0 {
		rec.pending = m.ReadLag
	}
}

func cloneInspection(a generic.AssetInspection) generic.AssetInspection {
	out := a
	if a.InvoiceID != nil {
		id := *a.InvoiceID
		out.InvoiceID = &id
	}
	if a.Items != nil {
		out.Items = make([]generic.InspectionItem, len(a.Items))
		for i, it := range a.Items {
			it.DamageCost = cloneCost(it.DamageCost)
			out.Items[i] = it
		}
	}
	return out
}

func cloneCost(c *generic.DamageCost) *generic.DamageCost {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// =============================================================================
// METER STORE
// =============================================================================

func (m *Memory) ListMetersByUnit(_ context.Context, unitID generic.UnitID) ([]generic.Meter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.Meter
	for _, mt := range m.meters {
		if mt.UnitID == unitID {
			out = append(out, mt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateReading(_ context.Context, r generic.MeterReading) (generic.MeterReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.faults.readings[r.MeterID]; err != nil {
		return generic.MeterReading{}, err
	}
	mt, ok := m.meters[r.MeterID]
	if !ok {
		return generic.MeterReading{}, fmt.Errorf("meter %s: %w", r.MeterID, generic.ErrNotFound)
	}
	if _, ok := m.cycles[r.CycleID]; !ok {
		return generic.MeterReading{}, fmt.Errorf("cycle %s: %w", r.CycleID, generic.ErrNotFound)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.readings = append(m.readings, r)
	mt.LastReading = r.CurrIndex
	m.meters[mt.ID] = mt
	return r, nil
}

func (m *Memory) ListReadings(_ context.Context, cycleID generic.CycleID, unitID generic.UnitID) ([]generic.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readingsLocked(cycleID, unitID), nil
}

// readingsLocked filters by cycle and, when unitID is set, by unit.
func (m *Memory) readingsLocked(cycleID generic.CycleID, unitID generic.UnitID) []generic.MeterReading {
	var out []generic.MeterReading
	for _, r := range m.readings {
		if r.CycleID != cycleID {
			continue
		}
		if unitID != "" && m.meters[r.MeterID].UnitID != unitID {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (m *Memory) ListCycles(_ context.Context, status generic.CycleStatus) ([]generic.ReadingCycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.ReadingCycle
	for _, c := range m.cycles {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Start.Before(out[j].Period.Start) })
	return out, nil
}

func (m *Memory) ListReadingAssignments(_ context.Context, cycleID generic.CycleID) ([]generic.ReadingAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.ReadingAssignment
	for _, a := range m.assignments {
		if a.CycleID == cycleID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) CreateReadingAssignment(_ context.Context, a generic.ReadingAssignment) (generic.ReadingAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.assignments = append(m.assignments, a)
	return a, nil
}

// =============================================================================
// PRICING STORE
// =============================================================================

func (m *Memory) ActiveTiers(_ context.Context, service generic.ServiceCode, asOf generic.TimePoint) ([]generic.PricingTier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return activeTiers(m.tiers[service], asOf), nil
}

// activeTiers keeps the tier set with the latest EffectiveFrom <= asOf.
func activeTiers(all []generic.PricingTier, asOf generic.TimePoint) []generic.PricingTier {
	var (
		from  generic.TimePoint
		found bool
	)
	for _, t := range all {
		if t.EffectiveFrom.After(asOf) {
			continue
		}
		if !found || t.EffectiveFrom.After(from) {
			from, found = t.EffectiveFrom, true
		}
	}
	if !found {
		return nil
	}

	var out []generic.PricingTier
	for _, t := range all {
		if t.EffectiveFrom.Equal(from) {
			out = append(out, t)
		}
	}
	return tariff.SortTiers(out)
}

func (m *Memory) SaveTiers(_ context.Context, service generic.ServiceCode, tiers []generic.PricingTier) error {
	if err := tariff.ValidateTiers(tiers); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Replace a set with the same EffectiveFrom, keep the others as history.
	from := tiers[0].EffectiveFrom
	kept := m.tiers[service][:0:0]
	for _, t := range m.tiers[service] {
		if !t.EffectiveFrom.Equal(from) {
			kept = append(kept, t)
		}
	}
	for _, t := range tiers {
		t.ServiceCode = service
		kept = append(kept, t)
	}
	m.tiers[service] = kept
	return nil
}

// =============================================================================
// INVOICE STORE
// =============================================================================

func (m *Memory) CreateInvoice(_ context.Context, inv generic.Invoice) (generic.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.faults.createInvoice != nil {
		return generic.Invoice{}, m.faults.createInvoice
	}
	if inv.Kind == generic.InvoiceUtility && m.utilityInvoicedLocked(inv.CycleID)[inv.UnitID] {
		return generic.Invoice{}, generic.NewValidationError("cycle_id", "unique_utility_invoice",
			"unit %s already has a UTILITY invoice for cycle %s", inv.UnitID, inv.CycleID)
	}
	return m.createInvoiceLocked(inv), nil
}

// utilityInvoicedLocked returns the units holding a live UTILITY invoice for the cycle.
func (m *Memory) utilityInvoicedLocked(cycleID generic.CycleID) map[generic.UnitID]bool {
	invoiced := make(map[generic.UnitID]bool)
	for _, inv := range m.invoices {
		if inv.CycleID == cycleID && inv.Kind == generic.InvoiceUtility && inv.Status != generic.InvoiceCancelled {
			invoiced[inv.UnitID] = true
		}
	}
	return invoiced
}

func (m *Memory) createInvoiceLocked(inv generic.Invoice) generic.Invoice {
	if inv.ID == "" {
		inv.ID = generic.InvoiceID(uuid.NewString())
	}
	if inv.Status == "" {
		inv.Status = generic.InvoicePending
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = m.clock.Today()
	}
	m.invoices[inv.ID] = inv
	return inv
}

func (m *Memory) GetInvoice(_ context.Context, id generic.InvoiceID) (generic.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return generic.Invoice{}, fmt.Errorf("invoice %s: %w", id, generic.ErrNotFound)
	}
	return inv, nil
}

func (m *Memory) ListInvoices(_ context.Context, unitID generic.UnitID, cycleID generic.CycleID) ([]generic.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.Invoice
	for _, inv := range m.invoices {
		if unitID != "" && inv.UnitID != unitID {
			continue
		}
		if cycleID != "" && inv.CycleID != cycleID {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateInvoiceStatus(_ context.Context, id generic.InvoiceID, status generic.InvoiceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.faults.invoiceStatus != nil {
		return m.faults.invoiceStatus
	}
	inv, ok := m.invoices[id]
	if !ok {
		return fmt.Errorf("invoice %s: %w", id, generic.ErrNotFound)
	}
	inv.Status = status
	m.invoices[id] = inv
	return nil
}

// ExportCycle prices every unit's readings of the cycle with the tiers in
// force at the end of the cycle and stores one UTILITY invoice per unit.
func (m *Memory) ExportCycle(_ context.Context, cycleID generic.CycleID) ([]generic.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cycle, ok := m.cycles[cycleID]
	if !ok {
		return nil, fmt.Errorf("cycle %s: %w", cycleID, generic.ErrNotFound)
	}

	invoiced := m.utilityInvoicedLocked(cycleID)

	byUnit := make(map[generic.UnitID][]generic.MeterReading)
	for _, r := range m.readingsLocked(cycleID, "") {
		unit := m.meters[r.MeterID].UnitID
		byUnit[unit] = append(byUnit[unit], r)
	}

	asOf := cycle.Period.End
	if asOf.IsZero() {
		asOf = m.clock.Today()
	}

	units := make([]generic.UnitID, 0, len(byUnit))
	for u := range byUnit {
		if !invoiced[u] {
			units = append(units, u)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })

	var created []generic.Invoice
	for _, unit := range units {
		meters := make([]generic.Meter, 0)
		for _, mt := range m.meters {
			if mt.UnitID == unit {
				meters = append(meters, mt)
			}
		}

		lines := make(map[generic.ServiceCode]generic.Money)
		total := decimal.Zero
		for service, usage := range tariff.UsageByService(meters, byUnit[unit]) {
			amount := tariff.Calculate(usage, activeTiers(m.tiers[service], asOf))
			lines[service] = amount
			total = total.Add(amount)
		}

		created = append(created, m.createInvoiceLocked(generic.Invoice{
			UnitID:      unit,
			CycleID:     cycleID,
			Kind:        generic.InvoiceUtility,
			Lines:       lines,
			TotalAmount: total,
		}))
	}
	return created, nil
}
