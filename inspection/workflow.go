/*
Package inspection runs the move-out asset inspection of a unit.

PURPOSE:
  An inspection is opened when a rental contract expires. The inspector
  walks the unit's checklist (one item per active asset), records each
  item's condition and damage cost, reads the unit's meters, then
  completes. Completion produces the damage total and, when it is
  positive, a DAMAGE invoice.

WORKFLOW:
  Create   -> PENDING, checklist generated by the store (possibly late)
  Start    PENDING -> IN_PROGRESS, then poll until the checklist shows up
  UpdateItem (IN_PROGRESS only) condition + cost, then reconcile the total
  Complete IN_PROGRESS -> COMPLETED, gated on every item and meter
  Cancel   PENDING | IN_PROGRESS -> CANCELLED

COMPLETION GATE:
  Every violation is collected before failing, so the inspector sees the
  whole list at once:
    - an item has no condition
    - a non-GOOD item has no positive damage cost
    - a unit meter has no reading > 0 for the open cycle, neither stored
      nor submitted with the completion
    - the checklist is empty although the unit has active assets

  The gate runs on the authoritative read. Completing only flips the
  items' checked flag; conditions and costs are never written back.

PARTIAL FAILURE:
  Steps after the status change are not rolled back. Reading creation
  counts failures in a BatchResult; invoice creation, linking and the
  PAID update are reported as warnings on the CompletionResult.

SEE ALSO:
  - cost.go: Condition -> cost rule
  - transitions.go: State table
  - generic/reconcile.go: Bounded re-fetch
*/
package inspection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/logging"
	"github.com/warp/settlement-engine/metrics"
)

// =============================================================================
// SERVICE
// =============================================================================

type Options struct {
	Reconcile          generic.ReconcilePolicy
	Poll               generic.ReconcilePolicy
	ReadingConcurrency int
	Contract           contract.Options
}

func DefaultOptions() Options {
	return Options{
		Reconcile:          generic.DefaultReconcilePolicy(),
		Poll:               generic.DefaultPollPolicy(),
		ReadingConcurrency: 4,
		Contract:           contract.DefaultOptions(),
	}
}

type Service struct {
	contracts   generic.ContractDirectory
	assets      generic.AssetDirectory
	inspections generic.InspectionStore
	meters      generic.MeterStore
	invoices    generic.InvoiceStore

	clock   generic.Clock
	log     logging.Logger
	metrics *metrics.Collector
	opts    Options
}

func NewService(backend generic.Backend, clock generic.Clock, log logging.Logger, opts Options) *Service {
	if opts.ReadingConcurrency < 1 {
		opts.ReadingConcurrency = 1
	}
	return &Service{
		contracts:   backend,
		assets:      backend,
		inspections: backend,
		meters:      backend,
		invoices:    backend,
		clock:       clock,
		log:         log,
		opts:        opts,
	}
}

// WithMetrics attaches a collector.
func (s *Service) WithMetrics(m *metrics.Collector) *Service {
	s.metrics = m
	return s
}

// Result is an inspection read back after a write. Converged is false when
// the store had not caught up within the reconcile budget; Inspection is
// then the last value read and may be stale.
type Result struct {
	Inspection generic.AssetInspection
	Converged  bool
}

// =============================================================================
// CREATE / START / CANCEL
// =============================================================================

type CreateInput struct {
	ContractID     generic.ContractID
	UnitID         generic.UnitID // optional; must match the contract
	InspectionDate *generic.TimePoint
	InspectorName  string
}

// Create opens a PENDING move-out inspection for an expired contract.
// An inspection already open for the contract is returned as is.
func (s *Service) Create(ctx context.Context, in CreateInput) (Result, error) {
	if in.ContractID == "" {
		return Result{}, generic.NewValidationError("contract_id", "required", "contract id is required")
	}
	if strings.TrimSpace(in.InspectorName) == "" {
		return Result{}, generic.NewValidationError("inspector_name", "required", "inspector name is required")
	}

	today := s.clock.Today()
	date := today
	if in.InspectionDate != nil && !in.InspectionDate.IsZero() {
		date = *in.InspectionDate
	}

	c, err := s.contracts.GetContract(ctx, in.ContractID)
	if err != nil {
		return Result{}, fmt.Errorf("load contract: %w", err)
	}
	if in.UnitID != "" && in.UnitID != c.UnitID {
		return Result{}, generic.NewValidationError("unit_id", "matches_contract",
			"contract %s belongs to unit %s, not %s", c.ID, c.UnitID, in.UnitID)
	}
	if err := s.checkMoveOut(ctx, c, today); err != nil {
		return Result{}, err
	}

	existing, err := s.inspections.GetInspectionByContract(ctx, c.ID)
	switch {
	case err == nil && existing.Status != generic.InspectionCancelled:
		s.log.WithFields(logging.Fields{
			"inspection_id": existing.ID,
			"contract_id":   c.ID,
		}).Info("Inspection already open for contract")
		return Result{Inspection: existing, Converged: len(existing.Items) > 0}, nil
	case err != nil && !generic.IsNotFound(err):
		return Result{}, fmt.Errorf("lookup inspection: %w", err)
	}

	created, err := s.inspections.CreateInspection(ctx, generic.NewInspection{
		ContractID:     c.ID,
		UnitID:         c.UnitID,
		InspectionDate: date,
		InspectorName:  strings.TrimSpace(in.InspectorName),
	})
	if err != nil {
		return Result{}, fmt.Errorf("create inspection: %w", err)
	}
	s.metrics.Transition(string(generic.InspectionPending))
	s.log.WithFields(logging.Fields{
		"inspection_id": created.ID,
		"contract_id":   c.ID,
		"unit_id":       c.UnitID,
	}).Info("Inspection created")

	return s.awaitItems(ctx, created, "inspection_items", s.opts.Reconcile)
}

// checkMoveOut requires c to be expired and the unit to be vacant.
func (s *Service) checkMoveOut(ctx context.Context, c generic.RentalContract, today generic.TimePoint) error {
	unitContracts, err := s.contracts.ListContractsByUnit(ctx, c.UnitID)
	if err != nil {
		return fmt.Errorf("list contracts: %w", err)
	}
	res := contract.Resolve(unitContracts, today, s.opts.Contract)

	cl, ok := res.Find(c.ID)
	if !ok {
		cl = contract.Classify(c, today, s.opts.Contract)
	}
	if cl.Class != contract.ClassExpired {
		return generic.NewValidationError("contract_id", "expired",
			"contract %s is %s; a move-out inspection needs an expired contract", c.ID, cl.Class)
	}
	for _, other := range res.Classifications {
		if other.Occupying {
			return generic.NewValidationError("unit_id", "vacant",
				"unit %s is still occupied by %s contract %s",
				c.UnitID, other.Contract.Status, other.Contract.ID)
		}
	}
	return nil
}

// Start moves PENDING -> IN_PROGRESS and polls until the checklist is
// visible. Polling stops early when ctx is cancelled.
func (s *Service) Start(ctx context.Context, id generic.InspectionID) (Result, error) {
	insp, err := s.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if err := checkTransition(insp, generic.InspectionInProgress); err != nil {
		return Result{}, err
	}
	if err := s.inspections.TransitionInspection(ctx, id, generic.InspectionInProgress, ""); err != nil {
		return Result{}, fmt.Errorf("start inspection: %w", err)
	}
	s.metrics.Transition(string(generic.InspectionInProgress))
	s.log.WithField("inspection_id", id).Info("Inspection started")

	insp.Status = generic.InspectionInProgress
	return s.awaitItems(ctx, insp, "inspection_start", s.opts.Poll)
}

// Cancel abandons a PENDING or IN_PROGRESS inspection. No cost effects.
func (s *Service) Cancel(ctx context.Context, id generic.InspectionID) (generic.AssetInspection, error) {
	insp, err := s.load(ctx, id)
	if err != nil {
		return generic.AssetInspection{}, err
	}
	if err := checkTransition(insp, generic.InspectionCancelled); err != nil {
		return generic.AssetInspection{}, err
	}
	if err := s.inspections.TransitionInspection(ctx, id, generic.InspectionCancelled, ""); err != nil {
		return generic.AssetInspection{}, fmt.Errorf("cancel inspection: %w", err)
	}
	s.metrics.Transition(string(generic.InspectionCancelled))
	s.log.WithField("inspection_id", id).Info("Inspection cancelled")

	insp.Status = generic.InspectionCancelled
	return insp, nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

func (s *Service) Get(ctx context.Context, id generic.InspectionID) (generic.AssetInspection, error) {
	return s.load(ctx, id)
}

func (s *Service) GetByContract(ctx context.Context, contractID generic.ContractID) (generic.AssetInspection, error) {
	insp, err := s.inspections.GetInspectionByContract(ctx, contractID)
	if err != nil {
		return generic.AssetInspection{}, fmt.Errorf("get inspection by contract: %w", err)
	}
	return insp, nil
}

// load reads an inspection through generic.ReadInspection, so gates and
// status checks see the authoritative record even when the by-id read lags.
func (s *Service) load(ctx context.Context, id generic.InspectionID) (generic.AssetInspection, error) {
	insp, err := generic.ReadInspection(ctx, s.inspections, id)
	if err != nil {
		return generic.AssetInspection{}, fmt.Errorf("get inspection: %w", err)
	}
	return insp, nil
}

// awaitItems re-reads until the checklist is visible in the expected status.
func (s *Service) awaitItems(ctx context.Context, insp generic.AssetInspection, loop string, policy generic.ReconcilePolicy) (Result, error) {
	want := insp.Status
	return s.reconcile(ctx, loop, policy, insp, func(a generic.AssetInspection) bool {
		return len(a.Items) > 0 && a.Status == want
	})
}

// reconcile wraps generic.Reconcile. Fetch failures after a successful
// write fall back to the local view; only cancellation is an error.
func (s *Service) reconcile(
	ctx context.Context,
	loop string,
	policy generic.ReconcilePolicy,
	local generic.AssetInspection,
	accept func(generic.AssetInspection) bool,
) (Result, error) {
	out, err := generic.Reconcile(ctx, loop, policy, func(ctx context.Context) (generic.AssetInspection, error) {
		return s.inspections.GetInspection(ctx, local.ID)
	}, accept)
	s.metrics.ObserveReconcile(loop, out.Attempts, out.Converged)

	fields := logging.Fields{"inspection_id": local.ID, "loop": loop, "attempts": out.Attempts}
	switch {
	case ctx.Err() != nil:
		return Result{Inspection: local}, ctx.Err()
	case err != nil:
		s.log.WithFields(fields).WithError(err).Warn("Re-read failed; returning local view")
		return Result{Inspection: local}, nil
	case !out.Converged:
		s.log.WithFields(fields).Warn("Store has not caught up; returning last read")
	}
	return Result{Inspection: out.Value, Converged: out.Converged}, nil
}

// =============================================================================
// ITEM UPDATE
// =============================================================================

type ItemUpdate struct {
	Condition generic.Condition
	Notes     string

	// DamageCost, when set, is an inspector override and is stored MANUAL.
	DamageCost *generic.Money

	// ClearOverride drops an existing MANUAL cost so the default applies.
	ClearOverride bool
}

// UpdateItem records an item's condition and cost, then waits for the
// store's total to match the sum of item costs.
func (s *Service) UpdateItem(ctx context.Context, id generic.InspectionID, itemID generic.ItemID, upd ItemUpdate) (Result, error) {
	if !upd.Condition.IsSet() {
		return Result{}, generic.NewValidationError("condition", "required",
			"item %s: condition is required", itemID)
	}
	if _, ok := generic.ParseCondition(string(upd.Condition)); !ok {
		return Result{}, generic.NewValidationError("condition", "enum",
			"item %s: unknown condition %q", itemID, upd.Condition)
	}
	if upd.DamageCost != nil && upd.DamageCost.IsNegative() {
		return Result{}, generic.NewValidationError("damage_cost", "non_negative",
			"item %s: damage cost must be >= 0, got %s", itemID, upd.DamageCost)
	}

	insp, err := s.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if insp.Status != generic.InspectionInProgress {
		return Result{}, &generic.StateError{InspectionID: id, Status: insp.Status, Operation: "update items"}
	}
	item, ok := insp.Item(itemID)
	if !ok {
		return Result{}, fmt.Errorf("item %s of inspection %s: %w", itemID, id, generic.ErrNotFound)
	}

	if upd.ClearOverride && item.DamageCost.IsManual() {
		item.DamageCost = nil
	}
	if item.ReferencePrice == nil {
		item.ReferencePrice = s.referencePrice(ctx, item.AssetID)
	}
	cost := ResolveItemCost(item, upd.Condition, upd.DamageCost)

	patch := generic.ItemPatch{
		Condition:  upd.Condition,
		DamageCost: cost,
		Notes:      upd.Notes,
		Checked:    item.Checked,
	}
	if err := s.inspections.UpdateItem(ctx, id, itemID, patch); err != nil {
		return Result{}, fmt.Errorf("update item %s: %w", itemID, err)
	}
	s.log.WithFields(logging.Fields{
		"inspection_id": id,
		"item_id":       itemID,
		"condition":     upd.Condition,
		"cost":          costString(cost),
	}).Debug("Item updated")

	local := applyPatch(insp, itemID, patch)
	return s.reconcile(ctx, "inspection_total", s.opts.Reconcile, local, func(a generic.AssetInspection) bool {
		got, ok := a.Item(itemID)
		return ok &&
			got.Condition == upd.Condition &&
			sameCost(got.DamageCost, cost) &&
			generic.WithinTolerance(a.TotalDamageCost, a.ItemCostSum())
	})
}

func (s *Service) referencePrice(ctx context.Context, assetID generic.AssetID) *generic.Money {
	if assetID == "" {
		return nil
	}
	asset, err := s.assets.GetAsset(ctx, assetID)
	if err != nil {
		s.log.WithField("asset_id", assetID).WithError(err).Debug("No reference price")
		return nil
	}
	return asset.PurchasePrice
}

func applyPatch(insp generic.AssetInspection, itemID generic.ItemID, p generic.ItemPatch) generic.AssetInspection {
	out := insp
	out.Items = make([]generic.InspectionItem, len(insp.Items))
	copy(out.Items, insp.Items)
	for i := range out.Items {
		if out.Items[i].ID == itemID {
			out.Items[i].Condition = p.Condition
			out.Items[i].DamageCost = p.DamageCost
			out.Items[i].Notes = p.Notes
			out.Items[i].Checked = p.Checked
		}
	}
	out.TotalDamageCost = out.ItemCostSum()
	return out
}

func sameCost(a, b *generic.DamageCost) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Source == b.Source && a.Amount.Equal(b.Amount)
}

func costString(c *generic.DamageCost) string {
	if c == nil {
		return "none"
	}
	return c.Amount.String() + " " + string(c.Source)
}

// =============================================================================
// COMPLETE
// =============================================================================

type ReadingInput struct {
	MeterID   generic.MeterID
	CurrIndex decimal.Decimal
}

type CompleteInput struct {
	Notes    string
	Readings []ReadingInput
}

type CompletionResult struct {
	Inspection generic.AssetInspection
	Converged  bool

	// Readings counts the meter readings submitted with the completion.
	Readings generic.BatchResult

	// Invoice is the DAMAGE invoice, nil when the total is zero or the
	// invoice could not be created.
	Invoice *generic.Invoice

	// Warnings lists non-fatal failures of steps after the status change.
	Warnings []string
}

// Complete closes the inspection. See the package doc for the gate.
func (s *Service) Complete(ctx context.Context, id generic.InspectionID, in CompleteInput) (CompletionResult, error) {
	supplied, err := validateReadings(in.Readings)
	if err != nil {
		return CompletionResult{}, err
	}

	insp, err := s.load(ctx, id)
	if err != nil {
		return CompletionResult{}, err
	}
	if err := checkTransition(insp, generic.InspectionCompleted); err != nil {
		return CompletionResult{}, err
	}

	today := s.clock.Today()
	meters, err := s.meters.ListMetersByUnit(ctx, insp.UnitID)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("list meters: %w", err)
	}
	for meterID := range supplied {
		if !hasMeter(meters, meterID) {
			return CompletionResult{}, generic.NewValidationError("meter_id", "unit_meter",
				"meter %s does not belong to unit %s", meterID, insp.UnitID)
		}
	}

	var (
		cycle    *generic.ReadingCycle
		existing []generic.MeterReading
	)
	if len(meters) > 0 {
		c, err := generic.OpenCycle(ctx, s.meters, today)
		switch {
		case errors.Is(err, generic.ErrNoOpenCycle):
		case err != nil:
			return CompletionResult{}, fmt.Errorf("find open cycle: %w", err)
		default:
			cycle = &c
			if existing, err = s.meters.ListReadings(ctx, c.ID, insp.UnitID); err != nil {
				return CompletionResult{}, fmt.Errorf("list readings: %w", err)
			}
		}
	}

	violations := itemViolations(insp.Items)
	if len(insp.Items) == 0 {
		v, err := s.checklistViolation(ctx, insp.UnitID)
		if err != nil {
			return CompletionResult{}, err
		}
		violations = append(violations, v...)
	}
	meterViolations, toCreate := planReadings(meters, supplied, existing, cycle, today)
	violations = append(violations, meterViolations...)
	if len(violations) > 0 {
		return CompletionResult{}, &generic.PreconditionError{Operation: "complete inspection", Violations: violations}
	}

	result := CompletionResult{}
	if len(toCreate) > 0 {
		s.ensureAssignments(ctx, *cycle, meters, insp.InspectorName)
		result.Readings = s.createReadings(ctx, toCreate)
		if result.Readings.Failed > 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%d of %d meter readings failed",
				result.Readings.Failed, len(toCreate)))
		}
	}

	if len(insp.Items) > 0 {
		if err := s.inspections.MarkItemsChecked(ctx, id); err != nil {
			return result, fmt.Errorf("mark items checked: %w", err)
		}
	}

	if err := s.inspections.TransitionInspection(ctx, id, generic.InspectionCompleted, in.Notes); err != nil {
		return result, fmt.Errorf("complete inspection: %w", err)
	}
	s.metrics.Transition(string(generic.InspectionCompleted))

	local := insp
	local.Status = generic.InspectionCompleted
	if in.Notes != "" {
		local.InspectorNotes = in.Notes
	}
	local.Items = make([]generic.InspectionItem, len(insp.Items))
	for i, it := range insp.Items {
		it.Checked = true
		local.Items[i] = it
	}
	localSum := local.ItemCostSum()
	local.TotalDamageCost = localSum

	settled, err := s.reconcile(ctx, "inspection_complete", s.opts.Reconcile, local, func(a generic.AssetInspection) bool {
		return a.Status == generic.InspectionCompleted && generic.WithinTolerance(a.TotalDamageCost, localSum)
	})
	if err != nil {
		result.Inspection = local
		return result, err
	}
	result.Inspection = settled.Inspection
	result.Converged = settled.Converged

	total := settled.Inspection.TotalDamageCost
	if !settled.Converged {
		// The last read may predate this completion.
		result.Inspection = local
		total = localSum
		result.Warnings = append(result.Warnings, "store total not confirmed; invoicing the item sum")
	}

	s.log.WithFields(logging.Fields{
		"inspection_id":   id,
		"unit_id":         insp.UnitID,
		"total":           total.String(),
		"readings_ok":     result.Readings.Succeeded,
		"readings_failed": result.Readings.Failed,
		"total_confirmed": settled.Converged,
	}).Info("Inspection completed")

	if total.IsPositive() && result.Inspection.InvoiceID == nil {
		var cycleID generic.CycleID
		if cycle != nil {
			cycleID = cycle.ID
		}
		inv, warnings := s.issueDamageInvoice(ctx, result.Inspection, total, cycleID, today)
		result.Invoice = inv
		result.Warnings = append(result.Warnings, warnings...)
		if inv != nil {
			result.Inspection.InvoiceID = &inv.ID
		}
	}
	return result, nil
}

func validateReadings(in []ReadingInput) (map[generic.MeterID]decimal.Decimal, error) {
	supplied := make(map[generic.MeterID]decimal.Decimal, len(in))
	for _, r := range in {
		if r.MeterID == "" {
			return nil, generic.NewValidationError("meter_id", "required", "reading without meter id")
		}
		if r.CurrIndex.IsNegative() {
			return nil, generic.NewValidationError("curr_index", "non_negative",
				"meter %s: index must be >= 0, got %s", r.MeterID, r.CurrIndex)
		}
		if _, dup := supplied[r.MeterID]; dup {
			return nil, generic.NewValidationError("meter_id", "unique",
				"meter %s has more than one reading", r.MeterID)
		}
		supplied[r.MeterID] = r.CurrIndex
	}
	return supplied, nil
}

func itemViolations(items []generic.InspectionItem) []generic.Violation {
	var out []generic.Violation
	for _, it := range items {
		switch {
		case !it.Condition.IsSet():
			out = append(out, generic.Violation{
				Kind:    generic.ViolationConditionUnset,
				ItemID:  it.ID,
				Message: fmt.Sprintf("item %s has no condition", itemLabel(it)),
			})
		case it.Condition != generic.ConditionGood && !it.CostOrZero().IsPositive():
			out = append(out, generic.Violation{
				Kind:    generic.ViolationCostMissing,
				ItemID:  it.ID,
				Message: fmt.Sprintf("item %s is %s but has no damage cost", itemLabel(it), it.Condition),
			})
		}
	}
	return out
}

// checklistViolation flags an empty checklist on a unit that has active
// assets: the store has not generated the items yet.
func (s *Service) checklistViolation(ctx context.Context, unitID generic.UnitID) ([]generic.Violation, error) {
	assets, err := s.assets.ListAssetsByUnit(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	active := 0
	for _, a := range assets {
		if a.Active {
			active++
		}
	}
	if active == 0 {
		return nil, nil
	}
	return []generic.Violation{{
		Kind:    generic.ViolationChecklistEmpty,
		Message: fmt.Sprintf("checklist is empty but unit %s has %d active assets", unitID, active),
	}}, nil
}

// planReadings checks every unit meter and returns the readings to store.
func planReadings(
	meters []generic.Meter,
	supplied map[generic.MeterID]decimal.Decimal,
	existing []generic.MeterReading,
	cycle *generic.ReadingCycle,
	today generic.TimePoint,
) ([]generic.Violation, []generic.MeterReading) {
	var (
		violations []generic.Violation
		toCreate   []generic.MeterReading
	)
	for _, mt := range meters {
		label := fmt.Sprintf("%s (%s)", mt.ID, mt.ServiceCode)

		if cycle == nil {
			violations = append(violations, generic.Violation{
				Kind:    generic.ViolationNoOpenCycle,
				MeterID: mt.ID,
				Message: fmt.Sprintf("meter %s needs a reading but no reading cycle is open", label),
			})
			continue
		}

		if curr, ok := supplied[mt.ID]; ok {
			if curr.LessThan(mt.LastReading) {
				violations = append(violations, generic.Violation{
					Kind:    generic.ViolationReadingBelow,
					MeterID: mt.ID,
					Message: fmt.Sprintf("meter %s: reading %s is below the previous index %s", label, curr, mt.LastReading),
				})
				continue
			}
			if curr.IsPositive() {
				toCreate = append(toCreate, generic.MeterReading{
					MeterID:     mt.ID,
					CycleID:     cycle.ID,
					PrevIndex:   mt.LastReading,
					CurrIndex:   curr,
					ReadingDate: today,
				})
				continue
			}
		}

		if r, ok := generic.LatestReading(existing, mt.ID); ok && generic.HasPositiveIndex(r) {
			continue
		}
		violations = append(violations, generic.Violation{
			Kind:    generic.ViolationMeterReading,
			MeterID: mt.ID,
			Message: fmt.Sprintf("meter %s has no reading for cycle %s", label, cycle.Name),
		})
	}
	return violations, toCreate
}

// ensureAssignments registers the inspector as reader for each building
// that has no reading assignment in the cycle. Failures are logged only.
func (s *Service) ensureAssignments(ctx context.Context, cycle generic.ReadingCycle, meters []generic.Meter, inspector string) {
	assigned := make(map[string]bool)
	current, err := s.meters.ListReadingAssignments(ctx, cycle.ID)
	if err != nil {
		s.log.WithField("cycle_id", cycle.ID).WithError(err).Warn("Could not list reading assignments")
		return
	}
	for _, a := range current {
		assigned[a.BuildingID] = true
	}

	for _, mt := range meters {
		if mt.BuildingID == "" || assigned[mt.BuildingID] {
			continue
		}
		assigned[mt.BuildingID] = true
		_, err := s.meters.CreateReadingAssignment(ctx, generic.ReadingAssignment{
			CycleID:    cycle.ID,
			BuildingID: mt.BuildingID,
			Assignee:   inspector,
		})
		if err != nil {
			s.log.WithFields(logging.Fields{
				"cycle_id":    cycle.ID,
				"building_id": mt.BuildingID,
			}).WithError(err).Warn("Could not create reading assignment")
		}
	}
}

// createReadings stores readings concurrently. A failed reading never
// aborts the others.
func (s *Service) createReadings(ctx context.Context, readings []generic.MeterReading) generic.BatchResult {
	var (
		mu  sync.Mutex
		res generic.BatchResult
		g   errgroup.Group
	)
	g.SetLimit(s.opts.ReadingConcurrency)

	for _, r := range readings {
		r := r
		g.Go(func() error {
			_, err := s.meters.CreateReading(ctx, r)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Errors = append(res.Errors, fmt.Errorf("meter %s: %w", r.MeterID, err))
				s.log.WithField("meter_id", r.MeterID).WithError(err).Warn("Meter reading failed")
				return nil
			}
			res.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.Readings(res.Succeeded, res.Failed)
	return res
}

// issueDamageInvoice creates the DAMAGE invoice, links it and marks it
// PAID. Each failure is returned as a warning.
func (s *Service) issueDamageInvoice(
	ctx context.Context,
	insp generic.AssetInspection,
	total generic.Money,
	cycleID generic.CycleID,
	today generic.TimePoint,
) (*generic.Invoice, []string) {
	var warnings []string
	fields := logging.Fields{"inspection_id": insp.ID, "unit_id": insp.UnitID}

	inv, err := s.invoices.CreateInvoice(ctx, generic.Invoice{
		UnitID:      insp.UnitID,
		CycleID:     cycleID,
		Kind:        generic.InvoiceDamage,
		Lines:       map[generic.ServiceCode]generic.Money{generic.DamageLine: total},
		TotalAmount: total,
		Status:      generic.InvoicePending,
		CreatedAt:   today,
	})
	if err != nil {
		s.log.WithFields(fields).WithError(err).Error("Damage invoice not created")
		return nil, append(warnings, fmt.Sprintf("damage invoice not created: %v", err))
	}
	s.metrics.InvoiceCreated(string(generic.InvoiceDamage))
	fields["invoice_id"] = inv.ID

	if err := s.inspections.SetInvoice(ctx, insp.ID, inv.ID); err != nil {
		s.log.WithFields(fields).WithError(err).Warn("Invoice not linked to inspection")
		warnings = append(warnings, fmt.Sprintf("invoice %s not linked to inspection: %v", inv.ID, err))
	}

	if err := s.invoices.UpdateInvoiceStatus(ctx, inv.ID, generic.InvoicePaid); err != nil {
		s.log.WithFields(fields).WithError(err).Warn("Invoice not marked PAID")
		warnings = append(warnings, fmt.Sprintf("invoice %s created but not marked PAID: %v", inv.ID, err))
	} else {
		inv.Status = generic.InvoicePaid
	}
	return &inv, warnings
}

func hasMeter(meters []generic.Meter, id generic.MeterID) bool {
	for _, mt := range meters {
		if mt.ID == id {
			return true
		}
	}
	return false
}

func itemLabel(it generic.InspectionItem) string {
	switch {
	case it.AssetCode != "" && it.AssetName != "":
		return fmt.Sprintf("%s (%s)", it.AssetCode, it.AssetName)
	case it.AssetCode != "":
		return it.AssetCode
	default:
		return string(it.ID)
	}
}
