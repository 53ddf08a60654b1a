/*
Package settlement merges the damage and utility totals of a move-out.

PURPOSE:
  A move-out settles two debts: the inspection's damage total and the
  unit's utility consumption for the open reading cycle. Quote shows both
  side by side; Settle asks the billing side to turn the cycle's readings
  into a UTILITY invoice and then quotes again. ExportCompleted is the same
  export, run right after a completion.

SOURCES:
  CONFIRMED  backed by a stored invoice line or a COMPLETED inspection
  ESTIMATE   computed here (tariff over readings, or an unfinished
             inspection's running total); never persisted

  A confirmed UTILITY invoice line always wins over a live estimate.

SEE ALSO:
  - tariff/calculator.go: Progressive bands
  - inspection/workflow.go: Damage total and DAMAGE invoice
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/logging"
	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/tariff"
)

// =============================================================================
// TYPES
// =============================================================================

type Source string

const (
	SourceConfirmed Source = "CONFIRMED"
	SourceEstimate  Source = "ESTIMATE"
)

type UtilityLine struct {
	Service generic.ServiceCode
	Usage   decimal.Decimal
	Amount  generic.Money
	Source  Source
	Bands   []tariff.BandCharge // estimates only
}

type Quote struct {
	InspectionID generic.InspectionID
	UnitID       generic.UnitID
	Cycle        *generic.ReadingCycle

	Damage          generic.Money
	DamageSource    Source
	DamageInvoiceID *generic.InvoiceID

	Utilities    []UtilityLine
	UtilityTotal generic.Money

	GrandTotal generic.Money
}

// Estimate reports whether any part of the quote is an estimate.
func (q Quote) Estimate() bool {
	if q.DamageSource == SourceEstimate {
		return true
	}
	for _, u := range q.Utilities {
		if u.Source == SourceEstimate {
			return true
		}
	}
	return false
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	inspections generic.InspectionStore
	meters      generic.MeterStore
	pricing     generic.PricingStore
	invoices    generic.InvoiceStore

	clock   generic.Clock
	log     logging.Logger
	metrics *metrics.Collector
}

func NewService(backend generic.Backend, clock generic.Clock, log logging.Logger) *Service {
	return &Service{
		inspections: backend,
		meters:      backend,
		pricing:     backend,
		invoices:    backend,
		clock:       clock,
		log:         log,
	}
}

func (s *Service) WithMetrics(m *metrics.Collector) *Service {
	s.metrics = m
	return s
}

// Quote returns the current settlement figures of an inspection.
func (s *Service) Quote(ctx context.Context, id generic.InspectionID) (Quote, error) {
	insp, err := generic.ReadInspection(ctx, s.inspections, id)
	if err != nil {
		return Quote{}, fmt.Errorf("get inspection: %w", err)
	}
	return s.quote(ctx, insp)
}

// Settle exports the unit's readings of the open cycle to a UTILITY
// invoice (unless one exists) and returns the resulting quote along with
// the invoices the export created.
func (s *Service) Settle(ctx context.Context, id generic.InspectionID) (Quote, []generic.Invoice, error) {
	insp, err := generic.ReadInspection(ctx, s.inspections, id)
	if err != nil {
		return Quote{}, nil, fmt.Errorf("get inspection: %w", err)
	}
	exported, err := s.ExportCompleted(ctx, insp)
	if err != nil {
		return Quote{}, nil, err
	}
	q, err := s.quote(ctx, insp)
	return q, exported, err
}

// ExportCompleted runs the utility export that follows a completed
// inspection: when the unit has readings in the open cycle and no UTILITY
// invoice yet, the cycle is exported. insp is taken as read by the caller.
func (s *Service) ExportCompleted(ctx context.Context, insp generic.AssetInspection) ([]generic.Invoice, error) {
	if insp.Status != generic.InspectionCompleted {
		return nil, &generic.StateError{InspectionID: insp.ID, Status: insp.Status, Operation: "settle"}
	}
	cycle, err := s.openCycle(ctx)
	if err != nil || cycle == nil {
		return nil, err
	}
	return s.export(ctx, insp.UnitID, *cycle)
}

func (s *Service) export(ctx context.Context, unitID generic.UnitID, cycle generic.ReadingCycle) ([]generic.Invoice, error) {
	readings, err := s.meters.ListReadings(ctx, cycle.ID, unitID)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	if len(readings) == 0 {
		return nil, nil
	}
	if _, ok, err := s.utilityInvoice(ctx, unitID, cycle.ID); err != nil || ok {
		return nil, err
	}

	created, err := s.invoices.ExportCycle(ctx, cycle.ID)
	if err != nil {
		return nil, fmt.Errorf("export cycle %s: %w", cycle.ID, err)
	}
	for range created {
		s.metrics.InvoiceCreated(string(generic.InvoiceUtility))
	}
	s.log.WithFields(logging.Fields{
		"cycle_id": cycle.ID,
		"unit_id":  unitID,
		"invoices": len(created),
	}).Info("Cycle exported")
	return created, nil
}

func (s *Service) quote(ctx context.Context, insp generic.AssetInspection) (Quote, error) {
	q := Quote{
		InspectionID:    insp.ID,
		UnitID:          insp.UnitID,
		Damage:          insp.TotalDamageCost,
		DamageSource:    SourceEstimate,
		DamageInvoiceID: insp.InvoiceID,
		UtilityTotal:    decimal.Zero,
	}
	if insp.Status == generic.InspectionCompleted {
		q.DamageSource = SourceConfirmed
	}

	cycle, err := s.openCycle(ctx)
	if err != nil {
		return Quote{}, err
	}
	if cycle != nil {
		q.Cycle = cycle
		if q.Utilities, err = s.utilities(ctx, insp.UnitID, *cycle); err != nil {
			return Quote{}, err
		}
	}
	for _, u := range q.Utilities {
		q.UtilityTotal = q.UtilityTotal.Add(u.Amount)
	}
	q.GrandTotal = q.Damage.Add(q.UtilityTotal)
	return q, nil
}

func (s *Service) utilities(ctx context.Context, unitID generic.UnitID, cycle generic.ReadingCycle) ([]UtilityLine, error) {
	meters, err := s.meters.ListMetersByUnit(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("list meters: %w", err)
	}
	readings, err := s.meters.ListReadings(ctx, cycle.ID, unitID)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	confirmed, _, err := s.utilityInvoice(ctx, unitID, cycle.ID)
	if err != nil {
		return nil, err
	}

	usage := tariff.UsageByService(meters, readings)
	services := make(map[generic.ServiceCode]bool)
	for code := range usage {
		services[code] = true
	}
	for code := range confirmed.Lines {
		services[code] = true
	}

	asOf := cycle.Period.End
	if asOf.IsZero() {
		asOf = s.clock.Today()
	}

	lines := make([]UtilityLine, 0, len(services))
	for code := range services {
		line := UtilityLine{Service: code, Usage: usage[code]}
		if amount, ok := confirmed.Lines[code]; ok {
			line.Amount = amount
			line.Source = SourceConfirmed
		} else {
			tiers, err := s.pricing.ActiveTiers(ctx, code, asOf)
			if err != nil {
				return nil, fmt.Errorf("tiers for %s: %w", code, err)
			}
			bd := tariff.Breakdown(usage[code], tiers)
			line.Amount = bd.Total
			line.Bands = bd.Bands
			line.Source = SourceEstimate
		}
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Service < lines[j].Service })
	return lines, nil
}

// utilityInvoice finds the non-cancelled UTILITY invoice of a unit/cycle.
func (s *Service) utilityInvoice(ctx context.Context, unitID generic.UnitID, cycleID generic.CycleID) (generic.Invoice, bool, error) {
	invoices, err := s.invoices.ListInvoices(ctx, unitID, cycleID)
	if err != nil {
		return generic.Invoice{}, false, fmt.Errorf("list invoices: %w", err)
	}
	for _, inv := range invoices {
		if inv.Kind == generic.InvoiceUtility && inv.Status != generic.InvoiceCancelled {
			return inv, true, nil
		}
	}
	return generic.Invoice{}, false, nil
}

func (s *Service) openCycle(ctx context.Context) (*generic.ReadingCycle, error) {
	c, err := generic.OpenCycle(ctx, s.meters, s.clock.Today())
	if errors.Is(err, generic.ErrNoOpenCycle) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open cycle: %w", err)
	}
	return &c, nil
}
