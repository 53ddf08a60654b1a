/*
scheduler.go - Automated move-out scheduler

PURPOSE:
  Periodically looks for units whose latest rental contract has expired
  and that nobody occupies any more, and opens a PENDING move-out
  inspection for them so the back office does not have to.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Resolves every unit's contracts against today (contract.Resolve)
  - Skips units with any inspection for the expired contract, including
    a CANCELLED one: cancelling is a human decision the scan respects
  - Opens inspections through the regular workflow (same validation and
    reconciliation as POST /api/inspections)

CONFIGURATION:
  - CheckInterval: How often to check (EXPIRY_SCAN_INTERVAL, default 1h)
  - Enabled: Whether scheduler is active (interval 0 disables it)

USAGE:
  scheduler := NewMoveOutScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerMoveOutScan endpoint (manual scan)
  - contract/resolver.go: NeedsMoveOut
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/inspection"
	"github.com/warp/settlement-engine/logging"
)

// SchedulerInspector is the inspector name on scan-opened inspections.
const SchedulerInspector = "scheduler"

// MoveOutScheduler opens move-out inspections for expired units.
type MoveOutScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewMoveOutScheduler creates a new scheduler.
func NewMoveOutScheduler(handler *Handler) *MoveOutScheduler {
	return &MoveOutScheduler{
		Handler:       handler,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (ms *MoveOutScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	log := ms.Handler.Log
	if !ms.Enabled || ms.CheckInterval <= 0 {
		log.Info("Move-out scheduler disabled, not starting")
		return
	}

	ms.ticker = time.NewTicker(ms.CheckInterval)
	ms.stop = make(chan struct{})
	ms.wg.Add(1)

	go ms.run()

	log.WithField("interval", ms.CheckInterval.String()).Info("Move-out scheduler started")
}

// Stop stops the scheduler.
func (ms *MoveOutScheduler) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.ticker != nil {
		ms.ticker.Stop()
		close(ms.stop)
		ms.wg.Wait()
		ms.ticker = nil
		ms.Handler.Log.Info("Move-out scheduler stopped")
	}
}

func (ms *MoveOutScheduler) run() {
	defer ms.wg.Done()

	// Run immediately on start
	ms.checkAndProcess()

	for {
		select {
		case <-ms.ticker.C:
			ms.checkAndProcess()
		case <-ms.stop:
			return
		}
	}
}

func (ms *MoveOutScheduler) checkAndProcess() {
	ctx, cancel := context.WithTimeout(context.Background(), ms.CheckInterval)
	defer cancel()

	result, err := ms.Handler.ScanMoveOuts(ctx)
	if err != nil {
		ms.Handler.Log.WithError(err).Error("Move-out scan failed")
		return
	}
	if len(result.Opened) > 0 || len(result.Errors) > 0 {
		ms.Handler.Log.WithFields(logging.Fields{
			"units":   result.Units,
			"opened":  len(result.Opened),
			"skipped": result.Skipped,
			"errors":  len(result.Errors),
		}).Info("Move-out scan completed")
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (ms *MoveOutScheduler) RunNow() {
	ms.checkAndProcess()
}

// ScanMoveOuts opens a PENDING inspection for every unit that needs one.
// Per-unit failures are collected in the result; only listing the units
// can fail the scan as a whole.
func (h *Handler) ScanMoveOuts(ctx context.Context) (ScanResultDTO, error) {
	result := ScanResultDTO{Opened: []string{}}

	units, err := h.Store.ListUnitIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("list units: %w", err)
	}
	result.Units = len(units)

	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		res, err := h.resolveUnit(ctx, unit)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("unit %s: %v", unit, err))
			continue
		}
		if !res.NeedsMoveOut() {
			continue
		}
		expired := res.LatestExpiredRental

		_, err = h.Store.GetInspectionByContract(ctx, expired.ID)
		if err == nil {
			result.Skipped++
			continue
		}
		if !generic.IsNotFound(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("unit %s: %v", unit, err))
			continue
		}

		opened, err := h.Inspections.Create(ctx, inspection.CreateInput{
			ContractID:    expired.ID,
			UnitID:        unit,
			InspectorName: SchedulerInspector,
		})
		if err != nil {
			h.Log.WithError(err).WithFields(logging.Fields{
				"unit_id":     unit,
				"contract_id": expired.ID,
			}).Warn("Move-out inspection not opened")
			result.Errors = append(result.Errors, fmt.Sprintf("unit %s: %v", unit, err))
			continue
		}

		h.Metrics.InspectionOpened()
		h.Log.WithFields(logging.Fields{
			"unit_id":       unit,
			"contract_id":   expired.ID,
			"inspection_id": opened.Inspection.ID,
		}).Info("Move-out inspection opened")
		result.Opened = append(result.Opened, string(opened.Inspection.ID))
	}
	return result, nil
}
