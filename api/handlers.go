/*
handlers.go - HTTP API handlers for the move-out settlement engine

PURPOSE:
  Exposes contract resolution, the inspection workflow, settlement and
  tariffs via REST API. Handles HTTP request/response, JSON serialization,
  and delegates to domain logic.

ENDPOINTS:
  Contracts:
    GET    /api/units/{unitID}/contracts           Effective contract state
    POST   /api/units/{unitID}/contracts/validate  Check a new contract

  Inspections:
    POST   /api/inspections                        Open a move-out inspection
    GET    /api/inspections/{id}                   Inspection with checklist
    GET    /api/contracts/{contractID}/inspection  Latest inspection of a contract
    POST   /api/inspections/{id}/start             PENDING -> IN_PROGRESS
    PUT    /api/inspections/{id}/items/{itemID}    Record condition and cost
    POST   /api/inspections/{id}/complete          Gate, readings, invoice
    POST   /api/inspections/{id}/cancel            Abandon

  Settlement:
    GET    /api/inspections/{id}/settlement        Damage + utilities quote
    POST   /api/inspections/{id}/settlement        Export utilities, then quote

  Tariffs:
    PUT    /api/tariffs                            Upload a tier set (TariffJSON)
    GET    /api/tariffs/{service}                  Tier set in force (?as_of=)
    POST   /api/tariffs/{service}/quote            Progressive charge for a usage

  Admin:
    POST   /api/admin/move-out-scan                Run the move-out scan now

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (inspection, settlement, contract, tariff)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Status does not allow the operation
  - 422: Completion gate not met (violations listed)
  - 504: Request context expired while waiting on the store
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/inspection"
	"github.com/warp/settlement-engine/logging"
	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
	"github.com/warp/settlement-engine/tariff"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store         *sqlite.Store
	Inspections   *inspection.Service
	Settlement    *settlement.Service
	TariffFactory *factory.TariffFactory
	Metrics       *metrics.Collector
	Clock         generic.Clock
	ContractOpts  contract.Options
	Log           logging.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// HandlerOptions carries the optional dependencies of NewHandler.
type HandlerOptions struct {
	Clock      generic.Clock
	Log        logging.Logger
	Metrics    *metrics.Collector
	Inspection inspection.Options
}

// NewHandler creates a new handler with the given store.
func NewHandler(store *sqlite.Store, opts HandlerOptions) *Handler {
	if opts.Clock == nil {
		opts.Clock = generic.SystemClock{}
	}
	if opts.Log == nil {
		opts.Log = logging.NewLogger()
	}
	return &Handler{
		Store: store,
		Inspections: inspection.NewService(store, opts.Clock, opts.Log, opts.Inspection).
			WithMetrics(opts.Metrics),
		Settlement: settlement.NewService(store, opts.Clock, opts.Log).
			WithMetrics(opts.Metrics),
		TariffFactory: factory.NewTariffFactory(),
		Metrics:       opts.Metrics,
		Clock:         opts.Clock,
		ContractOpts:  opts.Inspection.Contract,
		Log:           opts.Log,
	}
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// GetUnitContracts classifies every contract of a unit as of today.
func (h *Handler) GetUnitContracts(w http.ResponseWriter, r *http.Request) {
	unitID := generic.UnitID(chi.URLParam(r, "unitID"))

	res, err := h.resolveUnit(r.Context(), unitID)
	if err != nil {
		writeDomainError(w, "Failed to resolve contracts", err)
		return
	}
	writeJSON(w, http.StatusOK, toResolutionDTO(unitID, res))
}

// ValidateContract checks whether a new contract may be signed for a unit.
// A rejected candidate is a 200 with valid=false; only malformed input is 400.
func (h *Handler) ValidateContract(w http.ResponseWriter, r *http.Request) {
	unitID := generic.UnitID(chi.URLParam(r, "unitID"))

	var req ValidateContractRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start, err := parseOptionalDate("start_date", req.StartDate)
	if err != nil {
		writeDomainError(w, "Invalid request", err)
		return
	}
	end, err := parseOptionalDate("end_date", req.EndDate)
	if err != nil {
		writeDomainError(w, "Invalid request", err)
		return
	}

	res, err := h.resolveUnit(r.Context(), unitID)
	if err != nil {
		writeDomainError(w, "Failed to resolve contracts", err)
		return
	}

	candidate := contract.Candidate{Type: generic.ContractType(req.ContractType), EndDate: end}
	if start != nil {
		candidate.StartDate = *start
	}

	resp := ValidateContractResponse{Valid: true}
	if res.Reference != nil {
		resp.Reference = string(res.Reference.ID)
	}
	if err := contract.ValidateNewContract(candidate, res); err != nil {
		var ve *generic.ValidationError
		if !errors.As(err, &ve) {
			writeDomainError(w, "Failed to validate contract", err)
			return
		}
		resp.Valid = false
		resp.Field = ve.Field
		resp.Rule = ve.Rule
		resp.Message = ve.Message
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) resolveUnit(ctx context.Context, unitID generic.UnitID) (contract.Resolution, error) {
	contracts, err := h.Store.ListContractsByUnit(ctx, unitID)
	if err != nil {
		return contract.Resolution{}, err
	}
	return contract.Resolve(contracts, h.Clock.Today(), h.ContractOpts), nil
}

// =============================================================================
// INSPECTION HANDLERS
// =============================================================================

// CreateInspection opens a move-out inspection for an expired contract.
func (h *Handler) CreateInspection(w http.ResponseWriter, r *http.Request) {
	var req CreateInspectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	date, err := parseOptionalDate("inspection_date", req.InspectionDate)
	if err != nil {
		writeDomainError(w, "Invalid request", err)
		return
	}

	result, err := h.Inspections.Create(r.Context(), inspection.CreateInput{
		ContractID:     generic.ContractID(req.ContractID),
		UnitID:         generic.UnitID(req.UnitID),
		InspectionDate: date,
		InspectorName:  req.InspectorName,
	})
	if err != nil {
		writeDomainError(w, "Failed to create inspection", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(result))
}

// GetInspection returns an inspection with its checklist.
func (h *Handler) GetInspection(w http.ResponseWriter, r *http.Request) {
	insp, err := h.Inspections.Get(r.Context(), inspectionID(r))
	if err != nil {
		writeDomainError(w, "Failed to get inspection", err)
		return
	}
	writeJSON(w, http.StatusOK, toInspectionDTO(insp))
}

// GetInspectionByContract returns the latest inspection of a contract.
func (h *Handler) GetInspectionByContract(w http.ResponseWriter, r *http.Request) {
	contractID := generic.ContractID(chi.URLParam(r, "contractID"))

	insp, err := h.Inspections.GetByContract(r.Context(), contractID)
	if err != nil {
		writeDomainError(w, "Failed to get inspection", err)
		return
	}
	writeJSON(w, http.StatusOK, toInspectionDTO(insp))
}

// StartInspection moves a PENDING inspection to IN_PROGRESS.
func (h *Handler) StartInspection(w http.ResponseWriter, r *http.Request) {
	result, err := h.Inspections.Start(r.Context(), inspectionID(r))
	if err != nil {
		writeDomainError(w, "Failed to start inspection", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// UpdateItem records an item's condition and optional cost override.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	itemID := generic.ItemID(chi.URLParam(r, "itemID"))

	var req UpdateItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	condition, ok := generic.ParseCondition(req.Condition)
	if !ok {
		writeDomainError(w, "Invalid request", generic.NewValidationError("condition", "enum",
			"condition must be one of GOOD, DAMAGED, MISSING, REPAIRED, REPLACED, got %q", req.Condition))
		return
	}

	result, err := h.Inspections.UpdateItem(r.Context(), inspectionID(r), itemID, inspection.ItemUpdate{
		Condition:     condition,
		Notes:         req.Notes,
		DamageCost:    req.DamageCost,
		ClearOverride: req.ClearOverride,
	})
	if err != nil {
		writeDomainError(w, "Failed to update item", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// CompleteInspection runs the completion gate and settles the damage.
func (h *Handler) CompleteInspection(w http.ResponseWriter, r *http.Request) {
	var req CompleteInspectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := inspection.CompleteInput{Notes: req.Notes}
	for _, rd := range req.Readings {
		in.Readings = append(in.Readings, inspection.ReadingInput{
			MeterID:   generic.MeterID(rd.MeterID),
			CurrIndex: rd.CurrIndex,
		})
	}

	ctx := r.Context()
	result, err := h.Inspections.Complete(ctx, inspectionID(r), in)
	if err != nil {
		writeDomainError(w, "Failed to complete inspection", err)
		return
	}

	// The utility export follows the completion; its failure is a warning.
	exported, err := h.Settlement.ExportCompleted(ctx, result.Inspection)
	if err != nil {
		h.Log.WithError(err).WithFields(logging.Fields{
			"inspection_id": result.Inspection.ID,
			"unit_id":       result.Inspection.UnitID,
		}).Warn("Utility export after completion failed")
		result.Warnings = append(result.Warnings, "utility export failed: "+err.Error())
	}

	dto := toCompletionDTO(result)
	for _, inv := range exported {
		dto.Exported = append(dto.Exported, toInvoiceDTO(inv))
	}
	writeJSON(w, http.StatusOK, dto)
}

// CancelInspection abandons a PENDING or IN_PROGRESS inspection.
func (h *Handler) CancelInspection(w http.ResponseWriter, r *http.Request) {
	insp, err := h.Inspections.Cancel(r.Context(), inspectionID(r))
	if err != nil {
		writeDomainError(w, "Failed to cancel inspection", err)
		return
	}
	writeJSON(w, http.StatusOK, toInspectionDTO(insp))
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// GetSettlement returns the current damage + utility quote.
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	q, err := h.Settlement.Quote(r.Context(), inspectionID(r))
	if err != nil {
		writeDomainError(w, "Failed to quote settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// Settle exports the unit's utility readings and returns the final quote.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	q, exported, err := h.Settlement.Settle(r.Context(), inspectionID(r))
	if err != nil {
		writeDomainError(w, "Failed to settle", err)
		return
	}
	resp := SettleResponse{Quote: toQuoteDTO(q), Exported: make([]InvoiceDTO, 0, len(exported))}
	for _, inv := range exported {
		resp.Exported = append(resp.Exported, toInvoiceDTO(inv))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// TARIFF HANDLERS
// =============================================================================

// PutTariff stores a tier set, replacing any with the same effective date.
func (h *Handler) PutTariff(w http.ResponseWriter, r *http.Request) {
	var req factory.TariffJSON
	if !decodeJSON(w, r, &req) {
		return
	}

	service, tiers, err := h.TariffFactory.FromJSON(req)
	if err != nil {
		writeDomainError(w, "Invalid tariff", err)
		return
	}
	if err := h.Store.SaveTiers(r.Context(), service, tiers); err != nil {
		writeDomainError(w, "Failed to save tariff", err)
		return
	}
	h.Log.WithFields(logging.Fields{
		"service_code":   service,
		"effective_from": req.EffectiveFrom,
		"tiers":          len(tiers),
	}).Info("Tariff saved")

	writeJSON(w, http.StatusOK, h.TariffFactory.ToJSON(service, tiers))
}

// GetTariff returns the tier set in force on ?as_of= (default today).
func (h *Handler) GetTariff(w http.ResponseWriter, r *http.Request) {
	service, asOf, ok := h.tariffParams(w, r, r.URL.Query().Get("as_of"))
	if !ok {
		return
	}
	tiers, err := h.Store.ActiveTiers(r.Context(), service, asOf)
	if err != nil {
		writeDomainError(w, "Failed to load tariff", err)
		return
	}
	if len(tiers) == 0 {
		writeError(w, http.StatusNotFound, "No tariff in force", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.TariffFactory.ToJSON(service, tiers))
}

// QuoteTariff prices a usage with the tier set in force.
func (h *Handler) QuoteTariff(w http.ResponseWriter, r *http.Request) {
	var req TariffQuoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	service, asOf, ok := h.tariffParams(w, r, req.AsOf)
	if !ok {
		return
	}
	if req.Usage.IsNegative() {
		writeDomainError(w, "Invalid request",
			generic.NewValidationError("usage", "non_negative", "usage must be >= 0"))
		return
	}

	tiers, err := h.Store.ActiveTiers(r.Context(), service, asOf)
	if err != nil {
		writeDomainError(w, "Failed to load tariff", err)
		return
	}
	q := tariff.Breakdown(req.Usage, tiers)
	writeJSON(w, http.StatusOK, TariffQuoteDTO{
		Service: string(service),
		AsOf:    asOf.String(),
		Usage:   req.Usage,
		Bands:   toBandDTOs(q.Bands),
		Total:   q.Total,
	})
}

func (h *Handler) tariffParams(w http.ResponseWriter, r *http.Request, asOfRaw string) (generic.ServiceCode, generic.TimePoint, bool) {
	service, ok := generic.ParseServiceCode(chi.URLParam(r, "service"))
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown service", nil)
		return "", generic.TimePoint{}, false
	}
	asOf := h.Clock.Today()
	if asOfRaw != "" {
		d, err := parseOptionalDate("as_of", asOfRaw)
		if err != nil {
			writeDomainError(w, "Invalid request", err)
			return "", generic.TimePoint{}, false
		}
		asOf = *d
	}
	return service, asOf, true
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerMoveOutScan runs the scheduler's scan synchronously.
func (h *Handler) TriggerMoveOutScan(w http.ResponseWriter, r *http.Request) {
	result, err := h.ScanMoveOuts(r.Context())
	if err != nil {
		writeDomainError(w, "Move-out scan failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health pings the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy to an HTTP status.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	resp := ErrorResponse{Error: message, Details: err.Error()}

	var (
		ve *generic.ValidationError
		pe *generic.PreconditionError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &pe):
		status = http.StatusUnprocessableEntity
		for _, v := range pe.Violations {
			resp.Violations = append(resp.Violations, ViolationDTO{
				Kind:    string(v.Kind),
				ItemID:  string(v.ItemID),
				MeterID: string(v.MeterID),
				Message: v.Message,
			})
		}
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		resp.Field = ve.Field
		resp.Rule = ve.Rule
	case errors.Is(err, generic.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, generic.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func parseOptionalDate(field, s string) (*generic.TimePoint, error) {
	if s == "" {
		return nil, nil
	}
	d, err := generic.ParseDate(s)
	if err != nil {
		return nil, generic.NewValidationError(field, "date", "%s must be YYYY-MM-DD, got %q", field, s)
	}
	return &d, nil
}

func inspectionID(r *http.Request) generic.InspectionID {
	return generic.InspectionID(chi.URLParam(r, "id"))
}
