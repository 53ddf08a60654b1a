/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Contracts:
    ContractDTO, ClassificationDTO, ResolutionDTO, ValidateContractRequest

  Inspections:
    InspectionDTO, ItemDTO, CreateInspectionRequest, UpdateItemRequest,
    CompleteInspectionRequest, CompletionDTO

  Settlement:
    QuoteDTO, UtilityLineDTO, BandDTO, SettleResponse, InvoiceDTO

  Tariffs:
    factory.TariffJSON (upload), TariffQuoteRequest, TariffQuoteDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

MONEY AND DATES:
  Amounts are decimal strings ("300000.50"), never JSON numbers.
  Dates are YYYY-MM-DD.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/tariff.go: TariffJSON type
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/inspection"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/tariff"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string         `json:"error"`
	Details    string         `json:"details,omitempty"`
	Field      string         `json:"field,omitempty"`
	Rule       string         `json:"rule,omitempty"`
	Violations []ViolationDTO `json:"violations,omitempty"`
}

type ViolationDTO struct {
	Kind    string `json:"kind"`
	ItemID  string `json:"item_id,omitempty"`
	MeterID string `json:"meter_id,omitempty"`
	Message string `json:"message"`
}

// =============================================================================
// CONTRACTS
// =============================================================================

type ContractDTO struct {
	ID          string           `json:"id"`
	UnitID      string           `json:"unit_id"`
	Type        string           `json:"contract_type"`
	Status      string           `json:"status"`
	StartDate   string           `json:"start_date"`
	EndDate     string           `json:"end_date,omitempty"`
	MonthlyRent *decimal.Decimal `json:"monthly_rent,omitempty"`
}

type ClassificationDTO struct {
	Contract          ContractDTO `json:"contract"`
	Class             string      `json:"class"`
	DaysRemaining     int         `json:"days_remaining,omitempty"`
	Occupying         bool        `json:"occupying"`
	BlocksNewContract bool        `json:"blocks_new_contract"`
}

// ResolutionDTO is the effective contract state of a unit.
type ResolutionDTO struct {
	UnitID              string              `json:"unit_id"`
	Today               string              `json:"today"`
	Contracts           []ClassificationDTO `json:"contracts"`
	LatestExpiredRental *ContractDTO        `json:"latest_expired_rental,omitempty"`
	Reference           *ContractDTO        `json:"reference,omitempty"`
	CanOpenNewContract  bool                `json:"can_open_new_contract"`
	Occupied            bool                `json:"occupied"`
	NeedsMoveOut        bool                `json:"needs_move_out"`
}

type ValidateContractRequest struct {
	ContractType string `json:"contract_type"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date,omitempty"`
}

type ValidateContractResponse struct {
	Valid     bool   `json:"valid"`
	Field     string `json:"field,omitempty"`
	Rule      string `json:"rule,omitempty"`
	Message   string `json:"message,omitempty"`
	Reference string `json:"reference_contract_id,omitempty"`
}

// =============================================================================
// INSPECTIONS
// =============================================================================

type CreateInspectionRequest struct {
	ContractID     string `json:"contract_id"`
	UnitID         string `json:"unit_id,omitempty"`
	InspectionDate string `json:"inspection_date,omitempty"`
	InspectorName  string `json:"inspector_name"`
}

type ItemDTO struct {
	ID             string           `json:"id"`
	AssetID        string           `json:"asset_id"`
	AssetCode      string           `json:"asset_code"`
	AssetName      string           `json:"asset_name,omitempty"`
	AssetType      string           `json:"asset_type,omitempty"`
	Condition      string           `json:"condition,omitempty"`
	DamageCost     *decimal.Decimal `json:"damage_cost,omitempty"`
	CostSource     string           `json:"cost_source,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	Checked        bool             `json:"checked"`
	ReferencePrice *decimal.Decimal `json:"reference_price,omitempty"`
}

type InspectionDTO struct {
	ID              string          `json:"id"`
	ContractID      string          `json:"contract_id"`
	UnitID          string          `json:"unit_id"`
	Status          string          `json:"status"`
	InspectionDate  string          `json:"inspection_date"`
	InspectorName   string          `json:"inspector_name"`
	InspectorNotes  string          `json:"inspector_notes,omitempty"`
	TotalDamageCost decimal.Decimal `json:"total_damage_cost"`
	InvoiceID       string          `json:"invoice_id,omitempty"`
	Items           []ItemDTO       `json:"items"`

	// Converged is false when the store had not caught up with the write.
	Converged *bool `json:"converged,omitempty"`
}

type UpdateItemRequest struct {
	Condition     string           `json:"condition"`
	Notes         string           `json:"notes,omitempty"`
	DamageCost    *decimal.Decimal `json:"damage_cost,omitempty"`
	ClearOverride bool             `json:"clear_override,omitempty"`
}

type ReadingRequest struct {
	MeterID   string          `json:"meter_id"`
	CurrIndex decimal.Decimal `json:"curr_index"`
}

type CompleteInspectionRequest struct {
	Notes    string           `json:"notes,omitempty"`
	Readings []ReadingRequest `json:"readings,omitempty"`
}

type BatchDTO struct {
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

type CompletionDTO struct {
	Inspection InspectionDTO `json:"inspection"`
	Readings   BatchDTO      `json:"readings"`
	Invoice    *InvoiceDTO   `json:"invoice,omitempty"`
	Exported   []InvoiceDTO  `json:"exported,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
}

// =============================================================================
// SETTLEMENT
// =============================================================================

type InvoiceDTO struct {
	ID          string                     `json:"id"`
	UnitID      string                     `json:"unit_id"`
	CycleID     string                     `json:"cycle_id,omitempty"`
	Kind        string                     `json:"kind"`
	Lines       map[string]decimal.Decimal `json:"lines"`
	TotalAmount decimal.Decimal            `json:"total_amount"`
	Status      string                     `json:"status"`
	CreatedAt   string                     `json:"created_at"`
}

type BandDTO struct {
	TierOrder int             `json:"tier_order"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Amount    decimal.Decimal `json:"amount"`
}

type UtilityLineDTO struct {
	Service string          `json:"service_code"`
	Usage   decimal.Decimal `json:"usage"`
	Amount  decimal.Decimal `json:"amount"`
	Source  string          `json:"source"`
	Bands   []BandDTO       `json:"bands,omitempty"`
}

type QuoteDTO struct {
	InspectionID    string           `json:"inspection_id"`
	UnitID          string           `json:"unit_id"`
	CycleID         string           `json:"cycle_id,omitempty"`
	CycleName       string           `json:"cycle_name,omitempty"`
	Damage          decimal.Decimal  `json:"damage"`
	DamageSource    string           `json:"damage_source"`
	DamageInvoiceID string           `json:"damage_invoice_id,omitempty"`
	Utilities       []UtilityLineDTO `json:"utilities"`
	UtilityTotal    decimal.Decimal  `json:"utility_total"`
	GrandTotal      decimal.Decimal  `json:"grand_total"`
	Estimate        bool             `json:"estimate"`
}

type SettleResponse struct {
	Quote    QuoteDTO     `json:"quote"`
	Exported []InvoiceDTO `json:"exported"`
}

// =============================================================================
// TARIFFS
// =============================================================================

type TariffQuoteRequest struct {
	Usage decimal.Decimal `json:"usage"`
	AsOf  string          `json:"as_of,omitempty"`
}

type TariffQuoteDTO struct {
	Service string          `json:"service_code"`
	AsOf    string          `json:"as_of"`
	Usage   decimal.Decimal `json:"usage"`
	Bands   []BandDTO       `json:"bands"`
	Total   decimal.Decimal `json:"total"`
}

// =============================================================================
// SCENARIOS & ADMIN
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScanResultDTO reports one move-out scan.
type ScanResultDTO struct {
	Units   int      `json:"units"`
	Opened  []string `json:"opened"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toContractDTO(c generic.RentalContract) ContractDTO {
	dto := ContractDTO{
		ID:          string(c.ID),
		UnitID:      string(c.UnitID),
		Type:        string(c.Type),
		Status:      string(c.Status),
		StartDate:   c.StartDate.String(),
		MonthlyRent: c.MonthlyRent,
	}
	if c.EndDate != nil {
		dto.EndDate = c.EndDate.String()
	}
	return dto
}

func toResolutionDTO(unitID generic.UnitID, res contract.Resolution) ResolutionDTO {
	dto := ResolutionDTO{
		UnitID:             string(unitID),
		Today:              res.Today.String(),
		Contracts:          make([]ClassificationDTO, 0, len(res.Classifications)),
		CanOpenNewContract: res.CanOpenNewContract,
		Occupied:           res.Occupied(),
		NeedsMoveOut:       res.NeedsMoveOut(),
	}
	for _, cl := range res.Classifications {
		dto.Contracts = append(dto.Contracts, ClassificationDTO{
			Contract:          toContractDTO(cl.Contract),
			Class:             string(cl.Class),
			DaysRemaining:     cl.DaysRemaining,
			Occupying:         cl.Occupying,
			BlocksNewContract: cl.BlocksNewContract,
		})
	}
	if res.LatestExpiredRental != nil {
		c := toContractDTO(*res.LatestExpiredRental)
		dto.LatestExpiredRental = &c
	}
	if res.Reference != nil {
		c := toContractDTO(*res.Reference)
		dto.Reference = &c
	}
	return dto
}

func toInspectionDTO(insp generic.AssetInspection) InspectionDTO {
	dto := InspectionDTO{
		ID:              string(insp.ID),
		ContractID:      string(insp.ContractID),
		UnitID:          string(insp.UnitID),
		Status:          string(insp.Status),
		InspectionDate:  insp.InspectionDate.String(),
		InspectorName:   insp.InspectorName,
		InspectorNotes:  insp.InspectorNotes,
		TotalDamageCost: insp.TotalDamageCost,
		Items:           make([]ItemDTO, 0, len(insp.Items)),
	}
	if insp.InvoiceID != nil {
		dto.InvoiceID = string(*insp.InvoiceID)
	}
	for _, it := range insp.Items {
		item := ItemDTO{
			ID:             string(it.ID),
			AssetID:        string(it.AssetID),
			AssetCode:      it.AssetCode,
			AssetName:      it.AssetName,
			AssetType:      it.AssetType,
			Condition:      string(it.Condition),
			Notes:          it.Notes,
			Checked:        it.Checked,
			ReferencePrice: it.ReferencePrice,
		}
		if it.DamageCost != nil {
			amount := it.DamageCost.Amount
			item.DamageCost = &amount
			item.CostSource = string(it.DamageCost.Source)
		}
		dto.Items = append(dto.Items, item)
	}
	return dto
}

func toResultDTO(r inspection.Result) InspectionDTO {
	dto := toInspectionDTO(r.Inspection)
	converged := r.Converged
	dto.Converged = &converged
	return dto
}

func toInvoiceDTO(inv generic.Invoice) InvoiceDTO {
	lines := make(map[string]decimal.Decimal, len(inv.Lines))
	for k, v := range inv.Lines {
		lines[string(k)] = v
	}
	return InvoiceDTO{
		ID:          string(inv.ID),
		UnitID:      string(inv.UnitID),
		CycleID:     string(inv.CycleID),
		Kind:        string(inv.Kind),
		Lines:       lines,
		TotalAmount: inv.TotalAmount,
		Status:      string(inv.Status),
		CreatedAt:   inv.CreatedAt.String(),
	}
}

func toCompletionDTO(r inspection.CompletionResult) CompletionDTO {
	dto := CompletionDTO{
		Inspection: toResultDTO(inspection.Result{Inspection: r.Inspection, Converged: r.Converged}),
		Readings:   BatchDTO{Succeeded: r.Readings.Succeeded, Failed: r.Readings.Failed},
		Warnings:   r.Warnings,
	}
	for _, err := range r.Readings.Errors {
		dto.Readings.Errors = append(dto.Readings.Errors, err.Error())
	}
	if r.Invoice != nil {
		inv := toInvoiceDTO(*r.Invoice)
		dto.Invoice = &inv
	}
	return dto
}

func toBandDTOs(bands []tariff.BandCharge) []BandDTO {
	out := make([]BandDTO, 0, len(bands))
	for _, b := range bands {
		out = append(out, BandDTO{TierOrder: b.TierOrder, Quantity: b.Quantity, UnitPrice: b.UnitPrice, Amount: b.Amount})
	}
	return out
}

func toQuoteDTO(q settlement.Quote) QuoteDTO {
	dto := QuoteDTO{
		InspectionID: string(q.InspectionID),
		UnitID:       string(q.UnitID),
		Damage:       q.Damage,
		DamageSource: string(q.DamageSource),
		Utilities:    make([]UtilityLineDTO, 0, len(q.Utilities)),
		UtilityTotal: q.UtilityTotal,
		GrandTotal:   q.GrandTotal,
		Estimate:     q.Estimate(),
	}
	if q.Cycle != nil {
		dto.CycleID = string(q.Cycle.ID)
		dto.CycleName = q.Cycle.Name
	}
	if q.DamageInvoiceID != nil {
		dto.DamageInvoiceID = string(*q.DamageInvoiceID)
	}
	for _, u := range q.Utilities {
		line := UtilityLineDTO{
			Service: string(u.Service),
			Usage:   u.Usage,
			Amount:  u.Amount,
			Source:  string(u.Source),
		}
		if len(u.Bands) > 0 {
			line.Bands = toBandDTOs(u.Bands)
		}
		dto.Utilities = append(dto.Utilities, line)
	}
	return dto
}
