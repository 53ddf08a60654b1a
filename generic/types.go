/*
Package generic provides the core types of the move-out settlement engine.

PURPOSE:
  This package holds everything the settlement components share: money,
  calendar days, the entities read from and written to the backing store,
  the store interfaces themselves, the error taxonomy and the reconciler.
  Domain packages (contract, inspection, tariff, settlement) build on it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts (never float64)
  - RentalContract, Asset: read-only directory records
  - AssetInspection, InspectionItem, DamageCost: the move-out checklist
  - Meter, MeterReading, ReadingCycle, PricingTier: utility billing inputs
  - Invoice: settlement output

CLOSED ENUMERATIONS:
  Statuses and conditions are string types with a fixed set of values.
  ConditionUnset is the zero value and is distinct from every business
  value, so "condition missing" is a comparison, not a string check.

SEE ALSO:
  - store.go: Interfaces for the backing store
  - errors.go: Error taxonomy
  - reconcile.go: Bounded re-fetch after mutations
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is a currency amount. Units are whatever the back office bills in.
type Money = decimal.Decimal

// MoneyTolerance is the accepted difference between a locally computed
// total and the store's derived total.
var MoneyTolerance = decimal.RequireFromString("0.01")

func NewMoney(v int64) Money { return decimal.NewFromInt(v) }

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// WithinTolerance reports |a-b| <= MoneyTolerance.
func WithinTolerance(a, b Money) bool {
	return a.Sub(b).Abs().LessThanOrEqual(MoneyTolerance)
}

// MoneyPtr is shorthand for optional amounts.
func MoneyPtr(m Money) *Money { return &m }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UnitID string
type ContractID string
type InspectionID string
type ItemID string
type AssetID string
type MeterID string
type CycleID string
type InvoiceID string

// =============================================================================
// RENTAL CONTRACT - Read-only, owned by the contract directory
// =============================================================================

type ContractType string

const (
	ContractRental   ContractType = "RENTAL"
	ContractPurchase ContractType = "PURCHASE"
)

type ContractStatus string

const (
	ContractActive    ContractStatus = "ACTIVE"
	ContractCancelled ContractStatus = "CANCELLED"
	ContractInactive  ContractStatus = "INACTIVE"
	ContractExpired   ContractStatus = "EXPIRED"
)

type RentalContract struct {
	ID          ContractID
	UnitID      UnitID
	Type        ContractType
	Status      ContractStatus
	StartDate   TimePoint
	EndDate     *TimePoint // nil for open-ended PURCHASE contracts
	MonthlyRent *Money     // RENTAL only
}

// =============================================================================
// ASSET - Read-only, owned by the asset directory
// =============================================================================

type Asset struct {
	ID            AssetID
	UnitID        UnitID
	Code          string
	Name          string
	AssetType     string
	PurchasePrice *Money // reference value for damage cost; may be unknown
	Active        bool
}

// =============================================================================
// INSPECTION
// =============================================================================

type InspectionStatus string

const (
	InspectionPending    InspectionStatus = "PENDING"
	InspectionInProgress InspectionStatus = "IN_PROGRESS"
	InspectionCompleted  InspectionStatus = "COMPLETED"
	InspectionCancelled  InspectionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s InspectionStatus) IsTerminal() bool {
	return s == InspectionCompleted || s == InspectionCancelled
}

type Condition string

const (
	ConditionUnset    Condition = ""
	ConditionGood     Condition = "GOOD"
	ConditionDamaged  Condition = "DAMAGED"
	ConditionMissing  Condition = "MISSING"
	ConditionRepaired Condition = "REPAIRED"
	ConditionReplaced Condition = "REPLACED"
)

// ParseCondition maps a wire value to a Condition. Empty input yields
// ConditionUnset with ok=true; unknown input yields ok=false.
func ParseCondition(s string) (Condition, bool) {
	switch c := Condition(s); c {
	case ConditionUnset, ConditionGood, ConditionDamaged, ConditionMissing, ConditionRepaired, ConditionReplaced:
		return c, true
	default:
		return ConditionUnset, false
	}
}

func (c Condition) IsSet() bool { return c != ConditionUnset }

type CostSource string

const (
	CostAuto   CostSource = "AUTO"
	CostManual CostSource = "MANUAL"
)

// DamageCost tags an amount with who produced it. MANUAL amounts were typed
// by an inspector and are never replaced by a derived default.
type DamageCost struct {
	Amount Money
	Source CostSource
}

func AutoCost(m Money) *DamageCost   { return &DamageCost{Amount: m, Source: CostAuto} }
func ManualCost(m Money) *DamageCost { return &DamageCost{Amount: m, Source: CostManual} }

func (d *DamageCost) IsManual() bool { return d != nil && d.Source == CostManual }

type InspectionItem struct {
	ID             ItemID
	AssetID        AssetID
	AssetCode      string
	AssetName      string
	AssetType      string
	Condition      Condition
	DamageCost     *DamageCost
	Notes          string
	Checked        bool
	ReferencePrice *Money
}

// CostOrZero returns the item's damage amount, zero when unset.
func (it InspectionItem) CostOrZero() Money {
	if it.DamageCost == nil {
		return decimal.Zero
	}
	return it.DamageCost.Amount
}

type AssetInspection struct {
	ID              InspectionID
	ContractID      ContractID
	UnitID          UnitID
	Status          InspectionStatus
	InspectionDate  TimePoint
	InspectorName   string
	InspectorNotes  string
	TotalDamageCost Money // derived by the store, authoritative
	InvoiceID       *InvoiceID
	Items           []InspectionItem
}

// ItemCostSum is the locally computed counterpart of TotalDamageCost.
func (a AssetInspection) ItemCostSum() Money {
	sum := decimal.Zero
	for _, it := range a.Items {
		sum = sum.Add(it.CostOrZero())
	}
	return sum
}

// Item finds an item by ID.
func (a AssetInspection) Item(id ItemID) (InspectionItem, bool) {
	for _, it := range a.Items {
		if it.ID == id {
			return it, true
		}
	}
	return InspectionItem{}, false
}

// =============================================================================
// METERS, READINGS, CYCLES
// =============================================================================

type ServiceCode string

const (
	ServiceWater    ServiceCode = "WATER"
	ServiceElectric ServiceCode = "ELECTRIC"
)

func ParseServiceCode(s string) (ServiceCode, bool) {
	switch c := ServiceCode(s); c {
	case ServiceWater, ServiceElectric:
		return c, true
	default:
		return "", false
	}
}

type Meter struct {
	ID          MeterID
	UnitID      UnitID
	BuildingID  string
	ServiceCode ServiceCode
	LastReading decimal.Decimal // previous index
}

type MeterReading struct {
	ID          string
	MeterID     MeterID
	CycleID     CycleID
	PrevIndex   decimal.Decimal
	CurrIndex   decimal.Decimal
	ReadingDate TimePoint
}

// Usage is CurrIndex - PrevIndex.
func (r MeterReading) Usage() decimal.Decimal { return r.CurrIndex.Sub(r.PrevIndex) }

type CycleStatus string

const (
	CycleOpen     CycleStatus = "OPEN"
	CycleClosed   CycleStatus = "CLOSED"
	CycleExported CycleStatus = "EXPORTED"
)

type ReadingCycle struct {
	ID     CycleID
	Name   string
	Status CycleStatus
	Period Period
}

// =============================================================================
// PRICING
// =============================================================================

// PricingTier is one quantity band [MinQuantity, MaxQuantity) with its own
// unit price. MaxQuantity nil marks the unbounded last band.
type PricingTier struct {
	ServiceCode   ServiceCode
	TierOrder     int
	MinQuantity   decimal.Decimal
	MaxQuantity   *decimal.Decimal
	UnitPrice     Money
	EffectiveFrom TimePoint
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceKind string

const (
	InvoiceDamage  InvoiceKind = "DAMAGE"
	InvoiceUtility InvoiceKind = "UTILITY"
)

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "PENDING"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// DamageLine is the line key used for damage invoices.
const DamageLine ServiceCode = "DAMAGE"

type Invoice struct {
	ID          InvoiceID
	UnitID      UnitID
	CycleID     CycleID
	Kind        InvoiceKind
	Lines       map[ServiceCode]Money
	TotalAmount Money
	Status      InvoiceStatus
	CreatedAt   TimePoint
}
