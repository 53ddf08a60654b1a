/*
Package factory provides JSON to Go tariff conversion.

PURPOSE:
  Converts JSON tariff definitions into validated []generic.PricingTier.
  Billing staff edit tier tables in JSON (admin UI, files in version
  control); the factory turns them into the structs the calculator and
  the stores use.

JSON SCHEMA:
  {
    "service_code": "WATER",
    "effective_from": "2025-01-01",
    "tiers": [
      {"order": 1, "min": 0,   "max": 10, "unit_price": 5973},
      {"order": 2, "min": 10,  "max": 20, "unit_price": 7052},
      {"order": 3, "min": 20,             "unit_price": 8669}
    ]
  }

  Quantities and prices accept JSON numbers or decimal strings. A tier
  without "max" is the unbounded last band.

USAGE:
  f := NewTariffFactory()
  service, tiers, err := f.ParseTariff(jsonString)
  err = backend.SaveTiers(ctx, service, tiers)

SEE ALSO:
  - tariff/calculator.go: ValidateTiers, Calculate
  - api/handlers.go: PUT /api/tariffs/{service}
  - cmd/settlement: "tariff check" and "tariff quote"
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/tariff"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TariffJSON is the JSON representation of one service's tier set.
type TariffJSON struct {
	ServiceCode   string     `json:"service_code"`
	EffectiveFrom string     `json:"effective_from"`
	Tiers         []TierJSON `json:"tiers"`
}

// TierJSON is one band.
type TierJSON struct {
	Order     int              `json:"order"`
	Min       decimal.Decimal  `json:"min"`
	Max       *decimal.Decimal `json:"max,omitempty"`
	UnitPrice decimal.Decimal  `json:"unit_price"`
}

// =============================================================================
// TARIFF FACTORY
// =============================================================================

// TariffFactory converts JSON tariffs to Go structs.
type TariffFactory struct{}

func NewTariffFactory() *TariffFactory {
	return &TariffFactory{}
}

// ParseTariff parses a JSON string into a service code and its tiers.
func (f *TariffFactory) ParseTariff(jsonStr string) (generic.ServiceCode, []generic.PricingTier, error) {
	var tj TariffJSON
	if err := json.Unmarshal([]byte(jsonStr), &tj); err != nil {
		return "", nil, fmt.Errorf("failed to parse tariff JSON: %w", err)
	}
	return f.FromJSON(tj)
}

// FromJSON converts and validates a TariffJSON.
func (f *TariffFactory) FromJSON(tj TariffJSON) (generic.ServiceCode, []generic.PricingTier, error) {
	service, ok := generic.ParseServiceCode(tj.ServiceCode)
	if !ok {
		return "", nil, generic.NewValidationError("service_code", "enum",
			"service_code must be WATER or ELECTRIC, got %q", tj.ServiceCode)
	}
	if tj.EffectiveFrom == "" {
		return "", nil, generic.NewValidationError("effective_from", "required", "effective_from is required")
	}
	from, err := generic.ParseDate(tj.EffectiveFrom)
	if err != nil {
		return "", nil, generic.NewValidationError("effective_from", "date",
			"effective_from must be YYYY-MM-DD, got %q", tj.EffectiveFrom)
	}

	tiers := make([]generic.PricingTier, 0, len(tj.Tiers))
	for _, t := range tj.Tiers {
		tiers = append(tiers, generic.PricingTier{
			ServiceCode:   service,
			TierOrder:     t.Order,
			MinQuantity:   t.Min,
			MaxQuantity:   t.Max,
			UnitPrice:     t.UnitPrice,
			EffectiveFrom: from,
		})
	}
	if err := tariff.ValidateTiers(tiers); err != nil {
		return "", nil, err
	}
	return service, tariff.SortTiers(tiers), nil
}

// ToJSON converts a tier set back to its JSON form.
func (f *TariffFactory) ToJSON(service generic.ServiceCode, tiers []generic.PricingTier) TariffJSON {
	tj := TariffJSON{ServiceCode: string(service)}
	for _, t := range tariff.SortTiers(tiers) {
		if tj.EffectiveFrom == "" {
			tj.EffectiveFrom = t.EffectiveFrom.String()
		}
		tj.Tiers = append(tj.Tiers, TierJSON{
			Order:     t.TierOrder,
			Min:       t.MinQuantity,
			Max:       t.MaxQuantity,
			UnitPrice: t.UnitPrice,
		})
	}
	return tj
}

// =============================================================================
// PRESET TARIFFS
// =============================================================================

// ResidentialWaterJSON is a four-band residential water tariff (per m3).
func ResidentialWaterJSON(effectiveFrom string) string {
	return fmt.Sprintf(`{
  "service_code": "WATER",
  "effective_from": %q,
  "tiers": [
    {"order": 1, "min": 0,  "max": 10, "unit_price": 5973},
    {"order": 2, "min": 10, "max": 20, "unit_price": 7052},
    {"order": 3, "min": 20, "max": 30, "unit_price": 8669},
    {"order": 4, "min": 30,            "unit_price": 15929}
  ]
}`, effectiveFrom)
}

// ResidentialElectricJSON is a six-band residential electricity tariff (per kWh).
func ResidentialElectricJSON(effectiveFrom string) string {
	return fmt.Sprintf(`{
  "service_code": "ELECTRIC",
  "effective_from": %q,
  "tiers": [
    {"order": 1, "min": 0,   "max": 50,  "unit_price": 1806},
    {"order": 2, "min": 50,  "max": 100, "unit_price": 1866},
    {"order": 3, "min": 100, "max": 200, "unit_price": 2167},
    {"order": 4, "min": 200, "max": 300, "unit_price": 2729},
    {"order": 5, "min": 300, "max": 400, "unit_price": 3050},
    {"order": 6, "min": 400,             "unit_price": 3151}
  ]
}`, effectiveFrom)
}
