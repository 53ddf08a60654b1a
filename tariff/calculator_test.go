package tariff_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/tariff"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// threeBands is (0,100,$1), (100,200,$2), (200,-,$3).
func threeBands() []generic.PricingTier {
	return []generic.PricingTier{
		{ServiceCode: generic.ServiceWater, TierOrder: 1, MinQuantity: dec("0"), MaxQuantity: decPtr("100"), UnitPrice: dec("1")},
		{ServiceCode: generic.ServiceWater, TierOrder: 2, MinQuantity: dec("100"), MaxQuantity: decPtr("200"), UnitPrice: dec("2")},
		{ServiceCode: generic.ServiceWater, TierOrder: 3, MinQuantity: dec("200"), UnitPrice: dec("3")},
	}
}

// =============================================================================
// CALCULATE
// =============================================================================

func TestCalculate_ProgressiveBands(t *testing.T) {
	tests := []struct {
		name  string
		usage string
		want  string
	}{
		{"spills into the unbounded band", "250", "450"},
		{"exactly at the first boundary", "100", "100"},
		{"exactly at the second boundary", "200", "300"},
		{"inside the first band", "42.5", "42.5"},
		{"zero usage", "0", "0"},
		{"negative usage is not billed", "-5", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tariff.Calculate(dec(tt.usage), threeBands())
			assert.True(t, got.Equal(dec(tt.want)), "usage %s: want %s, got %s", tt.usage, tt.want, got)
		})
	}
}

func TestCalculate_NoTiersIsZero(t *testing.T) {
	got := tariff.Calculate(dec("1000"), nil)
	assert.True(t, got.IsZero())
}

func TestCalculate_IgnoresInputOrder(t *testing.T) {
	tiers := threeBands()
	tiers[0], tiers[2] = tiers[2], tiers[0]

	got := tariff.Calculate(dec("250"), tiers)
	assert.True(t, got.Equal(dec("450")), "got %s", got)
}

func TestCalculate_BoundedTiersExhausted(t *testing.T) {
	// GIVEN: A tier set with no unbounded band (misconfigured)
	// WHEN: Usage exceeds the last max
	// THEN: Only the configured bands are billed
	tiers := threeBands()[:2]

	got := tariff.Calculate(dec("500"), tiers)
	assert.True(t, got.Equal(dec("300")), "got %s", got)
}

func TestBreakdown_ReportsBands(t *testing.T) {
	q := tariff.Breakdown(dec("250"), threeBands())

	require.Len(t, q.Bands, 3)
	assert.True(t, q.Bands[0].Quantity.Equal(dec("100")))
	assert.True(t, q.Bands[1].Quantity.Equal(dec("100")))
	assert.True(t, q.Bands[2].Quantity.Equal(dec("50")))
	assert.True(t, q.Bands[2].Amount.Equal(dec("150")))
	assert.True(t, q.Total.Equal(dec("450")))
}

func TestBreakdown_BoundaryDoesNotSpill(t *testing.T) {
	q := tariff.Breakdown(dec("100"), threeBands())

	require.Len(t, q.Bands, 1)
	assert.Equal(t, 1, q.Bands[0].TierOrder)
}

// =============================================================================
// VALIDATE
// =============================================================================

func TestValidateTiers(t *testing.T) {
	gap := threeBands()
	gap[1].MinQuantity = dec("150")

	unboundedMiddle := threeBands()
	unboundedMiddle[1].MaxQuantity = nil

	boundedLast := threeBands()
	boundedLast[2].MaxQuantity = decPtr("300")

	inverted := threeBands()
	inverted[0].MaxQuantity = decPtr("0")

	dup := threeBands()
	dup[2].TierOrder = 2

	tests := []struct {
		name  string
		tiers []generic.PricingTier
		rule  string
	}{
		{"valid", threeBands(), ""},
		{"empty", nil, "required"},
		{"gap between bands", gap, "contiguous"},
		{"unbounded band before the end", unboundedMiddle, "unbounded_last"},
		{"last band bounded", boundedLast, "unbounded_last"},
		{"empty band", inverted, "band_width"},
		{"duplicate order", dup, "unique_order"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tariff.ValidateTiers(tt.tiers)
			if tt.rule == "" {
				require.NoError(t, err)
				return
			}
			var ve *generic.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.rule, ve.Rule)
		})
	}
}

// =============================================================================
// USAGE
// =============================================================================

func TestUsageByService(t *testing.T) {
	meters := []generic.Meter{
		{ID: "m-water", ServiceCode: generic.ServiceWater},
		{ID: "m-elec", ServiceCode: generic.ServiceElectric},
	}
	readings := []generic.MeterReading{
		{MeterID: "m-water", PrevIndex: dec("10"), CurrIndex: dec("25")},
		{MeterID: "m-elec", PrevIndex: dec("100"), CurrIndex: dec("340")},
		{MeterID: "m-elec", PrevIndex: dec("340"), CurrIndex: dec("340")},
		{MeterID: "m-other", PrevIndex: dec("0"), CurrIndex: dec("999")},
	}

	usage := tariff.UsageByService(meters, readings)

	assert.Len(t, usage, 2)
	assert.True(t, usage[generic.ServiceWater].Equal(dec("15")))
	assert.True(t, usage[generic.ServiceElectric].Equal(dec("240")))
}
