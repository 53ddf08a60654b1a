package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/contract"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RECONCILE_ATTEMPTS", "")
	t.Setenv("EXPIRY_BASIS", "")

	cfg := config.Load()

	assert.Equal(t, 3, cfg.Reconcile.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconcile.Delay)
	assert.Equal(t, contract.BasisContractTerm, cfg.ExpiryBasis)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("POLL_DELAY", "250ms")
	t.Setenv("EXPIRY_BASIS", "remaining")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("SETTLEMENT_TIMEZONE", "Asia/Ho_Chi_Minh")

	cfg := config.Load()

	assert.Equal(t, 250*time.Millisecond, cfg.Poll.Delay)
	assert.Equal(t, contract.BasisRemaining, cfg.ContractOptions().Basis)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Ho_Chi_Minh", loc.String())
}

func TestValidate_RejectsUnknownBasis(t *testing.T) {
	t.Setenv("EXPIRY_BASIS", "calendar")

	assert.Error(t, config.Load().Validate())
}

func TestGetEnvInt_IgnoresGarbage(t *testing.T) {
	t.Setenv("READING_CONCURRENCY", "lots")

	assert.Equal(t, 7, config.GetEnvInt("READING_CONCURRENCY", 7))
}
