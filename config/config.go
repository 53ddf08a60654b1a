/*
Package config builds the engine configuration from the environment.

VARIABLES (defaults in brackets):
  PORT                      [8080]
  SETTLEMENT_DB             [settlement.db]   SQLite path, ":memory:" allowed
  SETTLEMENT_TIMEZONE       [UTC]             location "today" is taken in
  EXPIRING_WINDOW_DAYS      [30]
  EXPIRY_BASIS              [contract_term]   or "remaining"
  RECONCILE_ATTEMPTS        [3]
  RECONCILE_DELAY           [500ms]
  POLL_ATTEMPTS             [5]
  POLL_DELAY                [2s]
  READING_CONCURRENCY       [4]
  EXPIRY_SCAN_INTERVAL      [1h]              0 disables the move-out scan
  CORS_ORIGINS              [*]
  LOG_LEVEL                 [info]

  Values from .env / .env.dev are loaded first (see LoadEnv).
*/
package config

import (
	"fmt"
	"time"

	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
)

type Config struct {
	Port     string
	DBPath   string
	Timezone string

	ExpiringWindowDays int
	ExpiryBasis        contract.ExpiryBasis

	Reconcile          generic.ReconcilePolicy
	Poll               generic.ReconcilePolicy
	ReadingConcurrency int

	ExpiryScanInterval time.Duration
	CORSOrigins        []string
}

// Load reads the configuration from the process environment.
func Load() Config {
	return Config{
		Port:               GetEnv("PORT", "8080"),
		DBPath:             GetEnv("SETTLEMENT_DB", "settlement.db"),
		Timezone:           GetEnv("SETTLEMENT_TIMEZONE", "UTC"),
		ExpiringWindowDays: GetEnvInt("EXPIRING_WINDOW_DAYS", contract.DefaultExpiringWindowDays),
		ExpiryBasis:        contract.ExpiryBasis(GetEnv("EXPIRY_BASIS", string(contract.BasisContractTerm))),
		Reconcile: generic.ReconcilePolicy{
			MaxAttempts: GetEnvInt("RECONCILE_ATTEMPTS", 3),
			Delay:       GetEnvDuration("RECONCILE_DELAY", 500*time.Millisecond),
		},
		Poll: generic.ReconcilePolicy{
			MaxAttempts: GetEnvInt("POLL_ATTEMPTS", 5),
			Delay:       GetEnvDuration("POLL_DELAY", 2*time.Second),
		},
		ReadingConcurrency: GetEnvInt("READING_CONCURRENCY", 4),
		ExpiryScanInterval: GetEnvDuration("EXPIRY_SCAN_INTERVAL", time.Hour),
		CORSOrigins:        GetEnvList("CORS_ORIGINS", []string{"*"}),
	}
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.ExpiryBasis {
	case contract.BasisContractTerm, contract.BasisRemaining:
	default:
		return fmt.Errorf("EXPIRY_BASIS: unknown basis %q", c.ExpiryBasis)
	}
	if c.ExpiringWindowDays <= 0 {
		return fmt.Errorf("EXPIRING_WINDOW_DAYS must be positive, got %d", c.ExpiringWindowDays)
	}
	if c.Reconcile.MaxAttempts < 1 || c.Poll.MaxAttempts < 1 {
		return fmt.Errorf("RECONCILE_ATTEMPTS and POLL_ATTEMPTS must be >= 1")
	}
	if c.ReadingConcurrency < 1 {
		return fmt.Errorf("READING_CONCURRENCY must be >= 1, got %d", c.ReadingConcurrency)
	}
	return nil
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("SETTLEMENT_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ContractOptions returns the classification options.
func (c Config) ContractOptions() contract.Options {
	return contract.Options{Basis: c.ExpiryBasis, WindowDays: c.ExpiringWindowDays}
}
