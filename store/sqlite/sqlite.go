/*
Package sqlite provides a SQLite-backed implementation of generic.Backend.

PURPOSE:
  Persists contracts, assets, inspections, meters, readings, cycles,
  tariffs and invoices for the server binary. In production the same
  schema maps onto PostgreSQL with minor dialect changes.

CONSISTENCY:
  Unlike the in-memory store this backend has no read lag: derived
  fields (checklist items, TotalDamageCost) are written in the same SQL
  transaction as the change that causes them. The engine still reconciles
  after every write; against SQLite the first re-read converges.

KEY TABLES:
  contracts, assets:           Read-only directories (seeded)
  inspections, inspection_items: Append-only history, never deleted
  meters, meter_readings:      Readings advance meters.last_reading
  reading_cycles, reading_assignments
  pricing_tiers:               Versioned by effective_from
  invoices:                    Lines as JSON; one live UTILITY per unit+cycle

STORAGE FORMATS:
  Dates are YYYY-MM-DD text (lexicographic order = date order).
  Money and quantities are decimal text, never REAL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, which
  also keeps ":memory:" databases alive across calls.

USAGE:
  store, err := sqlite.New("./data/settlement.db", generic.SystemClock{})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/tariff"
)

// Store implements generic.Backend using SQLite.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	clock generic.Clock
}

var _ generic.Backend = (*Store)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, clock generic.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if clock == nil {
		clock = generic.SystemClock{}
	}
	store := &Store{db: db, clock: clock}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection (health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		contract_type TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		monthly_rent TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_unit
		ON contracts(unit_id);

	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		asset_type TEXT NOT NULL DEFAULT '',
		purchase_price TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_assets_unit
		ON assets(unit_id);

	-- Inspections (never deleted)
	CREATE TABLE IF NOT EXISTS inspections (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		status TEXT NOT NULL,
		inspection_date TEXT NOT NULL,
		inspector_name TEXT NOT NULL DEFAULT '',
		inspector_notes TEXT NOT NULL DEFAULT '',
		total_damage_cost TEXT NOT NULL DEFAULT '0',
		invoice_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_inspections_contract
		ON inspections(contract_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS inspection_items (
		id TEXT PRIMARY KEY,
		inspection_id TEXT NOT NULL REFERENCES inspections(id),
		asset_id TEXT NOT NULL,
		asset_code TEXT NOT NULL,
		asset_name TEXT NOT NULL DEFAULT '',
		asset_type TEXT NOT NULL DEFAULT '',
		condition TEXT NOT NULL DEFAULT '',
		damage_cost TEXT,
		cost_source TEXT,
		notes TEXT NOT NULL DEFAULT '',
		checked BOOLEAN NOT NULL DEFAULT FALSE,
		reference_price TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_items_inspection
		ON inspection_items(inspection_id);

	-- Meters and readings
	CREATE TABLE IF NOT EXISTS meters (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		building_id TEXT NOT NULL DEFAULT '',
		service_code TEXT NOT NULL,
		last_reading TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_meters_unit
		ON meters(unit_id);

	CREATE TABLE IF NOT EXISTS reading_cycles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meter_readings (
		id TEXT PRIMARY KEY,
		meter_id TEXT NOT NULL REFERENCES meters(id),
		cycle_id TEXT NOT NULL REFERENCES reading_cycles(id),
		prev_index TEXT NOT NULL,
		curr_index TEXT NOT NULL,
		reading_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_readings_cycle_meter
		ON meter_readings(cycle_id, meter_id);

	CREATE TABLE IF NOT EXISTS reading_assignments (
		id TEXT PRIMARY KEY,
		cycle_id TEXT NOT NULL,
		building_id TEXT NOT NULL,
		assignee TEXT NOT NULL DEFAULT '',
		UNIQUE(cycle_id, building_id)
	);

	-- Tariffs (versioned by effective_from)
	CREATE TABLE IF NOT EXISTS pricing_tiers (
		service_code TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		tier_order INTEGER NOT NULL,
		min_quantity TEXT NOT NULL,
		max_quantity TEXT,
		unit_price TEXT NOT NULL,
		PRIMARY KEY (service_code, effective_from, tier_order)
	);

	-- Invoices
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		cycle_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_unit_cycle
		ON invoices(unit_id, cycle_id);

	-- At most one live UTILITY invoice per unit and cycle
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_utility_invoice
		ON invoices(unit_id, cycle_id)
		WHERE kind = 'UTILITY' AND status != 'CANCELLED';
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset wipes every table (demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"inspection_items", "inspections", "meter_readings", "reading_assignments",
		"reading_cycles", "meters", "assets", "contracts", "pricing_tiers", "invoices",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to reset %s: %w", t, err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// CONTRACT DIRECTORY
// =============================================================================

const contractColumns = `id, unit_id, contract_type, status, start_date, end_date, monthly_rent`

// PutContract inserts or replaces a contract.
func (s *Store) PutContract(ctx context.Context, c generic.RentalContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unit_id = excluded.unit_id,
			contract_type = excluded.contract_type,
			status = excluded.status,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			monthly_rent = excluded.monthly_rent
	`, c.ID, c.UnitID, c.Type, c.Status, c.StartDate.String(), nullDate(c.EndDate), nullDecimal(c.MonthlyRent))
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

func (s *Store) ListContractsByUnit(ctx context.Context, unitID generic.UnitID) ([]generic.RentalContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE unit_id = ? ORDER BY start_date ASC`, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var out []generic.RentalContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetContract(ctx context.Context, id generic.ContractID) (generic.RentalContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.RentalContract{}, fmt.Errorf("contract %s: %w", id, generic.ErrNotFound)
	}
	return c, err
}

func (s *Store) ListUnitIDs(ctx context.Context) ([]generic.UnitID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT unit_id FROM contracts ORDER BY unit_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()

	var out []generic.UnitID
	for rows.Next() {
		var id generic.UnitID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContract(row scanner) (generic.RentalContract, error) {
	var (
		c     generic.RentalContract
		start string
		end   sql.NullString
		rent  decimal.NullDecimal
	)
	if err := row.Scan(&c.ID, &c.UnitID, &c.Type, &c.Status, &start, &end, &rent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan contract: %w", err)
	}
	c.StartDate = parseDate(start)
	c.EndDate = parseNullDate(end)
	c.MonthlyRent = decimalPtr(rent)
	return c, nil
}

// =============================================================================
// ASSET DIRECTORY
// =============================================================================

const assetColumns = `id, unit_id, code, name, asset_type, purchase_price, active`

// PutAsset inserts or replaces an asset.
func (s *Store) PutAsset(ctx context.Context, a generic.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (`+assetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unit_id = excluded.unit_id,
			code = excluded.code,
			name = excluded.name,
			asset_type = excluded.asset_type,
			purchase_price = excluded.purchase_price,
			active = excluded.active
	`, a.ID, a.UnitID, a.Code, a.Name, a.AssetType, nullDecimal(a.PurchasePrice), a.Active)
	if err != nil {
		return fmt.Errorf("failed to save asset: %w", err)
	}
	return nil
}

func (s *Store) ListAssetsByUnit(ctx context.Context, unitID generic.UnitID) ([]generic.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAssets(ctx, s.db, unitID)
}

func listAssets(ctx context.Context, q querier, unitID generic.UnitID) ([]generic.Asset, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE unit_id = ? ORDER BY code`, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var out []generic.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetAsset(ctx context.Context, id generic.AssetID) (generic.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAsset(s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Asset{}, fmt.Errorf("asset %s: %w", id, generic.ErrNotFound)
	}
	return a, err
}

func scanAsset(row scanner) (generic.Asset, error) {
	var (
		a     generic.Asset
		price decimal.NullDecimal
	)
	if err := row.Scan(&a.ID, &a.UnitID, &a.Code, &a.Name, &a.AssetType, &price, &a.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan asset: %w", err)
	}
	a.PurchasePrice = decimalPtr(price)
	return a, nil
}

// =============================================================================
// INSPECTION STORE
// =============================================================================

const inspectionColumns = `id, contract_id, unit_id, status, inspection_date, inspector_name,
	inspector_notes, total_damage_cost, invoice_id`

const itemColumns = `id, asset_id, asset_code, asset_name, asset_type, condition,
	damage_cost, cost_source, notes, checked, reference_price`

// CreateInspection inserts a PENDING inspection and one item per active
// asset of the unit, in one transaction.
func (s *Store) CreateInspection(ctx context.Context, in generic.NewInspection) (generic.AssetInspection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := generic.InspectionID(uuid.NewString())
	if in.InspectionDate.IsZero() {
		in.InspectionDate = s.clock.Today()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inspections (id, contract_id, unit_id, status, inspection_date,
				inspector_name, total_damage_cost, created_at)
			VALUES (?, ?, ?, ?, ?, ?, '0', ?)
		`, id, in.ContractID, in.UnitID, generic.InspectionPending, in.InspectionDate.String(),
			in.InspectorName, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to insert inspection: %w", err)
		}

		assets, err := listAssets(ctx, tx, in.UnitID)
		if err != nil {
			return err
		}
		for _, a := range assets {
			if !a.Active {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO inspection_items (id, inspection_id, asset_id, asset_code, asset_name,
					asset_type, reference_price)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, uuid.NewString(), id, a.ID, a.Code, a.Name, a.AssetType, nullDecimal(a.PurchasePrice))
			if err != nil {
				return fmt.Errorf("failed to insert item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return generic.AssetInspection{}, err
	}
	return getInspection(ctx, s.db, id)
}

func (s *Store) GetInspection(ctx context.Context, id generic.InspectionID) (generic.AssetInspection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getInspection(ctx, s.db, id)
}

// GetInspectionByContract returns the most recent inspection of a contract.
func (s *Store) GetInspectionByContract(ctx context.Context, contractID generic.ContractID) (generic.AssetInspection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id generic.InspectionID
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM inspections WHERE contract_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, contractID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.AssetInspection{}, fmt.Errorf("inspection for contract %s: %w", contractID, generic.ErrNotFound)
	}
	if err != nil {
		return generic.AssetInspection{}, fmt.Errorf("failed to query inspection: %w", err)
	}
	return getInspection(ctx, s.db, id)
}

func getInspection(ctx context.Context, q querier, id generic.InspectionID) (generic.AssetInspection, error) {
	var (
		insp    generic.AssetInspection
		date    string
		invoice sql.NullString
	)
	err := q.QueryRowContext(ctx, `SELECT `+inspectionColumns+` FROM inspections WHERE id = ?`, id).Scan(
		&insp.ID, &insp.ContractID, &insp.UnitID, &insp.Status, &date, &insp.InspectorName,
		&insp.InspectorNotes, &insp.TotalDamageCost, &invoice,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.AssetInspection{}, fmt.Errorf("inspection %s: %w", id, generic.ErrNotFound)
	}
	if err != nil {
		return generic.AssetInspection{}, fmt.Errorf("failed to scan inspection: %w", err)
	}
	insp.InspectionDate = parseDate(date)
	if invoice.Valid {
		inv := generic.InvoiceID(invoice.String)
		insp.InvoiceID = &inv
	}

	insp.Items, err = listItems(ctx, q, id)
	if err != nil {
		return generic.AssetInspection{}, err
	}
	return insp, nil
}

func listItems(ctx context.Context, q querier, id generic.InspectionID) ([]generic.InspectionItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM inspection_items WHERE inspection_id = ? ORDER BY asset_code, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []generic.InspectionItem
	for rows.Next() {
		var (
			it     generic.InspectionItem
			cost   decimal.NullDecimal
			source sql.NullString
			ref    decimal.NullDecimal
		)
		if err := rows.Scan(&it.ID, &it.AssetID, &it.AssetCode, &it.AssetName, &it.AssetType,
			&it.Condition, &cost, &source, &it.Notes, &it.Checked, &ref); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		if cost.Valid {
			it.DamageCost = &generic.DamageCost{Amount: cost.Decimal, Source: generic.CostSource(source.String)}
		}
		it.ReferencePrice = decimalPtr(ref)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) UpdateItem(ctx context.Context, id generic.InspectionID, itemID generic.ItemID, patch generic.ItemPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		cost   decimal.NullDecimal
		source sql.NullString
	)
	if patch.DamageCost != nil {
		cost = decimal.NewNullDecimal(patch.DamageCost.Amount)
		source = sql.NullString{String: string(patch.DamageCost.Source), Valid: true}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE inspection_items
			SET condition = ?, damage_cost = ?, cost_source = ?, notes = ?, checked = ?
			WHERE id = ? AND inspection_id = ?
		`, patch.Condition, cost, source, patch.Notes, patch.Checked, itemID, id)
		if err != nil {
			return fmt.Errorf("failed to update item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("item %s of inspection %s: %w", itemID, id, generic.ErrNotFound)
		}
		return recomputeTotal(ctx, tx, id)
	})
}

// MarkItemsChecked flips checked on every item; conditions and costs stay.
func (s *Store) MarkItemsChecked(ctx context.Context, id generic.InspectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := exists(ctx, tx, "inspections", string(id)); err != nil {
			return fmt.Errorf("inspection %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE inspection_items SET checked = 1 WHERE inspection_id = ?`, id); err != nil {
			return fmt.Errorf("failed to mark items checked: %w", err)
		}
		return nil
	})
}

// recomputeTotal derives total_damage_cost from the items.
func recomputeTotal(ctx context.Context, q querier, id generic.InspectionID) error {
	items, err := listItems(ctx, q, id)
	if err != nil {
		return err
	}
	total := generic.AssetInspection{Items: items}.ItemCostSum()
	_, err = q.ExecContext(ctx, `UPDATE inspections SET total_damage_cost = ? WHERE id = ?`, total, id)
	if err != nil {
		return fmt.Errorf("failed to update total: %w", err)
	}
	return nil
}

func (s *Store) TransitionInspection(ctx context.Context, id generic.InspectionID, to generic.InspectionStatus, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE inspections
			SET status = ?, inspector_notes = CASE WHEN ? != '' THEN ? ELSE inspector_notes END
			WHERE id = ?
		`, to, notes, notes, id)
		if err != nil {
			return fmt.Errorf("failed to update inspection: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("inspection %s: %w", id, generic.ErrNotFound)
		}
		if to == generic.InspectionCompleted {
			return recomputeTotal(ctx, tx, id)
		}
		return nil
	})
}

func (s *Store) SetInvoice(ctx context.Context, id generic.InspectionID, invoiceID generic.InvoiceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE inspections SET invoice_id = ? WHERE id = ?`, invoiceID, id)
	if err != nil {
		return fmt.Errorf("failed to link invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("inspection %s: %w", id, generic.ErrNotFound)
	}
	return nil
}

// =============================================================================
// METER STORE
// =============================================================================

const meterColumns = `id, unit_id, building_id, service_code, last_reading`

// PutMeter inserts or replaces a meter.
func (s *Store) PutMeter(ctx context.Context, m generic.Meter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meters (`+meterColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unit_id = excluded.unit_id,
			building_id = excluded.building_id,
			service_code = excluded.service_code,
			last_reading = excluded.last_reading
	`, m.ID, m.UnitID, m.BuildingID, m.ServiceCode, m.LastReading)
	if err != nil {
		return fmt.Errorf("failed to save meter: %w", err)
	}
	return nil
}

// PutCycle inserts or replaces a reading cycle.
func (s *Store) PutCycle(ctx context.Context, c generic.ReadingCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reading_cycles (id, name, status, period_start, period_end) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			period_start = excluded.period_start,
			period_end = excluded.period_end
	`, c.ID, c.Name, c.Status, c.Period.Start.String(), c.Period.End.String())
	if err != nil {
		return fmt.Errorf("failed to save cycle: %w", err)
	}
	return nil
}

func (s *Store) ListMetersByUnit(ctx context.Context, unitID generic.UnitID) ([]generic.Meter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listMeters(ctx, s.db, unitID)
}

func listMeters(ctx context.Context, q querier, unitID generic.UnitID) ([]generic.Meter, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+meterColumns+` FROM meters WHERE unit_id = ? ORDER BY id`, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query meters: %w", err)
	}
	defer rows.Close()

	var out []generic.Meter
	for rows.Next() {
		var m generic.Meter
		if err := rows.Scan(&m.ID, &m.UnitID, &m.BuildingID, &m.ServiceCode, &m.LastReading); err != nil {
			return nil, fmt.Errorf("failed to scan meter: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateReading stores a reading and advances the meter's last reading.
func (s *Store) CreateReading(ctx context.Context, r generic.MeterReading) (generic.MeterReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ReadingDate.IsZero() {
		r.ReadingDate = s.clock.Today()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := exists(ctx, tx, "meters", string(r.MeterID)); err != nil {
			return fmt.Errorf("meter %s: %w", r.MeterID, err)
		}
		if err := exists(ctx, tx, "reading_cycles", string(r.CycleID)); err != nil {
			return fmt.Errorf("cycle %s: %w", r.CycleID, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO meter_readings (id, meter_id, cycle_id, prev_index, curr_index, reading_date, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.MeterID, r.CycleID, r.PrevIndex, r.CurrIndex, r.ReadingDate.String(),
			time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to insert reading: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE meters SET last_reading = ? WHERE id = ?`, r.CurrIndex, r.MeterID)
		if err != nil {
			return fmt.Errorf("failed to advance meter: %w", err)
		}
		return nil
	})
	if err != nil {
		return generic.MeterReading{}, err
	}
	return r, nil
}

// ListReadings returns a cycle's readings, restricted to a unit when set.
func (s *Store) ListReadings(ctx context.Context, cycleID generic.CycleID, unitID generic.UnitID) ([]generic.MeterReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	readings, _, err := listReadings(ctx, s.db, cycleID, unitID)
	return readings, err
}

// listReadings also returns the unit of each reading's meter.
func listReadings(ctx context.Context, q querier, cycleID generic.CycleID, unitID generic.UnitID) ([]generic.MeterReading, []generic.UnitID, error) {
	query := `
		SELECT r.id, r.meter_id, r.cycle_id, r.prev_index, r.curr_index, r.reading_date, m.unit_id
		FROM meter_readings r
		JOIN meters m ON m.id = r.meter_id
		WHERE r.cycle_id = ?`
	args := []any{cycleID}
	if unitID != "" {
		query += ` AND m.unit_id = ?`
		args = append(args, unitID)
	}
	query += ` ORDER BY r.created_at, r.id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var (
		readings []generic.MeterReading
		units    []generic.UnitID
	)
	for rows.Next() {
		var (
			r    generic.MeterReading
			date string
			unit generic.UnitID
		)
		if err := rows.Scan(&r.ID, &r.MeterID, &r.CycleID, &r.PrevIndex, &r.CurrIndex, &date, &unit); err != nil {
			return nil, nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.ReadingDate = parseDate(date)
		readings = append(readings, r)
		units = append(units, unit)
	}
	return readings, units, rows.Err()
}

// ListCycles returns cycles with the given status ("" for all), oldest first.
func (s *Store) ListCycles(ctx context.Context, status generic.CycleStatus) ([]generic.ReadingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, name, status, period_start, period_end FROM reading_cycles`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY period_start`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var out []generic.ReadingCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCycle(row scanner) (generic.ReadingCycle, error) {
	var (
		c          generic.ReadingCycle
		start, end string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Status, &start, &end); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan cycle: %w", err)
	}
	c.Period = generic.Period{Start: parseDate(start), End: parseDate(end)}
	return c, nil
}

func (s *Store) ListReadingAssignments(ctx context.Context, cycleID generic.CycleID) ([]generic.ReadingAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, building_id, assignee FROM reading_assignments
		WHERE cycle_id = ? ORDER BY building_id
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var out []generic.ReadingAssignment
	for rows.Next() {
		var a generic.ReadingAssignment
		if err := rows.Scan(&a.ID, &a.CycleID, &a.BuildingID, &a.Assignee); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateReadingAssignment is idempotent per (cycle, building): an existing
// assignment is returned unchanged.
func (s *Store) CreateReadingAssignment(ctx context.Context, a generic.ReadingAssignment) (generic.ReadingAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reading_assignments (id, cycle_id, building_id, assignee) VALUES (?, ?, ?, ?)
		ON CONFLICT(cycle_id, building_id) DO NOTHING
	`, a.ID, a.CycleID, a.BuildingID, a.Assignee)
	if err != nil {
		return generic.ReadingAssignment{}, fmt.Errorf("failed to save assignment: %w", err)
	}

	var out generic.ReadingAssignment
	err = s.db.QueryRowContext(ctx, `
		SELECT id, cycle_id, building_id, assignee FROM reading_assignments
		WHERE cycle_id = ? AND building_id = ?
	`, a.CycleID, a.BuildingID).Scan(&out.ID, &out.CycleID, &out.BuildingID, &out.Assignee)
	if err != nil {
		return generic.ReadingAssignment{}, fmt.Errorf("failed to read assignment: %w", err)
	}
	return out, nil
}

// =============================================================================
// PRICING STORE
// =============================================================================

func (s *Store) ActiveTiers(ctx context.Context, service generic.ServiceCode, asOf generic.TimePoint) ([]generic.PricingTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activeTiers(ctx, s.db, service, asOf)
}

func activeTiers(ctx context.Context, q querier, service generic.ServiceCode, asOf generic.TimePoint) ([]generic.PricingTier, error) {
	var from sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT MAX(effective_from) FROM pricing_tiers
		WHERE service_code = ? AND effective_from <= ?
	`, service, asOf.String()).Scan(&from)
	if err != nil {
		return nil, fmt.Errorf("failed to query tier version: %w", err)
	}
	if !from.Valid {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT tier_order, min_quantity, max_quantity, unit_price FROM pricing_tiers
		WHERE service_code = ? AND effective_from = ?
		ORDER BY tier_order
	`, service, from.String)
	if err != nil {
		return nil, fmt.Errorf("failed to query tiers: %w", err)
	}
	defer rows.Close()

	effective := parseDate(from.String)
	var out []generic.PricingTier
	for rows.Next() {
		var (
			t   = generic.PricingTier{ServiceCode: service, EffectiveFrom: effective}
			upper decimal.NullDecimal
		)
		if err := rows.Scan(&t.TierOrder, &t.MinQuantity, &upper, &t.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		t.MaxQuantity = decimalPtr(upper)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveTiers replaces the tier set of (service, effective_from).
func (s *Store) SaveTiers(ctx context.Context, service generic.ServiceCode, tiers []generic.PricingTier) error {
	if err := tariff.ValidateTiers(tiers); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from := tiers[0].EffectiveFrom.String()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM pricing_tiers WHERE service_code = ? AND effective_from = ?`, service, from)
		if err != nil {
			return fmt.Errorf("failed to replace tiers: %w", err)
		}
		for _, t := range tiers {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO pricing_tiers (service_code, effective_from, tier_order, min_quantity, max_quantity, unit_price)
				VALUES (?, ?, ?, ?, ?, ?)
			`, service, from, t.TierOrder, t.MinQuantity, nullDecimal(t.MaxQuantity), t.UnitPrice)
			if err != nil {
				return fmt.Errorf("failed to insert tier: %w", err)
			}
		}
		return nil
	})
}

// =============================================================================
// INVOICE STORE
// =============================================================================

const invoiceColumns = `id, unit_id, cycle_id, kind, lines_json, total_amount, status, created_at`

func (s *Store) CreateInvoice(ctx context.Context, inv generic.Invoice) (generic.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertInvoice(ctx, s.db, inv)
}

func (s *Store) insertInvoice(ctx context.Context, q querier, inv generic.Invoice) (generic.Invoice, error) {
	if inv.ID == "" {
		inv.ID = generic.InvoiceID(uuid.NewString())
	}
	if inv.Status == "" {
		inv.Status = generic.InvoicePending
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.clock.Today()
	}
	linesJSON, err := json.Marshal(inv.Lines)
	if err != nil {
		return generic.Invoice{}, fmt.Errorf("failed to encode invoice lines: %w", err)
	}

	_, err = q.ExecContext(ctx, `INSERT INTO invoices (`+invoiceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.UnitID, inv.CycleID, inv.Kind, string(linesJSON), inv.TotalAmount, inv.Status, inv.CreatedAt.String())
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.Invoice{}, generic.NewValidationError("cycle_id", "unique_utility_invoice",
				"unit %s already has a UTILITY invoice for cycle %s", inv.UnitID, inv.CycleID)
		}
		return generic.Invoice{}, fmt.Errorf("failed to insert invoice: %w", err)
	}
	return inv, nil
}

func (s *Store) GetInvoice(ctx context.Context, id generic.InvoiceID) (generic.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Invoice{}, fmt.Errorf("invoice %s: %w", id, generic.ErrNotFound)
	}
	return inv, err
}

// ListInvoices filters by unit and cycle; empty filters match everything.
func (s *Store) ListInvoices(ctx context.Context, unitID generic.UnitID, cycleID generic.CycleID) ([]generic.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if unitID != "" {
		where = append(where, "unit_id = ?")
		args = append(args, unitID)
	}
	if cycleID != "" {
		where = append(where, "cycle_id = ?")
		args = append(args, cycleID)
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var out []generic.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvoice(row scanner) (generic.Invoice, error) {
	var (
		inv       generic.Invoice
		linesJSON string
		created   string
	)
	if err := row.Scan(&inv.ID, &inv.UnitID, &inv.CycleID, &inv.Kind, &linesJSON,
		&inv.TotalAmount, &inv.Status, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inv, err
		}
		return inv, fmt.Errorf("failed to scan invoice: %w", err)
	}
	if err := json.Unmarshal([]byte(linesJSON), &inv.Lines); err != nil {
		return inv, fmt.Errorf("failed to decode invoice lines: %w", err)
	}
	inv.CreatedAt = parseDate(created)
	return inv, nil
}

func (s *Store) UpdateInvoiceStatus(ctx context.Context, id generic.InvoiceID, status generic.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE invoices SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("invoice %s: %w", id, generic.ErrNotFound)
	}
	return nil
}

// ExportCycle prices every unit's readings of the cycle with the tiers in
// force at the end of the cycle and stores one UTILITY invoice per unit.
// Units that already have a live UTILITY invoice for the cycle are skipped.
func (s *Store) ExportCycle(ctx context.Context, cycleID generic.CycleID) ([]generic.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var created []generic.Invoice
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cycle, err := scanCycle(tx.QueryRowContext(ctx,
			`SELECT id, name, status, period_start, period_end FROM reading_cycles WHERE id = ?`, cycleID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("cycle %s: %w", cycleID, generic.ErrNotFound)
		}
		if err != nil {
			return err
		}

		invoiced, err := invoicedUnits(ctx, tx, cycleID)
		if err != nil {
			return err
		}

		readings, units, err := listReadings(ctx, tx, cycleID, "")
		if err != nil {
			return err
		}
		byUnit := make(map[generic.UnitID][]generic.MeterReading)
		for i, r := range readings {
			if !invoiced[units[i]] {
				byUnit[units[i]] = append(byUnit[units[i]], r)
			}
		}

		order := make([]generic.UnitID, 0, len(byUnit))
		for u := range byUnit {
			order = append(order, u)
		}
		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

		asOf := cycle.Period.End
		if asOf.IsZero() {
			asOf = s.clock.Today()
		}
		tiers := make(map[generic.ServiceCode][]generic.PricingTier)

		for _, unit := range order {
			meters, err := listMeters(ctx, tx, unit)
			if err != nil {
				return err
			}

			lines := make(map[generic.ServiceCode]generic.Money)
			total := decimal.Zero
			for service, usage := range tariff.UsageByService(meters, byUnit[unit]) {
				if _, ok := tiers[service]; !ok {
					if tiers[service], err = activeTiers(ctx, tx, service, asOf); err != nil {
						return err
					}
				}
				amount := tariff.Calculate(usage, tiers[service])
				lines[service] = amount
				total = total.Add(amount)
			}

			inv, err := s.insertInvoice(ctx, tx, generic.Invoice{
				UnitID:      unit,
				CycleID:     cycleID,
				Kind:        generic.InvoiceUtility,
				Lines:       lines,
				TotalAmount: total,
			})
			if err != nil {
				return err
			}
			created = append(created, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func invoicedUnits(ctx context.Context, q querier, cycleID generic.CycleID) (map[generic.UnitID]bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT unit_id FROM invoices
		WHERE cycle_id = ? AND kind = ? AND status != ?
	`, cycleID, generic.InvoiceUtility, generic.InvoiceCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	out := make(map[generic.UnitID]bool)
	for rows.Next() {
		var u generic.UnitID
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out[u] = true
	}
	return out, rows.Err()
}

// Helper functions

func exists(ctx context.Context, q querier, table, id string) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return generic.ErrNotFound
	}
	return nil
}

func parseDate(s string) generic.TimePoint {
	tp, _ := generic.ParseDate(s)
	return tp
}

func parseNullDate(ns sql.NullString) *generic.TimePoint {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	tp := parseDate(ns.String)
	return &tp
}

func nullDate(tp *generic.TimePoint) sql.NullString {
	if tp == nil || tp.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: tp.String(), Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func decimalPtr(nd decimal.NullDecimal) *decimal.Decimal {
	if !nd.Valid {
		return nil
	}
	d := nd.Decimal
	return &d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
