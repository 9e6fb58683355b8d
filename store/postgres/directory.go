package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/estate-billing/billing"
)

// SaveFeeType upserts a fee type.
func (s *Store) SaveFeeType(ctx context.Context, f billing.FeeType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fee_types (id, code, name, unit_price, basis, auto_generate)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code, name = EXCLUDED.name, unit_price = EXCLUDED.unit_price,
			basis = EXCLUDED.basis, auto_generate = EXCLUDED.auto_generate
	`, f.ID, f.Code, f.Name, f.UnitPrice, f.Basis, f.AutoGenerate)
	return mapError(err, "save fee type")
}

// SaveUnit upserts a unit.
func (s *Store) SaveUnit(ctx context.Context, u billing.UnitAttributes) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO units (id, usable_area, building_area) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			usable_area = EXCLUDED.usable_area, building_area = EXCLUDED.building_area
	`, u.UnitID, u.UsableArea, u.BuildingArea)
	return mapError(err, "save unit")
}

// SaveOccupancy upserts an occupancy.
func (s *Store) SaveOccupancy(ctx context.Context, o billing.Occupancy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO occupancies (resident_id, unit_id, start_date, active) VALUES ($1, $2, $3, $4)
		ON CONFLICT (resident_id, unit_id) DO UPDATE SET
			start_date = EXCLUDED.start_date, active = EXCLUDED.active
	`, o.ResidentID, o.UnitID, billing.DateOf(o.StartDate), o.Active)
	return mapError(err, "save occupancy")
}

// SetCredentialHash stores a PIN hash.
func (s *Store) SetCredentialHash(ctx context.Context, residentID billing.ResidentID, hash []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_credentials (resident_id, pin_hash, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (resident_id) DO UPDATE SET
			pin_hash = EXCLUDED.pin_hash, updated_at = EXCLUDED.updated_at
	`, residentID, hash, time.Now().UTC())
	return mapError(err, "save credential")
}

func (s *Store) ListActiveOccupancies(ctx context.Context) ([]billing.Occupancy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resident_id, unit_id, start_date, active FROM occupancies
		WHERE active ORDER BY resident_id, unit_id
	`)
	if err != nil {
		return nil, mapError(err, "query occupancies")
	}
	defer rows.Close()

	var out []billing.Occupancy
	for rows.Next() {
		var o billing.Occupancy
		if err := rows.Scan(&o.ResidentID, &o.UnitID, &o.StartDate, &o.Active); err != nil {
			return nil, Error.New("scan occupancy: %v", err)
		}
		o.StartDate = billing.DateOf(o.StartDate)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) ListGenerationEligibleFeeTypes(ctx context.Context) ([]billing.FeeType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, unit_price, basis, auto_generate FROM fee_types
		WHERE auto_generate ORDER BY id
	`)
	if err != nil {
		return nil, mapError(err, "query fee types")
	}
	defer rows.Close()

	var out []billing.FeeType
	for rows.Next() {
		var f billing.FeeType
		if err := rows.Scan(&f.ID, &f.Code, &f.Name, &f.UnitPrice, &f.Basis, &f.AutoGenerate); err != nil {
			return nil, Error.New("scan fee type: %v", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) GetUnitAttributes(ctx context.Context, unitID billing.UnitID) (billing.UnitAttributes, error) {
	u := billing.UnitAttributes{UnitID: unitID}
	err := s.db.QueryRowContext(ctx, `SELECT usable_area, building_area FROM units WHERE id = $1`, unitID).
		Scan(&u.UsableArea, &u.BuildingArea)
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("unit %s not found", unitID)
	}
	if err != nil {
		return u, mapError(err, "load unit")
	}
	return u, nil
}

func (s *Store) PaymentCredentialHash(ctx context.Context, residentID billing.ResidentID) ([]byte, error) {
	var hash []byte
	err := s.db.QueryRowContext(ctx, `SELECT pin_hash FROM payment_credentials WHERE resident_id = $1`, residentID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNoCredential
	}
	if err != nil {
		return nil, mapError(err, "load credential")
	}
	return hash, nil
}

// Reset truncates every table. TRUNCATE does not fire row-level triggers.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		TRUNCATE ledger_entries, balance_accounts, charges, occupancies, units, fee_types, payment_credentials
		RESTART IDENTITY
	`)
	return mapError(err, "reset")
}
