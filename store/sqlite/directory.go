package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/estate-billing/billing"
)

// =============================================================================
// DIRECTORY - fee types, units, occupancies, payment credentials
// =============================================================================

// SaveFeeType creates or updates a fee type.
func (s *Store) SaveFeeType(ctx context.Context, f billing.FeeType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fee_types (id, code, name, unit_price, basis, auto_generate)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			unit_price = excluded.unit_price,
			basis = excluded.basis,
			auto_generate = excluded.auto_generate
	`, f.ID, f.Code, f.Name, money(f.UnitPrice), f.Basis, f.AutoGenerate)
	return mapError(err, "failed to save fee type")
}

// SaveUnit creates or updates a unit's attributes.
func (s *Store) SaveUnit(ctx context.Context, u billing.UnitAttributes) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO units (id, usable_area, building_area)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			usable_area = excluded.usable_area,
			building_area = excluded.building_area
	`, u.UnitID, u.UsableArea.String(), u.BuildingArea.String())
	return mapError(err, "failed to save unit")
}

// SaveOccupancy creates or updates an occupancy.
func (s *Store) SaveOccupancy(ctx context.Context, o billing.Occupancy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO occupancies (resident_id, unit_id, start_date, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resident_id, unit_id) DO UPDATE SET
			start_date = excluded.start_date,
			active = excluded.active
	`, o.ResidentID, o.UnitID, o.StartDate.Format(dateLayout), o.Active)
	return mapError(err, "failed to save occupancy")
}

// SetCredentialHash stores a resident's payment PIN hash.
func (s *Store) SetCredentialHash(ctx context.Context, residentID billing.ResidentID, hash []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_credentials (resident_id, pin_hash, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(resident_id) DO UPDATE SET
			pin_hash = excluded.pin_hash,
			updated_at = excluded.updated_at
	`, residentID, hash, time.Now().UTC().Format(timeLayout))
	return mapError(err, "failed to save credential")
}

// ListActiveOccupancies returns active occupancies.
func (s *Store) ListActiveOccupancies(ctx context.Context) ([]billing.Occupancy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resident_id, unit_id, start_date, active
		FROM occupancies
		WHERE active = TRUE
		ORDER BY resident_id, unit_id
	`)
	if err != nil {
		return nil, mapError(err, "failed to query occupancies")
	}
	defer rows.Close()

	var result []billing.Occupancy
	for rows.Next() {
		var (
			o     billing.Occupancy
			start string
		)
		if err := rows.Scan(&o.ResidentID, &o.UnitID, &start, &o.Active); err != nil {
			return nil, Error.New("failed to scan occupancy: %v", err)
		}
		o.StartDate, err = time.Parse(dateLayout, start)
		if err != nil {
			return nil, Error.New("bad start date %q: %v", start, err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// ListGenerationEligibleFeeTypes returns the auto-generated fee types.
func (s *Store) ListGenerationEligibleFeeTypes(ctx context.Context) ([]billing.FeeType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, unit_price, basis, auto_generate
		FROM fee_types
		WHERE auto_generate = TRUE
		ORDER BY id
	`)
	if err != nil {
		return nil, mapError(err, "failed to query fee types")
	}
	defer rows.Close()

	var result []billing.FeeType
	for rows.Next() {
		var (
			f     billing.FeeType
			price string
		)
		if err := rows.Scan(&f.ID, &f.Code, &f.Name, &price, &f.Basis, &f.AutoGenerate); err != nil {
			return nil, Error.New("failed to scan fee type: %v", err)
		}
		f.UnitPrice = parseMoney(price)
		result = append(result, f)
	}
	return result, rows.Err()
}

// GetUnitAttributes returns a unit's areas.
func (s *Store) GetUnitAttributes(ctx context.Context, unitID billing.UnitID) (billing.UnitAttributes, error) {
	var usable, building string
	err := s.db.QueryRowContext(ctx, `SELECT usable_area, building_area FROM units WHERE id = ?`, unitID).
		Scan(&usable, &building)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.UnitAttributes{}, fmt.Errorf("unit %s not found", unitID)
	}
	if err != nil {
		return billing.UnitAttributes{}, mapError(err, "failed to load unit")
	}
	return billing.UnitAttributes{
		UnitID:       unitID,
		UsableArea:   parseMoney(usable),
		BuildingArea: parseMoney(building),
	}, nil
}

// PaymentCredentialHash returns the stored PIN hash.
func (s *Store) PaymentCredentialHash(ctx context.Context, residentID billing.ResidentID) ([]byte, error) {
	var hash []byte
	err := s.db.QueryRowContext(ctx, `SELECT pin_hash FROM payment_credentials WHERE resident_id = ?`, residentID).
		Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNoCredential
	}
	if err != nil {
		return nil, mapError(err, "failed to load credential")
	}
	return hash, nil
}
