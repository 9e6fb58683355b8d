/*
Package postgres provides a PostgreSQL implementation of the billing stores.

It is used by multi-instance deployments, where the in-process account locks
of the SQLite store would not serialize two servers.

EXCLUSIVE SCOPE:
  WithAccount opens a READ COMMITTED transaction, sets lock_timeout from the
  caller's deadline and takes pg_advisory_xact_lock on the resident. The
  advisory lock covers residents whose account row does not exist yet (first
  recharge). Charges are then loaded with SELECT ... FOR UPDATE so the overdue
  sweep cannot interleave with a payment.

ERROR MAPPING (SQLSTATE):
  23505 on the natural key -> billing.ErrDuplicateCharge (not reached: ON CONFLICT)
  23514 on balance         -> billing.ErrNegativeBalance
  55P03 lock_not_available -> billing.ErrLockTimeout
  40001, 40P01             -> billing.ErrConcurrentModification
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/zeebo/errs"

	"github.com/warp/estate-billing/billing"
)

// Error is the class of driver-level failures from this package.
var Error = errs.Class("postgres store")

// Store implements billing.Store, billing.Directory, billing.DirectoryAdmin
// and billing.CredentialSource on PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects with the pgx driver and runs migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, Error.New("open: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Error.New("ping: %v", err)
	}
	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the schema if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return Error.New("migrate: %v", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS charges (
	id              TEXT PRIMARY KEY,
	resident_id     TEXT NOT NULL,
	unit_id         TEXT NOT NULL,
	fee_type_id     TEXT NOT NULL,
	fee_type_code   TEXT NOT NULL,
	period          CHAR(7) NOT NULL,
	amount          NUMERIC(14,2) NOT NULL,
	paid_amount     NUMERIC(14,2) NOT NULL DEFAULT 0,
	discount_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
	status          TEXT NOT NULL CHECK (status IN ('pending', 'paid', 'overdue')),
	due_date        DATE NOT NULL,
	paid_at         TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	CONSTRAINT charges_natural_key UNIQUE (resident_id, unit_id, fee_type_id, period),
	CONSTRAINT charges_paid_within_amount CHECK (paid_amount <= amount - discount_amount)
);

CREATE INDEX IF NOT EXISTS idx_charges_resident ON charges (resident_id, period);
CREATE INDEX IF NOT EXISTS idx_charges_status_due ON charges (status, due_date);

CREATE TABLE IF NOT EXISTS balance_accounts (
	resident_id         TEXT PRIMARY KEY,
	balance             NUMERIC(14,2) NOT NULL,
	total_recharged     NUMERIC(14,2) NOT NULL,
	total_consumed      NUMERIC(14,2) NOT NULL,
	status              TEXT NOT NULL CHECK (status IN ('active', 'frozen')),
	last_transaction_at TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	CONSTRAINT balance_non_negative CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq            BIGSERIAL PRIMARY KEY,
	transaction_no TEXT NOT NULL UNIQUE,
	account_id     TEXT NOT NULL,
	charge_id      TEXT,
	entry_type     TEXT NOT NULL CHECK (entry_type IN ('payment', 'recharge')),
	amount         NUMERIC(14,2) NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries (account_id, seq);

CREATE OR REPLACE FUNCTION ledger_entries_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger_entries is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ledger_entries_no_mutation ON ledger_entries;
CREATE TRIGGER ledger_entries_no_mutation
	BEFORE UPDATE OR DELETE ON ledger_entries
	FOR EACH ROW EXECUTE FUNCTION ledger_entries_append_only();

CREATE TABLE IF NOT EXISTS fee_types (
	id            TEXT PRIMARY KEY,
	code          TEXT NOT NULL,
	name          TEXT NOT NULL,
	unit_price    NUMERIC(14,4) NOT NULL,
	basis         TEXT NOT NULL CHECK (basis IN ('per_area', 'flat')),
	auto_generate BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS units (
	id            TEXT PRIMARY KEY,
	usable_area   NUMERIC(12,2) NOT NULL DEFAULT 0,
	building_area NUMERIC(12,2) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS occupancies (
	resident_id TEXT NOT NULL,
	unit_id     TEXT NOT NULL,
	start_date  DATE NOT NULL,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (resident_id, unit_id)
);

CREATE TABLE IF NOT EXISTS payment_credentials (
	resident_id TEXT PRIMARY KEY,
	pin_hash    BYTEA NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CHARGES
// =============================================================================

const chargeColumns = `id, resident_id, unit_id, fee_type_id, fee_type_code, period,
	amount, paid_amount, discount_amount, status, due_date, paid_at, created_at, updated_at`

// InsertCharge inserts c unless its natural key already exists.
func (s *Store) InsertCharge(ctx context.Context, c billing.Charge) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO charges (`+chargeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT ON CONSTRAINT charges_natural_key DO NOTHING
	`,
		c.ID, c.ResidentID, c.UnitID, c.FeeTypeID, c.FeeTypeCode, c.Period.String(),
		c.Amount, c.PaidAmount, c.DiscountAmount, c.Status, c.DueDate, c.PaidAt,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return mapError(err, "insert charge")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if n == 0 {
		return billing.ErrDuplicateCharge
	}
	return nil
}

// GetCharge loads one charge.
func (s *Store) GetCharge(ctx context.Context, id billing.ChargeID) (*billing.Charge, error) {
	c, err := scanCharge(s.db.QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM charges WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrChargeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCharges returns charges matching filter ordered by period.
func (s *Store) ListCharges(ctx context.Context, filter billing.ChargeFilter) ([]billing.Charge, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ResidentID != "" {
		add("resident_id = $%d", filter.ResidentID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Period != nil {
		add("period = $%d", filter.Period.String())
	}

	query := `SELECT ` + chargeColumns + ` FROM charges`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY period, created_at, id"
	return queryCharges(ctx, s.db, query, args...)
}

// MarkOverdue flips past-due Pending charges in one statement.
func (s *Store) MarkOverdue(ctx context.Context, asOf, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE charges SET status = 'overdue', updated_at = $1
		WHERE status = 'pending' AND due_date < $2
	`, now.UTC(), asOf)
	if err != nil {
		return 0, mapError(err, "mark overdue")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return int(n), nil
}

func queryCharges(ctx context.Context, q querier, query string, args ...any) ([]billing.Charge, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query charges")
	}
	defer rows.Close()

	var out []billing.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCharge(row scanner) (billing.Charge, error) {
	var (
		c      billing.Charge
		period string
		paidAt sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.ResidentID, &c.UnitID, &c.FeeTypeID, &c.FeeTypeCode, &period,
		&c.Amount, &c.PaidAmount, &c.DiscountAmount, &c.Status, &c.DueDate, &paidAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return c, err
	}
	if err != nil {
		return c, Error.New("scan charge: %v", err)
	}
	if c.Period, err = billing.ParsePeriod(period); err != nil {
		return c, Error.Wrap(err)
	}
	c.DueDate = billing.DateOf(c.DueDate)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		c.PaidAt = &t
	}
	return c, nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `resident_id, balance, total_recharged, total_consumed, status,
	last_transaction_at, created_at, updated_at`

// GetAccount returns the resident's balance account.
func (s *Store) GetAccount(ctx context.Context, residentID billing.ResidentID) (*billing.BalanceAccount, error) {
	a, err := getAccount(ctx, s.db, residentID, false)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, billing.ErrAccountNotFound
	}
	return a, nil
}

func getAccount(ctx context.Context, q querier, residentID billing.ResidentID, forUpdate bool) (*billing.BalanceAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM balance_accounts WHERE resident_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		a      billing.BalanceAccount
		lastTx sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, residentID).Scan(
		&a.ResidentID, &a.Balance, &a.TotalRecharged, &a.TotalConsumed, &a.Status,
		&lastTx, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "load account")
	}
	if lastTx.Valid {
		t := lastTx.Time.UTC()
		a.LastTransactionAt = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// ListLedger returns the resident's ledger in append order.
func (s *Store) ListLedger(ctx context.Context, residentID billing.ResidentID) ([]billing.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_no, account_id, charge_id, entry_type, amount, description, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY seq
	`, residentID)
	if err != nil {
		return nil, mapError(err, "query ledger")
	}
	defer rows.Close()

	var out []billing.LedgerEntry
	for rows.Next() {
		var (
			e        billing.LedgerEntry
			chargeID sql.NullString
		)
		if err := rows.Scan(&e.TransactionNo, &e.AccountID, &chargeID, &e.Type, &e.Amount, &e.Description, &e.CreatedAt); err != nil {
			return nil, Error.New("scan ledger entry: %v", err)
		}
		e.ChargeID = billing.ChargeID(chargeID.String)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// EXCLUSIVE SCOPE
// =============================================================================

// WithAccount runs fn inside a transaction holding the resident's advisory
// lock. Waiting is bounded by ctx's deadline through lock_timeout.
func (s *Store) WithAccount(ctx context.Context, residentID billing.ResidentID, fn func(billing.AccountTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", billing.ErrLockTimeout, err)
		}
		return mapError(err, "begin")
	}
	defer tx.Rollback()

	if deadline, ok := ctx.Deadline(); ok {
		ms := time.Until(deadline).Milliseconds()
		if ms < 1 {
			ms = 1
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", ms)); err != nil {
			return mapError(err, "set lock_timeout")
		}
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, residentID); err != nil {
		return mapError(err, "lock account")
	}

	if err := fn(&txStore{tx: tx, residentID: residentID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err, "commit")
	}
	return nil
}

type txStore struct {
	tx         *sql.Tx
	residentID billing.ResidentID
}

func (t *txStore) Account(ctx context.Context) (*billing.BalanceAccount, error) {
	return getAccount(ctx, t.tx, t.residentID, true)
}

func (t *txStore) Charges(ctx context.Context, ids []billing.ChargeID) ([]billing.Charge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	marks := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	return queryCharges(ctx, t.tx,
		`SELECT `+chargeColumns+` FROM charges WHERE id IN (`+strings.Join(marks, ",")+`) ORDER BY id FOR UPDATE`,
		args...)
}

func (t *txStore) SaveAccount(ctx context.Context, a billing.BalanceAccount) error {
	if a.ResidentID != t.residentID {
		return Error.New("account %s outside locked scope %s", a.ResidentID, t.residentID)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO balance_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (resident_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			total_recharged = EXCLUDED.total_recharged,
			total_consumed = EXCLUDED.total_consumed,
			status = EXCLUDED.status,
			last_transaction_at = EXCLUDED.last_transaction_at,
			updated_at = EXCLUDED.updated_at
	`, a.ResidentID, a.Balance, a.TotalRecharged, a.TotalConsumed, a.Status,
		a.LastTransactionAt, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	return mapError(err, "save account")
}

func (t *txStore) UpdateChargePayment(ctx context.Context, c billing.Charge) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE charges SET paid_amount = $1, status = $2, paid_at = $3, updated_at = $4
		WHERE id = $5
	`, c.PaidAmount, c.Status, c.PaidAt, c.UpdatedAt.UTC(), c.ID)
	if err != nil {
		return mapError(err, "update charge")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if n == 0 {
		return billing.ErrChargeNotFound
	}
	return nil
}

func (t *txStore) AppendLedger(ctx context.Context, entries []billing.LedgerEntry) error {
	for _, e := range entries {
		var chargeID sql.NullString
		if e.ChargeID != "" {
			chargeID = sql.NullString{String: string(e.ChargeID), Valid: true}
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (transaction_no, account_id, charge_id, entry_type, amount, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.TransactionNo, e.AccountID, chargeID, e.Type, e.Amount, e.Description, e.CreatedAt.UTC())
		if err != nil {
			return mapError(err, "append ledger")
		}
	}
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return fmt.Errorf("%w: %s: %v", billing.ErrLockTimeout, op, err)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s: %v", billing.ErrConcurrentModification, op, err)
		case "23514":
			if pgErr.ConstraintName == "balance_non_negative" {
				return billing.ErrNegativeBalance
			}
		case "23505":
			if pgErr.ConstraintName == "charges_natural_key" {
				return billing.ErrDuplicateCharge
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", billing.ErrLockTimeout, op, err)
	}
	return Error.New("%s: %v", op, err)
}
