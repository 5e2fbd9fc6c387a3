package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
    user_id         BIGINT PRIMARY KEY,
    balance         NUMERIC(12,2) NOT NULL DEFAULT 0,
    lifetime_earned NUMERIC(12,2) NOT NULL DEFAULT 0,
    lifetime_spent  NUMERIC(12,2) NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    CONSTRAINT credit_accounts_aggregates_chk CHECK (lifetime_earned >= 0 AND lifetime_spent >= 0)
);

CREATE TABLE IF NOT EXISTS credit_entries (
    entry_id       BIGSERIAL PRIMARY KEY,
    user_id        BIGINT NOT NULL REFERENCES credit_accounts (user_id),
    amount         NUMERIC(12,2) NOT NULL,
    category       TEXT NOT NULL,
    reference_type TEXT NOT NULL,
    reference_id   BIGINT,
    description    TEXT NOT NULL DEFAULT '',
    balance_before NUMERIC(12,2) NOT NULL,
    balance_after  NUMERIC(12,2) NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    CONSTRAINT credit_entries_amount_chk CHECK (amount <> 0),
    CONSTRAINT credit_entries_balance_chk CHECK (balance_after = balance_before + amount),
    CONSTRAINT credit_entries_category_chk CHECK (category IN (
        'service_payment', 'service_earning', 'request_payment', 'request_earning',
        'initial_bonus', 'refund', 'manual_adjustment')),
    CONSTRAINT credit_entries_reference_type_chk CHECK (reference_type IN (
        'service_booking', 'service_request', 'registration', 'manual', 'system')),
    CONSTRAINT credit_entries_reference_id_chk CHECK (
        reference_id IS NOT NULL OR reference_type IN ('manual', 'system'))
);

CREATE INDEX IF NOT EXISTS idx_credit_entries_user
    ON credit_entries (user_id, entry_id DESC);
CREATE INDEX IF NOT EXISTS idx_credit_entries_reference
    ON credit_entries (reference_type, reference_id);
CREATE INDEX IF NOT EXISTS idx_credit_entries_user_category
    ON credit_entries (user_id, category);
`

const entryColumns = `entry_id, user_id, amount, category, reference_type, reference_id,
    description, balance_before, balance_after, created_at`

// PostgresStore persists the ledger in PostgreSQL. Units of work are pgx
// transactions holding row locks on the touched accounts.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, userID int64, at time.Time) (Account, error) {
	acct := NewAccount(userID, at.UTC())
	_, err := s.db.Exec(ctx, `INSERT INTO credit_accounts (user_id, balance, lifetime_earned, lifetime_spent, created_at, updated_at)
        VALUES ($1, 0, 0, 0, $2, $2)`, userID, acct.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrAccountExists
		}
		return Account{}, fmt.Errorf("create account %d: %w", userID, err)
	}
	return acct, nil
}

func (s *PostgresStore) Account(ctx context.Context, userID int64) (Account, error) {
	row := s.db.QueryRow(ctx, `SELECT user_id, balance, lifetime_earned, lifetime_spent, created_at, updated_at
        FROM credit_accounts WHERE user_id = $1`, userID)
	return scanAccount(row)
}

func (s *PostgresStore) Entries(ctx context.Context, userID int64, offset, limit int) ([]Entry, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM credit_entries WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM credit_entries
        WHERE user_id = $1 ORDER BY entry_id DESC OFFSET $2 LIMIT $3`, userID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *PostgresStore) HasEntry(ctx context.Context, userID int64, category Category) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM credit_entries WHERE user_id = $1 AND category = $2)`,
		userID, string(category)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup %s entry: %w", category, err)
	}
	return exists, nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type postgresTx struct {
	tx     pgx.Tx
	locked bool
}

func (t *postgresTx) LockAccounts(ctx context.Context, userIDs ...int64) (map[int64]Account, error) {
	if t.locked {
		return nil, errors.New("ledger: accounts already locked in this unit of work")
	}
	t.locked = true
	ids := uniqueSorted(userIDs)

	// ORDER BY makes Postgres take the row locks in ascending user id order.
	rows, err := t.tx.Query(ctx, `SELECT user_id, balance, lifetime_earned, lifetime_spent, created_at, updated_at
        FROM credit_accounts WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]Account, len(ids))
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[acct.UserID] = acct
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) != len(ids) {
		return nil, ErrAccountNotFound
	}
	return out, nil
}

func (t *postgresTx) EntriesByReference(ctx context.Context, ref Reference) ([]Entry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+entryColumns+` FROM credit_entries
        WHERE reference_type = $1 AND reference_id IS NOT DISTINCT FROM $2 ORDER BY entry_id`,
		string(ref.Type), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("entries for %s: %w", ref, err)
	}
	return collectEntries(rows)
}

func (t *postgresTx) Totals(ctx context.Context, userID int64) (Totals, error) {
	var totals Totals
	err := t.tx.QueryRow(ctx, `SELECT
            COALESCE(SUM(amount), 0),
            COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0),
            COALESCE(-SUM(amount) FILTER (WHERE amount < 0), 0),
            COUNT(*)
        FROM credit_entries WHERE user_id = $1`, userID).
		Scan(&totals.Sum, &totals.Earned, &totals.Spent, &totals.Count)
	if err != nil {
		return Totals{}, fmt.Errorf("totals for user %d: %w", userID, err)
	}
	return totals, nil
}

func (t *postgresTx) InsertEntry(ctx context.Context, e Entry) (Entry, error) {
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	err := t.tx.QueryRow(ctx, `INSERT INTO credit_entries
        (user_id, amount, category, reference_type, reference_id, description, balance_before, balance_after, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING entry_id`,
		e.UserID, e.Amount, string(e.Category), string(e.Reference.Type), e.Reference.ID,
		e.Description, e.BalanceBefore, e.BalanceAfter, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return e, nil
}

func (t *postgresTx) UpdateAccount(ctx context.Context, a Account) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE credit_accounts
        SET balance = $2, lifetime_earned = $3, lifetime_spent = $4, updated_at = $5
        WHERE user_id = $1`, a.UserID, a.Balance, a.LifetimeEarned, a.LifetimeSpent, a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update account %d: %w", a.UserID, err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var acct Account
	if err := row.Scan(&acct.UserID, &acct.Balance, &acct.LifetimeEarned, &acct.LifetimeSpent, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			category string
			refType  string
			amount   decimal.Decimal
		)
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &category, &refType, &e.Reference.ID,
			&e.Description, &e.BalanceBefore, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = amount
		e.Category = Category(category)
		e.Reference.Type = ReferenceType(refType)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
