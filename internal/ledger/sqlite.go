package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	user_id INTEGER PRIMARY KEY,
	balance TEXT NOT NULL,
	lifetime_earned TEXT NOT NULL,
	lifetime_spent TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_entries (
	entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES credit_accounts (user_id),
	amount TEXT NOT NULL,
	category TEXT NOT NULL CHECK (category IN (
		'service_payment', 'service_earning', 'request_payment', 'request_earning',
		'initial_bonus', 'refund', 'manual_adjustment')),
	reference_type TEXT NOT NULL CHECK (reference_type IN (
		'service_booking', 'service_request', 'registration', 'manual', 'system')),
	reference_id INTEGER,
	description TEXT NOT NULL DEFAULT '',
	balance_before TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	created_at TEXT NOT NULL,
	CHECK (reference_id IS NOT NULL OR reference_type IN ('manual', 'system'))
);

CREATE INDEX IF NOT EXISTS idx_credit_entries_user
	ON credit_entries (user_id, entry_id DESC);
CREATE INDEX IF NOT EXISTS idx_credit_entries_reference
	ON credit_entries (reference_type, reference_id);
`

// SQLiteStore keeps the ledger in a single SQLite file. Write units begin
// IMMEDIATE, so SQLite's single writer lock is the unit-of-work lock.
// Decimals are stored as text to keep exact cents.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path. Use ":memory:"
// for a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	memory := path == ":memory:"
	dsn := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if !memory {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle so other packages can keep their tables in the same file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, userID int64, at time.Time) (Account, error) {
	acct := NewAccount(userID, at.UTC())
	_, err := s.db.ExecContext(ctx, `INSERT INTO credit_accounts
		(user_id, balance, lifetime_earned, lifetime_spent, created_at, updated_at)
		VALUES (?, '0', '0', '0', ?, ?)`,
		userID, formatTime(acct.CreatedAt), formatTime(acct.UpdatedAt))
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return Account{}, ErrAccountExists
		}
		return Account{}, fmt.Errorf("create account %d: %w", userID, err)
	}
	return acct, nil
}

func (s *SQLiteStore) Account(ctx context.Context, userID int64) (Account, error) {
	return sqliteAccount(ctx, s.db, userID)
}

func (s *SQLiteStore) Entries(ctx context.Context, userID int64, offset, limit int) ([]Entry, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_entries WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM credit_entries
		WHERE user_id = ? ORDER BY entry_id DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	entries, err := sqliteEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *SQLiteStore) HasEntry(ctx context.Context, userID int64, category Category) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_entries WHERE user_id = ? AND category = ?`,
		userID, string(category)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup %s entry: %w", category, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint:errcheck

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx     *sql.Tx
	locked map[int64]struct{}
}

// LockAccounts relies on the IMMEDIATE transaction already holding the
// database write lock; it only loads and checks the accounts.
func (t *sqliteTx) LockAccounts(ctx context.Context, userIDs ...int64) (map[int64]Account, error) {
	if t.locked != nil {
		return nil, errors.New("ledger: accounts already locked in this unit of work")
	}
	ids := uniqueSorted(userIDs)
	t.locked = make(map[int64]struct{}, len(ids))
	out := make(map[int64]Account, len(ids))
	for _, id := range ids {
		acct, err := sqliteAccount(ctx, t.tx, id)
		if err != nil {
			return nil, err
		}
		out[id] = acct
		t.locked[id] = struct{}{}
	}
	return out, nil
}

func (t *sqliteTx) EntriesByReference(ctx context.Context, ref Reference) ([]Entry, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+entryColumns+` FROM credit_entries
		WHERE reference_type = ? AND reference_id IS ? ORDER BY entry_id`, string(ref.Type), nullableID(ref.ID))
	if err != nil {
		return nil, fmt.Errorf("entries for %s: %w", ref, err)
	}
	return sqliteEntries(rows)
}

func (t *sqliteTx) Totals(ctx context.Context, userID int64) (Totals, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT amount FROM credit_entries WHERE user_id = ?`, userID)
	if err != nil {
		return Totals{}, fmt.Errorf("totals for user %d: %w", userID, err)
	}
	defer rows.Close()

	totals := Totals{Sum: decimal.Zero, Earned: decimal.Zero, Spent: decimal.Zero}
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return Totals{}, err
		}
		totals.add(amount)
	}
	return totals, rows.Err()
}

func (t *sqliteTx) InsertEntry(ctx context.Context, e Entry) (Entry, error) {
	if _, ok := t.locked[e.UserID]; !ok {
		return Entry{}, errors.New("ledger: entry written for an account not locked in this unit of work")
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	res, err := t.tx.ExecContext(ctx, `INSERT INTO credit_entries
		(user_id, amount, category, reference_type, reference_id, description, balance_before, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Amount.String(), string(e.Category), string(e.Reference.Type), nullableID(e.Reference.ID),
		e.Description, e.BalanceBefore.String(), e.BalanceAfter.String(), formatTime(e.CreatedAt))
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (t *sqliteTx) UpdateAccount(ctx context.Context, a Account) error {
	if _, ok := t.locked[a.UserID]; !ok {
		return errors.New("ledger: account update outside the locked set")
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE credit_accounts
		SET balance = ?, lifetime_earned = ?, lifetime_spent = ?, updated_at = ?
		WHERE user_id = ?`,
		a.Balance.String(), a.LifetimeEarned.String(), a.LifetimeSpent.String(), formatTime(a.UpdatedAt), a.UserID)
	if err != nil {
		return fmt.Errorf("update account %d: %w", a.UserID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

type sqliteQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteAccount(ctx context.Context, q sqliteQueryer, userID int64) (Account, error) {
	var (
		acct             Account
		created, updated string
	)
	err := q.QueryRowContext(ctx, `SELECT user_id, balance, lifetime_earned, lifetime_spent, created_at, updated_at
		FROM credit_accounts WHERE user_id = ?`, userID).
		Scan(&acct.UserID, &acct.Balance, &acct.LifetimeEarned, &acct.LifetimeSpent, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	if acct.CreatedAt, err = parseTime(created); err != nil {
		return Account{}, err
	}
	if acct.UpdatedAt, err = parseTime(updated); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func sqliteEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			category string
			refType  string
			refID    sql.NullInt64
			created  string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &category, &refType, &refID,
			&e.Description, &e.BalanceBefore, &e.BalanceAfter, &created); err != nil {
			return nil, err
		}
		e.Category = Category(category)
		e.Reference.Type = ReferenceType(refType)
		if refID.Valid {
			id := refID.Int64
			e.Reference.ID = &id
		}
		var err error
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
