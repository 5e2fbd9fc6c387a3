package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

const sqliteUsersSchema = `
CREATE TABLE IF NOT EXISTS users (
	user_id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	password_hash BLOB NOT NULL,
	created_at TEXT NOT NULL
);
`

// SQLiteRepository implements Repository for single-node deployments
// sharing the ledger's SQLite file.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository builds a repository over db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Migrate creates the users table if it does not exist.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqliteUsersSchema); err != nil {
		return fmt.Errorf("migrate users schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Create(ctx context.Context, user User) (User, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO users (email, first_name, last_name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		user.Email, user.FirstName, user.LastName, user.PasswordHash, user.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	if user.ID, err = res.LastInsertId(); err != nil {
		return User{}, err
	}
	return user, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *SQLiteRepository) FindByID(ctx context.Context, id int64) (User, error) {
	return r.findOne(ctx, `WHERE user_id = ?`, id)
}

func (r *SQLiteRepository) FindByEmail(ctx context.Context, email string) (User, error) {
	return r.findOne(ctx, `WHERE email = ?`, strings.ToLower(email))
}

func (r *SQLiteRepository) findOne(ctx context.Context, where string, arg any) (User, error) {
	var (
		user    User
		created string
	)
	err := r.db.QueryRowContext(ctx, `SELECT user_id, email, first_name, last_name, password_hash, created_at FROM users `+where, arg).
		Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.PasswordHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	if user.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return User{}, fmt.Errorf("parse created_at: %w", err)
	}
	return user, nil
}
