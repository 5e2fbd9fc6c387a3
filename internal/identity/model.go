package identity

import (
	"errors"
	"time"
)

var (
	// ErrUserExists is returned when the email is already registered.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned by lookups that match no user.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidRegistration wraps every registration input error.
	ErrInvalidRegistration = errors.New("invalid registration")
)

// User represents a registered marketplace member.
type User struct {
	ID           int64
	Email        string
	FirstName    string
	LastName     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Registration request structure.
type Registration struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}
