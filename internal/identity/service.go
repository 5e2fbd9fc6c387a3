package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/timebank/timebank/internal/ledger"
)

const minPasswordLength = 8

// AccountOpener opens the ledger account of a new user.
type AccountOpener interface {
	OpenAccount(ctx context.Context, userID int64) (ledger.Account, error)
}

// BonusGranter credits the one-time registration bonus.
type BonusGranter interface {
	GrantInitialBonus(ctx context.Context, userID int64) (ledger.Entry, error)
}

// Service manages the registration lifecycle.
type Service struct {
	repo     Repository
	accounts AccountOpener
	bonus    BonusGranter
	logger   *slog.Logger
}

// NewService creates a new identity service.
func NewService(repo Repository, accounts AccountOpener, bonus BonusGranter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, accounts: accounts, bonus: bonus, logger: logger.With(slog.String("component", "identity"))}
}

// Result is the outcome of a registration.
type Result struct {
	User         User
	BonusGranted bool
	Bonus        ledger.Entry
}

// Register creates the user, opens their ledger account and grants the
// initial bonus. A failed bonus grant is logged and does not fail the
// registration; the bonus can be granted later through the credits API.
func (s *Service) Register(ctx context.Context, reg Registration) (Result, error) {
	email := strings.ToLower(strings.TrimSpace(reg.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return Result{}, fmt.Errorf("%w: email: %v", ErrInvalidRegistration, err)
	}
	if len(reg.Password) < minPasswordLength {
		return Result{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRegistration, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), bcrypt.DefaultCost)
	if err != nil {
		return Result{}, err
	}

	user, err := s.repo.Create(ctx, User{
		Email:        email,
		FirstName:    strings.TrimSpace(reg.FirstName),
		LastName:     strings.TrimSpace(reg.LastName),
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return Result{}, err
	}

	if _, err := s.accounts.OpenAccount(ctx, user.ID); err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		if delErr := s.repo.Delete(ctx, user.ID); delErr != nil {
			s.logger.Error("identity.register rollback failed", slog.Int64("user_id", user.ID), slog.Any("error", delErr))
		}
		return Result{}, fmt.Errorf("open credit account for user %d: %w", user.ID, err)
	}

	result := Result{User: user}
	if s.bonus != nil {
		entry, err := s.bonus.GrantInitialBonus(ctx, user.ID)
		if err != nil {
			s.logger.Error("identity.bonus failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
		} else {
			result.BonusGranted = true
			result.Bonus = entry
		}
	}

	s.logger.Info("identity.register completed",
		slog.Int64("user_id", user.ID),
		slog.Bool("bonus_granted", result.BonusGranted),
	)
	return result, nil
}

// Get returns a registered user.
func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	return s.repo.FindByID(ctx, id)
}
