package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebank/timebank/internal/ledger"
)

func TestSQLiteRepository(t *testing.T) {
	store, err := ledger.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo := NewSQLiteRepository(store.DB())
	ctx := context.Background()
	require.NoError(t, repo.Migrate(ctx))

	created, err := repo.Create(ctx, User{
		Email:        "kim@example.com",
		FirstName:    "Kim",
		PasswordHash: []byte("hash"),
		CreatedAt:    time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.ID)

	_, err = repo.Create(ctx, User{Email: "kim@example.com", PasswordHash: []byte("x"), CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrUserExists)

	byEmail, err := repo.FindByEmail(ctx, "KIM@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)
	assert.Equal(t, []byte("hash"), byEmail.PasswordHash)
	assert.True(t, created.CreatedAt.Equal(byEmail.CreatedAt))

	_, err = repo.FindByID(ctx, 99)
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, repo.Delete(ctx, created.ID))
	_, err = repo.FindByID(ctx, created.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, created.ID), ErrUserNotFound)
}
