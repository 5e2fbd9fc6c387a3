package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebank/timebank/internal/logging"
)

type idemFixture struct {
	app   *fiber.App
	mr    *miniredis.Miniredis
	calls atomic.Int32
}

func setupIdempotency(t *testing.T) *idemFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	f := &idemFixture{app: fiber.New(), mr: mr}
	f.app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	f.app.Post("/credits/transfer", func(c *fiber.Ctx) error {
		n := f.calls.Add(1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"debit_transaction_id": n})
	})
	f.app.Post("/credits/refund", func(c *fiber.Ctx) error {
		f.calls.Add(1)
		return fiber.NewError(fiber.StatusNotFound, "no matching entries")
	})
	f.app.Post("/broken", func(c *fiber.Ctx) error {
		f.calls.Add(1)
		return c.Status(fiber.StatusServiceUnavailable).SendString("down")
	})
	return f
}

func (f *idemFixture) post(t *testing.T, path, key, body string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw), resp.Header.Get("Idempotent-Replayed")
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	f := setupIdempotency(t)
	status, _, _ := f.post(t, "/credits/transfer", "", "{}")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.EqualValues(t, 0, f.calls.Load())
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	f := setupIdempotency(t)
	body := `{"from_user_id":1,"to_user_id":2,"amount":"4.00"}`

	status, first, replayed := f.post(t, "/credits/transfer", "abc123", body)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Empty(t, replayed)

	status, second, replayed := f.post(t, "/credits/transfer", "abc123", body)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, first, second)
	assert.Equal(t, "true", replayed)
	assert.EqualValues(t, 1, f.calls.Load(), "handler must run once")
}

func TestIdempotencyRejectsKeyReuseWithDifferentBody(t *testing.T) {
	f := setupIdempotency(t)
	status, _, _ := f.post(t, "/credits/transfer", "k1", `{"amount":"1"}`)
	require.Equal(t, fiber.StatusCreated, status)

	status, _, _ = f.post(t, "/credits/transfer", "k1", `{"amount":"2"}`)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestIdempotencyInProgressConflict(t *testing.T) {
	f := setupIdempotency(t)
	require.NoError(t, f.mr.Set(idempotencyPrefix+"busy", inProgressMarker))

	status, _, _ := f.post(t, "/credits/transfer", "busy", "{}")
	assert.Equal(t, fiber.StatusConflict, status)
	assert.EqualValues(t, 0, f.calls.Load())
}

func TestIdempotencyReleasesKeyOnErrors(t *testing.T) {
	f := setupIdempotency(t)

	status, _, _ := f.post(t, "/credits/refund", "r1", "{}")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.False(t, f.mr.Exists(idempotencyPrefix+"r1"))

	status, _, _ = f.post(t, "/broken", "b1", "{}")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.False(t, f.mr.Exists(idempotencyPrefix+"b1"))

	f.post(t, "/broken", "b1", "{}")
	assert.EqualValues(t, 3, f.calls.Load(), "failed requests may be retried")
}

func TestIdempotencySkipsSafeMethods(t *testing.T) {
	f := setupIdempotency(t)
	f.app.Get("/credits/1/balance", func(c *fiber.Ctx) error { return c.SendString("ok") })

	resp, err := f.app.Test(httptest.NewRequest(fiber.MethodGet, "/credits/1/balance", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
