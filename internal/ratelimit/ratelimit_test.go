package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veraproof/backend/internal/database"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryWindowEnforcesLimit(t *testing.T) {
	w := NewMemoryWindow()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := w.Allow(ctx, "tenant-a", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i)
	}
	ok, err := w.Allow(ctx, "tenant-a", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other tenants are unaffected.
	ok, err = w.Allow(ctx, "tenant-b", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryWindowSlides(t *testing.T) {
	w := NewMemoryWindow()
	now := time.Now()
	w.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _ := w.Allow(ctx, "t", 3, time.Minute)
		require.True(t, ok)
	}
	ok, _ := w.Allow(ctx, "t", 3, time.Minute)
	require.False(t, ok)

	// After the window passes, capacity is back.
	now = now.Add(61 * time.Second)
	ok, _ = w.Allow(ctx, "t", 3, time.Minute)
	assert.True(t, ok)
}

func TestMemoryWindowSweepDropsIdleKeys(t *testing.T) {
	w := NewMemoryWindow()
	now := time.Now()
	w.now = func() time.Time { return now }
	ctx := context.Background()

	w.Allow(ctx, "idle", 10, time.Minute)
	w.Allow(ctx, "busy", 10, time.Minute)

	now = now.Add(2 * time.Minute)
	w.Allow(ctx, "busy", 10, time.Minute)
	w.Sweep(ctx, time.Minute)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.NotContains(t, w.entries, "idle")
	assert.Contains(t, w.entries, "busy")
}

func TestRedisWindowEnforcesLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	w := NewRedisWindow(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := w.Allow(ctx, "tenant-a", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := w.Allow(ctx, "tenant-a", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

type stubQuota struct {
	mu       sync.Mutex
	consumed int
	err      error
}

func (s *stubQuota) Consume(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.consumed++
	return nil
}

func TestGateConcurrencyCap(t *testing.T) {
	quota := &stubQuota{}
	g := NewGate(NewMemoryWindow(), quota, 10, 1000, testLogger())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, g.Enter(ctx, "tenant-a"))
	}
	err := g.Enter(ctx, "tenant-a")
	assert.ErrorIs(t, err, ErrTooManySessions)
	assert.Equal(t, 10, g.Active("tenant-a"))

	// Another tenant is unaffected.
	require.NoError(t, g.Enter(ctx, "tenant-b"))

	// Releasing a slot admits the next session.
	g.Leave("tenant-a")
	assert.NoError(t, g.Enter(ctx, "tenant-a"))
}

func TestGateReleasesSlotOnQuotaFailure(t *testing.T) {
	quota := &stubQuota{err: ErrQuotaExhausted}
	g := NewGate(NewMemoryWindow(), quota, 10, 1000, testLogger())

	err := g.Enter(context.Background(), "tenant-a")
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Zero(t, g.Active("tenant-a"))
}

func TestGateRateLimitBeforeConcurrency(t *testing.T) {
	quota := &stubQuota{}
	g := NewGate(NewMemoryWindow(), quota, 10, 2, testLogger())
	ctx := context.Background()

	require.NoError(t, g.Enter(ctx, "tenant-a"))
	require.NoError(t, g.Enter(ctx, "tenant-a"))

	err := g.Enter(ctx, "tenant-a")
	assert.ErrorIs(t, err, ErrRateLimited)
	// No slot or quota unit is held by the rejected attempt.
	assert.Equal(t, 2, g.Active("tenant-a"))
	assert.Equal(t, 2, quota.consumed)
}

func TestGateLeaveNeverGoesNegative(t *testing.T) {
	g := NewGate(NewMemoryWindow(), &stubQuota{}, 10, 1000, testLogger())

	g.Leave("tenant-a")
	assert.Zero(t, g.Active("tenant-a"))
}

func newQuotaDB(t *testing.T) (*database.Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.NewClient(sqlx.NewDb(db, "sqlmock"), testLogger()), mock
}

func TestQuotaConsumeAndAlerts(t *testing.T) {
	client, mock := newQuotaDB(t)

	var alerts []QuotaAlert
	q := NewQuotaManager(client, false, func(a QuotaAlert) { alerts = append(alerts, a) }, testLogger())

	// 79 -> 80 of 100 crosses the 80% threshold.
	mock.ExpectQuery(`UPDATE tenants SET current_usage`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"current_usage", "monthly_quota"}).AddRow(80, 100))
	require.NoError(t, q.Consume(context.Background(), "t1"))
	require.Len(t, alerts, 1)
	assert.Equal(t, 80, alerts[0].Percentage)

	// 80 -> 81 crosses nothing.
	mock.ExpectQuery(`UPDATE tenants SET current_usage`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"current_usage", "monthly_quota"}).AddRow(81, 100))
	require.NoError(t, q.Consume(context.Background(), "t1"))
	require.Len(t, alerts, 1)

	// 99 -> 100 crosses the 100% threshold.
	mock.ExpectQuery(`UPDATE tenants SET current_usage`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"current_usage", "monthly_quota"}).AddRow(100, 100))
	require.NoError(t, q.Consume(context.Background(), "t1"))
	require.Len(t, alerts, 2)
	assert.Equal(t, 100, alerts[1].Percentage)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaConsumeExhausted(t *testing.T) {
	client, mock := newQuotaDB(t)
	q := NewQuotaManager(client, false, nil, testLogger())

	mock.ExpectQuery(`UPDATE tenants SET current_usage`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"current_usage", "monthly_quota"}))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := q.Consume(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaUnknownTenantFailOpen(t *testing.T) {
	client, mock := newQuotaDB(t)
	q := NewQuotaManager(client, true, nil, testLogger())

	mock.ExpectQuery(`UPDATE tenants SET current_usage`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"current_usage", "monthly_quota"}))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	assert.NoError(t, q.Consume(context.Background(), "ghost"))
}

func TestQuotaUnknownTenantFailClosed(t *testing.T) {
	client, mock := newQuotaDB(t)
	q := NewQuotaManager(client, false, nil, testLogger())

	mock.ExpectQuery(`UPDATE tenants SET current_usage`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"current_usage", "monthly_quota"}))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := q.Consume(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrQuotaExhausted)
}

func TestQuotaResetExpiredCycles(t *testing.T) {
	client, mock := newQuotaDB(t)
	q := NewQuotaManager(client, false, nil, testLogger())

	mock.ExpectExec(`UPDATE tenants`).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := q.ResetExpiredCycles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
