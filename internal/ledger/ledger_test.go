package ledger_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/ledger"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store"
)

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("bluefx_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func fund(t *testing.T, pool *pgxpool.Pool, userID string, balance int) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO credit_accounts (user_id, balance) VALUES ($1, $2)`, userID, balance)
	require.NoError(t, err)
}

func TestPostgresLedger_DebitIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	l := ledger.NewPostgresLedger(pool)
	ctx := context.Background()
	fund(t, pool, "user-1", 100)

	bal, err := l.Debit(ctx, "user-1", 30, "job:a")
	require.NoError(t, err)
	assert.Equal(t, 70, bal)

	bal, err = l.Debit(ctx, "user-1", 30, "job:a")
	require.NoError(t, err)
	assert.Equal(t, 70, bal, "replayed key returns the recorded balance")

	got, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 70, got)
}

func TestPostgresLedger_InsufficientFunds(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	l := ledger.NewPostgresLedger(pool)
	ctx := context.Background()
	fund(t, pool, "user-1", 5)

	_, err := l.Debit(ctx, "user-1", 10, "job:b")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = l.Debit(ctx, "nobody", 1, "job:c")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	got, _ := l.Balance(ctx, "user-1")
	assert.Equal(t, 5, got)
}

func TestPostgresLedger_RefundOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	l := ledger.NewPostgresLedger(pool)
	ctx := context.Background()
	fund(t, pool, "user-1", 50)

	_, err := l.Debit(ctx, "user-1", 20, "job:d")
	require.NoError(t, err)
	require.NoError(t, l.Refund(ctx, "user-1", 20, "job:d:refund"))
	require.NoError(t, l.Refund(ctx, "user-1", 20, "job:d:refund"))

	got, _ := l.Balance(ctx, "user-1")
	assert.Equal(t, 50, got)
}

func TestPostgresLedger_ConcurrentDebitSameKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	l := ledger.NewPostgresLedger(pool)
	ctx := context.Background()
	fund(t, pool, "user-1", 100)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Debit(ctx, "user-1", 10, "job:e")
		}()
	}
	wg.Wait()

	got, _ := l.Balance(ctx, "user-1")
	assert.Equal(t, 90, got)
}

func TestMemory_DebitAndRefund(t *testing.T) {
	m := ledger.NewMemory(map[string]int{"user-1": 15})
	ctx := context.Background()

	bal, err := m.Debit(ctx, "user-1", 10, "k1")
	require.NoError(t, err)
	assert.Equal(t, 5, bal)

	_, err = m.Debit(ctx, "user-1", 10, "k2")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = m.Debit(ctx, "user-1", 10, "k1")
	require.NoError(t, err)

	require.NoError(t, m.Refund(ctx, "user-1", 10, "k1:refund"))
	require.NoError(t, m.Refund(ctx, "user-1", 10, "k1:refund"))

	bal, _ = m.Balance(ctx, "user-1")
	assert.Equal(t, 15, bal)
	assert.Len(t, m.Entries(), 2)
}

func TestMemory_Unbounded(t *testing.T) {
	m := ledger.NewMemory(nil)
	m.Unbounded = true
	bal, err := m.Debit(context.Background(), "user-x", 3, "k")
	require.NoError(t, err)
	assert.Equal(t, -3, bal)
}
