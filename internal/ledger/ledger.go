// Package ledger debits and refunds user credits. Every mutation carries an
// idempotency key; replaying a key returns the original result without moving
// the balance again.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInsufficientFunds = errors.New("insufficient credits")

// Ledger is the consumer-side contract for credit accounting.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int, idempotencyKey string) (newBalance int, err error)
	Refund(ctx context.Context, userID string, amount int, idempotencyKey string) error
	Balance(ctx context.Context, userID string) (int, error)
}

// PostgresLedger keeps balances in credit_accounts and an append-only
// credit_transactions log keyed by idempotency_key.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) Debit(ctx context.Context, userID string, amount int, idempotencyKey string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount must be non-negative, got %d", amount)
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if balance, found, err := priorBalance(ctx, tx, idempotencyKey); err != nil || found {
		return balance, err
	}

	var balance int
	err = tx.QueryRow(ctx,
		`UPDATE credit_accounts SET balance = balance - $2, updated_at = NOW()
		 WHERE user_id = $1 AND balance >= $2
		 RETURNING balance`, userID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("debit account: %w", err)
	}

	if err := insertTransaction(ctx, tx, userID, -amount, "debit", idempotencyKey, balance); err != nil {
		if isUniqueViolation(err) {
			return l.replay(ctx, idempotencyKey)
		}
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}
	return balance, nil
}

func (l *PostgresLedger) Refund(ctx context.Context, userID string, amount int, idempotencyKey string) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, found, err := priorBalance(ctx, tx, idempotencyKey); err != nil || found {
		return err
	}

	var balance int
	err = tx.QueryRow(ctx,
		`INSERT INTO credit_accounts (user_id, balance, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = NOW()
		 RETURNING balance`, userID, amount).Scan(&balance)
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}

	if err := insertTransaction(ctx, tx, userID, amount, "refund", idempotencyKey, balance); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit refund: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := l.pool.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// replay returns the balance recorded by a concurrent winner of the same key.
func (l *PostgresLedger) replay(ctx context.Context, idempotencyKey string) (int, error) {
	balance, _, err := priorBalance(ctx, l.pool, idempotencyKey)
	return balance, err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func priorBalance(ctx context.Context, q querier, idempotencyKey string) (int, bool, error) {
	var balance int
	err := q.QueryRow(ctx,
		`SELECT balance_after FROM credit_transactions WHERE idempotency_key = $1`,
		idempotencyKey).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return balance, true, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, userID string, amount int, kind, key string, balance int) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount, kind, idempotency_key, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), userID, amount, kind, key, balance, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
