package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Entry is one recorded ledger mutation.
type Entry struct {
	UserID string
	Amount int
	Kind   string
	Key    string
}

// Memory is an in-process Ledger for tests and local runs with the mock provider.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int
	entries  map[string]Entry
	order    []string
	// Unbounded lets balances go negative; local runs have no real accounts.
	Unbounded bool
}

var _ Ledger = (*Memory)(nil)

func NewMemory(balances map[string]int) *Memory {
	b := make(map[string]int, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &Memory{balances: b, entries: make(map[string]Entry)}
}

func (m *Memory) Debit(ctx context.Context, userID string, amount int, idempotencyKey string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount must be non-negative, got %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[idempotencyKey]; ok {
		return m.balances[userID], nil
	}
	if !m.Unbounded && m.balances[userID] < amount {
		return 0, ErrInsufficientFunds
	}
	m.balances[userID] -= amount
	m.record(Entry{UserID: userID, Amount: -amount, Kind: "debit", Key: idempotencyKey})
	return m.balances[userID], nil
}

func (m *Memory) Refund(ctx context.Context, userID string, amount int, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[idempotencyKey]; ok {
		return nil
	}
	m.balances[userID] += amount
	m.record(Entry{UserID: userID, Amount: amount, Kind: "refund", Key: idempotencyKey})
	return nil
}

func (m *Memory) Balance(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

// Entries returns every mutation in the order it was applied.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.entries[k])
	}
	return out
}

func (m *Memory) record(e Entry) {
	m.entries[e.Key] = e
	m.order = append(m.order, e.Key)
}
