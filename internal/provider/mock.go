package provider

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Mock satisfies Submitter for tests and local runs. Every call is recorded.
type Mock struct {
	SubmitFunc func(ctx context.Context, req SubmitRequest) (string, error)

	mu    sync.Mutex
	calls []SubmitRequest
}

// NewMock returns a Mock that answers every request with a fresh "mock-" id.
func NewMock() *Mock {
	return &Mock{
		SubmitFunc: func(_ context.Context, _ SubmitRequest) (string, error) {
			return "mock-" + uuid.NewString(), nil
		},
	}
}

// NewFailingMock returns a Mock that always fails with err.
func NewFailingMock(err error) *Mock {
	return &Mock{
		SubmitFunc: func(_ context.Context, _ SubmitRequest) (string, error) {
			return "", err
		},
	}
}

func (m *Mock) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, req)
	}
	return "", nil
}

// Calls returns a copy of every request seen so far.
func (m *Mock) Calls() []SubmitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubmitRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

var _ Submitter = (*Mock)(nil)
