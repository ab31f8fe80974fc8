// Package memory provides an in-process store.Store with the same conditional
// update semantics as the Postgres implementation. It backs unit tests and
// PROVIDER=mock local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/store"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

type deliveryKey struct {
	jobID      uuid.UUID
	externalID string
}

// Store is a mutex-guarded map implementation of store.Store.
type Store struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*models.Job
	outputs    map[uuid.UUID][]*models.JobOutput
	deliveries map[deliveryKey]bool
	keys       map[uuid.UUID]*models.APIKey
	now        func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:       make(map[uuid.UUID]*models.Job),
		outputs:    make(map[uuid.UUID][]*models.JobOutput),
		deliveries: make(map[deliveryKey]bool),
		keys:       make(map[uuid.UUID]*models.APIKey),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

// --- API Keys ---

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[id]; ok {
		now := s.now()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.APIKey
	for _, k := range s.keys {
		if k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := s.now()
	k.DeletedAt = &now
	return nil
}

// --- Jobs ---

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	if j.InputSnapshot != nil {
		cp.InputSnapshot = make(map[string]any, len(j.InputSnapshot))
		for k, v := range j.InputSnapshot {
			if ids, ok := v.([]any); ok {
				v = append([]any(nil), ids...)
			}
			cp.InputSnapshot[k] = v
		}
	}
	if j.Output != nil {
		out := *j.Output
		out.Assets = append([]models.Asset(nil), j.Output.Assets...)
		cp.Output = &out
	}
	return &cp
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	if job.ChainedFrom != nil && s.chainedFrom(*job.ChainedFrom) != nil {
		return store.ErrDuplicateKey
	}
	cp := cloneJob(job)
	if cp.InputSnapshot == nil {
		cp.InputSnapshot = map[string]any{}
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
		cp.UpdatedAt = cp.CreatedAt
	}
	s.jobs[job.ID] = cp
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

// chainedFrom returns the follow-up of parent. Callers hold mu.
func (s *Store) chainedFrom(parent uuid.UUID) *models.Job {
	for _, j := range s.jobs {
		if j.ChainedFrom != nil && *j.ChainedFrom == parent {
			return j
		}
	}
	return nil
}

func (s *Store) GetChainedJob(ctx context.Context, parent uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.chainedFrom(parent)
	if j == nil {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) ListJobsByBatch(ctx context.Context, batchID string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if j.BatchID != nil && *j.BatchID == batchID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// newest returns the most recently created job matching pred. Callers hold mu.
func (s *Store) newest(pred func(*models.Job) bool) *models.Job {
	var best *models.Job
	for _, j := range s.jobs {
		if !pred(j) {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	return best
}

func (s *Store) Resolve(ctx context.Context, q store.ResolveQuery) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.ExternalID != "" {
		if j := s.newest(func(j *models.Job) bool {
			return j.ExternalID != nil && *j.ExternalID == q.ExternalID
		}); j != nil {
			return cloneJob(j), nil
		}
	}
	if q.InternalID != nil {
		if j, ok := s.jobs[*q.InternalID]; ok {
			return cloneJob(j), nil
		}
	}
	if q.BatchID != "" {
		if j := s.newest(func(j *models.Job) bool {
			return j.BatchID != nil && *j.BatchID == q.BatchID
		}); j != nil {
			return cloneJob(j), nil
		}
	}
	if q.ExternalID == "" {
		return nil, store.ErrNotFound
	}

	since := s.now().Add(-q.Lookback)
	j := s.newest(func(j *models.Job) bool {
		return !j.CreatedAt.Before(since) && strings.Contains(fmt.Sprint(j.InputSnapshot), q.ExternalID)
	})
	if j == nil {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) MarkSubmitted(ctx context.Context, id uuid.UUID, externalID string, setExternal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if setExternal {
		ext := externalID
		j.ExternalID = &ext
	}
	ids, _ := j.InputSnapshot["prediction_ids"].([]any)
	j.InputSnapshot["prediction_ids"] = append(ids, externalID)
	if j.Status == models.JobStatusQueued {
		j.Status = models.JobStatusSubmitted
	}
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...store.JobUpdateOption) error {
	errMsg, reason, out, progress := store.ApplyOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	now := s.now()
	j.Status = status
	j.UpdatedAt = now
	if status.Terminal() {
		j.CompletedAt = &now
	}
	if status == models.JobStatusSucceeded && progress == nil {
		j.Progress = 100
	}
	if errMsg != nil {
		j.ErrorMessage = errMsg
	}
	if reason != nil {
		j.FailureReason = reason
	}
	if out != nil {
		cp := *out
		j.Output = &cp
	}
	if progress != nil {
		j.Progress = *progress
	}
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok && !j.Status.Terminal() {
		j.Progress = progress
		j.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) ChainJob(ctx context.Context, id uuid.UUID, chainsTo string, output *models.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.ChainsTo != nil {
		return store.ErrAlreadyChained
	}
	if j.Status != models.JobStatusAccepted {
		return fmt.Errorf("%w: %s -> processing", store.ErrInvalidTransition, j.Status)
	}

	ext := chainsTo
	j.ChainsTo = &ext
	j.Status = models.JobStatusProcessing
	j.Progress = 50
	j.InputSnapshot["upscale_prediction_id"] = chainsTo
	if output != nil {
		cp := *output
		j.Output = &cp
	}
	j.UpdatedAt = s.now()
	return nil
}

// --- Deliveries ---

func (s *Store) ClaimDelivery(ctx context.Context, id uuid.UUID, externalID string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deliveryKey{id, externalID}
	if done, ok := s.deliveries[key]; ok {
		return false, done, nil
	}
	s.deliveries[key] = false
	return true, false, nil
}

func (s *Store) CompleteDelivery(ctx context.Context, id uuid.UUID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deliveryKey{id, externalID}
	if _, ok := s.deliveries[key]; ok {
		s.deliveries[key] = true
	}
	return nil
}

func (s *Store) ReleaseDelivery(ctx context.Context, id uuid.UUID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deliveryKey{id, externalID}
	if done := s.deliveries[key]; !done {
		delete(s.deliveries, key)
	}
	return nil
}

// --- Outputs ---

func (s *Store) AddOutput(ctx context.Context, out *models.JobOutput) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[out.JobID]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status.Terminal() {
		return false, fmt.Errorf("%w: %s", store.ErrJobClosed, j.Status)
	}
	for _, o := range s.outputs[out.JobID] {
		if o.ItemKey == out.ItemKey {
			return false, nil
		}
	}
	cp := *out
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.outputs[out.JobID] = append(s.outputs[out.JobID], &cp)
	return true, nil
}

func (s *Store) CountOutputs(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outputs[id]), nil
}

func (s *Store) ListOutputs(ctx context.Context, id uuid.UUID) ([]*models.JobOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.JobOutput, 0, len(s.outputs[id]))
	for _, o := range s.outputs[id] {
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

// --- Credits ---

func (s *Store) ClaimCreditSettlement(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.CreditsSettled {
		return false, nil
	}
	j.CreditsSettled = true
	return true, nil
}

func (s *Store) MarkCreditsReserved(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.CreditsReserved = true
	return nil
}

func (s *Store) ClaimCreditRefund(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !j.CreditsReserved || j.CreditsRefunded {
		return false, nil
	}
	j.CreditsRefunded = true
	return true, nil
}

func (s *Store) FlagSettlementError(ctx context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok {
		j.SettlementError = &msg
		j.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) ClearSettlementError(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok {
		j.SettlementError = nil
		j.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) ListUnsettled(ctx context.Context, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if j.SettlementError != nil {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
