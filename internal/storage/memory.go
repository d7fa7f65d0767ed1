package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oeltimacreation/simplequeue/internal/domain"
)

// Memory is an in-process substrate with the same contract as Postgres,
// intended for tests and embedding. Ids are monotonic; every returned job is
// a copy so callers hold snapshots, not live records.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*domain.Job
	now    func() time.Time
}

func NewMemory() *Memory {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock injects the clock used for every timestamp decision.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{jobs: make(map[int64]*domain.Job), now: now}
}

func (s *Memory) CreateJob(_ context.Context, p CreateJobParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now()
	j := &domain.Job{
		ID:          s.nextID,
		Queue:       p.Queue,
		Type:        p.Type,
		Status:      domain.StatusPending,
		Payload:     p.Payload,
		MaxAttempts: p.MaxAttempts,
		RequestID:   p.RequestID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *Memory) Find(_ context.Context, id int64) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(j), nil
}

func (s *Memory) FindActiveByRequestID(_ context.Context, requestID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.RequestID != nil && *j.RequestID == requestID && j.Active() {
			return cloneJob(j), nil
		}
	}
	return nil, nil
}

func (s *Memory) NextPendingJobID(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best int64
	for _, j := range s.jobs {
		if j.Queue != queue || j.Status != domain.StatusPending {
			continue
		}
		if j.AvailableAt != nil && j.AvailableAt.After(now) {
			continue
		}
		if best == 0 || j.ID < best {
			best = j.ID
		}
	}
	return best, nil
}

func (s *Memory) ClaimJob(_ context.Context, id int64, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != domain.StatusPending {
		return false, nil
	}
	now := s.now()
	if j.AvailableAt != nil && j.AvailableAt.After(now) {
		return false, nil
	}

	j.Status = domain.StatusRunning
	j.LockedBy = &workerID
	j.LockedAt = &now
	if j.StartedAt == nil {
		startedAt := now
		j.StartedAt = &startedAt
	}
	j.UpdatedAt = now
	return true, nil
}

func (s *Memory) MarkCompleted(_ context.Context, id int64, result map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	now := s.now()
	j.Status = domain.StatusCompleted
	j.Result = result
	j.CompletedAt = &now
	j.LockedBy = nil
	j.LockedAt = nil
	j.UpdatedAt = now
	return true, nil
}

func (s *Memory) MarkFailed(_ context.Context, id int64, errMsg string, errTrace *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	now := s.now()
	j.Status = domain.StatusFailed
	j.Attempts++
	j.ErrorMessage = &errMsg
	j.ErrorTrace = errTrace
	j.CompletedAt = &now
	j.LockedBy = nil
	j.LockedAt = nil
	j.UpdatedAt = now
	return true, nil
}

func (s *Memory) UpdateProgress(_ context.Context, id int64, progress *int, message *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if progress != nil {
		p := *progress
		j.Progress = &p
	}
	if message != nil {
		m := *message
		j.ProgressMessage = &m
	}
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *Memory) ScheduleRetry(_ context.Context, id int64, attempts int, delay time.Duration, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	now := s.now()
	availableAt := now.Add(delay)
	j.Status = domain.StatusPending
	j.Attempts = attempts
	j.AvailableAt = &availableAt
	j.ErrorMessage = &errMsg
	j.LockedBy = nil
	j.LockedAt = nil
	j.UpdatedAt = now
	return true, nil
}

func (s *Memory) RecoverStaleJobs(_ context.Context, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-ttl)
	count := 0
	for _, j := range s.jobs {
		if j.Status != domain.StatusRunning || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		j.Status = domain.StatusPending
		j.AvailableAt = nil
		j.LockedBy = nil
		j.LockedAt = nil
		j.UpdatedAt = now
		count++
	}
	return count, nil
}

func (s *Memory) List(_ context.Context, f ListFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.Job
	for _, j := range s.jobs {
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		if f.Queue != nil && j.Queue != *f.Queue {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(i, k int) bool { return matched[i].ID < matched[k].ID })

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}

	out := make([]*domain.Job, len(matched))
	for i, j := range matched {
		out[i] = cloneJob(j)
	}
	return out, nil
}

func (s *Memory) Count(_ context.Context, status *domain.Status, queue *string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if status != nil && j.Status != *status {
			continue
		}
		if queue != nil && j.Queue != *queue {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Memory) PruneCompleted(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	count := 0
	for id, j := range s.jobs {
		if !j.Terminal() {
			continue
		}
		terminalAt := j.UpdatedAt
		if j.CompletedAt != nil {
			terminalAt = *j.CompletedAt
		}
		if terminalAt.Before(cutoff) {
			delete(s.jobs, id)
			count++
		}
	}
	return count, nil
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	c.AvailableAt = cloneTime(j.AvailableAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.LockedAt = cloneTime(j.LockedAt)
	c.LockedBy = cloneString(j.LockedBy)
	c.ErrorMessage = cloneString(j.ErrorMessage)
	c.ErrorTrace = cloneString(j.ErrorTrace)
	c.ProgressMessage = cloneString(j.ProgressMessage)
	c.RequestID = cloneString(j.RequestID)
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
