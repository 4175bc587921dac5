package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shotline/server/internal/model"
)

// MemoryStore is an in-process Store used by tests and by redis-less
// development setups. It provides the same ordering guarantees as RedisStore
// but no durability.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	seq  int
	ord  map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*model.Job),
		ord:  make(map[string]int),
	}
}

func (s *MemoryStore) Create(ctx context.Context, topic string, summary model.JobSummary, description, user string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	job := &model.Job{
		ID:          uuid.New().String(),
		Topic:       topic,
		Status:      model.JobStatusPending,
		Description: description,
		Summary:     summary,
		User:        user,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.seq++
	s.jobs[job.ID] = job
	s.ord[job.ID] = s.seq

	copy := *job
	return &copy, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	copy := *job
	return &copy, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	applyPatch(job, patch)
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListUnfinished(ctx context.Context, topics []string) ([]*model.Job, error) {
	return s.list(topics, true)
}

func (s *MemoryStore) ListByTopics(ctx context.Context, topics []string) ([]*model.Job, error) {
	return s.list(topics, false)
}

func (s *MemoryStore) list(topics []string, skipTerminal bool) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := topicSet(topics)

	var jobs []*model.Job
	for _, job := range s.jobs {
		if !wanted[job.Topic] {
			continue
		}
		if skipTerminal && job.Status.IsTerminal() {
			continue
		}
		copy := *job
		jobs = append(jobs, &copy)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return s.ord[jobs[i].ID] < s.ord[jobs[j].ID]
	})
	return jobs, nil
}
