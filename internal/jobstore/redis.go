package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shotline/server/internal/model"
)

const jobIndexKey = "jobs:created"

// RedisStore keeps job records as JSON under job:<id> with a sorted-set index
// on creation time for ordered scans. Records have no TTL: jobs must survive
// until an operator or a retention task removes them.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

func (s *RedisStore) Create(ctx context.Context, topic string, summary model.JobSummary, description, user string) (*model.Job, error) {
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

	if err := s.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	err := s.redis.ZAdd(ctx, jobIndexKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to index job: %w", err)
	}

	return job, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, patch Patch) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	applyPatch(job, patch)
	job.UpdatedAt = time.Now()

	return s.saveJob(ctx, job)
}

func (s *RedisStore) ListUnfinished(ctx context.Context, topics []string) ([]*model.Job, error) {
	jobs, err := s.ListByTopics(ctx, topics)
	if err != nil {
		return nil, err
	}

	unfinished := jobs[:0]
	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			unfinished = append(unfinished, job)
		}
	}
	return unfinished, nil
}

func (s *RedisStore) ListByTopics(ctx context.Context, topics []string) ([]*model.Job, error) {
	ids, err := s.redis.ZRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan job index: %w", err)
	}

	wanted := topicSet(topics)

	var jobs []*model.Job
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			if err == ErrJobNotFound {
				// Index entry without a record: clean it up and move on.
				s.redis.ZRem(ctx, jobIndexKey, id)
				continue
			}
			return nil, err
		}
		if wanted[job.Topic] {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *RedisStore) saveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, 0).Err()
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}
