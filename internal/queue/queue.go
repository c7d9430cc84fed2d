// Package queue implements the durable, named job queues the delivery
// pipeline runs on. Each queue keeps a ready LIST, a delayed ZSET scored
// by eligibility time, a dedup HASH mapping dedup keys to live job ids,
// and one JSON record per job.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/domain"
)

const (
	// DefaultConcurrency is the per-queue worker pool size.
	DefaultConcurrency = 2

	promoteBatch = 200
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is the durable record of one unit of deferred work.
type Job struct {
	ID               string          `json:"id"`
	Queue            string          `json:"queue"`
	Name             string          `json:"name"`
	Payload          json.RawMessage `json:"payload"`
	DedupKey         string          `json:"dedupKey,omitempty"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"maxAttempts"`
	Backoff          Backoff         `json:"backoff"`
	RemoveOnComplete bool            `json:"removeOnComplete"`
	RemoveOnFail     bool            `json:"removeOnFail"`
	Status           Status          `json:"status"`
	Error            string          `json:"error,omitempty"`
	NotBefore        time.Time       `json:"notBefore,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Options controls enqueue behavior for a single job.
type Options struct {
	Delay            time.Duration
	DedupKey         string
	MaxAttempts      int
	Backoff          Backoff
	RemoveOnComplete bool
	RemoveOnFail     bool
}

// Handle identifies an enqueued job.
type Handle struct {
	ID    string
	Queue string
}

// HandlerFunc executes one job. A nil return completes the job; a
// domain.Fatal or domain.Validation error fails it without further
// attempts; any other error retries it per the job's backoff policy.
type HandlerFunc func(ctx context.Context, job *Job) error

type registration struct {
	handler     HandlerFunc
	concurrency int
}

// Service owns every queue in the process. It is constructed once in main
// and handed to each producer and worker.
type Service struct {
	rdb *redis.Client
	log *zap.Logger
	now func() time.Time

	mu   sync.RWMutex
	regs map[string]registration

	popTimeout   time.Duration
	promoteEvery time.Duration
}

type Option func(*Service)

// WithNow overrides the clock used for eligibility scoring.
func WithNow(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

func New(rdb *redis.Client, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		rdb:          rdb,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
		regs:         map[string]registration{},
		popTimeout:   2 * time.Second,
		promoteEvery: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a handler and worker pool size to a queue name.
func (s *Service) Register(queueName string, handler HandlerFunc, concurrency int) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	s.mu.Lock()
	s.regs[queueName] = registration{handler: handler, concurrency: concurrency}
	s.mu.Unlock()
}

func readyKey(q string) string   { return "queue:" + q }
func delayKey(q string) string   { return "delay:" + q }
func dedupKey(q string) string   { return "dedup:" + q }
func jobKey(q, id string) string { return "job:" + q + ":" + id }

// Enqueue adds a job. When opts.DedupKey names a pending or in-flight
// job, the existing job wins and its handle is returned; callers that
// want replace semantics call Remove first.
func (s *Service) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts Options) (Handle, error) {
	if queueName == "" || jobName == "" {
		return Handle{}, domain.Validationf("queue and job name are required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, errors.Wrap(err, "queue: marshal payload")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	id := uuid.NewString()
	if opts.DedupKey != "" {
		created, err := s.rdb.HSetNX(ctx, dedupKey(queueName), opts.DedupKey, id).Result()
		if err != nil {
			return Handle{}, errors.Wrap(err, "queue: reserve dedup key")
		}
		if !created {
			existing, err := s.rdb.HGet(ctx, dedupKey(queueName), opts.DedupKey).Result()
			if err != nil && err != redis.Nil {
				return Handle{}, errors.Wrap(err, "queue: read dedup key")
			}
			return Handle{ID: existing, Queue: queueName}, nil
		}
	}

	now := s.now()
	job := &Job{
		ID:               id,
		Queue:            queueName,
		Name:             jobName,
		Payload:          body,
		DedupKey:         opts.DedupKey,
		MaxAttempts:      opts.MaxAttempts,
		Backoff:          opts.Backoff,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		Status:           StatusWaiting,
		CreatedAt:        now,
	}
	if opts.Delay > 0 {
		job.Status = StatusDelayed
		job.NotBefore = now.Add(opts.Delay)
	}
	if err := s.saveJob(ctx, job); err != nil {
		return Handle{}, err
	}

	if opts.Delay > 0 {
		err = s.rdb.ZAdd(ctx, delayKey(queueName), redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: id,
		}).Err()
	} else {
		err = s.rdb.LPush(ctx, readyKey(queueName), id).Err()
	}
	if err != nil {
		return Handle{}, errors.Wrap(err, "queue: enqueue job")
	}
	return Handle{ID: id, Queue: queueName}, nil
}

// Remove cancels a not-yet-started job by dedup key. Removing an unknown
// or already-finished job is not an error; a job already executing keeps
// running (best effort, no guarantee).
func (s *Service) Remove(ctx context.Context, queueName, dedup string) error {
	id, err := s.rdb.HGet(ctx, dedupKey(queueName), dedup).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "queue: resolve dedup key")
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, delayKey(queueName), id)
	pipe.LRem(ctx, readyKey(queueName), 0, id)
	pipe.Del(ctx, jobKey(queueName, id))
	pipe.HDel(ctx, dedupKey(queueName), dedup)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "queue: remove job")
	}
	return nil
}

// PendingID returns the id of the live job holding a dedup key, or ""
// when no such job exists.
func (s *Service) PendingID(ctx context.Context, queueName, dedup string) (string, error) {
	id, err := s.rdb.HGet(ctx, dedupKey(queueName), dedup).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "queue: resolve dedup key")
	}
	return id, nil
}

// PromoteDue moves delayed jobs whose eligibility time has passed onto
// the ready list.
func (s *Service) PromoteDue(ctx context.Context, queueName string, batch int64) (int, error) {
	max := strconv.FormatInt(s.now().UnixMilli(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, delayKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: max, Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey(queueName), id)
		pipe.ZRem(ctx, delayKey(queueName), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "queue: promote due jobs")
	}
	return len(ids), nil
}

// JobState loads the durable record of a job for inspection.
func (s *Service) JobState(ctx context.Context, queueName, id string) (*Job, error) {
	job, ok, err := s.loadJob(ctx, queueName, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NotFoundf("job %s not found in queue %s", id, queueName)
	}
	return job, nil
}

// RunOnce promotes due jobs and executes at most one ready job
// synchronously. It reports whether a job was claimed, and surfaces the
// handler error after retry bookkeeping has been applied.
func (s *Service) RunOnce(ctx context.Context, queueName string) (bool, error) {
	if _, err := s.PromoteDue(ctx, queueName, promoteBatch); err != nil {
		return false, err
	}
	id, err := s.rdb.RPop(ctx, readyKey(queueName)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "queue: pop job")
	}
	reg, ok := s.registration(queueName)
	if !ok {
		return true, errors.Errorf("queue: no handler registered for %q", queueName)
	}
	return true, s.process(ctx, queueName, id, reg.handler)
}

func (s *Service) registration(queueName string) (registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[queueName]
	return reg, ok
}

func (s *Service) process(ctx context.Context, queueName, id string, handler HandlerFunc) error {
	job, ok, err := s.loadJob(ctx, queueName, id)
	if err != nil {
		return err
	}
	if !ok {
		// removed between promotion and pop
		return nil
	}
	if job.Status == StatusCompleted || job.Status == StatusFailed {
		return nil
	}
	job.Status = StatusActive
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	if err := handler(ctx, job); err != nil {
		return s.fail(ctx, job, err)
	}
	return s.complete(ctx, job)
}

func (s *Service) complete(ctx context.Context, job *Job) error {
	if job.DedupKey != "" {
		if err := s.rdb.HDel(ctx, dedupKey(job.Queue), job.DedupKey).Err(); err != nil {
			return errors.Wrap(err, "queue: release dedup key")
		}
	}
	if job.RemoveOnComplete {
		return errors.Wrap(s.rdb.Del(ctx, jobKey(job.Queue, job.ID)).Err(), "queue: remove completed job")
	}
	job.Status = StatusCompleted
	job.Error = ""
	return s.saveJob(ctx, job)
}

func (s *Service) fail(ctx context.Context, job *Job, cause error) error {
	job.Attempts++
	job.Error = cause.Error()

	if !domain.NoRetry(cause) && job.Attempts < job.MaxAttempts {
		delay := job.Backoff.NextDelay(job.Attempts)
		job.Status = StatusDelayed
		job.NotBefore = s.now().Add(delay)
		if err := s.saveJob(ctx, job); err != nil {
			return err
		}
		if err := s.rdb.ZAdd(ctx, delayKey(job.Queue), redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: job.ID,
		}).Err(); err != nil {
			return errors.Wrap(err, "queue: requeue job")
		}
		s.log.Warn("job failed, retry scheduled",
			zap.String("queue", job.Queue),
			zap.String("job", job.Name),
			zap.String("id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Duration("delay", delay),
			zap.Error(cause),
		)
		return cause
	}

	if job.DedupKey != "" {
		if err := s.rdb.HDel(ctx, dedupKey(job.Queue), job.DedupKey).Err(); err != nil {
			return errors.Wrap(err, "queue: release dedup key")
		}
	}
	s.log.Error("job failed",
		zap.String("queue", job.Queue),
		zap.String("job", job.Name),
		zap.String("id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause),
	)
	if job.RemoveOnFail {
		if err := s.rdb.Del(ctx, jobKey(job.Queue, job.ID)).Err(); err != nil {
			return errors.Wrap(err, "queue: remove failed job")
		}
		return cause
	}
	job.Status = StatusFailed
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	return cause
}

func (s *Service) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "queue: marshal job")
	}
	return errors.Wrap(s.rdb.Set(ctx, jobKey(job.Queue, job.ID), raw, 0).Err(), "queue: save job")
}

func (s *Service) loadJob(ctx context.Context, queueName, id string) (*Job, bool, error) {
	raw, err := s.rdb.Get(ctx, jobKey(queueName, id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "queue: load job")
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, false, errors.Wrap(err, "queue: unmarshal job")
	}
	return &job, true, nil
}
