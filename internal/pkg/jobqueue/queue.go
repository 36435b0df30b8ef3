package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/cache"
)

const (
	keyPrefix = "billing:jobs:"

	// Redis keys
	JobKeyPrefix     = keyPrefix + "job:"
	JobQueueKey      = keyPrefix + "pending"
	JobProcessingKey = keyPrefix + "processing"
	JobRetryKey      = keyPrefix + "retry" // sorted set scored by due time in ms
	JobStatsKey      = keyPrefix + "stats"

	DefaultWorkers    = 3
	DefaultMaxRetries = 3
	JobTTL            = 72 * time.Hour

	maxBackoff   = time.Hour
	dequeueBlock = time.Second
)

// Handler processes one job. Returning an error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// Queue delivers background jobs from Redis to registered handlers
type Queue struct {
	client   *redis.Client
	handlers map[JobType]Handler
	workers  int

	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running bool

	// RetryBase is the delay before the first retry; it doubles per attempt.
	RetryBase time.Duration
	// PollInterval is how often due retries are promoted.
	PollInterval time.Duration
	// StuckAfter requeues jobs left in processing by a crashed worker.
	StuckAfter time.Duration
}

// NewQueue creates a job queue on the shared cache client
func NewQueue(workers int) *Queue {
	return NewQueueWithClient(cache.GetClient(), workers)
}

// NewQueueWithClient creates a job queue on the given Redis client
func NewQueueWithClient(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Queue{
		client:       client,
		handlers:     make(map[JobType]Handler),
		workers:      workers,
		RetryBase:    time.Minute,
		PollInterval: time.Second,
		StuckAfter:   10 * time.Minute,
	}
}

// Register sets the handler for a job type. Call before Start.
func (q *Queue) Register(jobType JobType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType JobType) (Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Start launches the workers and the retry/recovery loop
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i)
	}
	q.wg.Add(1)
	go q.maintain(ctx)
}

// Stop cancels the workers and waits for in-flight jobs to finish
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	log.Info("[JobQueue] Stopping workers...")
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

func (q *Queue) work(ctx context.Context, id int) {
	defer q.wg.Done()
	for ctx.Err() == nil {
		job, err := q.dequeueJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Worker %d: dequeue failed: %v", id, err)
				time.Sleep(dequeueBlock)
			}
			continue
		}
		// A delivery in flight finishes even when the queue is stopping.
		q.processJob(context.WithoutCancel(ctx), job)
	}
}

// maintain promotes due retries and recovers stuck jobs until ctx ends.
func (q *Queue) maintain(ctx context.Context) {
	defer q.wg.Done()
	poll := time.NewTicker(max(q.PollInterval, 10*time.Millisecond))
	defer poll.Stop()
	sweep := time.NewTicker(max(q.StuckAfter/10, time.Second))
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if n, err := q.promoteDue(ctx); err != nil {
				log.Errorf("[JobQueue] Promoting retries failed: %v", err)
			} else if n > 0 {
				log.Debugf("[JobQueue] Promoted %d retries", n)
			}
		case <-sweep.C:
			q.recoverStuck(ctx, time.Now())
		}
	}
}

// EnqueueJob stores a pending job and pushes it onto the queue
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL)
		pipe.LPush(ctx, JobQueueKey, job.ID)
		pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	log.Debugf("[JobQueue] Enqueued job %s (%s)", job.ID, job.Type)
	return job, nil
}

func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, dequeueBlock).Result()
	if err != nil {
		return nil, err
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		q.removeFromProcessing(ctx, id)
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

func (q *Queue) processJob(ctx context.Context, job *Job) {
	defer q.removeFromProcessing(ctx, job.ID)

	job.MarkAsProcessing()
	q.saveJob(ctx, job)

	err := fmt.Errorf("no handler for job type %s", job.Type)
	if h, ok := q.handler(job.Type); ok {
		err = h(ctx, job)
	}

	if err == nil {
		job.MarkAsCompleted()
		q.incrStats(ctx, JobStatusCompleted)
		if derr := q.client.Del(ctx, JobKeyPrefix+job.ID).Err(); derr != nil {
			log.Errorf("[JobQueue] Removing completed job %s failed: %v", job.ID, derr)
		}
		return
	}

	job.MarkAsFailed(err.Error())
	if !job.IsRetryable() {
		log.Errorf("[JobQueue] Job %s (%s) gave up after %d attempts: %v", job.ID, job.Type, job.RetryCount, err)
		q.incrStats(ctx, JobStatusFailed)
		q.saveJob(ctx, job)
		return
	}

	job.MarkAsRetrying()
	q.saveJob(ctx, job)
	due := time.Now().Add(q.backoff(job.RetryCount))
	if zerr := q.client.ZAdd(ctx, JobRetryKey, redis.Z{Score: float64(due.UnixMilli()), Member: job.ID}).Err(); zerr != nil {
		log.Errorf("[JobQueue] Scheduling retry of job %s failed: %v", job.ID, zerr)
		return
	}
	log.Warnf("[JobQueue] Job %s failed (attempt %d/%d), retry at %s: %v",
		job.ID, job.RetryCount, job.MaxRetries, due.Format(time.RFC3339), err)
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.RetryBase
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// promoteDue moves retries whose due time passed back onto the queue. ZRem
// decides ownership so concurrent instances never push a job twice.
func (q *Queue) promoteDue(ctx context.Context) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, JobRetryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, JobRetryKey, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, JobQueueKey, id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// recoverStuck requeues jobs that sat in processing longer than StuckAfter.
func (q *Queue) recoverStuck(ctx context.Context, now time.Time) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		log.Errorf("[JobQueue] Listing processing jobs failed: %v", err)
		return
	}
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil || job.Status != JobStatusProcessing {
			q.removeFromProcessing(ctx, id)
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= q.StuckAfter {
			continue
		}
		log.Warnf("[JobQueue] Recovering job %s (%s) stuck for %s", job.ID, job.Type, now.Sub(started).Round(time.Second))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered after worker loss"
		job.UpdatedAt = now
		q.saveJob(ctx, job)
		q.removeFromProcessing(ctx, id)
		if err := q.client.RPush(ctx, JobQueueKey, id).Err(); err != nil {
			log.Errorf("[JobQueue] Requeueing job %s failed: %v", id, err)
		}
	}
}

func (q *Queue) saveJob(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Marshal job %s failed: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Saving job %s failed: %v", job.ID, err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, id string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, id).Err(); err != nil {
		log.Errorf("[JobQueue] Removing job %s from processing failed: %v", id, err)
	}
}

func (q *Queue) incrStats(ctx context.Context, status JobStatus) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), 1).Err(); err != nil {
		log.Errorf("[JobQueue] Updating stats failed: %v", err)
	}
}

// GetJob loads a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.client.Get(ctx, JobKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// GetJobStats returns lifetime counters per status
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	raw, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}
	stats := make(map[JobStatus]int64, len(raw))
	for status, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			stats[JobStatus(status)] = n
		}
	}
	return stats, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

// GetRetrySize returns the number of jobs waiting for a retry
func (q *Queue) GetRetrySize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, JobRetryKey).Result()
}
