// Package dialer implements the outbound call scheduler: a Redis-backed
// priority/tenant/scheduled job queue (C12), the time-window and
// concurrency scheduling rules that gate a dequeued job (C13), and the
// worker loop that drives jobs from the queue to a placed call (C14).
package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxrun/voice-runtime/internal/model"
	"github.com/voxrun/voice-runtime/internal/observability"
)

// ErrEmpty is returned by Dequeue when every queue it checks is empty.
var ErrEmpty = errors.New("dialer: queue empty")

const (
	keyPriority     = "dialer:priority"      // LIST, priority>=8, LIFO both ends
	keyTenantPrefix = "dialer:tenant:"       // LIST per tenant, FIFO
	keyScheduled    = "dialer:scheduled"     // ZSET scored by scheduled_at unix seconds
	keyProcessing   = "dialer:processing"    // HASH jobID -> job JSON, dequeued but not terminal
	priorityFloor   = 8
)

func tenantKey(tenantID string) string { return keyTenantPrefix + tenantID }

// Queue is the Redis-backed dialer job queue: a LIFO priority list for
// priority>=8 jobs, a FIFO list per tenant for everything else, a
// scheduled-retry sorted set, and a processing hash for in-flight jobs.
type Queue struct {
	client *redis.Client

	cursorMu sync.Mutex
	cursor   int // rotates the tenant scan's starting point across ticks
}

// NewQueue wraps an existing Redis client.
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue places job on the priority queue (LPush, so dequeue from the
// same end yields LIFO — preserved as-is per the non-standard
// "latest-urgent-first" behaviour flagged in DESIGN.md) when its priority
// is >= 8, otherwise on its tenant's FIFO queue (RPush).
func (q *Queue) Enqueue(ctx context.Context, job model.DialerJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("dialer: marshal job %s: %w", job.JobID, err)
	}
	if job.Priority >= priorityFloor {
		if err := q.client.LPush(ctx, keyPriority, data).Err(); err != nil {
			return fmt.Errorf("dialer: enqueue priority job %s: %w", job.JobID, err)
		}
		return nil
	}
	if err := q.client.RPush(ctx, tenantKey(job.TenantID), data).Err(); err != nil {
		return fmt.Errorf("dialer: enqueue tenant job %s: %w", job.JobID, err)
	}
	return nil
}

// Dequeue checks the priority queue first (LPop, matching the LIFO push);
// if empty, it round-robins activeTenants and pops the first non-empty
// tenant queue (LPop, FIFO). The scan starts from a different tenant each
// call (see nextCursor), so a tenant that is always ready cannot starve
// the tenants listed after it. A dequeued job is marked processing so a
// stalled worker can be detected. Returns ErrEmpty if every queue checked
// is empty.
func (q *Queue) Dequeue(ctx context.Context, activeTenants []string) (*model.DialerJob, error) {
	if data, err := q.client.LPop(ctx, keyPriority).Result(); err == nil {
		observability.RecordDialerJobDequeued("priority")
		return q.markProcessing(ctx, data)
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("dialer: dequeue priority: %w", err)
	}

	n := len(activeTenants)
	if n == 0 {
		return nil, ErrEmpty
	}
	start := q.nextCursor(n)
	for i := 0; i < n; i++ {
		tenantID := activeTenants[(start+i)%n]
		data, err := q.client.LPop(ctx, tenantKey(tenantID)).Result()
		if err == nil {
			observability.RecordDialerJobDequeued("tenant")
			return q.markProcessing(ctx, data)
		}
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("dialer: dequeue tenant %s: %w", tenantID, err)
		}
	}
	return nil, ErrEmpty
}

// nextCursor advances the round-robin cursor and returns the tenant index
// this call's scan should start at, wrapping modulo n.
func (q *Queue) nextCursor(n int) int {
	q.cursorMu.Lock()
	defer q.cursorMu.Unlock()
	start := q.cursor % n
	q.cursor++
	return start
}

func (q *Queue) markProcessing(ctx context.Context, data string) (*model.DialerJob, error) {
	var job model.DialerJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("dialer: unmarshal dequeued job: %w", err)
	}
	if err := q.client.HSet(ctx, keyProcessing, job.JobID, data).Err(); err != nil {
		return nil, fmt.Errorf("dialer: mark job %s processing: %w", job.JobID, err)
	}
	return &job, nil
}

// CompleteProcessing removes jobID from the processing set once it has
// reached a terminal status or been rescheduled, so disjointness (§8
// "Queue disjointness") holds: a job leaves processing exactly when it
// enters a scheduled/terminal state.
func (q *Queue) CompleteProcessing(ctx context.Context, jobID string) error {
	if err := q.client.HDel(ctx, keyProcessing, jobID).Err(); err != nil {
		return fmt.Errorf("dialer: clear processing for job %s: %w", jobID, err)
	}
	return nil
}

// ScheduleRetry moves job into the scheduled set: increments its attempt
// number, sets status=retry_scheduled, sets scheduled_at = now + delay, and
// scores the sorted-set entry by that timestamp. It then removes job from
// the processing set (a no-op if it was never there).
func (q *Queue) ScheduleRetry(ctx context.Context, job model.DialerJob, delay time.Duration) (model.DialerJob, error) {
	job.Status = model.JobRetryScheduled
	job.AttemptNumber++
	job.ScheduledAt = time.Now().Add(delay)

	data, err := json.Marshal(job)
	if err != nil {
		return job, fmt.Errorf("dialer: marshal retry job %s: %w", job.JobID, err)
	}
	if err := q.client.ZAdd(ctx, keyScheduled, redis.Z{
		Score:  float64(job.ScheduledAt.Unix()),
		Member: data,
	}).Err(); err != nil {
		return job, fmt.Errorf("dialer: schedule retry for job %s: %w", job.JobID, err)
	}
	_ = q.CompleteProcessing(ctx, job.JobID)
	return job, nil
}

// ProcessScheduledJobs pops every scheduled-set entry whose score
// (scheduled_at) is <= now and re-enqueues it, preserving its priority
// class. Each entry is claimed with an atomic ZREM before it is
// re-enqueued, so concurrent sweeps never promote the same entry twice.
// Returns the number of jobs promoted.
func (q *Queue) ProcessScheduledJobs(ctx context.Context, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, keyScheduled, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("dialer: listing due scheduled jobs: %w", err)
	}

	promoted := 0
	for _, data := range members {
		removed, err := q.client.ZRem(ctx, keyScheduled, data).Result()
		if err != nil {
			return promoted, fmt.Errorf("dialer: claiming scheduled entry: %w", err)
		}
		if removed == 0 {
			continue // another sweep claimed it first
		}
		var job model.DialerJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			continue
		}
		job.Status = model.JobPending
		if err := q.Enqueue(ctx, job); err != nil {
			_ = q.client.ZAdd(ctx, keyScheduled, redis.Z{Score: float64(job.ScheduledAt.Unix()), Member: data}).Err()
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Depths reports the current size of each queue component, for the
// dialer-queue-depth gauges.
type Depths struct {
	Priority   int64
	Tenants    map[string]int64
	Scheduled  int64
	Processing int64
}

// ReportDepths collects queue depths and exports them via the observability
// gauges; tenantIDs scopes which per-tenant lists are inspected.
func (q *Queue) ReportDepths(ctx context.Context, tenantIDs []string) (Depths, error) {
	var d Depths
	var err error
	if d.Priority, err = q.client.LLen(ctx, keyPriority).Result(); err != nil {
		return d, fmt.Errorf("dialer: priority depth: %w", err)
	}
	observability.SetDialerQueueDepth("priority", float64(d.Priority))

	d.Tenants = make(map[string]int64, len(tenantIDs))
	var tenantTotal int64
	for _, t := range tenantIDs {
		n, err := q.client.LLen(ctx, tenantKey(t)).Result()
		if err != nil {
			return d, fmt.Errorf("dialer: tenant %s depth: %w", t, err)
		}
		d.Tenants[t] = n
		tenantTotal += n
	}
	observability.SetDialerQueueDepth("tenant", float64(tenantTotal))

	if d.Scheduled, err = q.client.ZCard(ctx, keyScheduled).Result(); err != nil {
		return d, fmt.Errorf("dialer: scheduled depth: %w", err)
	}
	observability.SetDialerQueueDepth("scheduled", float64(d.Scheduled))

	if d.Processing, err = q.client.HLen(ctx, keyProcessing).Result(); err != nil {
		return d, fmt.Errorf("dialer: processing depth: %w", err)
	}
	observability.SetDialerQueueDepth("processing", float64(d.Processing))

	return d, nil
}
