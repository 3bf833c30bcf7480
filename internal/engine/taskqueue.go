package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"genflow/internal/capability"
	"genflow/internal/models"
	"genflow/internal/telemetry"
)

// Options bounds a batch job's drain behavior.
type Options struct {
	// MaxConcurrent is the upper bound on simultaneously in-flight items.
	MaxConcurrent int
	// RetryCount is the number of additional attempts after the first failure.
	RetryCount int
	// RetryDelay is how long a failed item waits before becoming eligible again.
	RetryDelay time.Duration
}

// Callbacks receive transition notifications from a queue. All callbacks are
// invoked outside the queue's lock; snapshots are value copies.
type Callbacks struct {
	OnProgress   func(models.ProgressSnapshot)
	OnItemFailed func(job models.BatchJob, item models.WorkItem)
	OnItemDone   func(job models.BatchJob, item models.WorkItem)
	OnJobDone    func(job models.BatchJob)
}

// TaskQueue drains one batch job's items through the generation capability
// under a concurrency bound. The queue exclusively owns its items; nothing
// else mutates item status.
type TaskQueue struct {
	mu        sync.Mutex
	job       *models.BatchJob
	items     []*models.WorkItem
	inflight  map[string]struct{}
	notBefore map[string]time.Time
	gen       capability.Generator
	opts      Options
	cbs       Callbacks
	ctx       context.Context
	paused    bool
	cancelled bool
	started   bool
	done      chan struct{}
}

// NewTaskQueue validates the submission and builds an idle queue. The job
// starts draining on Start, not at construction.
func NewTaskQueue(job *models.BatchJob, items []*models.WorkItem, gen capability.Generator, opts Options) (*TaskQueue, error) {
	if len(items) == 0 {
		return nil, ErrEmptyJob
	}
	if opts.MaxConcurrent < 1 {
		return nil, ErrInvalidConcurrency
	}
	job.TotalItems = len(items)
	return &TaskQueue{
		job:       job,
		items:     items,
		inflight:  make(map[string]struct{}),
		notBefore: make(map[string]time.Time),
		gen:       gen,
		opts:      opts,
		done:      make(chan struct{}),
	}, nil
}

// SetCallbacks must be called before Start.
func (q *TaskQueue) SetCallbacks(cbs Callbacks) {
	q.mu.Lock()
	q.cbs = cbs
	q.mu.Unlock()
}

// Start begins draining. Calling Start on a running or terminal queue is a
// no-op.
func (q *TaskQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || models.TerminalJobStatus(q.job.Status) {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.ctx = ctx
	now := time.Now().UTC()
	if q.paused {
		q.job.Status = models.JobPaused
	} else {
		q.job.Status = models.JobRunning
	}
	q.job.StartedAt = &now
	snap := q.snapshotLocked("")
	q.fillLocked()
	q.mu.Unlock()
	q.emit(snap)
}

// Pause stops new items from being dispatched. In-flight attempts finish
// naturally and their results are still recorded.
func (q *TaskQueue) Pause() {
	q.mu.Lock()
	if q.cancelled || models.TerminalJobStatus(q.job.Status) {
		q.mu.Unlock()
		return
	}
	q.paused = true
	if q.job.Status == models.JobRunning {
		q.job.Status = models.JobPaused
	}
	snap := q.snapshotLocked("")
	q.mu.Unlock()
	q.emit(snap)
}

// Resume lifts a pause and refills freed slots.
func (q *TaskQueue) Resume() {
	q.mu.Lock()
	if q.cancelled || !q.paused || models.TerminalJobStatus(q.job.Status) {
		q.mu.Unlock()
		return
	}
	q.paused = false
	if q.started {
		q.job.Status = models.JobRunning
		q.fillLocked()
	} else {
		q.job.Status = models.JobPending
	}
	snap := q.snapshotLocked("")
	q.mu.Unlock()
	q.emit(snap)
}

// Cancel marks every non-terminal item cancelled and freezes the job.
// In-flight capability calls are not preempted; their results are dropped.
func (q *TaskQueue) Cancel() {
	q.mu.Lock()
	if q.cancelled || models.TerminalJobStatus(q.job.Status) {
		q.mu.Unlock()
		return
	}
	q.cancelled = true
	for _, item := range q.items {
		switch item.Status {
		case models.ItemPending, models.ItemProcessing:
			item.Status = models.ItemCancelled
		}
	}
	telemetry.InFlightGauge.Sub(float64(len(q.inflight)))
	q.inflight = make(map[string]struct{})
	now := time.Now().UTC()
	q.job.Status = models.JobCancelled
	q.job.CompletedAt = &now
	close(q.done)
	snap := q.snapshotLocked("")
	jobCopy := *q.job
	q.mu.Unlock()

	telemetry.JobsCancelled.Inc()
	q.emit(snap)
	if q.cbs.OnJobDone != nil {
		q.cbs.OnJobDone(jobCopy)
	}
}

// Done is closed once the job reaches a terminal state.
func (q *TaskQueue) Done() <-chan struct{} {
	return q.done
}

// Snapshot returns value copies of the job and its items.
func (q *TaskQueue) Snapshot() (models.BatchJob, []models.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := *q.job
	items := make([]models.WorkItem, len(q.items))
	for i, item := range q.items {
		items[i] = *item
	}
	return job, items
}

// fillLocked dispatches pending items in insertion order until the
// concurrency bound is reached. Caller holds q.mu.
func (q *TaskQueue) fillLocked() {
	if q.paused || q.cancelled || !q.started {
		return
	}
	now := time.Now()
	for _, item := range q.items {
		if len(q.inflight) >= q.opts.MaxConcurrent {
			return
		}
		if item.Status != models.ItemPending {
			continue
		}
		if nb, ok := q.notBefore[item.ID]; ok && now.Before(nb) {
			continue
		}
		item.Status = models.ItemProcessing
		q.inflight[item.ID] = struct{}{}
		telemetry.InFlightGauge.Inc()
		go q.runItem(item)
	}
}

func (q *TaskQueue) runItem(item *models.WorkItem) {
	result, err := q.gen.Invoke(q.ctx, item.Kind, item.Payload)

	q.mu.Lock()
	if q.cancelled {
		// The attempt resolved after cancel; the item is already marked
		// cancelled and the result must not be reported.
		q.mu.Unlock()
		return
	}
	delete(q.inflight, item.ID)
	telemetry.InFlightGauge.Dec()

	if err == nil {
		item.Status = models.ItemCompleted
		item.Result = result
		q.job.CompletedItems++
		q.recomputeProgressLocked()
		telemetry.GenerationsCompleted.Inc()
		q.fillLocked()
		terminal := q.maybeFinishLocked()
		snap := q.snapshotLocked(item.ID)
		itemCopy := *item
		jobCopy := *q.job
		q.mu.Unlock()

		q.emit(snap)
		if q.cbs.OnItemDone != nil {
			q.cbs.OnItemDone(jobCopy, itemCopy)
		}
		q.finish(terminal)
		return
	}

	item.RetryCount++
	if item.RetryCount <= q.opts.RetryCount {
		// Eligible again after the delay; pending immediately so the
		// processing count stays within the bound while it waits.
		item.Status = models.ItemPending
		q.notBefore[item.ID] = time.Now().Add(q.opts.RetryDelay)
		telemetry.GenerationsRetried.Inc()
		delay := q.opts.RetryDelay
		snap := q.snapshotLocked(item.ID)
		q.fillLocked()
		q.mu.Unlock()

		time.AfterFunc(delay, q.refill)
		q.emit(snap)
		return
	}

	msg := err.Error()
	item.Status = models.ItemFailed
	item.Error = &msg
	q.job.FailedItems++
	q.recomputeProgressLocked()
	telemetry.GenerationsFailed.Inc()
	q.fillLocked()
	terminal := q.maybeFinishLocked()
	snap := q.snapshotLocked(item.ID)
	itemCopy := *item
	jobCopy := *q.job
	q.mu.Unlock()

	q.emit(snap)
	if q.cbs.OnItemFailed != nil {
		q.cbs.OnItemFailed(jobCopy, itemCopy)
	}
	q.finish(terminal)
}

// refill re-runs the fill loop, used when a retry delay expires.
func (q *TaskQueue) refill() {
	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return
	}
	q.fillLocked()
	q.mu.Unlock()
}

// maybeFinishLocked transitions the job to a terminal state once no item is
// pending or processing. Returns the terminal job copy to report, if any.
func (q *TaskQueue) maybeFinishLocked() *models.BatchJob {
	if models.TerminalJobStatus(q.job.Status) {
		return nil
	}
	for _, item := range q.items {
		switch item.Status {
		case models.ItemPending, models.ItemProcessing:
			return nil
		}
	}
	now := time.Now().UTC()
	if q.job.FailedItems == q.job.TotalItems {
		q.job.Status = models.JobFailed
	} else {
		q.job.Status = models.JobCompleted
	}
	q.job.CompletedAt = &now
	close(q.done)
	jobCopy := *q.job
	return &jobCopy
}

func (q *TaskQueue) finish(job *models.BatchJob) {
	if job == nil {
		return
	}
	telemetry.JobsCompleted.Inc()
	if q.cbs.OnJobDone != nil {
		q.cbs.OnJobDone(*job)
	}
}

func (q *TaskQueue) recomputeProgressLocked() {
	q.job.ProgressPercent = progressPercent(q.job.CompletedItems, q.job.TotalItems)
}

func (q *TaskQueue) snapshotLocked(itemID string) models.ProgressSnapshot {
	return models.ProgressSnapshot{
		JobID:           q.job.ID,
		Kind:            models.SnapshotBatch,
		Status:          q.job.Status,
		ProgressPercent: q.job.ProgressPercent,
		TotalItems:      q.job.TotalItems,
		CompletedItems:  q.job.CompletedItems,
		FailedItems:     q.job.FailedItems,
		ItemID:          itemID,
		EmittedAt:       time.Now().UTC(),
	}
}

func (q *TaskQueue) emit(snap models.ProgressSnapshot) {
	if q.cbs.OnProgress != nil {
		q.cbs.OnProgress(snap)
	}
}

func progressPercent(completed, total int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}
