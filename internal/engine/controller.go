package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genflow/internal/capability"
	"genflow/internal/models"
)

// SubmitItem is the caller-facing shape of one batch work item.
type SubmitItem struct {
	Kind    models.TaskKind `json:"kind,omitempty"`
	Payload map[string]any  `json:"payload"`
}

// SubmitOptions carries per-submission overrides of the controller defaults.
// Nil retry fields inherit the defaults; an explicit zero means no retries
// (or no delay), which is a valid request in its own right.
type SubmitOptions struct {
	MaxConcurrent int
	RetryCount    *int
	RetryDelay    *time.Duration
}

func (o SubmitOptions) resolve(defaults Options) (Options, error) {
	opts := Options{
		MaxConcurrent: o.MaxConcurrent,
		RetryCount:    defaults.RetryCount,
		RetryDelay:    defaults.RetryDelay,
	}
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = defaults.MaxConcurrent
	}
	if opts.MaxConcurrent < 1 {
		return Options{}, ErrInvalidConcurrency
	}
	if o.RetryCount != nil {
		if *o.RetryCount < 0 {
			return Options{}, ErrInvalidRetry
		}
		opts.RetryCount = *o.RetryCount
	}
	if o.RetryDelay != nil {
		if *o.RetryDelay < 0 {
			return Options{}, ErrInvalidRetry
		}
		opts.RetryDelay = *o.RetryDelay
	}
	return opts, nil
}

// ItemHook observes completed items, e.g. to archive generated artifacts.
type ItemHook func(job models.BatchJob, item models.WorkItem)

// Notifier receives every progress snapshot the engine emits.
type Notifier interface {
	Publish(snap models.ProgressSnapshot)
}

// Controller owns every submitted batch job and workflow execution for the
// life of the process. All job state is in memory; nothing here persists.
type Controller struct {
	mu       sync.Mutex
	gen      capability.Generator
	defaults Options
	notifier Notifier
	itemHook ItemHook
	log      zerolog.Logger

	jobs    map[string]*jobEntry
	flows   map[string]*Sequencer
	order   []string
	waiters []chan struct{}
}

// jobEntry is either a live queue or, for zero-item submissions, a frozen
// completed job record.
type jobEntry struct {
	queue *TaskQueue
	stub  *models.BatchJob
}

// NewController builds a controller around an injected capability and
// default drain options.
func NewController(gen capability.Generator, defaults Options, notifier Notifier, log zerolog.Logger) *Controller {
	if defaults.MaxConcurrent < 1 {
		defaults.MaxConcurrent = 3
	}
	return &Controller{
		gen:      gen,
		defaults: defaults,
		notifier: notifier,
		log:      log.With().Str("component", "engine").Logger(),
		jobs:     make(map[string]*jobEntry),
		flows:    make(map[string]*Sequencer),
	}
}

// SetItemHook registers an observer for completed items. Must be called
// before any job starts.
func (c *Controller) SetItemHook(hook ItemHook) {
	c.mu.Lock()
	c.itemHook = hook
	c.mu.Unlock()
}

// SubmitBatch registers a new batch job in the pending state. A zero-item
// submission completes immediately without touching the capability.
func (c *Controller) SubmitBatch(name string, kind models.TaskKind, items []SubmitItem, sub SubmitOptions) (string, error) {
	opts, err := sub.resolve(c.defaults)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	job := &models.BatchJob{
		ID:        uuid.New().String(),
		Kind:      kind,
		Name:      name,
		Status:    models.JobPending,
		CreatedAt: now,
	}

	if len(items) == 0 {
		job.Status = models.JobCompleted
		job.ProgressPercent = 100
		job.CompletedAt = &now
		c.mu.Lock()
		c.jobs[job.ID] = &jobEntry{stub: job}
		c.order = append(c.order, job.ID)
		c.mu.Unlock()
		c.log.Info().Str("job_id", job.ID).Msg("zero-item batch completed at submission")
		return job.ID, nil
	}

	workItems := make([]*models.WorkItem, len(items))
	for i, item := range items {
		itemKind := item.Kind
		if itemKind == "" {
			itemKind = kind
		}
		workItems[i] = &models.WorkItem{
			ID:      uuid.New().String(),
			Kind:    itemKind,
			Payload: item.Payload,
			Status:  models.ItemPending,
		}
	}

	queue, err := NewTaskQueue(job, workItems, c.gen, opts)
	if err != nil {
		return "", err
	}
	queue.SetCallbacks(Callbacks{
		OnProgress: c.publish,
		OnItemDone: func(job models.BatchJob, item models.WorkItem) {
			if hook := c.hook(); hook != nil {
				hook(job, item)
			}
		},
		OnItemFailed: func(job models.BatchJob, item models.WorkItem) {
			c.log.Warn().Str("job_id", job.ID).Str("item_id", item.ID).Int("retry_count", item.RetryCount).Msg("item exhausted retries")
		},
		OnJobDone: func(job models.BatchJob) {
			c.log.Info().Str("job_id", job.ID).Str("status", job.Status).Int("completed", job.CompletedItems).Int("failed", job.FailedItems).Msg("batch job finished")
			c.signalIfAllDone()
		},
	})

	c.mu.Lock()
	c.jobs[job.ID] = &jobEntry{queue: queue}
	c.order = append(c.order, job.ID)
	c.mu.Unlock()

	c.log.Info().Str("job_id", job.ID).Str("kind", string(kind)).Int("items", len(items)).Int("max_concurrent", opts.MaxConcurrent).Msg("batch job submitted")
	return job.ID, nil
}

// SubmitWorkflow validates the step list and registers a pending execution.
func (c *Controller) SubmitWorkflow(steps []models.WorkflowStep, params map[string]any) (string, error) {
	now := time.Now().UTC()
	exec := &models.WorkflowExecution{
		ID:        uuid.New().String(),
		Status:    models.JobPending,
		CreatedAt: now,
	}
	seq, err := NewSequencer(exec, steps, params, c.gen)
	if err != nil {
		return "", err
	}
	seq.SetCallbacks(WorkflowCallbacks{
		OnProgress: c.publish,
		OnDone: func(exec models.WorkflowExecution) {
			c.log.Info().Str("execution_id", exec.ID).Str("status", exec.Status).Msg("workflow finished")
			c.signalIfAllDone()
		},
	})

	c.mu.Lock()
	c.flows[exec.ID] = seq
	c.order = append(c.order, exec.ID)
	c.mu.Unlock()

	c.log.Info().Str("execution_id", exec.ID).Int("steps", len(steps)).Msg("workflow submitted")
	return exec.ID, nil
}

// Start begins draining a job or running a workflow. No-op when already
// running; zero-item jobs were terminal at submission.
func (c *Controller) Start(ctx context.Context, id string) error {
	if entry, ok := c.job(id); ok {
		if entry.queue != nil {
			entry.queue.Start(ctx)
		}
		return nil
	}
	if seq, ok := c.flow(id); ok {
		seq.Start(ctx)
		return nil
	}
	return ErrJobNotFound
}

// Pause gates new dispatch; in-flight work finishes naturally.
func (c *Controller) Pause(id string) error {
	if entry, ok := c.job(id); ok {
		if entry.queue == nil {
			return ErrJobTerminal
		}
		entry.queue.Pause()
		return nil
	}
	if seq, ok := c.flow(id); ok {
		seq.Pause()
		return nil
	}
	return ErrJobNotFound
}

// Resume lifts a pause.
func (c *Controller) Resume(id string) error {
	if entry, ok := c.job(id); ok {
		if entry.queue == nil {
			return ErrJobTerminal
		}
		entry.queue.Resume()
		return nil
	}
	if seq, ok := c.flow(id); ok {
		seq.Resume()
		return nil
	}
	return ErrJobNotFound
}

// Cancel freezes a job or fails a workflow at its next boundary.
func (c *Controller) Cancel(id string) error {
	if entry, ok := c.job(id); ok {
		if entry.queue == nil {
			return ErrJobTerminal
		}
		entry.queue.Cancel()
		return nil
	}
	if seq, ok := c.flow(id); ok {
		seq.Cancel()
		return nil
	}
	return ErrJobNotFound
}

// JobSnapshot returns value copies of a job and its items.
func (c *Controller) JobSnapshot(id string) (models.BatchJob, []models.WorkItem, error) {
	entry, ok := c.job(id)
	if !ok {
		return models.BatchJob{}, nil, ErrJobNotFound
	}
	if entry.queue == nil {
		return *entry.stub, nil, nil
	}
	job, items := entry.queue.Snapshot()
	return job, items, nil
}

// ListJobs returns job snapshots in submission order.
func (c *Controller) ListJobs() []models.BatchJob {
	c.mu.Lock()
	entries := make([]*jobEntry, 0, len(c.jobs))
	for _, id := range c.order {
		if entry, ok := c.jobs[id]; ok {
			entries = append(entries, entry)
		}
	}
	c.mu.Unlock()

	out := make([]models.BatchJob, 0, len(entries))
	for _, entry := range entries {
		if entry.queue == nil {
			out = append(out, *entry.stub)
			continue
		}
		job, _ := entry.queue.Snapshot()
		out = append(out, job)
	}
	return out
}

// ExecutionSnapshot returns a value copy of a workflow execution.
func (c *Controller) ExecutionSnapshot(id string) (models.WorkflowExecution, error) {
	seq, ok := c.flow(id)
	if !ok {
		return models.WorkflowExecution{}, ErrExecutionNotFound
	}
	return seq.Snapshot(), nil
}

// Wait returns a channel closed once every known job and execution is
// terminal. A controller with no submissions counts as complete.
func (c *Controller) Wait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	if c.allDoneLocked() {
		close(ch)
		return ch
	}
	c.waiters = append(c.waiters, ch)
	return ch
}

func (c *Controller) job(id string) (*jobEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.jobs[id]
	return entry, ok
}

func (c *Controller) flow(id string) (*Sequencer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq, ok := c.flows[id]
	return seq, ok
}

func (c *Controller) hook() ItemHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.itemHook
}

func (c *Controller) publish(snap models.ProgressSnapshot) {
	if c.notifier != nil {
		c.notifier.Publish(snap)
	}
}

func (c *Controller) signalIfAllDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.allDoneLocked() {
		return
	}
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
}

func (c *Controller) allDoneLocked() bool {
	for _, entry := range c.jobs {
		if entry.queue == nil {
			continue
		}
		select {
		case <-entry.queue.Done():
		default:
			return false
		}
	}
	for _, seq := range c.flows {
		select {
		case <-seq.Done():
		default:
			return false
		}
	}
	return true
}
