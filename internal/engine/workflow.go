package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"genflow/internal/capability"
	"genflow/internal/models"
	"genflow/internal/telemetry"
)

// WorkflowCallbacks receive execution transitions. Invoked outside the lock.
type WorkflowCallbacks struct {
	OnProgress func(models.ProgressSnapshot)
	OnDone     func(exec models.WorkflowExecution)
}

// Sequencer runs an ordered list of dependent steps against the generation
// capability. Steps run strictly in list order because templates reference
// prior outputs by name.
type Sequencer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	exec   *models.WorkflowExecution
	steps  []models.WorkflowStep
	params map[string]any
	gen    capability.Generator
	cbs    WorkflowCallbacks

	paused    bool
	cancelled bool
	started   bool
	done      chan struct{}
}

// NewSequencer validates the step list as a declaration-order DAG: every
// dependency must reference a step that appears earlier in the list.
// Violations are configuration errors raised before anything executes.
func NewSequencer(exec *models.WorkflowExecution, steps []models.WorkflowStep, params map[string]any, gen capability.Generator) (*Sequencer, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := seen[dep]; !ok {
				// Distinguish a forward reference from a typo.
				forward := false
				for k := i; k < len(steps); k++ {
					if steps[k].ID == dep {
						forward = true
						break
					}
				}
				if forward {
					return nil, fmt.Errorf("step %q: %w: %q", step.ID, ErrForwardDependency, dep)
				}
				return nil, fmt.Errorf("step %q: %w: %q", step.ID, ErrUnknownDependency, dep)
			}
		}
		seen[step.ID] = struct{}{}
	}
	exec.TotalSteps = len(steps)
	exec.Results = make(map[string]any, len(steps))
	s := &Sequencer{
		exec:   exec,
		steps:  steps,
		params: params,
		gen:    gen,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// SetCallbacks must be called before Start.
func (s *Sequencer) SetCallbacks(cbs WorkflowCallbacks) {
	s.mu.Lock()
	s.cbs = cbs
	s.mu.Unlock()
}

// Start launches the execution goroutine. No-op when already started.
func (s *Sequencer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	now := time.Now().UTC()
	s.exec.Status = models.JobRunning
	s.exec.StartedAt = &now
	s.mu.Unlock()
	go s.run(ctx)
}

// Pause takes effect at the next step boundary; a step in flight always runs
// to completion.
func (s *Sequencer) Pause() {
	s.mu.Lock()
	if !models.TerminalJobStatus(s.exec.Status) && !s.cancelled {
		s.paused = true
	}
	s.mu.Unlock()
}

// Resume lifts a pause so the runner proceeds past the next boundary check.
func (s *Sequencer) Resume() {
	s.mu.Lock()
	s.paused = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Cancel fails the execution with a user-cancellation error at the next step
// boundary.
func (s *Sequencer) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Done is closed once the execution reaches a terminal state.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns a value copy of the execution, including a copy of the
// results map.
func (s *Sequencer) Snapshot() models.WorkflowExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec := *s.exec
	results := make(map[string]any, len(s.exec.Results))
	for k, v := range s.exec.Results {
		results[k] = v
	}
	exec.Results = results
	return exec
}

func (s *Sequencer) run(ctx context.Context) {
	// Watch for context cancellation so a paused runner can still exit.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cancelled = true
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-watchDone:
		}
	}()

	for i, step := range s.steps {
		if !s.enterStep(i) {
			s.fail(step, ErrCancelled.Error())
			return
		}

		s.mu.Lock()
		for _, dep := range step.DependsOn {
			depStep := s.stepByIDLocked(dep)
			if depStep == nil {
				s.mu.Unlock()
				s.fail(step, fmt.Sprintf("missing dependency %q", dep))
				return
			}
			if _, ok := s.exec.Results[depStep.OutputKey]; !ok {
				s.mu.Unlock()
				s.fail(step, fmt.Sprintf("missing dependency %q: step %q published no result", dep, dep))
				return
			}
		}
		rendered := renderTemplate(step.Template, mergedLookup(s.exec.Results, s.params))
		snap := s.snapshotLocked(i)
		s.mu.Unlock()
		s.emit(snap)

		payload := map[string]any{"prompt": rendered}
		result, err := s.gen.Invoke(ctx, step.StepKind, payload)
		if err != nil {
			s.fail(step, err.Error())
			return
		}

		s.mu.Lock()
		s.exec.Results[step.OutputKey] = result
		if i == len(s.steps)-1 {
			now := time.Now().UTC()
			s.exec.ProgressPercent = 100
			s.exec.Status = models.JobCompleted
			s.exec.CompletedAt = &now
		}
		snap = s.snapshotLocked(i)
		s.mu.Unlock()
		s.emit(snap)
	}

	telemetry.WorkflowsCompleted.Inc()
	s.finish()
}

// enterStep blocks at the step boundary while paused and reports whether the
// runner may proceed. It updates the step cursor and derived progress.
func (s *Sequencer) enterStep(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.paused && !s.cancelled {
		s.exec.Status = models.JobPaused
		s.cond.Wait()
	}
	if s.cancelled {
		return false
	}
	s.exec.Status = models.JobRunning
	s.exec.CurrentStepIndex = i
	s.exec.ProgressPercent = progressPercent(i, s.exec.TotalSteps)
	return true
}

func (s *Sequencer) stepByIDLocked(id string) *models.WorkflowStep {
	for i := range s.steps {
		if s.steps[i].ID == id {
			return &s.steps[i]
		}
	}
	return nil
}

func (s *Sequencer) fail(step models.WorkflowStep, msg string) {
	s.mu.Lock()
	full := fmt.Sprintf("step %q: %s", step.ID, msg)
	now := time.Now().UTC()
	s.exec.Status = models.JobFailed
	s.exec.Error = &full
	s.exec.CompletedAt = &now
	snap := s.snapshotLocked(s.exec.CurrentStepIndex)
	s.mu.Unlock()

	telemetry.WorkflowsFailed.Inc()
	s.emit(snap)
	s.finish()
}

func (s *Sequencer) finish() {
	s.mu.Lock()
	exec := *s.exec
	s.mu.Unlock()
	close(s.done)
	if s.cbs.OnDone != nil {
		s.cbs.OnDone(exec)
	}
}

func (s *Sequencer) snapshotLocked(stepIndex int) models.ProgressSnapshot {
	return models.ProgressSnapshot{
		JobID:           s.exec.ID,
		Kind:            models.SnapshotWorkflow,
		Status:          s.exec.Status,
		ProgressPercent: s.exec.ProgressPercent,
		TotalItems:      s.exec.TotalSteps,
		StepIndex:       stepIndex,
		EmittedAt:       time.Now().UTC(),
	}
}

func (s *Sequencer) emit(snap models.ProgressSnapshot) {
	if s.cbs.OnProgress != nil {
		s.cbs.OnProgress(snap)
	}
}
