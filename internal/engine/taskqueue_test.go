package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"genflow/internal/capability"
	"genflow/internal/models"
)

func newTestJob() *models.BatchJob {
	return &models.BatchJob{ID: "job-1", Kind: models.KindChat, Name: "test", Status: models.JobPending, CreatedAt: time.Now()}
}

func newTestItems(n int) []*models.WorkItem {
	items := make([]*models.WorkItem, n)
	for i := 0; i < n; i++ {
		items[i] = &models.WorkItem{
			ID:      string(rune('a' + i)),
			Kind:    models.KindChat,
			Payload: map[string]any{"index": i},
			Status:  models.ItemPending,
		}
	}
	return items
}

func waitDone(t *testing.T, q *TaskQueue) {
	t.Helper()
	select {
	case <-q.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain in time")
	}
}

func TestDrainAllSucceed(t *testing.T) {
	var inflight, maxSeen int32
	gen := capability.Func(func(_ context.Context, _ models.TaskKind, _ map[string]any) (any, error) {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			prev := atomic.LoadInt32(&maxSeen)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxSeen, prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return "ok", nil
	})

	q, err := NewTaskQueue(newTestJob(), newTestItems(5), gen, Options{MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.Start(context.Background())
	waitDone(t, q)

	job, items := q.Snapshot()
	if job.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.CompletedItems != 5 || job.FailedItems != 0 {
		t.Fatalf("counters wrong: completed=%d failed=%d", job.CompletedItems, job.FailedItems)
	}
	if job.ProgressPercent != 100 {
		t.Fatalf("expected progress 100, got %d", job.ProgressPercent)
	}
	for _, item := range items {
		if item.Status != models.ItemCompleted || item.Result != "ok" {
			t.Fatalf("item %s not completed: status=%s result=%v", item.ID, item.Status, item.Result)
		}
		if item.Error != nil {
			t.Fatalf("completed item %s has error set", item.ID)
		}
	}
	if got := atomic.LoadInt32(&maxSeen); got > 2 {
		t.Fatalf("concurrency bound violated: %d in flight", got)
	}
}

func TestPartialFailureWithRetries(t *testing.T) {
	var attemptsOnBad int32
	gen := capability.Func(func(_ context.Context, _ models.TaskKind, payload map[string]any) (any, error) {
		if payload["index"] == 1 {
			atomic.AddInt32(&attemptsOnBad, 1)
			return nil, errors.New("provider exploded")
		}
		return "ok", nil
	})

	items := newTestItems(3)
	q, err := NewTaskQueue(newTestJob(), items, gen, Options{MaxConcurrent: 3, RetryCount: 1, RetryDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	var failedItems []models.WorkItem
	var mu sync.Mutex
	q.SetCallbacks(Callbacks{
		OnItemFailed: func(_ models.BatchJob, item models.WorkItem) {
			mu.Lock()
			failedItems = append(failedItems, item)
			mu.Unlock()
		},
	})
	q.Start(context.Background())
	waitDone(t, q)

	job, snapItems := q.Snapshot()
	if job.CompletedItems != 2 || job.FailedItems != 1 {
		t.Fatalf("counters wrong: completed=%d failed=%d", job.CompletedItems, job.FailedItems)
	}
	if job.Status != models.JobCompleted {
		t.Fatalf("partial failure should still complete the job, got %s", job.Status)
	}
	bad := snapItems[1]
	if bad.Status != models.ItemFailed {
		t.Fatalf("expected item failed, got %s", bad.Status)
	}
	if bad.RetryCount != 2 {
		t.Fatalf("expected retry count 2 (first try + one retry), got %d", bad.RetryCount)
	}
	if bad.Error == nil || bad.Result != nil {
		t.Fatalf("failed item must carry error and no result: error=%v result=%v", bad.Error, bad.Result)
	}
	if got := atomic.LoadInt32(&attemptsOnBad); got != 2 {
		t.Fatalf("expected 2 capability attempts for the failing item, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failedItems) != 1 {
		t.Fatalf("expected one failure callback, got %d", len(failedItems))
	}
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	var calls int32
	gen := capability.Func(func(_ context.Context, _ models.TaskKind, _ map[string]any) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	})

	q, err := NewTaskQueue(newTestJob(), newTestItems(1), gen, Options{MaxConcurrent: 1, RetryCount: 2, RetryDelay: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.Start(context.Background())
	waitDone(t, q)

	job, items := q.Snapshot()
	if job.Status != models.JobCompleted || job.FailedItems != 0 {
		t.Fatalf("expected clean completion, got status=%s failed=%d", job.Status, job.FailedItems)
	}
	if items[0].RetryCount != 1 || items[0].Result != "recovered" {
		t.Fatalf("unexpected item state: retries=%d result=%v", items[0].RetryCount, items[0].Result)
	}
}

func TestCancelFreezesJob(t *testing.T) {
	release := make(chan struct{})
	gen := capability.Func(func(_ context.Context, _ models.TaskKind, _ map[string]any) (any, error) {
		<-release
		return "late", nil
	})

	q, err := NewTaskQueue(newTestJob(), newTestItems(4), gen, Options{MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.Start(context.Background())
	q.Cancel()
	close(release)
	waitDone(t, q)

	// Give the in-flight attempts a moment to resolve and be discarded.
	time.Sleep(20 * time.Millisecond)

	job, items := q.Snapshot()
	if job.Status != models.JobCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	for _, item := range items {
		if item.Status != models.ItemCancelled {
			t.Fatalf("item %s should be cancelled, got %s", item.ID, item.Status)
		}
		if item.Result != nil {
			t.Fatalf("cancelled item %s must not report a result", item.ID)
		}
	}
	if job.CompletedItems != 0 {
		t.Fatalf("late results must not count, got %d", job.CompletedItems)
	}
}

func TestPauseStopsNewDispatch(t *testing.T) {
	started := make(chan string, 8)
	release := make(chan struct{})
	gen := capability.Func(func(_ context.Context, _ models.TaskKind, payload map[string]any) (any, error) {
		started <- "x"
		<-release
		return "ok", nil
	})

	q, err := NewTaskQueue(newTestJob(), newTestItems(3), gen, Options{MaxConcurrent: 1})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.Start(context.Background())
	<-started

	q.Pause()
	close(release)

	// In-flight item finishes; nothing new may start while paused.
	time.Sleep(50 * time.Millisecond)
	job, items := q.Snapshot()
	if job.Status != models.JobPaused {
		t.Fatalf("expected paused, got %s", job.Status)
	}
	if job.CompletedItems != 1 {
		t.Fatalf("in-flight item should finish naturally, completed=%d", job.CompletedItems)
	}
	for _, item := range items[1:] {
		if item.Status != models.ItemPending {
			t.Fatalf("paused queue dispatched item %s (%s)", item.ID, item.Status)
		}
	}

	q.Resume()
	waitDone(t, q)
	job, _ = q.Snapshot()
	if job.Status != models.JobCompleted || job.CompletedItems != 3 {
		t.Fatalf("resume did not drain: status=%s completed=%d", job.Status, job.CompletedItems)
	}
}

func TestStartWhilePausedReportsPaused(t *testing.T) {
	var calls int32
	gen := capability.Func(func(_ context.Context, _ models.TaskKind, _ map[string]any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})
	q, err := NewTaskQueue(newTestJob(), newTestItems(2), gen, Options{MaxConcurrent: 1})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	q.Pause()
	q.Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	job, items := q.Snapshot()
	if job.Status != models.JobPaused {
		t.Fatalf("started-while-paused queue must report paused, got %s", job.Status)
	}
	for _, item := range items {
		if item.Status != models.ItemPending {
			t.Fatalf("paused queue dispatched item %s", item.ID)
		}
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("no capability call may happen while paused, got %d", calls)
	}

	q.Resume()
	waitDone(t, q)
	job, _ = q.Snapshot()
	if job.Status != models.JobCompleted || job.CompletedItems != 2 {
		t.Fatalf("resume did not drain: status=%s completed=%d", job.Status, job.CompletedItems)
	}
}

func TestSubmissionValidation(t *testing.T) {
	gen := capability.Func(func(_ context.Context, _ models.TaskKind, _ map[string]any) (any, error) {
		return nil, nil
	})
	if _, err := NewTaskQueue(newTestJob(), nil, gen, Options{MaxConcurrent: 1}); !errors.Is(err, ErrEmptyJob) {
		t.Fatalf("expected ErrEmptyJob, got %v", err)
	}
	if _, err := NewTaskQueue(newTestJob(), newTestItems(1), gen, Options{MaxConcurrent: 0}); !errors.Is(err, ErrInvalidConcurrency) {
		t.Fatalf("expected ErrInvalidConcurrency, got %v", err)
	}
}

func TestCountersNeverExceedTotal(t *testing.T) {
	gen := capability.Func(func(_ context.Context, _ models.TaskKind, payload map[string]any) (any, error) {
		if payload["index"] == 0 {
			return nil, errors.New("always fails")
		}
		return "ok", nil
	})
	q, err := NewTaskQueue(newTestJob(), newTestItems(6), gen, Options{MaxConcurrent: 2, RetryCount: 1, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	violated := make(chan models.ProgressSnapshot, 64)
	q.SetCallbacks(Callbacks{
		OnProgress: func(snap models.ProgressSnapshot) {
			if snap.CompletedItems+snap.FailedItems > snap.TotalItems {
				select {
				case violated <- snap:
				default:
				}
			}
		},
	})
	q.Start(context.Background())
	waitDone(t, q)

	select {
	case snap := <-violated:
		t.Fatalf("invariant violated: completed=%d failed=%d total=%d", snap.CompletedItems, snap.FailedItems, snap.TotalItems)
	default:
	}
}
