package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genflow/internal/capability"
	"genflow/internal/config"
	"genflow/internal/engine"
	"genflow/internal/models"
	"genflow/internal/notify"
)

func newTestServer(t *testing.T, gen capability.Generator) *httptest.Server {
	t.Helper()
	broadcaster := notify.New(nil, "", zerolog.Nop())
	ctrl := engine.NewController(gen, engine.Options{MaxConcurrent: 2}, broadcaster, zerolog.Nop())
	srv := New(context.Background(), config.Load(), ctrl, nil, broadcaster, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func echoGen() capability.Generator {
	return capability.Func(func(_ context.Context, _ models.TaskKind, payload map[string]any) (any, error) {
		prompt, _ := payload["prompt"].(string)
		return "echo: " + prompt, nil
	})
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func pollJobUntilTerminal(t *testing.T, base, id string) jobResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/jobs/" + id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		jr := decodeBody[jobResponse](t, resp)
		if models.TerminalJobStatus(jr.Job.Status) {
			return jr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return jobResponse{}
}

func TestSubmitBatchAndDrain(t *testing.T) {
	ts := newTestServer(t, echoGen())

	resp := postJSON(t, ts.URL+"/jobs", submitBatchRequest{
		Name: "greetings",
		Kind: models.KindChat,
		Items: []engine.SubmitItem{
			{Payload: map[string]any{"prompt": "one"}},
			{Payload: map[string]any{"prompt": "two"}},
			{Payload: map[string]any{"prompt": "three"}},
		},
		Start: true,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	sub := decodeBody[submitResponse](t, resp)

	jr := pollJobUntilTerminal(t, ts.URL, sub.ID)
	if jr.Job.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s", jr.Job.Status)
	}
	if jr.Job.CompletedItems != 3 || jr.Job.ProgressPercent != 100 {
		t.Fatalf("counters wrong: %+v", jr.Job)
	}
	if len(jr.Items) != 3 || jr.Items[0].Result != "echo: one" {
		t.Fatalf("items wrong: %+v", jr.Items)
	}
}

func TestSubmitBatchRejectsUnknownKind(t *testing.T) {
	ts := newTestServer(t, echoGen())
	resp := postJSON(t, ts.URL+"/jobs", map[string]any{"name": "bad", "kind": "telepathy"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitBatchRejectsUnknownItemKind(t *testing.T) {
	ts := newTestServer(t, echoGen())
	resp := postJSON(t, ts.URL+"/jobs", submitBatchRequest{
		Name: "bad-item",
		Kind: models.KindChat,
		Items: []engine.SubmitItem{
			{Payload: map[string]any{"prompt": "fine"}},
			{Kind: "telepathy", Payload: map[string]any{"prompt": "nope"}},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestExplicitZeroRetryCount(t *testing.T) {
	var calls int32
	gen := capability.Func(func(_ context.Context, _ models.TaskKind, _ map[string]any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("always fails")
	})
	broadcaster := notify.New(nil, "", zerolog.Nop())
	ctrl := engine.NewController(gen, engine.Options{MaxConcurrent: 1, RetryCount: 2, RetryDelay: time.Millisecond}, broadcaster, zerolog.Nop())
	srv := New(context.Background(), config.Load(), ctrl, nil, broadcaster, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// retry_count present as 0 must mean "no retries", not the default.
	body := `{"name":"no-retries","kind":"chat","items":[{"payload":{"prompt":"hi"}}],"config":{"retry_count":0,"retry_delay_ms":0},"start":true}`
	resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	sub := decodeBody[submitResponse](t, resp)

	jr := pollJobUntilTerminal(t, ts.URL, sub.ID)
	if jr.Job.Status != models.JobFailed {
		t.Fatalf("expected failed, got %s", jr.Job.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("zero retries must mean exactly one attempt, got %d", got)
	}
}

func TestNegativeRetryCountRejected(t *testing.T) {
	ts := newTestServer(t, echoGen())
	body := `{"name":"bad","kind":"chat","items":[{"payload":{"prompt":"hi"}}],"config":{"retry_count":-1}}`
	resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestZeroItemBatchOverHTTP(t *testing.T) {
	ts := newTestServer(t, echoGen())
	resp := postJSON(t, ts.URL+"/jobs", submitBatchRequest{Name: "empty", Kind: models.KindChat})
	sub := decodeBody[submitResponse](t, resp)

	getResp, err := http.Get(ts.URL + "/jobs/" + sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	jr := decodeBody[jobResponse](t, getResp)
	if jr.Job.Status != models.JobCompleted || jr.Job.ProgressPercent != 100 || jr.Job.TotalItems != 0 {
		t.Fatalf("zero-item job wrong: %+v", jr.Job)
	}
}

func TestCSVImport(t *testing.T) {
	ts := newTestServer(t, echoGen())
	csvBody := "prompt,style\nwrite a haiku,minimal\ndraft a toast,warm\n"
	resp, err := http.Post(ts.URL+"/jobs/import?name=imported&kind=chat", "text/csv", strings.NewReader(csvBody))
	if err != nil {
		t.Fatalf("post csv: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	sub := decodeBody[submitResponse](t, resp)

	getResp, err := http.Get(ts.URL + "/jobs/" + sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	jr := decodeBody[jobResponse](t, getResp)
	if jr.Job.TotalItems != 2 {
		t.Fatalf("expected 2 imported items, got %d", jr.Job.TotalItems)
	}
	if jr.Items[0].Payload["prompt"] != "write a haiku" || jr.Items[0].Payload["style"] != "minimal" {
		t.Fatalf("row 1 payload wrong: %v", jr.Items[0].Payload)
	}
	if jr.Items[1].Payload["prompt"] != "draft a toast" {
		t.Fatalf("row order not preserved: %v", jr.Items[1].Payload)
	}
}

func TestWorkflowOverHTTP(t *testing.T) {
	ts := newTestServer(t, echoGen())
	resp := postJSON(t, ts.URL+"/workflows", submitWorkflowRequest{
		Steps: []models.WorkflowStep{
			{ID: "s1", StepKind: models.KindChat, Template: "write about {topic}", OutputKey: "content"},
			{ID: "s2", StepKind: models.KindChat, Template: "title: {content}", DependsOn: []string{"s1"}, OutputKey: "title"},
		},
		Params: map[string]any{"topic": "tea"},
		Start:  true,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	sub := decodeBody[submitResponse](t, resp)

	deadline := time.Now().Add(5 * time.Second)
	for {
		getResp, err := http.Get(ts.URL + "/workflows/" + sub.ID)
		if err != nil {
			t.Fatalf("get workflow: %v", err)
		}
		exec := decodeBody[models.WorkflowExecution](t, getResp)
		if models.TerminalJobStatus(exec.Status) {
			if exec.Status != models.JobCompleted {
				t.Fatalf("expected completed, got %s (error=%v)", exec.Status, exec.Error)
			}
			if exec.Results["title"] != "echo: title: echo: write about tea" {
				t.Fatalf("chained result wrong: %v", exec.Results)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("workflow never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkflowForwardReferenceRejected(t *testing.T) {
	ts := newTestServer(t, echoGen())
	resp := postJSON(t, ts.URL+"/workflows", submitWorkflowRequest{
		Steps: []models.WorkflowStep{
			{ID: "s1", StepKind: models.KindChat, Template: "a", OutputKey: "o1"},
			{ID: "s2", StepKind: models.KindChat, Template: "b", DependsOn: []string{"s3"}, OutputKey: "o2"},
			{ID: "s3", StepKind: models.KindChat, Template: "c", OutputKey: "o3"},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUnknownJobReturns404(t *testing.T) {
	ts := newTestServer(t, echoGen())
	resp, err := http.Get(ts.URL + "/jobs/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	cancelResp, err := http.Post(ts.URL+"/jobs/nope/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer cancelResp.Body.Close()
	if cancelResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on cancel, got %d", cancelResp.StatusCode)
	}
}

func TestTemplatesUnavailableWithoutStore(t *testing.T) {
	ts := newTestServer(t, echoGen())
	resp, err := http.Get(ts.URL + "/templates")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestProviderSettingsUnavailableWithoutStore(t *testing.T) {
	ts := newTestServer(t, echoGen())
	resp, err := http.Get(ts.URL + "/providers/chat")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestPauseResumeOverHTTP(t *testing.T) {
	release := make(chan struct{})
	gen := capability.Func(func(_ context.Context, _ models.TaskKind, payload map[string]any) (any, error) {
		<-release
		return "ok", nil
	})
	ts := newTestServer(t, gen)

	items := make([]engine.SubmitItem, 3)
	for i := range items {
		items[i] = engine.SubmitItem{Payload: map[string]any{"prompt": fmt.Sprintf("p%d", i)}}
	}
	resp := postJSON(t, ts.URL+"/jobs", submitBatchRequest{
		Name:   "pausable",
		Kind:   models.KindChat,
		Items:  items,
		Config: batchConfig{MaxConcurrent: 1},
		Start:  true,
	})
	sub := decodeBody[submitResponse](t, resp)

	pauseResp, err := http.Post(ts.URL+"/jobs/"+sub.ID+"/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	pauseResp.Body.Close()
	close(release)

	time.Sleep(50 * time.Millisecond)
	getResp, err := http.Get(ts.URL + "/jobs/" + sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	jr := decodeBody[jobResponse](t, getResp)
	if jr.Job.Status != models.JobPaused {
		t.Fatalf("expected paused, got %s", jr.Job.Status)
	}

	resumeResp, err := http.Post(ts.URL+"/jobs/"+sub.ID+"/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumeResp.Body.Close()

	jrFinal := pollJobUntilTerminal(t, ts.URL, sub.ID)
	if jrFinal.Job.Status != models.JobCompleted || jrFinal.Job.CompletedItems != 3 {
		t.Fatalf("resume did not drain: %+v", jrFinal.Job)
	}
}

func TestEventsStreamDeliversSnapshots(t *testing.T) {
	ts := newTestServer(t, echoGen())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	eventsResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open events stream: %v", err)
	}
	defer eventsResp.Body.Close()

	resp := postJSON(t, ts.URL+"/jobs", submitBatchRequest{
		Name:  "observed",
		Kind:  models.KindChat,
		Items: []engine.SubmitItem{{Payload: map[string]any{"prompt": "hi"}}},
		Start: true,
	})
	sub := decodeBody[submitResponse](t, resp)
	pollJobUntilTerminal(t, ts.URL, sub.ID)

	buf := make([]byte, 4096)
	n, err := eventsResp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(buf[:n]), sub.ID) {
		t.Fatalf("stream missing job snapshots: %q", string(buf[:n]))
	}
}
