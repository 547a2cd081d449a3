package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moonmindlabs/worker/pkg/preflight"
	"github.com/moonmindlabs/worker/pkg/queueclient"
	"github.com/moonmindlabs/worker/pkg/taskcontract"
)

func TestAllowedJobTypesIncludesLegacyWhenEnabled(t *testing.T) {
	w := &Worker{cfg: Config{EnableLegacyJobTypes: true}}
	types := w.allowedJobTypes()
	want := map[string]bool{
		taskcontract.CanonicalTaskJobType: true,
		taskcontract.LegacyCodexExecType:  true,
		taskcontract.LegacyCodexSkillType: true,
	}
	if len(types) != len(want) {
		t.Fatalf("unexpected types: %v", types)
	}
	for _, typ := range types {
		if !want[typ] {
			t.Errorf("unexpected job type %q", typ)
		}
	}
}

func TestAllowedJobTypesExcludesLegacyWhenDisabled(t *testing.T) {
	w := &Worker{cfg: Config{EnableLegacyJobTypes: false}}
	types := w.allowedJobTypes()
	if len(types) != 1 || types[0] != taskcontract.CanonicalTaskJobType {
		t.Errorf("expected only the canonical job type, got %v", types)
	}
}

func TestSecondsToDuration(t *testing.T) {
	if got := secondsToDuration(5); got != 5*time.Second {
		t.Errorf("unexpected duration: %v", got)
	}
}

func TestSleepReturnsWhenStopCloses(t *testing.T) {
	stop := make(chan struct{})
	close(stop)
	start := time.Now()
	sleep(context.Background(), stop, time.Minute)
	if time.Since(start) > time.Second {
		t.Error("sleep should return immediately when stop is already closed")
	}
}

func TestSleepReturnsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	sleep(ctx, make(chan struct{}), time.Minute)
	if time.Since(start) > time.Second {
		t.Error("sleep should return immediately when ctx is already cancelled")
	}
}

func TestRunOnceReturnsFalseWhenQueueEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job":null}`))
	}))
	defer srv.Close()

	client, err := queueclient.New(queueclient.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := &Worker{client: client, cfg: Config{WorkerID: "worker-1", LeaseSeconds: 30}}

	claimed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Error("expected claimed=false when queue is empty")
	}
}

func TestRunOnceFailsJobWithUnrecognizedType(t *testing.T) {
	var failPath string
	var failBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/jobs/claim":
			_, _ = w.Write([]byte(`{"job":{"id":"job-1","type":"not-a-real-type","payload":{}}}`))
		case "/jobs/job-1/fail":
			failPath = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&failBody)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	client, err := queueclient.New(queueclient.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := &Worker{client: client, cfg: Config{WorkerID: "worker-1", LeaseSeconds: 30}}

	claimed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Error("expected claimed=true, the worker still claimed the job before rejecting it")
	}
	if failPath == "" {
		t.Fatal("expected the job to be failed via /jobs/job-1/fail")
	}
	if failBody["retryable"] != false {
		t.Errorf("expected a contract violation to be non-retryable, got %v", failBody)
	}
}

func TestRunOnceFailsJobRejectedByPolicy(t *testing.T) {
	var failed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/jobs/claim":
			_, _ = w.Write([]byte(`{"job":{"id":"job-2","type":"task","payload":{` +
				`"repository":"example/repo","targetRuntime":"gemini",` +
				`"requiredCapabilities":["gemini"],` +
				`"task":{"instructions":"do the thing"}}}}`))
		case "/jobs/job-2/fail":
			failed = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	client, err := queueclient.New(queueclient.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := &Worker{client: client, cfg: Config{
		WorkerID:     "worker-1",
		LeaseSeconds: 30,
		Runtime:      preflight.RuntimeCodex,
		Capabilities: []string{"codex"},
	}}

	claimed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Error("expected claimed=true")
	}
	if !failed {
		t.Error("expected the runtime-mismatched job to be failed by the policy gate")
	}

	if _, _, ok := w.ActiveJob(); ok {
		t.Error("expected active job to be cleared after RunOnce returns")
	}
}

func TestRunForeverStopsOnStopChannel(t *testing.T) {
	var claims int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&claims, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job":null}`))
	}))
	defer srv.Close()

	client, err := queueclient.New(queueclient.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := &Worker{client: client, cfg: Config{WorkerID: "worker-1", LeaseSeconds: 30, PollInterval: 10 * time.Millisecond}}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.RunForever(context.Background(), stop)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not stop after stop channel closed")
	}

	if atomic.LoadInt32(&claims) == 0 {
		t.Error("expected at least one claim attempt")
	}
}

func TestCloseIsANoop(t *testing.T) {
	w := &Worker{}
	if err := w.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
