package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/observability/alerting"
)

var errUpToDate = xerrors.New(xerrors.CodeFailedPrecondition, "2024-05 is already installed")

type stubExecutor struct {
	running atomic.Int32
	peak    atomic.Int32
	hold    time.Duration
	calls   sync.Map
	// fail 返回第 attempt 次执行 plugin 时的错误。
	fail func(plugin string, attempt int32) error
}

func (s *stubExecutor) Execute(ctx context.Context, plugin string, _ Options) (Outcome, error) {
	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if s.hold > 0 {
		select {
		case <-time.After(s.hold):
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	counter, _ := s.calls.LoadOrStore(plugin, new(atomic.Int32))
	attempt := counter.(*atomic.Int32).Add(1)
	if s.fail != nil {
		if err := s.fail(plugin, attempt); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Version: "2024-05", Message: plugin + " 2024-05 installed", Rows: 7}, nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAlerts) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Metadata["stage"]
	}
	return out
}

type harness struct {
	manager *Manager
	alerts  *recordingAlerts
	exec    *stubExecutor
}

func startWorker(t *testing.T, exec *stubExecutor, maxAttempts int, opts ...WorkerOption) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemStore()
	queue := NewChanQueue(0)
	alerts := &recordingAlerts{}
	w := NewWorker(exec, store, queue, append([]WorkerOption{WithAlerts(alerts)}, opts...)...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("worker exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = queue.Close()
	})
	return &harness{manager: NewManager(store, queue, maxAttempts), alerts: alerts, exec: exec}
}

func (h *harness) run(t *testing.T, plugin string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := h.manager.Enqueue(ctx, plugin, Options{Mode: "default"})
	if err != nil {
		t.Fatalf("enqueue %s: %v", plugin, err)
	}
	j, err = h.manager.Wait(ctx, j.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait %s: %v", plugin, err)
	}
	return j
}

func TestWorkerRunsPluginsConcurrently(t *testing.T) {
	exec := &stubExecutor{hold: 50 * time.Millisecond}
	h := startWorker(t, exec, 1, WithConcurrency(3))

	ctx := context.Background()
	var ids []string
	for _, p := range []string{"civic", "hgnc", "oncokb"} {
		j, err := h.manager.Enqueue(ctx, p, Options{})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, j.ID)
	}
	for _, id := range ids {
		j, err := h.manager.Wait(ctx, id, 5*time.Millisecond)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if j.Status != StatusDone || j.Outcome == nil || j.Outcome.Rows != 7 {
			t.Fatalf("unexpected job: %+v", j)
		}
	}
	if exec.peak.Load() < 2 {
		t.Fatalf("expected concurrent upgrades, peak was %d", exec.peak.Load())
	}
	counts, _ := h.manager.Count(ctx, Filter{})
	if counts.Done != 3 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestWorkerRetriesRetryableFailures(t *testing.T) {
	exec := &stubExecutor{fail: func(_ string, attempt int32) error {
		if attempt < 3 {
			return xerrors.New(xerrors.CodeRemoteFailure, "mirror unavailable")
		}
		return nil
	}}
	h := startWorker(t, exec, 3)

	j := h.run(t, "civic")
	if j.Status != StatusDone || j.Attempts != 3 {
		t.Fatalf("expected success on third attempt, got %+v", j)
	}
	if got := h.alerts.stages(); len(got) != 2 || got[0] != "retry" {
		t.Fatalf("alert stages = %v", got)
	}
}

func TestWorkerStopsOnNonRetryableFailure(t *testing.T) {
	exec := &stubExecutor{fail: func(string, int32) error {
		return xerrors.New(xerrors.CodeInvalidArgument, "bad mapping")
	}}
	h := startWorker(t, exec, 5)

	j := h.run(t, "civic")
	if j.Status != StatusFailed || !j.Finished() || j.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("expected final failure, got %+v", j)
	}
	if n, _ := exec.calls.Load("civic"); n.(*atomic.Int32).Load() != 1 {
		t.Fatalf("expected a single attempt")
	}
	if got := h.alerts.stages(); len(got) != 1 || got[0] != "final" {
		t.Fatalf("alert stages = %v", got)
	}
}

func TestWorkerRecordsSkips(t *testing.T) {
	exec := &stubExecutor{fail: func(string, int32) error { return errUpToDate }}
	h := startWorker(t, exec, 1, WithSkip(func(err error) bool {
		return xerrors.HasCode(err, xerrors.CodeFailedPrecondition)
	}))

	j := h.run(t, "civic")
	if j.Status != StatusSkipped || j.Outcome == nil {
		t.Fatalf("expected skipped job, got %+v", j)
	}
	if want := "civic skipped: 2024-05 is already installed"; j.Detail() != want {
		t.Fatalf("detail = %q, want %q", j.Detail(), want)
	}
	if got := h.alerts.stages(); len(got) != 0 {
		t.Fatalf("skips must not alert, got %v", got)
	}
}

func TestManagerRejectsInvalidPlugin(t *testing.T) {
	m := NewManager(NewMemStore(), NewChanQueue(1), 1)
	if _, err := m.Enqueue(context.Background(), "../etc", Options{}); !xerrors.HasCode(err, CodeInvalid) {
		t.Fatalf("expected invalid job, got %v", err)
	}
	if _, err := NewManager(NewMemStore(), nil, 1).Enqueue(context.Background(), "civic", Options{}); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestManagerMarksJobFailedWhenQueueClosed(t *testing.T) {
	store := NewMemStore()
	queue := NewChanQueue(1)
	_ = queue.Close()
	m := NewManager(store, queue, 2)

	_, err := m.Enqueue(context.Background(), "civic", Options{})
	if !xerrors.HasCode(err, CodeEnqueue) {
		t.Fatalf("expected enqueue failure, got %v", err)
	}
	jobs, _ := store.List(context.Background(), Filter{})
	if len(jobs) != 1 || !jobs[0].Finished() || jobs[0].ErrorCode != string(CodeEnqueue) {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestChanQueueConsumeStopsOnClose(t *testing.T) {
	q := NewChanQueue(4)
	var handled atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), 2, func(context.Context, string) error {
			handled.Add(1)
			return nil
		})
	}()
	for _, id := range []string{"a", "b"} {
		if err := q.Publish(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for handled.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = q.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consume returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop after close")
	}
	if handled.Load() != 2 {
		t.Fatalf("handled %d messages", handled.Load())
	}
	if err := q.Publish(context.Background(), "c"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("publish after close: %v", err)
	}
}
