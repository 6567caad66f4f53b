package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/observability/alerting"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	failFirst int32
	err       error
	calls     atomic.Int32
}

func (f *fakeExecutor) Register(ctx context.Context, address string) (string, error) {
	n := f.calls.Add(1)
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil && (f.failFirst == 0 || n <= f.failFirst) {
		return "", f.err
	}
	f.processed.Add(1)
	return "0xabc", nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("条件未在 %s 内满足", timeout)
}

func startProcessor(t *testing.T, ctx context.Context, p *Processor) {
	t.Helper()
	go func() {
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue()
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue, WithWorkerCount(8)))

	total := 100
	for i := 0; i < total; i++ {
		if err := service.Enqueue(ctx, fmt.Sprintf("user-%d", i), "0x00000000000000000000000000000000000000aa"); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return int(executor.processed.Load()) >= total })

	job, err := service.Get(ctx, "user-42")
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		job, _ = service.Get(ctx, "user-42")
		return job.Status == StatusSucceeded
	})
	if job.TxHash != "0xabc" {
		t.Fatalf("unexpected tx hash %q", job.TxHash)
	}
}

func TestEnqueueIsIdempotentPerUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue()
	service := NewService(store, queue, 3)

	for i := 0; i < 3; i++ {
		if err := service.Enqueue(ctx, "alice", "0x00000000000000000000000000000000000000aa"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if got := queue.Len(); got != 1 {
		t.Fatalf("expected a single published job, got %d", got)
	}
	if err := service.Enqueue(ctx, " ", "0x1"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue()
	executor := &fakeExecutor{
		err:       xerrors.New(xerrors.CodeUpstreamUnavailable, "rpc down"),
		failFirst: 2,
	}
	service := NewService(store, queue, 3)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue))

	if err := service.Enqueue(ctx, "bob", "0x00000000000000000000000000000000000000bb"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		job, err := store.Get(ctx, "bob")
		return err == nil && job.Status == StatusSucceeded
	})
	job, _ := store.Get(ctx, "bob")
	if job.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", job.Attempts)
	}
}

func TestProcessorAlertsWhenRetriesExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue()
	alerts := &recordingDispatcher{}
	executor := &fakeExecutor{err: xerrors.New(xerrors.CodeUpstreamUnavailable, "rpc down")}
	service := NewService(store, queue, 2)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue, WithAlertDispatcher(alerts)))

	if err := service.Enqueue(ctx, "carol", "0x00000000000000000000000000000000000000cc"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(alerts.snapshot()) == 1 })

	event := alerts.snapshot()[0]
	if event.Code != CodeJobExhausted || event.Subject != "carol" {
		t.Fatalf("unexpected alert %+v", event)
	}
	job, _ := store.Get(ctx, "carol")
	if job.Status != StatusFailed || job.Attempts != 2 {
		t.Fatalf("unexpected job state %+v", job)
	}
	if executor.calls.Load() != 2 {
		t.Fatalf("expected 2 executor calls, got %d", executor.calls.Load())
	}
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue()
	alerts := &recordingDispatcher{}
	executor := &fakeExecutor{err: xerrors.New(xerrors.CodeInvalidArgument, "bad address")}
	service := NewService(store, queue, 5)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue, WithAlertDispatcher(alerts)))

	if err := service.Enqueue(ctx, "dave", "0x00000000000000000000000000000000000000dd"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(alerts.snapshot()) == 1 })
	if executor.calls.Load() != 1 {
		t.Fatalf("non-retryable failure must not be retried, got %d calls", executor.calls.Load())
	}
	job, _ := store.Get(ctx, "dave")
	if job.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("unexpected error code %q", job.ErrorCode)
	}
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, Message) error { return errors.New("broker down") }
func (failingProducer) Close() error                           { return nil }

func TestEnqueuePublishFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 3)

	err := service.Enqueue(ctx, "erin", "0x00000000000000000000000000000000000000ee")
	if xerrors.CodeOf(err) != CodeJobPublish {
		t.Fatalf("expected %s, got %v", CodeJobPublish, err)
	}
	job, getErr := store.Get(ctx, "erin")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if job.Status != StatusFailed || job.Attempts < job.MaxRetries {
		t.Fatalf("publish failure should be terminal, got %+v", job)
	}
}
