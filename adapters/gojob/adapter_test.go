package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-channels/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

func TestScheduledMessagesShareWindowKey(t *testing.T) {
	window := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	first := NewRefreshDueMessage(25, window)
	second := NewRefreshDueMessage(25, window)
	if first.IdempotencyKey != second.IdempotencyKey {
		t.Fatalf("expected same window to share idempotency key")
	}
	if first.JobID != JobIDRefreshDue || first.Parameters[ParamLimit] != 25 {
		t.Fatalf("unexpected refresh message %+v", first)
	}
	next := NewRefreshDueMessage(25, window.Add(time.Minute))
	if next.IdempotencyKey == first.IdempotencyKey {
		t.Fatalf("expected distinct window to change idempotency key")
	}
	sweep := NewSweepExpiredMessage(10, window)
	if sweep.JobID != JobIDSweepExpired || sweep.IdempotencyKey == first.IdempotencyKey {
		t.Fatalf("unexpected sweep message %+v", sweep)
	}
}

func TestHandlerDispatchesByJobID(t *testing.T) {
	refresh := &stubRefreshRunner{result: core.RefreshBatchResult{Refreshed: 2, Failed: 1}}
	sweep := &stubSweepRunner{result: core.SweepResult{Expired: 3}}
	logger := newCaptureLogger()
	handler := NewHandler(refresh, sweep, logger)

	if err := handler.Handle(context.Background(), NewRefreshDueMessage(40, time.Now())); err != nil {
		t.Fatalf("refresh job: %v", err)
	}
	if refresh.limit != 40 {
		t.Fatalf("expected refresh limit 40, got %d", refresh.limit)
	}

	msg := NewSweepExpiredMessage(0, time.Now())
	msg.Parameters[ParamLimit] = float64(15)
	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("sweep job: %v", err)
	}
	if sweep.limit != 15 {
		t.Fatalf("expected decoded sweep limit 15, got %d", sweep.limit)
	}
	if !logger.contains("expiry sweep finished") || !logger.contains("refresh batch finished") {
		t.Fatalf("expected job summaries to be logged")
	}

	if err := handler.Handle(context.Background(), &job.ExecutionMessage{JobID: "channels.unknown"}); err == nil {
		t.Fatalf("expected unknown job id to fail")
	}
}

func TestWorkerRunOnceAcksSuccess(t *testing.T) {
	delivery := &stubQueueDelivery{msg: NewSweepExpiredMessage(5, time.Now())}
	hook := &capturingHook{}
	w := NewWorker(&stubQueueDequeuer{delivery: delivery}, NewHandler(nil, &stubSweepRunner{}, nil), RetryPolicy{}, hook)

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !delivery.acked || delivery.nacked {
		t.Fatalf("expected ack only, acked=%v nacked=%v", delivery.acked, delivery.nacked)
	}
	if hook.phases() != "start,success" {
		t.Fatalf("unexpected hook phases %q", hook.phases())
	}
	if hook.last.Attempt != 1 {
		t.Fatalf("expected first attempt, got %d", hook.last.Attempt)
	}
}

func TestWorkerRunOnceRetriesThenDeadLetters(t *testing.T) {
	failure := errors.New("database unavailable")
	handler := NewHandler(&stubRefreshRunner{err: failure}, nil, nil)
	policy := RetryPolicy{MaxAttempts: 2, MaxDelay: 10 * time.Second, DeadLetterOnMax: true}

	delivery := &stubQueueDelivery{msg: NewRefreshDueMessage(10, time.Now())}
	hook := &capturingHook{}
	w := NewWorker(&stubQueueDequeuer{delivery: delivery}, handler, policy, hook)

	if err := w.RunOnce(context.Background()); !errors.Is(err, failure) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if !delivery.nackOpts.Requeue || delivery.nackOpts.DeadLetter {
		t.Fatalf("expected first failure to requeue, got %+v", delivery.nackOpts)
	}
	if delivery.nackOpts.Delay != 5*time.Second {
		t.Fatalf("expected first retry delay 5s, got %s", delivery.nackOpts.Delay)
	}
	if delivery.msg.Parameters[ParamAttempt] != 1 {
		t.Fatalf("expected attempt to be carried on the message, got %v", delivery.msg.Parameters[ParamAttempt])
	}

	if err := w.RunOnce(context.Background()); !errors.Is(err, failure) {
		t.Fatalf("expected handler error on second attempt, got %v", err)
	}
	if delivery.nackOpts.Requeue || !delivery.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter once max attempts is reached, got %+v", delivery.nackOpts)
	}
	if delivery.nackOpts.Delay != 10*time.Second {
		t.Fatalf("expected delay to be bounded, got %s", delivery.nackOpts.Delay)
	}
	if hook.phases() != "start,retry,start,failure" {
		t.Fatalf("unexpected hook phases %q", hook.phases())
	}
	if hook.last.Err == nil || hook.last.Attempt != 2 {
		t.Fatalf("expected failure event for attempt 2, got %+v", hook.last)
	}
}

func TestNackRetryPolicyBoundaries(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, MaxDelay: 10 * time.Second}

	opts := policy.NormalizeAttempt(queue.NackOptions{Delay: -time.Second, Reason: "  transient  "}, 1)
	if opts.Delay != 0 || !opts.Requeue || opts.Reason != "transient" {
		t.Fatalf("unexpected normalized options %+v", opts)
	}

	opts = policy.NormalizeAttempt(queue.NackOptions{Requeue: true, DeadLetter: true}, 1)
	if opts.Requeue || !opts.DeadLetter {
		t.Fatalf("expected explicit dead letter to win, got %+v", opts)
	}

	opts = policy.NormalizeAttempt(queue.NackOptions{Requeue: true}, 3)
	if !opts.Requeue || opts.DeadLetter {
		t.Fatalf("expected requeue fallback when dead letter is not configured, got %+v", opts)
	}
}

func TestLoggingHookWritesJobFields(t *testing.T) {
	logger := newCaptureLogger()
	hook := NewLoggingHook(logger)
	hook.OnRetry(context.Background(), worker.Event{
		Message: &job.ExecutionMessage{JobID: JobIDRefreshDue, IdempotencyKey: "idem-1"},
		Attempt: 2,
		Delay:   5 * time.Second,
		Err:     errors.New("retry"),
	})
	if !logger.contains("warn job scheduled for retry") || !logger.contains(JobIDRefreshDue) {
		t.Fatalf("expected retry entry with job id, got %v", *logger.entries)
	}
}

type stubRefreshRunner struct {
	limit  int
	result core.RefreshBatchResult
	err    error
}

func (s *stubRefreshRunner) RefreshDue(_ context.Context, limit int) (core.RefreshBatchResult, error) {
	s.limit = limit
	return s.result, s.err
}

type stubSweepRunner struct {
	limit  int
	result core.SweepResult
	err    error
}

func (s *stubSweepRunner) SweepExpired(_ context.Context, limit int) (core.SweepResult, error) {
	s.limit = limit
	return s.result, s.err
}

type stubQueueDequeuer struct {
	delivery queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	return s.delivery, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}

type capturingHook struct {
	seen []string
	last worker.Event
}

func (h *capturingHook) record(phase string, event worker.Event) {
	h.seen = append(h.seen, phase)
	h.last = event
}

func (h *capturingHook) phases() string { return strings.Join(h.seen, ",") }

func (h *capturingHook) OnStart(_ context.Context, event worker.Event)   { h.record("start", event) }
func (h *capturingHook) OnSuccess(_ context.Context, event worker.Event) { h.record("success", event) }
func (h *capturingHook) OnFailure(_ context.Context, event worker.Event) { h.record("failure", event) }
func (h *capturingHook) OnRetry(_ context.Context, event worker.Event)   { h.record("retry", event) }

type captureLogger struct {
	mu      *sync.Mutex
	entries *[]string
}

func newCaptureLogger() captureLogger {
	return captureLogger{mu: &sync.Mutex{}, entries: &[]string{}}
}

func (l captureLogger) record(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, level+" "+msg+" "+fmt.Sprint(args...))
}

func (l captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }
func (l captureLogger) WithContext(context.Context) core.Logger {
	return l
}

func (l captureLogger) contains(fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range *l.entries {
		if strings.Contains(entry, fragment) {
			return true
		}
	}
	return false
}
