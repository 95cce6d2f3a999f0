package gojob

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
	glog "github.com/goliatone/go-logger/glog"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDRefreshDue   = "channels.oauth.refresh_due"
	JobIDSweepExpired = "channels.pairing.sweep_expired"

	ParamLimit   = "limit"
	ParamAttempt = "attempt"

	dedupPolicyDrop = "drop"
	loggerName      = "channels.jobs"
)

// RefreshRunner is satisfied by *core.OAuth2Orchestrator.
type RefreshRunner interface {
	RefreshDue(ctx context.Context, limit int) (core.RefreshBatchResult, error)
}

// SweepRunner is satisfied by *core.Service.
type SweepRunner interface {
	SweepExpired(ctx context.Context, limit int) (core.SweepResult, error)
}

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// NewRefreshDueMessage builds the periodic refresh job. Messages in the same
// window share an idempotency key so duplicate schedules are dropped.
func NewRefreshDueMessage(limit int, window time.Time) *job.ExecutionMessage {
	return newScheduledMessage(JobIDRefreshDue, limit, window)
}

func NewSweepExpiredMessage(limit int, window time.Time) *job.ExecutionMessage {
	return newScheduledMessage(JobIDSweepExpired, limit, window)
}

func newScheduledMessage(jobID string, limit int, window time.Time) *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:          jobID,
		ScriptPath:     jobID,
		Parameters:     map[string]any{ParamLimit: limit},
		IdempotencyKey: jobID + ":" + window.UTC().Format(time.RFC3339),
		DedupPolicy:    job.DeduplicationPolicy(dedupPolicyDrop),
	}
}

// Handler executes channel maintenance jobs.
type Handler struct {
	refresh RefreshRunner
	sweep   SweepRunner
	logger  core.Logger
}

func NewHandler(refresh RefreshRunner, sweep SweepRunner, logger core.Logger) *Handler {
	_, resolved := glog.Resolve(loggerName, nil, logger)
	return &Handler{refresh: refresh, sweep: sweep, logger: glog.Ensure(resolved)}
}

func (h *Handler) Handle(ctx context.Context, msg *job.ExecutionMessage) error {
	if h == nil {
		return fmt.Errorf("gojob: handler is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	limit := intParam(msg.Parameters, ParamLimit)

	switch strings.TrimSpace(msg.JobID) {
	case JobIDRefreshDue:
		if h.refresh == nil {
			return fmt.Errorf("gojob: refresh runner is not configured")
		}
		batch, err := h.refresh.RefreshDue(ctx, limit)
		if err != nil {
			return err
		}
		h.logger.Info("refresh batch finished",
			"job_id", msg.JobID,
			"refreshed", batch.Refreshed,
			"skipped", batch.Skipped,
			"refresh_failed", batch.Failed,
		)
		return nil
	case JobIDSweepExpired:
		if h.sweep == nil {
			return fmt.Errorf("gojob: sweep runner is not configured")
		}
		result, err := h.sweep.SweepExpired(ctx, limit)
		if err != nil {
			return err
		}
		h.logger.Info("expiry sweep finished",
			"job_id", msg.JobID,
			"expired", result.Expired,
			"stale", result.Stale,
			"quotas_reset", result.QuotasReset,
		)
		return nil
	default:
		return fmt.Errorf("gojob: unknown job id %q", msg.JobID)
	}
}

// Worker pulls one delivery at a time and settles it with Ack or a
// policy-bounded Nack.
type Worker struct {
	dequeuer queue.Dequeuer
	handler  *Handler
	policy   RetryPolicy
	hook     worker.Hook
	now      func() time.Time
}

func NewWorker(dequeuer queue.Dequeuer, handler *Handler, policy RetryPolicy, hook worker.Hook) *Worker {
	return &Worker{
		dequeuer: dequeuer,
		handler:  handler,
		policy:   policy,
		hook:     hook,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce returns the handler error after the delivery has been settled.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w == nil || w.dequeuer == nil || w.handler == nil {
		return fmt.Errorf("gojob: worker is not configured")
	}
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	msg := delivery.Message()
	attempt := intParam(paramsOf(msg), ParamAttempt) + 1
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: w.now()}
	w.emit(ctx, "start", event)

	handleErr := w.handler.Handle(ctx, msg)
	event.Duration = w.now().Sub(event.StartedAt)
	if handleErr == nil {
		w.emit(ctx, "success", event)
		return delivery.Ack(ctx)
	}

	opts := w.policy.NormalizeAttempt(queue.NackOptions{
		Delay:   retryDelay(attempt),
		Requeue: true,
		Reason:  handleErr.Error(),
	}, attempt)
	event.Err = handleErr
	event.Delay = opts.Delay
	if opts.Requeue {
		if msg != nil {
			msg.Parameters = withParam(msg.Parameters, ParamAttempt, attempt)
		}
		w.emit(ctx, "retry", event)
	} else {
		w.emit(ctx, "failure", event)
	}
	if nackErr := delivery.Nack(ctx, opts); nackErr != nil {
		return fmt.Errorf("gojob: nack after %v: %w", handleErr, nackErr)
	}
	return handleErr
}

// Run processes deliveries until ctx is done. Handler failures are already
// settled and reported through the hook, so they do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.dequeuer == nil || w.handler == nil {
		return fmt.Errorf("gojob: worker is not configured")
	}
	for {
		_ = w.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (w *Worker) emit(ctx context.Context, phase string, event worker.Event) {
	if w.hook == nil {
		return
	}
	switch phase {
	case "start":
		w.hook.OnStart(ctx, event)
	case "success":
		w.hook.OnSuccess(ctx, event)
	case "retry":
		w.hook.OnRetry(ctx, event)
	default:
		w.hook.OnFailure(ctx, event)
	}
}

// LoggingHook reports worker events through the channel logger.
type LoggingHook struct {
	logger core.Logger
}

func NewLoggingHook(logger core.Logger) *LoggingHook {
	_, resolved := glog.Resolve(loggerName, nil, logger)
	return &LoggingHook{logger: glog.Ensure(resolved)}
}

func (h *LoggingHook) OnStart(ctx context.Context, event worker.Event) {
	h.log(ctx, "debug", "job started", event)
}

func (h *LoggingHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.log(ctx, "info", "job succeeded", event)
}

func (h *LoggingHook) OnFailure(ctx context.Context, event worker.Event) {
	h.log(ctx, "error", "job failed", event)
}

func (h *LoggingHook) OnRetry(ctx context.Context, event worker.Event) {
	h.log(ctx, "warn", "job scheduled for retry", event)
}

func (h *LoggingHook) log(ctx context.Context, level, message string, event worker.Event) {
	if h == nil || h.logger == nil {
		return
	}
	logger := h.logger.WithContext(ctx)
	args := []any{"attempt", event.Attempt, "duration_ms", event.Duration.Milliseconds()}
	if event.Message != nil {
		args = append(args, "job_id", event.Message.JobID, "idempotency_key", event.Message.IdempotencyKey)
	}
	if event.Err != nil {
		args = append(args, "error", event.Err.Error(), "delay", event.Delay.String())
	}
	switch level {
	case "debug":
		logger.Debug(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "error":
		logger.Error(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}

func paramsOf(msg *job.ExecutionMessage) map[string]any {
	if msg == nil {
		return nil
	}
	return msg.Parameters
}

func withParam(in map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	out[key] = value
	return out
}

func intParam(params map[string]any, key string) int {
	switch typed := params[key].(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err == nil {
			return parsed
		}
	}
	return 0
}

var (
	_ worker.Hook   = (*LoggingHook)(nil)
	_ RefreshRunner = (*core.OAuth2Orchestrator)(nil)
	_ SweepRunner   = (*core.Service)(nil)
)
