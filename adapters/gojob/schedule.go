package gojob

import (
	"context"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

// IntervalQueue is an in-process queue.Dequeuer for single-node deployments.
// Tick enqueues one refresh and one sweep message per interval window;
// nacked messages are re-delivered after their delay.
type IntervalQueue struct {
	interval     time.Duration
	refreshLimit int
	sweepLimit   int
	now          func() time.Time

	pending chan *job.ExecutionMessage

	mu          sync.Mutex
	seen        map[string]time.Time
	deadLetters []*job.ExecutionMessage
}

func NewIntervalQueue(interval time.Duration, refreshLimit, sweepLimit int) *IntervalQueue {
	if interval <= 0 {
		interval = time.Minute
	}
	return &IntervalQueue{
		interval:     interval,
		refreshLimit: refreshLimit,
		sweepLimit:   sweepLimit,
		now:          func() time.Time { return time.Now().UTC() },
		pending:      make(chan *job.ExecutionMessage, 64),
		seen:         map[string]time.Time{},
	}
}

// Run calls Tick immediately and then on every interval until ctx is done.
func (q *IntervalQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	q.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Tick()
		}
	}
}

func (q *IntervalQueue) Tick() {
	window := q.now().Truncate(q.interval)
	q.Enqueue(NewRefreshDueMessage(q.refreshLimit, window))
	q.Enqueue(NewSweepExpiredMessage(q.sweepLimit, window))
}

// Enqueue drops messages whose idempotency key was already seen in a recent
// window. It reports whether the message was queued.
func (q *IntervalQueue) Enqueue(msg *job.ExecutionMessage) bool {
	if msg == nil {
		return false
	}
	now := q.now()
	q.mu.Lock()
	for key, at := range q.seen {
		if now.Sub(at) > 2*q.interval {
			delete(q.seen, key)
		}
	}
	if msg.IdempotencyKey != "" {
		if _, dup := q.seen[msg.IdempotencyKey]; dup {
			q.mu.Unlock()
			return false
		}
		q.seen[msg.IdempotencyKey] = now
	}
	q.mu.Unlock()
	return q.push(msg)
}

func (q *IntervalQueue) push(msg *job.ExecutionMessage) bool {
	select {
	case q.pending <- msg:
		return true
	default:
		return false
	}
}

func (q *IntervalQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-q.pending:
		return &intervalDelivery{queue: q, msg: msg}, nil
	}
}

func (q *IntervalQueue) DeadLetters() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.deadLetters...)
}

type intervalDelivery struct {
	queue *IntervalQueue
	msg   *job.ExecutionMessage
}

func (d *intervalDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *intervalDelivery) Ack(context.Context) error {
	return nil
}

func (d *intervalDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	if opts.DeadLetter || !opts.Requeue {
		d.queue.mu.Lock()
		d.queue.deadLetters = append(d.queue.deadLetters, d.msg)
		d.queue.mu.Unlock()
		return nil
	}
	if opts.Delay <= 0 {
		d.queue.push(d.msg)
		return nil
	}
	msg := d.msg
	time.AfterFunc(opts.Delay, func() { d.queue.push(msg) })
	return nil
}

var _ queue.Dequeuer = (*IntervalQueue)(nil)
