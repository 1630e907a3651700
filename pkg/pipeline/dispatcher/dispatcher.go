// Package dispatcher claims runnable items and hands them to a pipeline
// processor, either by enqueuing them on a work queue for asynchronous
// workers or by draining them synchronously under a time box. Safety rests
// entirely on the store's conditional updates; the dispatcher never assumes
// it is the only caller.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/weftworks/loom/pkg/pipeline/model"
	"github.com/weftworks/loom/pkg/pipeline/queue"
	"github.com/weftworks/loom/pkg/pipeline/repository"
	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

// Processor executes one item attempt and returns a completion note.
// Returning a nil error completes the item; an error fails it (and the item
// is naturally retried while its attempt budget lasts). A run-fatal error
// (exception.IsRunFatal) blocks the whole run instead.
type Processor func(ctx context.Context, item *model.Item) (string, error)

// Recorder receives dispatch observations. The prometheus implementation
// lives in internal/metrics; tests use the noop.
type Recorder interface {
	ItemCompleted(kind string)
	ItemFailed(kind string)
	ItemSwept(kind string, n int)
	RunFinalized(kind, status string)
}

// NoopRecorder discards all observations.
type NoopRecorder struct{}

func (NoopRecorder) ItemCompleted(string)     {}
func (NoopRecorder) ItemFailed(string)        {}
func (NoopRecorder) ItemSwept(string, int)    {}
func (NoopRecorder) RunFinalized(string, string) {}

// Options configures a Dispatcher for one pipeline kind.
type Options struct {
	// MaxAttempts is the per-item attempt ceiling.
	MaxAttempts int
	// QueuedStale is the age after which a queued item is considered a
	// dropped queue message and swept back to pending.
	QueuedStale time.Duration
	// Stuck is the age after which an in_progress item is considered
	// abandoned by a crashed worker and swept back to pending.
	Stuck time.Duration
	// ConsecutiveErrorLimit pauses the run when this many item attempts in a
	// row fail (0 disables the guard).
	ConsecutiveErrorLimit int
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.QueuedStale <= 0 {
		o.QueuedStale = 10 * time.Minute
	}
	if o.Stuck <= 0 {
		o.Stuck = 15 * time.Minute
	}
}

// Dispatcher drives one pipeline kind over the shared item store.
type Dispatcher struct {
	kind      model.PipelineKind
	store     repository.Store
	queue     queue.Queue
	processor Processor
	recorder  Recorder
	tracer    trace.Tracer
	opts      Options
}

// New creates a Dispatcher. queue may be nil when only the drain path is
// used; recorder may be nil for the noop.
func New(kind model.PipelineKind, store repository.Store, q queue.Queue, processor Processor, recorder Recorder, opts Options) *Dispatcher {
	opts.defaults()
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	return &Dispatcher{
		kind:      kind,
		store:     store,
		queue:     q,
		processor: processor,
		recorder:  recorder,
		tracer:    otel.Tracer("loom/pipeline/dispatcher"),
		opts:      opts,
	}
}

// Kind returns the pipeline kind this dispatcher drives.
func (d *Dispatcher) Kind() model.PipelineKind { return d.kind }

// Store exposes the underlying store for the trigger API.
func (d *Dispatcher) Store() repository.Store { return d.store }

// MaxAttempts returns the configured per-item attempt ceiling.
func (d *Dispatcher) MaxAttempts() int { return d.opts.MaxAttempts }

// Enqueue claims up to batch runnable items of the run and pushes them onto
// the work queue. Returns the number actually enqueued.
func (d *Dispatcher) Enqueue(ctx context.Context, runID string, batch int) (int, error) {
	const op = "dispatcher.Enqueue"
	if d.queue == nil {
		return 0, exception.NewRunFatal(op, "work queue is not configured", nil)
	}

	swept, err := d.store.SweepStale(ctx, runID, d.opts.QueuedStale, d.opts.Stuck)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		d.recorder.ItemSwept(string(d.kind), swept)
	}

	items, err := d.store.ListClaimable(ctx, runID, d.opts.MaxAttempts, batch)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	claimed, err := d.store.MarkQueued(ctx, ids)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, id := range claimed {
		ok, err := d.queue.Enqueue(ctx, queue.Job{ID: id, RunID: runID, Kind: string(d.kind)})
		if err != nil {
			return enqueued, exception.New(op, fmt.Sprintf("failed to enqueue item %s", id), err, true)
		}
		if ok {
			enqueued++
		}
	}
	logger.WithField("run", runID).Debugf("Enqueued %d/%d claimable %s items.", enqueued, len(items), d.kind)
	return enqueued, nil
}

// Work consumes the queue until the context is cancelled. Intended to run on
// each worker goroutine of an asynchronous deployment.
func (d *Dispatcher) Work(ctx context.Context) error {
	if d.queue == nil {
		return exception.NewRunFatal("dispatcher.Work", "work queue is not configured", nil)
	}
	for {
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		d.processOne(ctx, job.RunID, job.ID, 0)
		d.queue.Ack(job.ID)
		if _, err := d.store.Finalize(ctx, job.RunID, d.opts.MaxAttempts); err != nil {
			logger.Warnf("Finalize after item %s failed: %v", job.ID, err)
		}
	}
}

// itemOutcome reports what processOne did with an item.
type itemOutcome int

const (
	outcomeSkipped itemOutcome = iota // claim lost to a concurrent caller
	outcomeCompleted
	outcomeFailed
	outcomeRunFatal
)

// processOne claims a single item and runs the processor. An item-level
// error is contained: recorded via FailItem, never propagated. stuckAfter
// extends the claim to stale in_progress rows (force reclaim).
func (d *Dispatcher) processOne(ctx context.Context, runID, id string, stuckAfter time.Duration) itemOutcome {
	scoped := logger.WithField("run", runID).WithField("item", id)

	claimed, err := d.store.ClaimForProcessing(ctx, id, d.opts.MaxAttempts, stuckAfter)
	if err != nil {
		scoped.Errorf("Claim failed: %v", err)
		return outcomeSkipped
	}
	if !claimed {
		return outcomeSkipped
	}

	item, err := d.store.GetItem(ctx, id)
	if err != nil {
		scoped.Errorf("Claimed item could not be loaded: %v", err)
		return outcomeSkipped
	}

	ctx, span := d.tracer.Start(ctx, "pipeline.item",
		trace.WithAttributes(
			attribute.String("pipeline.kind", string(d.kind)),
			attribute.String("pipeline.run_id", runID),
			attribute.String("pipeline.item_id", id),
			attribute.Int("pipeline.attempt", item.Attempts),
		))
	defer span.End()

	note, procErr := d.runProcessor(ctx, item)
	if procErr == nil {
		if err := d.store.CompleteItem(ctx, id, note); err != nil {
			scoped.Errorf("Completing item failed: %v", err)
		}
		d.recorder.ItemCompleted(string(d.kind))
		return outcomeCompleted
	}

	msg := exception.ExtractErrorMessage(procErr)
	if err := d.store.FailItem(ctx, id, msg); err != nil {
		scoped.Errorf("Failing item failed: %v", err)
	}
	d.recorder.ItemFailed(string(d.kind))
	scoped.Warnf("%s attempt %d failed: %s", d.kind, item.Attempts, msg)

	if exception.IsRunFatal(procErr) {
		if err := d.store.UpdateRunStatus(ctx, runID,
			[]model.RunStatus{model.RunStatusProcessing},
			model.RunStatusBlocked, msg, msg); err != nil {
			scoped.Errorf("Blocking run failed: %v", err)
		}
		return outcomeRunFatal
	}
	return outcomeFailed
}

// runProcessor isolates processor panics so a single bad item cannot take
// down the worker.
func (d *Dispatcher) runProcessor(ctx context.Context, item *model.Item) (note string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = exception.Newf("processor", false, "panic while processing item %s: %v", item.ID, r)
		}
	}()
	return d.processor(ctx, item)
}
