package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/weftworks/loom/pkg/pipeline/model"
	"github.com/weftworks/loom/pkg/pipeline/repository"
	"github.com/weftworks/loom/pkg/support/logger"
)

// DrainOptions bounds one synchronous drain pass.
type DrainOptions struct {
	// Batch is how many claimable items are listed per round trip.
	Batch int
	// Concurrency is the number of items processed in parallel per batch.
	Concurrency int
	// MaxWait is the time box for the whole pass. The deadline is only
	// checked between batches, so the pass can overrun by at most one batch.
	MaxWait time.Duration
	// MaxRuns caps how many runs a kind-wide drain touches (0 means all).
	MaxRuns int
	// ForceReclaim also claims in_progress items regardless of age. Only for
	// operator-invoked recovery after a known worker loss.
	ForceReclaim bool
}

func (o *DrainOptions) defaults() {
	if o.Batch <= 0 {
		o.Batch = 20
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 5 * time.Minute
	}
}

// DrainReport summarizes what a drain pass did.
type DrainReport struct {
	RunsTouched int
	Completed   int
	Failed      int
	Skipped     int
	Deadline    bool
	FinalStatus map[string]model.RunStatus
}

// DrainRun synchronously processes the runnable items of one run until none
// remain, the run leaves processing, or the time box expires. Item errors are
// contained in the store; only store failures are returned.
func (d *Dispatcher) DrainRun(ctx context.Context, runID string, opts DrainOptions) (*DrainReport, error) {
	opts.defaults()
	report := &DrainReport{FinalStatus: make(map[string]model.RunStatus)}
	deadline := time.Now().Add(opts.MaxWait)

	err := d.drainRun(ctx, runID, opts, deadline, report)
	if err != nil {
		return report, err
	}

	status, err := d.store.Finalize(ctx, runID, d.opts.MaxAttempts)
	if err != nil {
		return report, err
	}
	report.RunsTouched = 1
	report.FinalStatus[runID] = status
	if status.IsFinished() || status == model.RunStatusBlocked {
		d.recorder.RunFinalized(string(d.kind), string(status))
	}
	return report, nil
}

// DrainKind drains every active run of the dispatcher's kind, oldest first.
// Store failures are aggregated per run so one broken run does not hide the
// others.
func (d *Dispatcher) DrainKind(ctx context.Context, opts DrainOptions) (*DrainReport, error) {
	opts.defaults()
	report := &DrainReport{FinalStatus: make(map[string]model.RunStatus)}
	deadline := time.Now().Add(opts.MaxWait)

	runs, err := d.store.ListActiveRuns(ctx, d.kind)
	if err != nil {
		return report, err
	}

	var merr *multierror.Error
	for i, run := range runs {
		if opts.MaxRuns > 0 && i >= opts.MaxRuns {
			break
		}
		if time.Now().After(deadline) {
			report.Deadline = true
			break
		}
		if run.Status != model.RunStatusProcessing {
			continue
		}
		if err := d.drainRun(ctx, run.ID, opts, deadline, report); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		status, err := d.store.Finalize(ctx, run.ID, d.opts.MaxAttempts)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		report.RunsTouched++
		report.FinalStatus[run.ID] = status
		if status.IsFinished() || status == model.RunStatusBlocked {
			d.recorder.RunFinalized(string(d.kind), string(status))
		}
	}
	return report, merr.ErrorOrNil()
}

func (d *Dispatcher) drainRun(ctx context.Context, runID string, opts DrainOptions, deadline time.Time, report *DrainReport) error {
	stuckAfter := d.opts.Stuck
	queuedStale := d.opts.QueuedStale
	if opts.ForceReclaim {
		// reclaim immediately: abandoned claims lose on the first sweep
		stuckAfter = time.Nanosecond
		queuedStale = time.Nanosecond
	}
	consecutive := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			report.Deadline = true
			logger.Infof("Drain of run %s hit the time box, leaving remaining items for the next pass.", runID)
			return nil
		}

		run, err := d.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != model.RunStatusProcessing {
			logger.Infof("Run %s is %s, drain stops here.", runID, run.Status)
			return nil
		}

		if _, err := d.store.SweepStale(ctx, runID, queuedStale, stuckAfter); err != nil {
			return err
		}

		items, err := d.store.ListClaimable(ctx, runID, d.opts.MaxAttempts, opts.Batch)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		outcomes := d.processBatch(ctx, runID, items, opts.Concurrency, stuckAfter)
		fatal := false
		for _, oc := range outcomes {
			switch oc {
			case outcomeCompleted:
				report.Completed++
				consecutive = 0
			case outcomeFailed:
				report.Failed++
				consecutive++
			case outcomeRunFatal:
				report.Failed++
				fatal = true
			case outcomeSkipped:
				report.Skipped++
			}
		}
		if fatal {
			return nil
		}
		if d.opts.ConsecutiveErrorLimit > 0 && consecutive >= d.opts.ConsecutiveErrorLimit {
			logger.Warnf("Run %s paused after %d consecutive item failures.", runID, consecutive)
			err := d.store.UpdateRunStatus(ctx, runID,
				[]model.RunStatus{model.RunStatusProcessing},
				model.RunStatusPaused, "", "")
			if err != nil && !errors.Is(err, repository.ErrRunNotFound) {
				return err
			}
			return nil
		}
		if err := d.store.TouchRun(ctx, runID, "", consecutive); err != nil {
			logger.Warnf("Heartbeat for run %s failed: %v", runID, err)
		}
	}
}

// processBatch fans a batch out over a bounded worker set and collects the
// per-item outcomes.
func (d *Dispatcher) processBatch(ctx context.Context, runID string, items []*model.Item, concurrency int, stuckAfter time.Duration) []itemOutcome {
	outcomes := make([]itemOutcome, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, it := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = d.processOne(ctx, runID, id, stuckAfter)
		}(i, it.ID)
	}
	wg.Wait()
	return outcomes
}
