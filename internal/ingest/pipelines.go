package ingest

import (
	"context"

	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/pkg/pipeline/dispatcher"
	"github.com/weftworks/loom/pkg/pipeline/model"
	"github.com/weftworks/loom/pkg/pipeline/queue"
	"github.com/weftworks/loom/pkg/pipeline/repository"
	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

// Pipelines holds one dispatcher per pipeline kind plus the shared run
// planner. It is the surface the trigger API talks to.
type Pipelines struct {
	store       repository.Store
	planner     *Planner
	dispatchers map[model.PipelineKind]*dispatcher.Dispatcher
	queues      []*queue.Keyed
}

// NewPipelines builds the three dispatchers from the pipeline tuning config.
func NewPipelines(
	store repository.Store,
	planner *Planner,
	recorder dispatcher.Recorder,
	cfg *config.Config,
	crawl *CrawlProcessor,
	enrich *EnrichProcessor,
	export *ExportProcessor,
) *Pipelines {
	p := &Pipelines{
		store:       store,
		planner:     planner,
		dispatchers: make(map[model.PipelineKind]*dispatcher.Dispatcher),
	}

	add := func(kind model.PipelineKind, proc dispatcher.Processor) {
		pc := cfg.Loom.Pipelines.ForKind(string(kind))
		q := queue.NewKeyed(pc.QueueBuffer)
		p.queues = append(p.queues, q)
		p.dispatchers[kind] = dispatcher.New(kind, store, q, proc, recorder, dispatcher.Options{
			MaxAttempts:           pc.MaxAttempts,
			QueuedStale:           pc.QueuedStale.Std(),
			Stuck:                 pc.Stuck.Std(),
			ConsecutiveErrorLimit: pc.ConsecutiveErrorLimit,
		})
	}
	add(model.KindCatalog, crawl.Process)
	add(model.KindEnrichment, enrich.Process)
	add(model.KindExport, export.Process)
	return p
}

// Dispatcher returns the dispatcher for the kind, or an error for an unknown
// kind name.
func (p *Pipelines) Dispatcher(kind model.PipelineKind) (*dispatcher.Dispatcher, error) {
	d, ok := p.dispatchers[kind]
	if !ok {
		return nil, exception.Newf(moduleName, false, "unknown pipeline kind %q", kind)
	}
	return d, nil
}

// Close shuts the work queues down.
func (p *Pipelines) Close() {
	for _, q := range p.queues {
		q.Close()
	}
}

// Trigger plans (or resumes) a run for the kind and drains it under the
// given time box, returning the run and the drain report.
func (p *Pipelines) Trigger(ctx context.Context, kind model.PipelineKind, scope string, resume bool, opts dispatcher.DrainOptions) (*model.Run, *dispatcher.DrainReport, error) {
	d, err := p.Dispatcher(kind)
	if err != nil {
		return nil, nil, err
	}
	run, created, err := p.planner.StartRun(ctx, kind, scope, resume)
	if err != nil {
		return nil, nil, err
	}
	if !created && run.Status != model.RunStatusProcessing {
		// a paused or stopped run is never silently restarted by a trigger
		logger.Infof("Run %s is %s, trigger returns without draining.", run.ID, run.Status)
		return run, &dispatcher.DrainReport{FinalStatus: map[string]model.RunStatus{run.ID: run.Status}}, nil
	}
	report, err := d.DrainRun(ctx, run.ID, opts)
	if err != nil {
		return run, report, err
	}
	refreshed, err := p.store.GetRun(ctx, run.ID)
	if err != nil {
		return run, report, err
	}
	return refreshed, report, nil
}

// Summary returns the live aggregation of a run's item states.
func (p *Pipelines) Summary(ctx context.Context, runID string) (*model.Summary, error) {
	return p.store.Summarize(ctx, runID)
}

// GetRun returns the run by id.
func (p *Pipelines) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	return p.store.GetRun(ctx, runID)
}

// PauseRun pauses a processing run. New dispatch stops; in-flight items
// finish on their own.
func (p *Pipelines) PauseRun(ctx context.Context, runID string) error {
	return p.store.UpdateRunStatus(ctx, runID,
		[]model.RunStatus{model.RunStatusProcessing},
		model.RunStatusPaused, "", "")
}

// ResumeRun returns a paused, stopped, or blocked run to processing. For a
// blocked run this is the operator's "fixed upstream, try again" path.
func (p *Pipelines) ResumeRun(ctx context.Context, runID string) error {
	return p.store.UpdateRunStatus(ctx, runID,
		[]model.RunStatus{model.RunStatusPaused, model.RunStatusStopped, model.RunStatusBlocked},
		model.RunStatusProcessing, "", "")
}

// StopRun stops a processing or paused run.
func (p *Pipelines) StopRun(ctx context.Context, runID string) error {
	return p.store.UpdateRunStatus(ctx, runID,
		[]model.RunStatus{model.RunStatusProcessing, model.RunStatusPaused},
		model.RunStatusStopped, "", "")
}

// AcknowledgeRun closes a blocked run as completed_with_errors. The terminal
// failures stay recorded on their items; the scope becomes free again.
func (p *Pipelines) AcknowledgeRun(ctx context.Context, runID string) error {
	return p.store.UpdateRunStatus(ctx, runID,
		[]model.RunStatus{model.RunStatusBlocked},
		model.RunStatusCompletedWithErrors, "", "")
}
