package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/pkg/pipeline/model"
	"github.com/weftworks/loom/pkg/pipeline/queue"
	"github.com/weftworks/loom/pkg/pipeline/repository/memory"
	"github.com/weftworks/loom/pkg/support/exception"
)

func newRefs(n int) []model.WorkRef {
	refs := make([]model.WorkRef, n)
	for i := range refs {
		refs[i] = model.WorkRef{ExternalID: model.NewID()}
	}
	return refs
}

func TestDrainRun_CompletesAllItems(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	run, err := store.CreateRun(ctx, model.KindCatalog, model.ScopeAll, newRefs(10), nil)
	require.NoError(t, err)

	var processed int32
	d := New(model.KindCatalog, store, nil, func(_ context.Context, item *model.Item) (string, error) {
		atomic.AddInt32(&processed, 1)
		return "done", nil
	}, nil, Options{MaxAttempts: 3})

	report, err := d.DrainRun(ctx, run.ID, DrainOptions{Batch: 4, Concurrency: 2})
	require.NoError(t, err)

	assert.Equal(t, 10, report.Completed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, int32(10), atomic.LoadInt32(&processed))
	assert.Equal(t, model.RunStatusCompleted, report.FinalStatus[run.ID])

	sum, err := store.Summarize(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Completed)
	assert.False(t, sum.Runnable())
}

func TestDrainRun_RetriesUntilBudgetThenBlocks(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	run, err := store.CreateRun(ctx, model.KindCatalog, model.ScopeAll, newRefs(1), nil)
	require.NoError(t, err)

	var attempts int32
	d := New(model.KindCatalog, store, nil, func(_ context.Context, _ *model.Item) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", exception.New("test", "upstream unavailable", nil, true)
	}, nil, Options{MaxAttempts: 3})

	report, err := d.DrainRun(ctx, run.ID, DrainOptions{Batch: 5, Concurrency: 1})
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, model.RunStatusBlocked, report.FinalStatus[run.ID])

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusBlocked, got.Status)
	assert.NotEmpty(t, got.BlockReason)
}

func TestDrainRun_RunFatalErrorBlocksImmediately(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	run, err := store.CreateRun(ctx, model.KindCatalog, model.ScopeAll, newRefs(5), nil)
	require.NoError(t, err)

	var calls int32
	d := New(model.KindCatalog, store, nil, func(_ context.Context, _ *model.Item) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", exception.NewRunFatal("test", "credentials revoked", nil)
	}, nil, Options{MaxAttempts: 3})

	_, err = d.DrainRun(ctx, run.ID, DrainOptions{Batch: 1, Concurrency: 1})
	require.NoError(t, err)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusBlocked, got.Status)
	// one batch of one item, then the loop stops
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDrainRun_PausedRunStopsWithoutTouchingItems(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	run, err := store.CreateRun(ctx, model.KindCatalog, model.ScopeAll, newRefs(3), nil)
	require.NoError(t, err)
	require.NoError(t, store.UpdateRunStatus(ctx, run.ID, nil, model.RunStatusPaused, "", ""))

	d := New(model.KindCatalog, store, nil, func(_ context.Context, _ *model.Item) (string, error) {
		t.Fatal("processor must not run for a paused run")
		return "", nil
	}, nil, Options{})

	report, err := d.DrainRun(ctx, run.ID, DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Completed)

	sum, err := store.Summarize(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Pending)
}

func TestDrainRun_ConsecutiveErrorLimitPausesRun(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	run, err := store.CreateRun(ctx, model.KindCatalog, model.ScopeAll, newRefs(6), nil)
	require.NoError(t, err)

	d := New(model.KindCatalog, store, nil, func(_ context.Context, _ *model.Item) (string, error) {
		return "", exception.New("test", "boom", nil, true)
	}, nil, Options{MaxAttempts: 5, ConsecutiveErrorLimit: 4})

	report, err := d.DrainRun(ctx, run.ID, DrainOptions{Batch: 2, Concurrency: 1})
	require.NoError(t, err)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPaused, got.Status)
	assert.GreaterOrEqual(t, report.Failed, 4)
}

func TestDrainRun_DeadlineLeavesRemainingWorkResumable(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	run, err := store.CreateRun(ctx, model.KindCatalog, model.ScopeAll, newRefs(20), nil)
	require.NoError(t, err)

	d := New(model.KindCatalog, store, nil, func(_ context.Context, _ *model.Item) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "ok", nil
	}, nil, Options{})

	report, err := d.DrainRun(ctx, run.ID, DrainOptions{Batch: 2, Concurrency: 1, MaxWait: 50 * time.Millisecond})
	require.NoError(t, err)

	assert.True(t, report.Deadline)
	assert.Less(t, report.Completed, 20)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	// still active, so the next pass can pick up where this one stopped
	assert.Equal(t, model.RunStatusProcessing, got.Status)

	sum, err := store.Summarize(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, sum.Total)
	assert.Equal(t, 20, sum.Pending+sum.Completed)
}

func TestConcurrentClaim_ExactlyOneWinnerPerItem(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	run, err := store.CreateRun(ctx, model.KindCatalog, model.ScopeAll, newRefs(1), nil)
	require.NoError(t, err)
	items, err := store.ListClaimable(ctx, run.ID, 3, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	id := items[0].ID

	const callers = 32
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimForProcessing(ctx, id, 3, 0)
			require.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&wins))
	got, err := store.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusInProgress, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestConcurrentDrain_NoItemProcessedTwice(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	run, err := store.CreateRun(ctx, model.KindCatalog, model.ScopeAll, newRefs(30), nil)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[string]int)
	proc := func(_ context.Context, item *model.Item) (string, error) {
		mu.Lock()
		seen[item.ID]++
		mu.Unlock()
		return "ok", nil
	}

	d1 := New(model.KindCatalog, store, nil, proc, nil, Options{MaxAttempts: 3})
	d2 := New(model.KindCatalog, store, nil, proc, nil, Options{MaxAttempts: 3})

	var wg sync.WaitGroup
	for _, d := range []*Dispatcher{d1, d2} {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			_, err := d.DrainRun(ctx, run.ID, DrainOptions{Batch: 5, Concurrency: 4})
			assert.NoError(t, err)
		}(d)
	}
	wg.Wait()

	assert.Len(t, seen, 30)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s processed more than once", id)
	}
	sum, err := store.Summarize(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, sum.Completed)
}

func TestEnqueue_DeduplicatesAcrossCalls(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	run, err := store.CreateRun(ctx, model.KindCatalog, model.ScopeAll, newRefs(4), nil)
	require.NoError(t, err)

	q := queue.NewKeyed(16)
	d := New(model.KindCatalog, store, q, func(_ context.Context, _ *model.Item) (string, error) {
		return "ok", nil
	}, nil, Options{})

	n, err := d.Enqueue(ctx, run.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// everything is already queued, nothing claimable remains
	n, err = d.Enqueue(ctx, run.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 4, q.Len())
}

func TestWork_ConsumesQueueAndFinalizesRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore()
	run, err := store.CreateRun(ctx, model.KindCatalog, model.ScopeAll, newRefs(3), nil)
	require.NoError(t, err)

	q := queue.NewKeyed(16)
	var processed int32
	d := New(model.KindCatalog, store, q, func(_ context.Context, _ *model.Item) (string, error) {
		atomic.AddInt32(&processed, 1)
		return "ok", nil
	}, nil, Options{})

	done := make(chan struct{})
	go func() {
		_ = d.Work(ctx)
		close(done)
	}()

	_, err = d.Enqueue(ctx, run.ID, 10)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetRun(ctx, run.ID)
		return err == nil && got.Status == model.RunStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, int32(3), atomic.LoadInt32(&processed))
}

func TestSweepStale_RequeuesDroppedAndStuckItems(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	run, err := store.CreateRun(ctx, model.KindCatalog, model.ScopeAll, newRefs(2), nil)
	require.NoError(t, err)

	items, err := store.ListClaimable(ctx, run.ID, 3, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// first item queued and dropped, second claimed and abandoned
	_, err = store.MarkQueued(ctx, []string{items[0].ID})
	require.NoError(t, err)
	ok, err := store.ClaimForProcessing(ctx, items[1].ID, 3, 0)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(15 * time.Millisecond)
	swept, err := store.SweepStale(ctx, run.ID, 5*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	sum, err := store.Summarize(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Pending)
}

func TestDrainRun_ForceReclaimTakesOverInProgressItems(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	run, err := store.CreateRun(ctx, model.KindCatalog, model.ScopeAll, newRefs(1), nil)
	require.NoError(t, err)

	items, err := store.ListClaimable(ctx, run.ID, 3, 1)
	require.NoError(t, err)
	ok, err := store.ClaimForProcessing(ctx, items[0].ID, 3, 0)
	require.NoError(t, err)
	require.True(t, ok)

	d := New(model.KindCatalog, store, nil, func(_ context.Context, _ *model.Item) (string, error) {
		return "recovered", nil
	}, nil, Options{MaxAttempts: 3})

	time.Sleep(2 * time.Millisecond)
	report, err := d.DrainRun(ctx, run.ID, DrainOptions{ForceReclaim: true})
	require.NoError(t, err)

	// sweep returned the abandoned item to pending, then the pass completed it
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, model.RunStatusCompleted, report.FinalStatus[run.ID])
}
