package gormstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/weftworks/loom/pkg/pipeline/model"
	"github.com/weftworks/loom/pkg/pipeline/repository"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&RunEntity{}, &ItemEntity{}))
	return NewStore(db)
}

func seedRun(t *testing.T, s *Store, n int) *model.Run {
	t.Helper()
	refs := make([]model.WorkRef, n)
	for i := range refs {
		refs[i] = model.WorkRef{BrandID: "brand-1"}
	}
	run, err := s.CreateRun(context.Background(), model.KindCatalog, "brand-1", refs, nil)
	require.NoError(t, err)
	return run
}

func TestCreateRun_RejectsBusyScope(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	run := seedRun(t, s, 2)
	assert.Equal(t, model.RunStatusProcessing, run.Status)

	_, err := s.CreateRun(ctx, model.KindCatalog, "brand-1", nil, nil)
	require.ErrorIs(t, err, repository.ErrScopeBusy)

	// a different kind on the same scope is fine
	_, err = s.CreateRun(ctx, model.KindEnrichment, "brand-1", nil, nil)
	require.NoError(t, err)
}

func TestClaimForProcessing_SecondClaimLoses(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s, 1)

	items, err := s.ListClaimable(ctx, run.ID, 3, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	id := items[0].ID

	claimed, err := s.ClaimForProcessing(ctx, id, 3, 0)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimForProcessing(ctx, id, 3, 0)
	require.NoError(t, err)
	assert.False(t, claimed, "in_progress item must not be claimable again")

	item, err := s.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, model.ItemStatusInProgress, item.Status)
}

func TestClaimForProcessing_RespectsAttemptCeiling(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s, 1)

	items, _ := s.ListClaimable(ctx, run.ID, 2, 10)
	id := items[0].ID

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := s.ClaimForProcessing(ctx, id, 2, 0)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, s.FailItem(ctx, id, "boom"))
	}

	claimed, err := s.ClaimForProcessing(ctx, id, 2, 0)
	require.NoError(t, err)
	assert.False(t, claimed, "attempts == maxAttempts is terminal")

	listed, err := s.ListClaimable(ctx, run.ID, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestMarkQueued_SkipsRowsClaimedMeanwhile(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s, 3)

	items, _ := s.ListClaimable(ctx, run.ID, 3, 10)
	ids := []string{items[0].ID, items[1].ID, items[2].ID}

	// one row is grabbed by a concurrent worker before MarkQueued lands
	claimed, err := s.ClaimForProcessing(ctx, ids[0], 3, 0)
	require.NoError(t, err)
	require.True(t, claimed)

	queued, err := s.MarkQueued(ctx, ids)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ids[1], ids[2]}, queued)
}

func TestSweepStale_ResetsBothLegs(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s, 2)

	items, _ := s.ListClaimable(ctx, run.ID, 3, 10)
	queuedID, stuckID := items[0].ID, items[1].ID

	_, err := s.MarkQueued(ctx, []string{queuedID})
	require.NoError(t, err)
	claimed, err := s.ClaimForProcessing(ctx, stuckID, 3, 0)
	require.NoError(t, err)
	require.True(t, claimed)

	// backdate both rows past the thresholds
	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.db.Model(&ItemEntity{}).Where("id = ?", queuedID).
		Update("updated_at", old).Error)
	require.NoError(t, s.db.Model(&ItemEntity{}).Where("id = ?", stuckID).
		Update("started_at", old).Error)

	swept, err := s.SweepStale(ctx, run.ID, 10*time.Minute, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	for _, id := range []string{queuedID, stuckID} {
		item, err := s.GetItem(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.ItemStatusPending, item.Status)
	}
}

func TestSweepStale_ZeroDurationDisablesLeg(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s, 1)

	items, _ := s.ListClaimable(ctx, run.ID, 3, 10)
	_, err := s.MarkQueued(ctx, []string{items[0].ID})
	require.NoError(t, err)

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.db.Model(&ItemEntity{}).Where("id = ?", items[0].ID).
		Update("updated_at", old).Error)

	swept, err := s.SweepStale(ctx, run.ID, 0, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestFinalize_CompletedAndBlocked(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s, 2)

	items, _ := s.ListClaimable(ctx, run.ID, 1, 10)

	// still runnable: finalize is a no-op
	status, err := s.Finalize(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusProcessing, status)

	claimed, _ := s.ClaimForProcessing(ctx, items[0].ID, 1, 0)
	require.True(t, claimed)
	require.NoError(t, s.CompleteItem(ctx, items[0].ID, "done"))
	claimed, _ = s.ClaimForProcessing(ctx, items[1].ID, 1, 0)
	require.True(t, claimed)
	require.NoError(t, s.FailItem(ctx, items[1].ID, "boom"))

	status, err = s.Finalize(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusBlocked, status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Contains(t, got.BlockReason, "exhausted the attempt budget")
	assert.Nil(t, got.FinishedAt)
}

func TestFinalize_SetsFinishedAtOnCompletion(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s, 1)

	items, _ := s.ListClaimable(ctx, run.ID, 3, 10)
	claimed, _ := s.ClaimForProcessing(ctx, items[0].ID, 3, 0)
	require.True(t, claimed)
	require.NoError(t, s.CompleteItem(ctx, items[0].ID, "done"))

	status, err := s.Finalize(ctx, run.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)

	// terminal runs no longer own the scope
	_, err = s.CreateRun(ctx, model.KindCatalog, "brand-1", nil, nil)
	require.NoError(t, err)
}

func TestUpdateRunStatus_ConditionalOnFrom(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s, 1)

	err := s.UpdateRunStatus(ctx, run.ID,
		[]model.RunStatus{model.RunStatusPaused}, model.RunStatusProcessing, "", "")
	require.ErrorIs(t, err, repository.ErrRunNotFound)

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID,
		[]model.RunStatus{model.RunStatusProcessing}, model.RunStatusPaused, "", ""))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPaused, got.Status)
}

func TestSummarize_GroupsByStatus(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s, 3)

	items, _ := s.ListClaimable(ctx, run.ID, 3, 10)
	claimed, _ := s.ClaimForProcessing(ctx, items[0].ID, 3, 0)
	require.True(t, claimed)
	require.NoError(t, s.CompleteItem(ctx, items[0].ID, "done"))
	_, err := s.MarkQueued(ctx, []string{items[1].ID})
	require.NoError(t, err)

	sum, err := s.Summarize(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 1, sum.Queued)
	assert.Equal(t, 1, sum.Pending)
	assert.True(t, sum.Runnable())
}
