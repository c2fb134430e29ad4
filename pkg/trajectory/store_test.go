package trajectory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/pkg/models"
	"github.com/weftworks/loom/pkg/trajectory"
	"github.com/weftworks/loom/test/util"
)

func storeResult(taskID string, startedAt time.Time) *models.TrajectoryResult {
	return &models.TrajectoryResult{
		TaskID:      taskID,
		Description: "compute something",
		TaskType:    models.TaskTypeReasoning,
		Success:     true,
		Termination: models.TerminationAnswer,
		Steps: []models.Step{
			{StepID: 0, Kind: models.StepKindThought, Text: "ok"},
		},
		ToolCalls:  2,
		TokensUsed: models.TokenUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
		StartedAt:  startedAt,
		EndedAt:    startedAt.Add(3 * time.Second),
		DurationMS: 3000,
	}
}

func newTestStore(t *testing.T) *trajectory.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, err := trajectory.NewStore(ctx, util.PostgresDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreIndexAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Index(ctx, storeResult("task-old", base.Add(-time.Minute))))
	require.NoError(t, store.Index(ctx, storeResult("task-new", base)))

	summaries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, "task-new", summaries[0].TaskID, "newest first")
	assert.Equal(t, "task-old", summaries[1].TaskID)

	newest := summaries[0]
	assert.Equal(t, string(models.TaskTypeReasoning), newest.TaskType)
	assert.True(t, newest.Success)
	assert.Equal(t, string(models.TerminationAnswer), newest.Termination)
	assert.Equal(t, 1, newest.Steps)
	assert.Equal(t, 2, newest.ToolCalls)
	assert.Equal(t, 150, newest.TotalTokens)
	assert.Equal(t, int64(3000), newest.DurationMS)
}

func TestStoreRecentLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Index(ctx, storeResult("task", base.Add(time.Duration(i)*time.Second))))
	}

	summaries, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, summaries, 3)
}

func TestStoreMigrationsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dsn := util.PostgresDSN(t)
	first, err := trajectory.NewStore(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Reconnecting against an already-migrated schema must not fail.
	second, err := trajectory.NewStore(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
