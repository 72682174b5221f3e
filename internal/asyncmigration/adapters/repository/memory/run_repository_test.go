package memory

import (
	"context"
	"testing"
	"time"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepository()
	start := time.Date(2022, 2, 1, 3, 4, 5, 0, time.UTC)

	run := model.NewRun("m", "am0004_20220201030405", start)
	require.NoError(t, repo.Create(ctx, run))

	// callers mutating their copy do not change the stored run
	run.Status = model.RunStatusCompleted
	stored, err := repo.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, stored.Status)

	require.NoError(t, repo.Update(ctx, run))
	stored, _ = repo.FindByID(ctx, run.ID)
	assert.Equal(t, model.RunStatusCompleted, stored.Status)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrRunNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &model.Run{ID: "missing"}), model.ErrRunNotFound)
}

func TestFindLatest(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepository()
	start := time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC)

	first := model.NewRun("m", "k1", start)
	second := model.NewRun("m", "k2", start.Add(time.Hour))
	other := model.NewRun("other", "k3", start.Add(2*time.Hour))
	for _, run := range []*model.Run{first, second, other} {
		require.NoError(t, repo.Create(ctx, run))
	}

	latest, err := repo.FindLatest(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = repo.FindLatest(ctx, "none")
	assert.ErrorIs(t, err, model.ErrRunNotFound)
}

func TestCheckpointsKeepLatestStatePerIndex(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepository()

	for _, cp := range []model.Checkpoint{
		{RunID: "r", Index: 1, Description: "b", State: model.CheckpointStarted},
		{RunID: "r", Index: 0, Description: "a", State: model.CheckpointApplied},
		{RunID: "r", Index: 1, Description: "b", State: model.CheckpointApplied},
	} {
		require.NoError(t, repo.SaveCheckpoint(ctx, &cp))
	}

	checkpoints, err := repo.ListCheckpoints(ctx, "r")
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, 0, checkpoints[0].Index)
	assert.Equal(t, model.CheckpointApplied, checkpoints[1].State)
}
