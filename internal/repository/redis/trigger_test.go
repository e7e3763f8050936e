package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/internal/repository"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, repository.TriggerRepository) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, NewTriggerRepository(client, "")
}

func TestTriggerRepository_ScheduleAndGet(t *testing.T) {
	_, repo := setupRedis(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour).Truncate(time.Millisecond).UTC()

	require.NoError(t, repo.Schedule(ctx, model.Trigger{DispatchID: "d-1", ExpiresAt: at}))

	got, err := repo.Get(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", got.DispatchID)
	assert.True(t, at.Equal(got.ExpiresAt))
}

func TestTriggerRepository_ScheduleMovesExisting(t *testing.T) {
	_, repo := setupRedis(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Schedule(ctx, model.Trigger{DispatchID: "d-1", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, repo.Schedule(ctx, model.Trigger{DispatchID: "d-1", ExpiresAt: now.Add(-time.Second)}))

	claimed, err := repo.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "d-1", claimed[0].DispatchID)
}

func TestTriggerRepository_GetMissing(t *testing.T) {
	_, repo := setupRedis(t)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrTriggerNotFound)
}

func TestTriggerRepository_Cancel(t *testing.T) {
	_, repo := setupRedis(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Schedule(ctx, model.Trigger{DispatchID: "d-1", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, repo.Cancel(ctx, "d-1"))
	require.NoError(t, repo.Cancel(ctx, "never-scheduled"))

	claimed, err := repo.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestTriggerRepository_ClaimDueOrderAndLimit(t *testing.T) {
	_, repo := setupRedis(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Schedule(ctx, model.Trigger{DispatchID: "late", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, repo.Schedule(ctx, model.Trigger{DispatchID: "early", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, repo.Schedule(ctx, model.Trigger{DispatchID: "future", ExpiresAt: now.Add(time.Hour)}))

	claimed, err := repo.ClaimDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "early", claimed[0].DispatchID)

	claimed, err = repo.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "late", claimed[0].DispatchID)

	_, err = repo.Get(ctx, "future")
	assert.NoError(t, err)
}

func TestTriggerRepository_ClaimDueExactlyOnce(t *testing.T) {
	mr, repo := setupRedis(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, repo.Schedule(ctx, model.Trigger{DispatchID: id, ExpiresAt: now.Add(-time.Second)}))
	}

	// Two watchers sharing the same set.
	other := NewTriggerRepository(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for _, r := range []repository.TriggerRepository{repo, other} {
		wg.Add(1)
		go func(r repository.TriggerRepository) {
			defer wg.Done()
			claimed, err := r.ClaimDue(ctx, now, 10)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, c := range claimed {
				seen[c.DispatchID]++
			}
		}(r)
	}
	wg.Wait()

	assert.Len(t, seen, 4)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestTriggerRepository_Ping(t *testing.T) {
	mr, repo := setupRedis(t)

	assert.NoError(t, repo.Ping(context.Background()))
	mr.Close()
	assert.Error(t, repo.Ping(context.Background()))
}
