package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/internal/repository"
)

const DefaultTriggerKey = "iris:triggers"

// triggerRepository keeps triggers in a sorted set scored by their expiry in
// unix milliseconds. Claiming is a ZREM, so only one caller wins a member.
type triggerRepository struct {
	client redis.UniversalClient
	key    string
}

func NewTriggerRepository(client redis.UniversalClient, key string) repository.TriggerRepository {
	if key == "" {
		key = DefaultTriggerKey
	}
	return &triggerRepository{client: client, key: key}
}

func (r *triggerRepository) Schedule(ctx context.Context, trigger model.Trigger) error {
	if trigger.DispatchID == "" {
		return fmt.Errorf("trigger dispatch id cannot be empty")
	}
	err := r.client.ZAdd(ctx, r.key, redis.Z{
		Score:  float64(trigger.ExpiresAt.UnixMilli()),
		Member: trigger.DispatchID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule trigger: %w", err)
	}
	return nil
}

func (r *triggerRepository) Cancel(ctx context.Context, dispatchID string) error {
	if err := r.client.ZRem(ctx, r.key, dispatchID).Err(); err != nil {
		return fmt.Errorf("failed to cancel trigger: %w", err)
	}
	return nil
}

func (r *triggerRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.Trigger, error) {
	if limit <= 0 {
		return nil, nil
	}

	due, err := r.client.ZRangeByScoreWithScores(ctx, r.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due triggers: %w", err)
	}
	if len(due) == 0 {
		return nil, nil
	}

	removals := make([]*redis.IntCmd, len(due))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, z := range due {
			removals[i] = pipe.ZRem(ctx, r.key, z.Member)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim due triggers: %w", err)
	}

	claimed := make([]model.Trigger, 0, len(due))
	for i, z := range due {
		// Another watcher removed it first.
		if removals[i].Val() != 1 {
			continue
		}
		claimed = append(claimed, model.Trigger{
			DispatchID: fmt.Sprint(z.Member),
			ExpiresAt:  time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return claimed, nil
}

func (r *triggerRepository) Get(ctx context.Context, dispatchID string) (*model.Trigger, error) {
	score, err := r.client.ZScore(ctx, r.key, dispatchID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", model.ErrTriggerNotFound, dispatchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}
	return &model.Trigger{
		DispatchID: dispatchID,
		ExpiresAt:  time.UnixMilli(int64(score)).UTC(),
	}, nil
}

func (r *triggerRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
