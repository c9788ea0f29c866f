package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/playtime/internal/storage"
	"github.com/redis/go-redis/v9"
)

// presenceStore keeps heartbeats in a sorted set scored by unix millis
type presenceStore struct {
	client *redis.Client
}

func (s *presenceStore) Touch(ctx context.Context, identity string, at time.Time) error {
	err := s.client.ZAdd(ctx, presenceKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: identity,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

func (s *presenceStore) List(ctx context.Context) ([]storage.Presence, error) {
	entries, err := s.client.ZRangeWithScores(ctx, presenceKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}

	out := make([]storage.Presence, 0, len(entries))
	for _, z := range entries {
		identity, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, storage.Presence{
			Identity: identity,
			LastSeen: time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return out, nil
}

func (s *presenceStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.client.ZRemRangeByScore(ctx, presenceKey, "-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to prune presence: %w", err)
	}
	return int(n), nil
}
