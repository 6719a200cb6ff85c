package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/proofgate/proofgate/registry"
)

// SaveWorker adds or updates a roster record.
func (s *Store) SaveWorker(ctx context.Context, rec *registry.Record) error {
	key := workerKey(rec.ID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, recordToMap(rec))
	pipe.SAdd(ctx, workerIDsKey, rec.ID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("proofgate/redis: save worker: %w", err)
	}
	return nil
}

// RemoveWorker deletes a roster record.
func (s *Store) RemoveWorker(ctx context.Context, workerID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, workerKey(workerID))
	pipe.SRem(ctx, workerIDsKey, workerID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("proofgate/redis: remove worker: %w", err)
	}
	return nil
}

// ListWorkers returns all roster records.
func (s *Store) ListWorkers(ctx context.Context) ([]*registry.Record, error) {
	ids, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("proofgate/redis: list workers: %w", err)
	}

	recs := make([]*registry.Record, 0, len(ids))
	for _, wID := range ids {
		vals, getErr := s.client.HGetAll(ctx, workerKey(wID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		rec, convErr := mapToRecord(vals)
		if convErr != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// ReplaceWorkers swaps the whole roster in one transaction.
func (s *Store) ReplaceWorkers(ctx context.Context, recs []*registry.Record) error {
	old, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return fmt.Errorf("proofgate/redis: replace workers smembers: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, wID := range old {
		pipe.Del(ctx, workerKey(wID))
	}
	pipe.Del(ctx, workerIDsKey)
	for _, rec := range recs {
		pipe.HSet(ctx, workerKey(rec.ID), recordToMap(rec))
		pipe.SAdd(ctx, workerIDsKey, rec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("proofgate/redis: replace workers: %w", err)
	}
	return nil
}

func recordToMap(rec *registry.Record) map[string]any {
	return map[string]any{
		"id":            rec.ID,
		"addr":          rec.Addr,
		"registered_at": rec.RegisteredAt.UTC().Format(time.RFC3339Nano),
	}
}

func mapToRecord(vals map[string]string) (*registry.Record, error) {
	registeredAt, err := time.Parse(time.RFC3339Nano, vals["registered_at"])
	if err != nil {
		return nil, fmt.Errorf("proofgate/redis: parse registered_at: %w", err)
	}
	return &registry.Record{
		ID:           vals["id"],
		Addr:         vals["addr"],
		RegisteredAt: registeredAt,
	}, nil
}
