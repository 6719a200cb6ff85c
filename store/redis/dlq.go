package redis

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/proofgate/proofgate"
	"github.com/proofgate/proofgate/dlq"
	"github.com/proofgate/proofgate/id"
)

// PushDLQ appends a dead-letter entry.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	eID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, dlqKey(eID), dlqToMap(entry))
	pipe.ZAdd(ctx, dlqIndexKey, goredis.Z{
		Score:  float64(entry.FailedAt.UnixNano()),
		Member: eID,
	})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("proofgate/redis: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns entries newest-first, up to limit (0 = all).
func (s *Store) ListDLQ(ctx context.Context, limit int) ([]*dlq.Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, dlqIndexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("proofgate/redis: list dlq: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, dlqKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToDLQ(vals)
		if convErr != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetDLQ retrieves one entry.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	vals, err := s.client.HGetAll(ctx, dlqKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("proofgate/redis: get dlq: %w", err)
	}
	if len(vals) == 0 {
		return nil, proofgate.ErrDLQNotFound
	}
	return mapToDLQ(vals)
}

// MarkReplayed stamps an entry as resubmitted.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DLQID, at time.Time) error {
	key := dlqKey(entryID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("proofgate/redis: mark replayed exists: %w", err)
	}
	if exists == 0 {
		return proofgate.ErrDLQNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"replayed_at", at.UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("proofgate/redis: mark replayed: %w", err)
	}
	return nil
}

// PurgeDLQ removes all entries.
func (s *Store) PurgeDLQ(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, dlqIndexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("proofgate/redis: purge dlq zrange: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, eID := range ids {
		pipe.Del(ctx, dlqKey(eID))
	}
	pipe.Del(ctx, dlqIndexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("proofgate/redis: purge dlq: %w", err)
	}
	return len(ids), nil
}

// CountDLQ returns the number of entries.
func (s *Store) CountDLQ(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, dlqIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("proofgate/redis: count dlq: %w", err)
	}
	return int(n), nil
}

func dlqToMap(entry *dlq.Entry) map[string]any {
	m := map[string]any{
		"id":          entry.ID.String(),
		"job_id":      entry.JobID.String(),
		"payload":     base64.StdEncoding.EncodeToString(entry.Payload),
		"error":       entry.Error,
		"retry_count": entry.RetryCount,
		"max_retries": entry.MaxRetries,
		"failed_at":   entry.FailedAt.UTC().Format(time.RFC3339Nano),
	}
	if entry.ReplayedAt != nil {
		m["replayed_at"] = entry.ReplayedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func mapToDLQ(vals map[string]string) (*dlq.Entry, error) {
	entryID, err := id.ParseDLQID(vals["id"])
	if err != nil {
		return nil, fmt.Errorf("proofgate/redis: parse dlq id: %w", err)
	}
	jobID, err := id.ParseJobID(vals["job_id"])
	if err != nil {
		return nil, fmt.Errorf("proofgate/redis: parse dlq job id: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(vals["payload"])
	if err != nil {
		return nil, fmt.Errorf("proofgate/redis: decode dlq payload: %w", err)
	}
	failedAt, err := time.Parse(time.RFC3339Nano, vals["failed_at"])
	if err != nil {
		return nil, fmt.Errorf("proofgate/redis: parse failed_at: %w", err)
	}
	retryCount, _ := strconv.Atoi(vals["retry_count"])
	maxRetries, _ := strconv.Atoi(vals["max_retries"])

	entry := &dlq.Entry{
		ID:         entryID,
		JobID:      jobID,
		Payload:    payload,
		Error:      vals["error"],
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		FailedAt:   failedAt,
	}
	if raw, ok := vals["replayed_at"]; ok && raw != "" {
		replayedAt, parseErr := time.Parse(time.RFC3339Nano, raw)
		if parseErr == nil {
			entry.ReplayedAt = &replayedAt
		}
	}
	return entry, nil
}
