/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package durablestore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/jordigilh/orchestrator-core/internal/errors"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// RedisStore is a lighter-weight Store for deployments that don't need
// Postgres's durability guarantees, trading query flexibility for a single
// low-latency dependency. Terminal records are stored as JSON values under
// orchestrator:record:<workflow_id>, indexed per classification via a sorted set keyed
// on completed_at so ListByClassification can page newest-first cheaply.
// Rollups are maintained with HINCRBY, avoiding read-modify-write races.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and verifies reachability with a PING.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to reach redis")
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an already-constructed client, letting
// tests point the store at a miniredis instance.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(workflowID string) string { return "orchestrator:record:" + workflowID }
func indexKey(classification orchestratortypes.WorkflowClassification) string {
	return "orchestrator:index:" + string(classification)
}
func rollupKey(classification orchestratortypes.WorkflowClassification) string {
	return "orchestrator:rollup:" + string(classification)
}

func (s *RedisStore) RecordTerminal(ctx context.Context, record TerminalRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to marshal terminal record")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(record.WorkflowID), payload, 0)
	pipe.ZAdd(ctx, indexKey(record.Classification), redis.Z{
		Score:  float64(record.CompletedAt.Unix()),
		Member: record.WorkflowID,
	})

	rk := rollupKey(record.Classification)
	pipe.HIncrBy(ctx, rk, "total", 1)
	pipe.HIncrBy(ctx, rk, outcomeField(record.Status), 1)
	pipe.HIncrBy(ctx, rk, "duration_sum_ms", record.Duration().Milliseconds())

	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to record terminal workflow in redis")
	}
	return nil
}

func outcomeField(status orchestratortypes.WorkflowStatus) string {
	switch status {
	case orchestratortypes.WorkflowStatusCompleted:
		return "completed"
	case orchestratortypes.WorkflowStatusFailed:
		return "failed"
	case orchestratortypes.WorkflowStatusCancelled:
		return "cancelled"
	case orchestratortypes.WorkflowStatusTimeout:
		return "timeout"
	default:
		return "other"
	}
}

func (s *RedisStore) Get(ctx context.Context, workflowID string) (TerminalRecord, error) {
	payload, err := s.client.Get(ctx, recordKey(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return TerminalRecord{}, apperrors.NewNotFoundError("workflow " + workflowID)
	}
	if err != nil {
		return TerminalRecord{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to get terminal record")
	}

	var record TerminalRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return TerminalRecord{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to unmarshal terminal record")
	}
	return record, nil
}

func (s *RedisStore) ListByClassification(ctx context.Context, classification orchestratortypes.WorkflowClassification, limit int) ([]TerminalRecord, error) {
	ids, err := s.client.ZRevRange(ctx, indexKey(classification), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to list terminal record index")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	payloads, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to batch-fetch terminal records")
	}

	records := make([]TerminalRecord, 0, len(payloads))
	for _, p := range payloads {
		str, ok := p.(string)
		if !ok {
			continue
		}
		var record TerminalRecord
		if err := json.Unmarshal([]byte(str), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CompletedAt.After(records[j].CompletedAt) })
	return records, nil
}

func (s *RedisStore) RollupFor(ctx context.Context, classification orchestratortypes.WorkflowClassification) (Rollup, error) {
	fields, err := s.client.HGetAll(ctx, rollupKey(classification)).Result()
	if err != nil {
		return Rollup{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to get rollup")
	}
	if len(fields) == 0 {
		return Rollup{Classification: classification}, nil
	}

	total := parseInt(fields["total"])
	durationSum := parseInt(fields["duration_sum_ms"])
	mean := 0.0
	if total > 0 {
		mean = float64(durationSum) / float64(total)
	}
	return Rollup{
		Classification: classification,
		Total:          total,
		Completed:      parseInt(fields["completed"]),
		Failed:         parseInt(fields["failed"]),
		Cancelled:      parseInt(fields["cancelled"]),
		Timeout:        parseInt(fields["timeout"]),
		MeanDurationMs: mean,
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
