// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "comfybox"

// redisStore Redis 实现：每个 job 一个 LIST 保存事件，ZSET 按首次追加时间索引 job_id
type redisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions Redis 连接配置
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore 创建基于 Redis 的 JobStore
func NewRedisStore(ctx context.Context, opts RedisOptions) (JobStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix}, nil
}

func (s *redisStore) eventsKey(jobID string) string {
	return s.prefix + ":job:" + jobID + ":events"
}

func (s *redisStore) jobsKey() string {
	return s.prefix + ":jobs"
}

func (s *redisStore) ListEvents(ctx context.Context, jobID string) ([]JobEvent, int, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, 0, err
	}
	if len(raw) == 0 {
		return nil, 0, nil
	}
	events := make([]JobEvent, 0, len(raw))
	for _, item := range raw {
		var e JobEvent
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, len(events), nil
}

func (s *redisStore) Append(ctx context.Context, jobID string, expectedVersion int, event JobEvent) (int, error) {
	if jobID == "" {
		return 0, ErrVersionMismatch
	}
	if event.ID == "" {
		event.ID = "ev-" + uuid.New().String()
	}
	event.JobID = jobID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}
	key := s.eventsKey(jobID)

	// WATCH + MULTI 实现 CAS：LIST 长度即 version
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if int(n) != expectedVersion {
			return ErrVersionMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			if expectedVersion == 0 {
				pipe.ZAdd(ctx, s.jobsKey(), redis.Z{Score: float64(event.CreatedAt.UnixNano()), Member: jobID})
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, ErrVersionMismatch
	}
	if err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

func (s *redisStore) ListJobIDs(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	return s.client.ZRevRange(ctx, s.jobsKey(), 0, stop).Result()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
