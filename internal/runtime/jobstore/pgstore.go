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
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema job_events 表结构；EnsureSchema 在启动时执行
const Schema = `
CREATE TABLE IF NOT EXISTS job_events (
	id         BIGSERIAL PRIMARY KEY,
	job_id     TEXT        NOT NULL,
	version    INT         NOT NULL,
	type       TEXT        NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, version)
);
CREATE INDEX IF NOT EXISTS job_events_created_at_idx ON job_events (created_at);
`

// pgStore PostgreSQL 实现：事件表，(job_id, version) 唯一约束兜底并发追加
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的 JobStore；dsn 为连接串
func NewPostgresStore(ctx context.Context, dsn string) (JobStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &pgStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema 建表（幂等）
func (s *pgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// Close 关闭连接池
func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) ListEvents(ctx context.Context, jobID string) ([]JobEvent, int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, type, payload, created_at FROM job_events WHERE job_id = $1 ORDER BY version`,
		jobID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var events []JobEvent
	for rows.Next() {
		var e JobEvent
		var id int64
		var typeStr string
		var payload []byte
		if err := rows.Scan(&id, &e.JobID, &typeStr, &payload, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.ID = strconv.FormatInt(id, 10)
		e.Type = EventType(typeStr)
		if len(payload) > 0 && string(payload) != "null" {
			e.Payload = append([]byte(nil), payload...)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return events, len(events), nil
}

func (s *pgStore) Append(ctx context.Context, jobID string, expectedVersion int, event JobEvent) (int, error) {
	if jobID == "" {
		return 0, ErrVersionMismatch
	}
	newVersion := expectedVersion + 1
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	payload := []byte(event.Payload)
	if payload == nil {
		payload = []byte("null")
	}

	// CAS：仅当当前 max(version) = expectedVersion 时插入
	var currentMax *int
	err := s.pool.QueryRow(ctx, `SELECT MAX(version) FROM job_events WHERE job_id = $1`, jobID).Scan(&currentMax)
	if err != nil {
		return 0, err
	}
	cur := 0
	if currentMax != nil {
		cur = *currentMax
	}
	if cur != expectedVersion {
		return 0, ErrVersionMismatch
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO job_events (job_id, version, type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		jobID, newVersion, string(event.Type), payload, event.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrVersionMismatch
		}
		return 0, err
	}
	return newVersion, nil
}

func (s *pgStore) ListJobIDs(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT job_id FROM job_events WHERE version = 1 ORDER BY created_at DESC, job_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
