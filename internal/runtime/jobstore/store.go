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

// Package jobstore 任务事件账本：每个远端 Job 的状态变化以不可变事件追加保存，用于审计与排障。
package jobstore

import (
	"context"
	"errors"
)

var (
	// ErrVersionMismatch Append 时当前 version 与 expectedVersion 不一致
	ErrVersionMismatch = errors.New("jobstore: version mismatch on append")
)

// JobStore 任务事件存储：版本化追加 + 按序读取
type JobStore interface {
	// ListEvents 返回该 job 的完整事件列表（按序）及当前 version（事件条数；0 表示尚无事件）
	ListEvents(ctx context.Context, jobID string) ([]JobEvent, int, error)
	// Append 仅当 expectedVersion 等于当前 version 时追加，返回 newVersion；否则返回 ErrVersionMismatch
	Append(ctx context.Context, jobID string, expectedVersion int, event JobEvent) (newVersion int, err error)
	// ListJobIDs 按首次追加时间倒序返回最近的 job_id，limit<=0 表示全部
	ListJobIDs(ctx context.Context, limit int) ([]string, error)
	// Close 释放连接
	Close() error
}

// AppendNext 读取当前 version 后追加一条事件；单写者场景下使用
func AppendNext(ctx context.Context, s JobStore, jobID string, event JobEvent) (int, error) {
	_, version, err := s.ListEvents(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return s.Append(ctx, jobID, version, event)
}
