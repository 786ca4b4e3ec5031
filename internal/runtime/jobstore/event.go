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
	"encoding/json"
	"time"
)

// EventType 任务事件类型
type EventType string

const (
	JobSubmitted     EventType = "job_submitted"
	JobStatusChanged EventType = "job_status_changed"
	JobInterrupted   EventType = "job_interrupted"
	JobCompleted     EventType = "job_completed"
	JobFailed        EventType = "job_failed"
	JobReconciled    EventType = "job_reconciled"
	JobDiscarded     EventType = "job_discarded"
)

// JobEvent 单条不可变事件
type JobEvent struct {
	ID        string          `json:"id"`     // 单条事件唯一 ID；Append 时为空由实现生成
	JobID     string          `json:"job_id"` // 所属 Job（ComfyUI prompt_id）
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"` // JSON，由各 EventType 语义定义
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent 以任意可序列化 payload 构造事件
func NewEvent(typ EventType, payload any) JobEvent {
	ev := JobEvent{Type: typ, CreatedAt: time.Now()}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}
