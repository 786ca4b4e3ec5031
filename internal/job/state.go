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

package job

import (
	"encoding/json"

	"comfybox/internal/runtime/jobstore"
)

// StatusPayload job_status_changed 事件的 payload
type StatusPayload struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// DeriveStatusFromEvents 从账本事件流推导 Job 最后已知状态；无事件为 Idle
func DeriveStatusFromEvents(events []jobstore.JobEvent) Status {
	status := StatusIdle
	for _, e := range events {
		switch e.Type {
		case jobstore.JobSubmitted:
			status = StatusQueued
		case jobstore.JobStatusChanged:
			var p StatusPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				status = p.Status
			}
		case jobstore.JobInterrupted:
			status = StatusInterrupted
		case jobstore.JobCompleted:
			status = StatusCompleted
		case jobstore.JobFailed:
			status = StatusFailed
		default:
			// reconciled / discarded 不改变远端状态
		}
	}
	return status
}
