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

// Package job 远端执行任务实体：一次 ComfyUI 提交对应一个 Job，单实例同时至多一个在途。
package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"comfybox/internal/workflow"
)

var (
	// ErrSubmission 提交被网络或服务端拒绝（可由宿主重新请求）
	ErrSubmission = errors.New("job: submission failed")
	// ErrRemoteExecutionFailed 服务端已受理但执行失败
	ErrRemoteExecutionFailed = errors.New("job: remote execution failed")
)

// Status 任务状态
type Status int

const (
	StatusIdle Status = iota
	StatusQueued
	StatusRunning
	StatusInterrupted
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusInterrupted:
		return "interrupted"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStatus 解析 String() 的输出
func ParseStatus(s string) (Status, error) {
	for st := StatusIdle; st <= StatusFailed; st++ {
		if st.String() == strings.ToLower(s) {
			return st, nil
		}
	}
	return StatusIdle, fmt.Errorf("job: unknown status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// InFlight 已提交且未到终态
func (s Status) InFlight() bool {
	return s == StatusQueued || s == StatusRunning
}

// Terminal 终态：再次 Poll 不会访问服务端
func (s Status) Terminal() bool {
	return s == StatusInterrupted || s == StatusCompleted || s == StatusFailed
}

// Job 一次远端执行尝试
type Job struct {
	// ID ComfyUI prompt_id
	ID       string `json:"id"`
	ClientID string `json:"client_id,omitempty"`
	// Number 服务端队列序号
	Number int    `json:"number,omitempty"`
	Status Status `json:"status"`
	Frame  int    `json:"frame"`
	// Artifacts 期望产物：输出槽位 → 文件路径，提交时确定且不再改变
	Artifacts map[string]string `json:"artifacts,omitempty"`
	// Graph 提交时的图快照
	Graph       *workflow.Graph `json:"graph,omitempty"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// New 创建 Queued 状态的 Job
func New(id string, graph *workflow.Graph, artifacts map[string]string, frame int) *Job {
	now := time.Now()
	out := make(map[string]string, len(artifacts))
	for k, v := range artifacts {
		out[k] = v
	}
	return &Job{
		ID:          id,
		Status:      StatusQueued,
		Frame:       frame,
		Artifacts:   out,
		Graph:       graph,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

// WithStatus 返回状态更新后的副本；状态未变时返回原对象
func (j *Job) WithStatus(s Status, errMsg string) *Job {
	if j.Status == s && j.Error == errMsg {
		return j
	}
	c := *j
	c.Status = s
	c.Error = errMsg
	c.UpdatedAt = time.Now()
	return &c
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s (%s)", j.ID, j.Status)
}
