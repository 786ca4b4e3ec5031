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

// Package comfy ComfyUI HTTP 客户端：提交工作流、查询执行状态、中断执行。
// 每次调用是一次有界的请求往返，不做客户端重试。
package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"comfybox/internal/job"
	"comfybox/internal/workflow"
	"comfybox/pkg/log"
	"comfybox/pkg/metrics"
	"comfybox/pkg/tracing"
)

// Options 客户端配置
type Options struct {
	BaseURL string
	Timeout time.Duration
	// ClientID ComfyUI client_id，为空时生成 uuid
	ClientID string
	// Token 非空时以 Bearer 方式携带
	Token string
}

// Client ComfyUI 客户端
type Client struct {
	http     *resty.Client
	clientID string
	logger   *log.Logger
}

// NewClient 创建客户端；logger 为 nil 时丢弃日志
func NewClient(opts Options, logger *log.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.New().String()
	}
	if logger == nil {
		logger = log.Discard()
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")
	if opts.Token != "" {
		c.SetAuthToken(opts.Token)
	}
	return &Client{http: c, clientID: opts.ClientID, logger: logger}
}

// ClientID 本客户端提交时使用的 client_id
func (c *Client) ClientID() string {
	return c.clientID
}

type promptRequest struct {
	Prompt   *workflow.Graph `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type promptResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// Submit 提交图，成功返回 Queued 状态的 Job（携带图快照与期望产物）。
// 网络错误、非 2xx、node_errors 或空 prompt_id 均返回 job.ErrSubmission。
func (c *Client) Submit(ctx context.Context, g *workflow.Graph, artifacts map[string]string, frame int) (j *job.Job, err error) {
	ctx, span := tracing.Start(ctx, "comfy.submit", attribute.Int("frame", frame), attribute.Int("nodes", g.Len()))
	defer func() { tracing.End(span, err) }()
	defer observe("submit", time.Now())
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.SubmitTotal.WithLabelValues(result).Inc()
	}()

	var out promptResponse
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(promptRequest{Prompt: g, ClientID: c.clientID}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/prompt")
	if err != nil {
		return nil, fmt.Errorf("%w: POST /prompt: %w", job.ErrSubmission, err)
	}
	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = resp.String()
		}
		return nil, fmt.Errorf("%w: POST /prompt: %d %s%s", job.ErrSubmission, resp.StatusCode(), msg, nodeErrorList(apiErr.NodeErrors))
	}
	if len(out.NodeErrors) > 0 {
		return nil, fmt.Errorf("%w: POST /prompt: node errors%s", job.ErrSubmission, nodeErrorList(out.NodeErrors))
	}
	if out.PromptID == "" {
		return nil, fmt.Errorf("%w: POST /prompt: empty prompt_id", job.ErrSubmission)
	}

	j = job.New(out.PromptID, g.Clone(), artifacts, frame)
	j.ClientID = c.clientID
	j.Number = out.Number
	c.logger.Info("工作流已提交", "prompt_id", j.ID, "number", j.Number, "frame", frame)
	return j, nil
}

func nodeErrorList(nodeErrors map[string]json.RawMessage) string {
	if len(nodeErrors) == 0 {
		return ""
	}
	ids := make([]string, 0, len(nodeErrors))
	for id := range nodeErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return " (nodes " + strings.Join(ids, ",") + ")"
}

type historyStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

type historyEntry struct {
	Status historyStatus `json:"status"`
}

// Poll 查询一次状态：先查 /history/{id}，不在 history 中再查 /queue。
// 终态 Job 原样返回，不访问服务端。
func (c *Client) Poll(ctx context.Context, j *job.Job) (_ *job.Job, err error) {
	if j == nil || !j.Status.InFlight() {
		return j, nil
	}
	ctx, span := tracing.Start(ctx, "comfy.poll", attribute.String("prompt_id", j.ID))
	defer func() { tracing.End(span, err) }()
	defer observe("poll", time.Now())

	history := map[string]historyEntry{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&history).
		Get("/history/" + j.ID)
	if err != nil {
		return j, fmt.Errorf("GET /history/%s: %w", j.ID, err)
	}
	if resp.IsError() {
		return j, fmt.Errorf("GET /history/%s: %d %s", j.ID, resp.StatusCode(), resp.String())
	}

	if entry, ok := history[j.ID]; ok {
		status, msg := entry.Status.classify()
		return c.transition(j, status, msg), nil
	}

	q, err := c.queue(ctx)
	if err != nil {
		return j, err
	}
	switch {
	case q.has(q.Running, j.ID):
		return c.transition(j, job.StatusRunning, ""), nil
	case q.has(q.Pending, j.ID):
		return c.transition(j, job.StatusQueued, ""), nil
	default:
		return c.transition(j, job.StatusFailed, "job lost by server"), nil
	}
}

func (c *Client) transition(j *job.Job, s job.Status, msg string) *job.Job {
	next := j.WithStatus(s, msg)
	if next != j {
		c.logger.Info("Job 状态变化", "prompt_id", j.ID, "from", j.Status.String(), "to", s.String())
	}
	return next
}

// classify history 条目 → 状态；history 中尚未标记完成的条目视为 Running
func (h historyStatus) classify() (job.Status, string) {
	switch h.StatusStr {
	case "success":
		return job.StatusCompleted, ""
	case "error":
		interrupted, msg := h.scanMessages()
		if interrupted {
			return job.StatusInterrupted, ""
		}
		if msg == "" {
			msg = "execution error"
		}
		return job.StatusFailed, msg
	}
	if h.Completed {
		return job.StatusCompleted, ""
	}
	return job.StatusRunning, ""
}

// scanMessages 遍历 [name, payload] 消息对
func (h historyStatus) scanMessages() (interrupted bool, errMsg string) {
	for _, raw := range h.Messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) == 0 {
			continue
		}
		var name string
		if err := json.Unmarshal(pair[0], &name); err != nil {
			continue
		}
		switch name {
		case "execution_interrupted":
			interrupted = true
		case "execution_error":
			if len(pair) < 2 {
				continue
			}
			var payload struct {
				NodeID           string `json:"node_id"`
				NodeType         string `json:"node_type"`
				ExceptionMessage string `json:"exception_message"`
			}
			if json.Unmarshal(pair[1], &payload) == nil {
				errMsg = strings.TrimSpace(payload.ExceptionMessage)
				if payload.NodeType != "" {
					errMsg = fmt.Sprintf("%s (node %s %s)", errMsg, payload.NodeID, payload.NodeType)
				}
			}
		}
	}
	return interrupted, errMsg
}

// Interrupt 中断在途 Job：Queued 从队列删除，Running 中断执行；服务端 2xx 即视为 Interrupted。
// 非在途 Job 原样返回。
func (c *Client) Interrupt(ctx context.Context, j *job.Job) (_ *job.Job, err error) {
	if j == nil || !j.Status.InFlight() {
		return j, nil
	}
	ctx, span := tracing.Start(ctx, "comfy.interrupt", attribute.String("prompt_id", j.ID), attribute.String("status", j.Status.String()))
	defer func() { tracing.End(span, err) }()
	defer observe("interrupt", time.Now())

	req := c.http.R().SetContext(ctx)
	var path string
	if j.Status == job.StatusQueued {
		path = "/queue"
		req.SetBody(map[string][]string{"delete": {j.ID}})
	} else {
		path = "/interrupt"
		req.SetBody(map[string]string{"prompt_id": j.ID})
	}
	resp, err := req.Post(path)
	if err != nil {
		return j, fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.IsError() {
		return j, fmt.Errorf("POST %s: %d %s", path, resp.StatusCode(), resp.String())
	}
	return c.transition(j, job.StatusInterrupted, ""), nil
}

// QueueState /queue 快照：运行中与排队中的 prompt_id
type QueueState struct {
	Running []string `json:"running"`
	Pending []string `json:"pending"`
}

func (q *QueueState) has(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Queue 查询服务端队列
func (c *Client) Queue(ctx context.Context) (*QueueState, error) {
	defer observe("queue", time.Now())
	return c.queue(ctx)
}

func (c *Client) queue(ctx context.Context) (*QueueState, error) {
	var raw struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/queue")
	if err != nil {
		return nil, fmt.Errorf("GET /queue: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("GET /queue: %d %s", resp.StatusCode(), resp.String())
	}
	return &QueueState{Running: promptIDs(raw.Running), Pending: promptIDs(raw.Pending)}, nil
}

// promptIDs 队列项形如 [number, prompt_id, prompt, extra_data, outputs]
func promptIDs(items []json.RawMessage) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		var fields []json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || len(fields) < 2 {
			continue
		}
		var id string
		if json.Unmarshal(fields[1], &id) == nil && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func observe(op string, start time.Time) {
	metrics.RemoteCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
