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

// Package lifecycle 执行生命周期状态机：每次宿主调用执行一次 Step，
// 读取宿主信号，按需打补丁并提交、轮询或中断远端 Job，并在完成后对账输出。
// 状态机拥有图与 Job，单线程使用，不加锁。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"comfybox/internal/job"
	"comfybox/internal/reconcile"
	"comfybox/internal/runtime/jobstore"
	"comfybox/internal/workflow"
	pkgerrors "comfybox/pkg/errors"
	"comfybox/pkg/log"
	"comfybox/pkg/metrics"
	"comfybox/pkg/tracing"
)

// ErrInvalidParameter 宿主参数无法转换为图中的字面量（上报宿主，不提交）
var ErrInvalidParameter = errors.New("lifecycle: invalid parameter")

// State 状态机状态
type State int

const (
	StateIdle State = iota
	StatePatching
	StateSubmitted
	StatePolling
	StateInterrupting
	StateReconciling
)

var stateNames = [...]string{"idle", "patching", "submitted", "polling", "interrupting", "reconciling"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState 解析 String() 的输出
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if strings.EqualFold(name, s) {
			return State(i), nil
		}
	}
	return StateIdle, fmt.Errorf("lifecycle: unknown state %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// JobClient 远端执行服务
type JobClient interface {
	Submit(ctx context.Context, g *workflow.Graph, artifacts map[string]string, frame int) (*job.Job, error)
	Poll(ctx context.Context, j *job.Job) (*job.Job, error)
	Interrupt(ctx context.Context, j *job.Job) (*job.Job, error)
}

// Signals 本周期的宿主输入，每周期只读取一次
type Signals struct {
	NewOutput bool
	Interrupt bool
	Frame     int
	Params    map[string]any
	// Inputs 宿主输入图层 → 文件路径
	Inputs map[string]string
}

// Transition 一次状态迁移
type Transition struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason"`
}

// Result 一个周期的结果
type Result struct {
	Transitions []Transition
	// Outputs 对账得到的宿主输出槽位 → 产物路径
	Outputs map[string]string
	// Applied 本周期写入图中的参数值
	Applied map[string]any
	// Err 需上报宿主的错误（提交失败、远端执行失败、产物缺失等），不影响本次调用的成功
	Err   error
	State State
	Job   *job.Job
}

// Snapshot 需要跨调用持久化的全部状态
type Snapshot struct {
	State    State           `json:"state"`
	Graph    *workflow.Graph `json:"graph,omitempty"`
	Bindings *Bindings       `json:"bindings,omitempty"`
	Job      *job.Job        `json:"job,omitempty"`
	Params   map[string]any  `json:"params,omitempty"`
}

// Options 状态机依赖
type Options struct {
	Profile    Profile
	Client     JobClient
	Reconciler *reconcile.Reconciler
	// Ledger 为 nil 时不记录事件
	Ledger jobstore.JobStore
	// Catalogs choice 参数使用的模型显示名列表
	Catalogs map[string][]string
	Logger   *log.Logger
}

// Machine 执行生命周期状态机
type Machine struct {
	profile    Profile
	client     JobClient
	reconciler *reconcile.Reconciler
	ledger     jobstore.JobStore
	catalogs   map[string][]string
	logger     *log.Logger

	state    State
	graph    *workflow.Graph
	bindings *Bindings
	job      *job.Job
	params   map[string]any
}

// New 创建状态机；需再调用 Load 或 Restore 装入图
func New(opts Options) (*Machine, error) {
	if err := opts.Profile.Validate(); err != nil {
		return nil, err
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("lifecycle: job client is required")
	}
	if opts.Reconciler == nil {
		opts.Reconciler = reconcile.New(nil, reconcile.Naming{}, opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	return &Machine{
		profile:    opts.Profile,
		client:     opts.Client,
		reconciler: opts.Reconciler,
		ledger:     opts.Ledger,
		catalogs:   opts.Catalogs,
		logger:     opts.Logger,
	}, nil
}

// Load 装入新图（通常来自工作流模板），解析绑定并回到 Idle
func (m *Machine) Load(g *workflow.Graph) error {
	b, err := Resolve(g, m.profile)
	if err != nil {
		return err
	}
	m.state = StateIdle
	m.graph = g
	m.bindings = b
	m.job = nil
	m.params = nil
	return nil
}

// Restore 从快照恢复；持久化的绑定与图不一致时重新解析
func (m *Machine) Restore(s Snapshot) error {
	if s.Graph == nil {
		return fmt.Errorf("%w: snapshot has no graph", workflow.ErrMalformedGraph)
	}
	b := s.Bindings
	if !b.matches(s.Graph, m.profile) {
		resolved, err := Resolve(s.Graph, m.profile)
		if err != nil {
			return err
		}
		b = resolved
	}
	m.graph = s.Graph
	m.bindings = b
	m.params = s.Params
	m.job = s.Job
	m.state = s.State

	// Patching / Reconciling 只存在于单个周期内部
	switch {
	case m.job == nil || !m.job.Status.InFlight():
		m.job = nil
		m.state = StateIdle
	case m.state != StateSubmitted && m.state != StatePolling && m.state != StateInterrupting:
		m.state = StatePolling
	}
	return nil
}

// Snapshot 导出当前状态
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{State: m.state, Graph: m.graph, Bindings: m.bindings, Job: m.job, Params: m.params}
}

// State 当前状态
func (m *Machine) State() State { return m.state }

// Graph 当前图
func (m *Machine) Graph() *workflow.Graph { return m.graph }

// Job 在途 Job，空闲时为 nil
func (m *Machine) Job() *job.Job { return m.job }

func (m *Machine) Bindings() *Bindings { return m.bindings }

func (m *Machine) Profile() Profile { return m.profile }

// Params 最近一次应用的参数值，回写给宿主
func (m *Machine) Params() map[string]any { return m.params }

func (m *Machine) inFlight() bool {
	return m.job != nil && m.job.Status.InFlight()
}

// Step 单一分派入口：中断优先；在途时每周期轮询一次；空闲时按需打补丁并提交。
// 提交与轮询不会发生在同一周期。返回的 error 仅为本次调用的致命错误（图或模板错误），
// 需上报宿主的错误放在 Result.Err。
func (m *Machine) Step(ctx context.Context, sig Signals) (res *Result, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "lifecycle.step",
		attribute.String("state", m.state.String()),
		attribute.Bool("new_output", sig.NewOutput),
		attribute.Bool("interrupt", sig.Interrupt),
		attribute.Int("frame", sig.Frame),
	)
	res = &Result{}
	defer func() {
		res.State = m.state
		res.Job = m.job
		metrics.CycleDuration.WithLabelValues(m.state.String()).Observe(time.Since(start).Seconds())
		if m.inFlight() {
			metrics.InflightJobs.Set(1)
		} else {
			metrics.InflightJobs.Set(0)
		}
		spanErr := err
		if spanErr == nil {
			spanErr = res.Err
		}
		tracing.End(span, spanErr)
	}()

	if m.graph == nil || m.bindings == nil {
		return res, fmt.Errorf("lifecycle: no graph loaded")
	}

	if sig.Interrupt && m.inFlight() && m.state != StateInterrupting {
		m.to(res, StateInterrupting, "interrupt requested")
	}

	switch m.state {
	case StateInterrupting:
		m.ignoreNewOutput(sig)
		m.interrupt(ctx, res)
		return res, nil
	case StateSubmitted, StatePolling:
		m.ignoreNewOutput(sig)
		m.poll(ctx, res)
		return res, nil
	}

	if sig.Interrupt {
		if sig.NewOutput {
			m.logger.Info("中断信号已置位，本周期不提交")
		}
		return res, nil
	}
	if sig.NewOutput {
		return res, m.submit(ctx, sig, res)
	}
	return res, nil
}

func (m *Machine) ignoreNewOutput(sig Signals) {
	if sig.NewOutput {
		m.logger.Info("已有在途 Job，忽略新的输出请求", "prompt_id", m.job.ID, "state", m.state.String())
	}
}

func (m *Machine) to(res *Result, s State, reason string) {
	res.Transitions = append(res.Transitions, Transition{From: m.state, To: s, Reason: reason})
	m.logger.Debug("状态迁移", "from", m.state.String(), "to", s.String(), "reason", reason)
	m.state = s
}

// submit Idle → Patching → Submitted；补丁在图副本上完成，成功后才替换当前图
func (m *Machine) submit(ctx context.Context, sig Signals, res *Result) error {
	m.to(res, StatePatching, "new output requested")

	patches, applied, err := m.patches(sig)
	if err != nil {
		m.to(res, StateIdle, "invalid parameters")
		res.Err = err
		return nil
	}
	work := m.graph.Clone()
	n, err := workflow.BindAll(work, patches)
	if err != nil {
		m.to(res, StateIdle, "patch failed")
		return pkgerrors.Wrapf(err, "patch graph (%d of %d applied)", n, len(patches))
	}
	metrics.PatchTotal.Add(float64(n))

	artifacts, err := m.reconciler.Expect(work, m.bindings.targets(m.profile), sig.Frame)
	if err != nil {
		m.to(res, StateIdle, "output naming failed")
		return pkgerrors.Wrap(err, "expect artifacts")
	}
	m.graph = work
	m.params = applied
	res.Applied = applied

	j, err := m.client.Submit(ctx, work, artifacts, sig.Frame)
	if err != nil {
		if !errors.Is(err, job.ErrSubmission) {
			err = fmt.Errorf("%w: %w", job.ErrSubmission, err)
		}
		m.logger.Warn("提交失败", "error", err)
		m.to(res, StateIdle, "submission failed")
		res.Err = err
		return nil
	}
	m.job = j
	m.to(res, StateSubmitted, "submitted "+j.ID)
	m.record(ctx, j.ID, jobstore.JobSubmitted, map[string]any{
		"frame":     j.Frame,
		"number":    j.Number,
		"artifacts": j.Artifacts,
		"params":    applied,
	})
	return nil
}

// patches 按 profile 顺序生成补丁：参数（模型、提示词、阈值、分辨率、输入路径），再到输出写节点
func (m *Machine) patches(sig Signals) ([]workflow.Patch, map[string]any, error) {
	var patches []workflow.Patch
	applied := make(map[string]any, len(m.profile.Params))
	for i, b := range m.profile.Params {
		v, ok, err := coerce(b, sig, m.catalogs)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			m.logger.Debug("参数未提供，保留模板值", "param", b.Param)
			continue
		}
		patches = append(patches, workflow.Set(m.bindings.Params[i].NodeID, b.Input, v))
		applied[b.Param] = v
		m.logger.Info("应用参数", "param", b.Param, "node", m.bindings.Params[i].NodeID, "input", b.Input, "value", v)
	}
	for i, o := range m.profile.Outputs {
		id := m.bindings.Outputs[i].NodeID
		if o.Prefix != "" {
			patches = append(patches, workflow.Set(id, o.PrefixInput, o.Prefix))
		}
		if o.FrameInput != "" {
			patches = append(patches, workflow.Set(id, o.FrameInput, sig.Frame))
		}
	}
	return patches, applied, nil
}

// poll Submitted/Polling：每周期一次状态查询
func (m *Machine) poll(ctx context.Context, res *Result) {
	if m.state == StateSubmitted {
		m.to(res, StatePolling, "awaiting status")
	}
	next, err := m.client.Poll(ctx, m.job)
	if err != nil {
		m.logger.Warn("状态查询失败，下个周期重试", "prompt_id", m.job.ID, "error", err)
		res.Err = pkgerrors.Wrapf(err, "poll %s", m.job.ID)
		return
	}
	m.observe(ctx, next)

	switch next.Status {
	case job.StatusCompleted:
		m.to(res, StateReconciling, "completed")
		outputs, err := m.reconciler.Reconcile(m.job)
		res.Outputs = outputs
		payload := map[string]any{"outputs": outputs}
		if err != nil {
			res.Err = err
			payload["error"] = err.Error()
		}
		m.record(ctx, m.job.ID, jobstore.JobReconciled, payload)
		m.discard(ctx, res, "reconciled")
	case job.StatusFailed:
		m.to(res, StateReconciling, "failed")
		res.Err = fmt.Errorf("%w: job %s: %s", job.ErrRemoteExecutionFailed, m.job.ID, m.job.Error)
		m.discard(ctx, res, "remote execution failed")
	case job.StatusInterrupted:
		m.discard(ctx, res, "interrupted by server")
	}
}

// interrupt Interrupting：服务端确认后丢弃 Job；完成与中断竞争时两者都接受；传输错误保持 Interrupting
func (m *Machine) interrupt(ctx context.Context, res *Result) {
	next, err := m.client.Interrupt(ctx, m.job)
	if err != nil {
		m.logger.Warn("中断失败，下个周期重试", "prompt_id", m.job.ID, "error", err)
		res.Err = pkgerrors.Wrapf(err, "interrupt %s", m.job.ID)
		return
	}
	m.observe(ctx, next)
	if next.Status.Terminal() {
		m.discard(ctx, res, "interrupt acknowledged")
	}
}

// observe 接受服务端返回的新 Job 状态并记账
func (m *Machine) observe(ctx context.Context, next *job.Job) {
	prev := m.job
	m.job = next
	if prev != nil && prev.Status == next.Status && prev.Error == next.Error {
		return
	}
	switch next.Status {
	case job.StatusCompleted:
		metrics.JobTotal.WithLabelValues(next.Status.String()).Inc()
		m.record(ctx, next.ID, jobstore.JobCompleted, nil)
	case job.StatusFailed:
		metrics.JobTotal.WithLabelValues(next.Status.String()).Inc()
		m.record(ctx, next.ID, jobstore.JobFailed, job.StatusPayload{Status: next.Status, Error: next.Error})
	case job.StatusInterrupted:
		metrics.JobTotal.WithLabelValues(next.Status.String()).Inc()
		m.record(ctx, next.ID, jobstore.JobInterrupted, nil)
	default:
		m.record(ctx, next.ID, jobstore.JobStatusChanged, job.StatusPayload{Status: next.Status, Error: next.Error})
	}
}

func (m *Machine) discard(ctx context.Context, res *Result, reason string) {
	if m.job != nil {
		m.record(ctx, m.job.ID, jobstore.JobDiscarded, map[string]string{"reason": reason})
	}
	m.job = nil
	m.to(res, StateIdle, reason)
}

// record 追加账本事件；失败只记日志，不影响状态机
func (m *Machine) record(ctx context.Context, jobID string, typ jobstore.EventType, payload any) {
	if m.ledger == nil {
		return
	}
	if _, err := jobstore.AppendNext(ctx, m.ledger, jobID, jobstore.NewEvent(typ, payload)); err != nil {
		m.logger.Warn("写入任务账本失败", "prompt_id", jobID, "event", string(typ), "error", err)
	}
}

// IsFatal 图或模板错误：本次调用失败，宿主状态文件保持不变
func IsFatal(err error) bool {
	return pkgerrors.IsAny(err,
		workflow.ErrMalformedGraph,
		workflow.ErrNodeNotFound,
		workflow.ErrAmbiguousNode,
		workflow.ErrTypeMismatch,
		workflow.ErrUnknownInput,
	)
}
