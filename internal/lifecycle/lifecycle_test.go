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

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfybox/internal/job"
	"comfybox/internal/reconcile"
	"comfybox/internal/runtime/jobstore"
	"comfybox/internal/workflow"
)

const scenarioGraph = `{
  "10": {"inputs": {"image": "front.png"}, "class_type": "LoadImage"},
  "20": {"inputs": {"image": ["10", 0], "prompt": "", "threshold": 0.3}, "class_type": "SegmentNode"},
  "30": {"inputs": {"images": ["20", 0], "role": "Result", "filename_prefix": "result"}, "class_type": "Writer"},
  "31": {"inputs": {"images": ["20", 1], "role": "OutMatte", "filename_prefix": "outmatte"}, "class_type": "Writer"}
}`

func scenarioProfile() Profile {
	seg := workflow.Selector{Type: "SegmentNode"}
	writer := func(role string) workflow.Selector {
		return workflow.Selector{Type: "Writer", Match: []workflow.Match{{Input: "role", Value: role}}}
	}
	return Profile{
		Name: "scenario",
		Params: []Binding{
			{Param: "prompt", Selector: seg, Input: "prompt", Kind: KindText},
			{Param: "threshold", Selector: seg, Input: "threshold", Kind: KindFloat, Digits: 2},
		},
		Outputs: []Output{
			{Slot: "Result", Selector: writer("Result"), PrefixInput: "filename_prefix", PadInput: "frame_pad"},
			{Slot: "OutMatte", Selector: writer("OutMatte"), PrefixInput: "filename_prefix", PadInput: "frame_pad"},
		},
	}
}

// fakeClient 按脚本返回状态，并统计调用次数
type fakeClient struct {
	submitErr       error
	polls           []job.Status
	pollErr         error
	failMsg         string
	interruptErr    error
	interruptStatus job.Status

	nextID     int
	submits    int
	pollCalls  int
	interrupts int
	submitted  *workflow.Graph
}

func (f *fakeClient) Submit(_ context.Context, g *workflow.Graph, artifacts map[string]string, frame int) (*job.Job, error) {
	f.submits++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.nextID++
	f.submitted = g.Clone()
	return job.New(fmt.Sprintf("p-%d", f.nextID), g.Clone(), artifacts, frame), nil
}

func (f *fakeClient) Poll(_ context.Context, j *job.Job) (*job.Job, error) {
	if j.Status.Terminal() {
		return j, nil
	}
	f.pollCalls++
	if f.pollErr != nil {
		return j, f.pollErr
	}
	if len(f.polls) == 0 {
		return j, nil
	}
	s := f.polls[0]
	f.polls = f.polls[1:]
	msg := ""
	if s == job.StatusFailed {
		msg = f.failMsg
	}
	return j.WithStatus(s, msg), nil
}

func (f *fakeClient) Interrupt(_ context.Context, j *job.Job) (*job.Job, error) {
	f.interrupts++
	if f.interruptErr != nil {
		return j, f.interruptErr
	}
	s := f.interruptStatus
	if s == job.StatusIdle {
		s = job.StatusInterrupted
	}
	return j.WithStatus(s, ""), nil
}

type harness struct {
	m      *Machine
	client *fakeClient
	fs     afero.Fs
	ledger jobstore.JobStore
}

func newHarness(t *testing.T, graph string, p Profile) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	client := &fakeClient{}
	ledger := jobstore.NewMemoryStore()
	m, err := New(Options{
		Profile:    p,
		Client:     client,
		Reconciler: reconcile.New(fs, reconcile.Naming{}, nil),
		Ledger:     ledger,
	})
	require.NoError(t, err)
	g, err := workflow.Load([]byte(graph))
	require.NoError(t, err)
	require.NoError(t, m.Load(g))
	return &harness{m: m, client: client, fs: fs, ledger: ledger}
}

func literal(t *testing.T, g *workflow.Graph, id, input string) any {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok, "node %s", id)
	v, ok := n.Input(input)
	require.True(t, ok, "input %s.%s", id, input)
	return v.Literal()
}

func states(res *Result) []State {
	out := make([]State, len(res.Transitions))
	for i, tr := range res.Transitions {
		out[i] = tr.To
	}
	return out
}

func newOutput(params map[string]any) Signals {
	return Signals{NewOutput: true, Frame: 1, Params: params}
}

func TestStep_EndToEnd(t *testing.T) {
	h := newHarness(t, scenarioGraph, scenarioProfile())
	h.client.polls = []job.Status{job.StatusQueued, job.StatusRunning, job.StatusCompleted}
	ctx := context.Background()

	res, err := h.m.Step(ctx, newOutput(map[string]any{"prompt": "cat", "threshold": 0.5}))
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, []State{StatePatching, StateSubmitted}, states(res))
	assert.Equal(t, map[string]any{"prompt": "cat", "threshold": 0.5}, res.Applied)
	assert.Equal(t, 0, h.client.pollCalls, "no poll in the submit cycle")
	require.NotNil(t, res.Job)
	assert.Equal(t, map[string]string{"Result": "result_0001", "OutMatte": "outmatte_0001"}, res.Job.Artifacts)

	res, err = h.m.Step(ctx, Signals{Frame: 1})
	require.NoError(t, err)
	assert.Equal(t, []State{StatePolling}, states(res))
	assert.Equal(t, job.StatusQueued, res.Job.Status)

	res, err = h.m.Step(ctx, Signals{Frame: 1})
	require.NoError(t, err)
	assert.Empty(t, res.Transitions)
	assert.Equal(t, job.StatusRunning, res.Job.Status)

	require.NoError(t, afero.WriteFile(h.fs, "result_0001", []byte("exr"), 0o644))
	require.NoError(t, afero.WriteFile(h.fs, "outmatte_0001", []byte("exr"), 0o644))

	res, err = h.m.Step(ctx, Signals{Frame: 1})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, []State{StateReconciling, StateIdle}, states(res))
	assert.Equal(t, map[string]string{"Result": "result_0001", "OutMatte": "outmatte_0001"}, res.Outputs)
	assert.Nil(t, res.Job)
	assert.Equal(t, StateIdle, h.m.State())

	assert.Equal(t, 0.5, literal(t, h.m.Graph(), "20", "threshold"))
	assert.Equal(t, "cat", literal(t, h.m.Graph(), "20", "prompt"))
	assert.Equal(t, 0.5, literal(t, h.client.submitted, "20", "threshold"))

	events, _, err := h.ledger.ListEvents(ctx, "p-1")
	require.NoError(t, err)
	types := make([]jobstore.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	assert.Equal(t, []jobstore.EventType{
		jobstore.JobSubmitted,
		jobstore.JobStatusChanged,
		jobstore.JobCompleted,
		jobstore.JobReconciled,
		jobstore.JobDiscarded,
	}, types)
	assert.Equal(t, job.StatusCompleted, job.DeriveStatusFromEvents(events))
}

func TestStep_AtMostOneInFlight(t *testing.T) {
	h := newHarness(t, scenarioGraph, scenarioProfile())
	ctx := context.Background()

	_, err := h.m.Step(ctx, newOutput(nil))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		res, err := h.m.Step(ctx, newOutput(map[string]any{"prompt": "dog"}))
		require.NoError(t, err)
		assert.Equal(t, StatePolling, res.State)
	}
	assert.Equal(t, 1, h.client.submits)
	assert.Equal(t, 3, h.client.pollCalls)
	assert.Equal(t, "", literal(t, h.m.Graph(), "20", "prompt"))
}

func TestStep_InterruptPrecedence(t *testing.T) {
	for _, status := range []job.Status{job.StatusQueued, job.StatusRunning} {
		t.Run(status.String(), func(t *testing.T) {
			h := newHarness(t, scenarioGraph, scenarioProfile())
			h.client.polls = []job.Status{status}
			ctx := context.Background()

			_, err := h.m.Step(ctx, newOutput(nil))
			require.NoError(t, err)
			_, err = h.m.Step(ctx, Signals{})
			require.NoError(t, err)
			require.Equal(t, status, h.m.Job().Status)

			res, err := h.m.Step(ctx, Signals{Interrupt: true, NewOutput: true, Frame: 2})
			require.NoError(t, err)
			require.NoError(t, res.Err)
			assert.Equal(t, []State{StateInterrupting, StateIdle}, states(res))
			assert.Equal(t, 1, h.client.interrupts)
			assert.Equal(t, 1, h.client.pollCalls, "no poll in the interrupt cycle")
			assert.Equal(t, 1, h.client.submits)
			assert.Nil(t, h.m.Job())
		})
	}
}

func TestStep_InterruptTransportErrorRetries(t *testing.T) {
	h := newHarness(t, scenarioGraph, scenarioProfile())
	ctx := context.Background()
	_, err := h.m.Step(ctx, newOutput(nil))
	require.NoError(t, err)

	h.client.interruptErr = errors.New("connection refused")
	res, err := h.m.Step(ctx, Signals{Interrupt: true})
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.False(t, IsFatal(res.Err))
	assert.Equal(t, StateInterrupting, h.m.State())
	assert.NotNil(t, h.m.Job())

	h.client.interruptErr = nil
	res, err = h.m.Step(ctx, Signals{})
	require.NoError(t, err)
	assert.Equal(t, []State{StateIdle}, states(res))
	assert.Equal(t, 2, h.client.interrupts)
	assert.Equal(t, 0, h.client.pollCalls)
}

func TestStep_InterruptRaceWithCompletion(t *testing.T) {
	h := newHarness(t, scenarioGraph, scenarioProfile())
	h.client.interruptStatus = job.StatusCompleted
	ctx := context.Background()
	_, err := h.m.Step(ctx, newOutput(nil))
	require.NoError(t, err)

	res, err := h.m.Step(ctx, Signals{Interrupt: true})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, StateIdle, res.State)
	assert.Nil(t, res.Outputs)
}

func TestStep_InterruptWhileIdleSuppressesSubmit(t *testing.T) {
	h := newHarness(t, scenarioGraph, scenarioProfile())
	res, err := h.m.Step(context.Background(), Signals{Interrupt: true, NewOutput: true})
	require.NoError(t, err)
	assert.Empty(t, res.Transitions)
	assert.Equal(t, 0, h.client.submits)
	assert.Equal(t, 0, h.client.interrupts)
}

func TestStep_InterruptedElsewhere(t *testing.T) {
	h := newHarness(t, scenarioGraph, scenarioProfile())
	h.client.polls = []job.Status{job.StatusInterrupted}
	ctx := context.Background()
	_, err := h.m.Step(ctx, newOutput(nil))
	require.NoError(t, err)

	res, err := h.m.Step(ctx, Signals{})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, []State{StatePolling, StateIdle}, states(res))
	assert.Nil(t, h.m.Job())
}

func TestStep_PatchFailureNotSubmitted(t *testing.T) {
	p := scenarioProfile()
	p.Params = append(p.Params, Binding{Param: "seed", Selector: workflow.Selector{Type: "SegmentNode"}, Input: "seed", Kind: KindInt})
	h := newHarness(t, scenarioGraph, p)

	res, err := h.m.Step(context.Background(), newOutput(map[string]any{"prompt": "cat", "threshold": 0.5, "seed": 7}))
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrUnknownInput)
	assert.True(t, IsFatal(err))
	assert.Equal(t, []State{StatePatching, StateIdle}, states(res))
	assert.Equal(t, 0, h.client.submits)
	assert.Equal(t, 0.3, toFloat(t, literal(t, h.m.Graph(), "20", "threshold")), "graph unchanged after failed patch")
	assert.Equal(t, "", literal(t, h.m.Graph(), "20", "prompt"))
}

func toFloat(t *testing.T, v any) float64 {
	t.Helper()
	f, ok := number(v)
	require.True(t, ok, "%v is not a number", v)
	return f
}

func TestStep_InvalidParameter(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"text", "high"},
		{"nan string", "NaN"},
		{"inf string", "Inf"},
		{"negative inf string", "-Infinity"},
		{"overflow string", "1e400"},
		{"nan float", math.NaN()},
		{"inf float", math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, scenarioGraph, scenarioProfile())
			before, err := workflow.Serialize(h.m.Graph())
			require.NoError(t, err)

			res, err := h.m.Step(context.Background(), newOutput(map[string]any{"threshold": tt.value}))
			require.NoError(t, err)
			require.ErrorIs(t, res.Err, ErrInvalidParameter)
			assert.False(t, IsFatal(res.Err))
			assert.Equal(t, StateIdle, res.State)
			assert.Equal(t, 0, h.client.submits)

			after, err := workflow.Serialize(h.m.Graph())
			require.NoError(t, err)
			assert.JSONEq(t, string(before), string(after))
			_, err = json.Marshal(h.m.Snapshot())
			assert.NoError(t, err)
		})
	}
}

func TestStep_IntParameterRange(t *testing.T) {
	p := scenarioProfile()
	p.Params[1].Kind = KindInt
	for _, v := range []any{"1e12", -1e12, "NaN"} {
		h := newHarness(t, scenarioGraph, p)
		res, err := h.m.Step(context.Background(), newOutput(map[string]any{"threshold": v}))
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err, ErrInvalidParameter, "value %v", v)
		assert.Equal(t, 0, h.client.submits)
	}

	h := newHarness(t, scenarioGraph, p)
	res, err := h.m.Step(context.Background(), newOutput(map[string]any{"threshold": "7.9"}))
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 7, res.Applied["threshold"])
}

func TestStep_SubmissionError(t *testing.T) {
	h := newHarness(t, scenarioGraph, scenarioProfile())
	h.client.submitErr = fmt.Errorf("%w: connection refused", job.ErrSubmission)

	res, err := h.m.Step(context.Background(), newOutput(map[string]any{"prompt": "cat"}))
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, job.ErrSubmission)
	assert.Equal(t, []State{StatePatching, StateIdle}, states(res))
	assert.Nil(t, h.m.Job())

	h.client.submitErr = errors.New("boom")
	res, err = h.m.Step(context.Background(), newOutput(nil))
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, job.ErrSubmission)
}

func TestStep_RemoteFailure(t *testing.T) {
	h := newHarness(t, scenarioGraph, scenarioProfile())
	h.client.polls = []job.Status{job.StatusFailed}
	h.client.failMsg = "CUDA out of memory"
	ctx := context.Background()
	_, err := h.m.Step(ctx, newOutput(nil))
	require.NoError(t, err)

	res, err := h.m.Step(ctx, Signals{})
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, job.ErrRemoteExecutionFailed)
	assert.Contains(t, res.Err.Error(), "CUDA out of memory")
	assert.Equal(t, []State{StatePolling, StateReconciling, StateIdle}, states(res))
	assert.Nil(t, res.Outputs)
	assert.Nil(t, h.m.Job())
}

func TestStep_ArtifactMissing(t *testing.T) {
	h := newHarness(t, scenarioGraph, scenarioProfile())
	h.client.polls = []job.Status{job.StatusCompleted}
	ctx := context.Background()
	_, err := h.m.Step(ctx, newOutput(nil))
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(h.fs, "result_0001", []byte("exr"), 0o644))

	res, err := h.m.Step(ctx, Signals{})
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, reconcile.ErrArtifactMissing)
	assert.Equal(t, map[string]string{"Result": "result_0001"}, res.Outputs)
	assert.Equal(t, StateIdle, res.State)
	assert.Nil(t, h.m.Job())
}

func TestStep_PollErrorStaysPolling(t *testing.T) {
	h := newHarness(t, scenarioGraph, scenarioProfile())
	ctx := context.Background()
	_, err := h.m.Step(ctx, newOutput(nil))
	require.NoError(t, err)

	h.client.pollErr = errors.New("timeout")
	res, err := h.m.Step(ctx, Signals{})
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.Equal(t, StatePolling, res.State)
	assert.NotNil(t, res.Job)
}

func TestLoad_AmbiguousWriter(t *testing.T) {
	p := scenarioProfile()
	p.Outputs[0].Selector = workflow.Selector{Type: "Writer"}

	m, err := New(Options{Profile: p, Client: &fakeClient{}})
	require.NoError(t, err)
	g, err := workflow.Load([]byte(scenarioGraph))
	require.NoError(t, err)

	err = m.Load(g)
	require.ErrorIs(t, err, workflow.ErrAmbiguousNode)
	assert.True(t, IsFatal(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Profile: scenarioProfile()})
	assert.Error(t, err)

	p := scenarioProfile()
	p.Params[0].Kind = "colour"
	_, err = New(Options{Profile: p, Client: &fakeClient{}})
	assert.Error(t, err)
}

func TestStep_NoGraph(t *testing.T) {
	m, err := New(Options{Profile: scenarioProfile(), Client: &fakeClient{}})
	require.NoError(t, err)
	_, err = m.Step(context.Background(), Signals{})
	assert.Error(t, err)
}

func TestStateText(t *testing.T) {
	for s := StateIdle; s <= StateReconciling; s++ {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("sleeping")))
}
