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
	"fmt"

	"comfybox/internal/reconcile"
	"comfybox/internal/workflow"
)

// BoundParam 已解析到节点的参数
type BoundParam struct {
	Param  string `json:"param"`
	Input  string `json:"input"`
	NodeID string `json:"node_id"`
}

// BoundOutput 已解析到节点的输出写节点
type BoundOutput struct {
	Slot   string `json:"slot"`
	NodeID string `json:"node_id"`
}

// Bindings 每次加载图时解析一次并随快照持久化。
// 输出写节点按模板中的 filename_prefix 区分，打补丁改写前缀后无法再次按值定位。
type Bindings struct {
	Params  []BoundParam  `json:"params"`
	Outputs []BoundOutput `json:"outputs"`
}

// Resolve 按 profile 在图中定位全部节点；零匹配或多匹配均为错误
func Resolve(g *workflow.Graph, p Profile) (*Bindings, error) {
	b := &Bindings{
		Params:  make([]BoundParam, 0, len(p.Params)),
		Outputs: make([]BoundOutput, 0, len(p.Outputs)),
	}
	for _, pb := range p.Params {
		id, err := pb.Selector.Resolve(g)
		if err != nil {
			return nil, fmt.Errorf("param %s (%s): %w", pb.Param, pb.Selector, err)
		}
		b.Params = append(b.Params, BoundParam{Param: pb.Param, Input: pb.Input, NodeID: id})
	}
	for _, o := range p.Outputs {
		id, err := o.Selector.Resolve(g)
		if err != nil {
			return nil, fmt.Errorf("output %s (%s): %w", o.Slot, o.Selector, err)
		}
		b.Outputs = append(b.Outputs, BoundOutput{Slot: o.Slot, NodeID: id})
	}
	return b, nil
}

// matches 持久化的绑定与当前 profile、图是否仍一致
func (b *Bindings) matches(g *workflow.Graph, p Profile) bool {
	if b == nil || len(b.Params) != len(p.Params) || len(b.Outputs) != len(p.Outputs) {
		return false
	}
	for i, pb := range p.Params {
		if b.Params[i].Param != pb.Param || b.Params[i].Input != pb.Input {
			return false
		}
		if _, ok := g.Node(b.Params[i].NodeID); !ok {
			return false
		}
	}
	for i, o := range p.Outputs {
		if b.Outputs[i].Slot != o.Slot {
			return false
		}
		if _, ok := g.Node(b.Outputs[i].NodeID); !ok {
			return false
		}
	}
	return true
}

func (b *Bindings) targets(p Profile) []reconcile.Target {
	out := make([]reconcile.Target, len(p.Outputs))
	for i, o := range p.Outputs {
		out[i] = reconcile.Target{
			Slot:        o.Slot,
			NodeID:      b.Outputs[i].NodeID,
			PrefixInput: o.PrefixInput,
			PadInput:    o.PadInput,
		}
	}
	return out
}
