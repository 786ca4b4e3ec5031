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

package workflow

import "fmt"

// Patch 一次字面量改写
type Patch struct {
	NodeID string
	Input  string
	Value  Value
}

// Set 构造字面量补丁
func Set(nodeID, input string, v any) Patch {
	return Patch{NodeID: nodeID, Input: input, Value: Literal(v)}
}

// Bind 原地改写节点已有的字面量输入；失败时图保持不变。
// 补丁引擎从不新增输入，也不改写引用型输入。
func Bind(g *Graph, nodeID, input string, v Value) error {
	n, ok := g.Node(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	cur, ok := n.Input(input)
	if !ok {
		return fmt.Errorf("%w: node %s (%s) has no input %q", ErrUnknownInput, nodeID, n.ClassType, input)
	}
	if cur.IsRef() {
		return fmt.Errorf("%w: node %s input %q is a reference", ErrTypeMismatch, nodeID, input)
	}
	if v.IsRef() {
		return fmt.Errorf("%w: node %s input %q cannot be bound to a reference", ErrTypeMismatch, nodeID, input)
	}
	n.inputs.Set(input, v)
	return nil
}

// BindAll 按顺序应用补丁，不保证原子性：失败时之前的补丁保留，返回已应用条数
func BindAll(g *Graph, patches []Patch) (int, error) {
	for i, p := range patches {
		if err := Bind(g, p.NodeID, p.Input, p.Value); err != nil {
			return i, fmt.Errorf("patch %d: %w", i, err)
		}
	}
	return len(patches), nil
}
