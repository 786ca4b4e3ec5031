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

import (
	"fmt"
	"strings"
)

// Match 消歧谓词：仅保留 Input 字面量等于 Value 的节点
type Match struct {
	Input string `mapstructure:"input" json:"input"`
	Value any    `mapstructure:"value" json:"value"`
}

func (m Match) String() string {
	return fmt.Sprintf("%s=%v", m.Input, m.Value)
}

// Find 返回指定类型的全部节点 id，顺序与图的存储顺序一致
func Find(g *Graph, t ClassType) []string {
	ids := g.index[t]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// FindUnique 返回唯一匹配的节点 id；零个为 ErrNodeNotFound，多个为 ErrAmbiguousNode
func FindUnique(g *Graph, t ClassType, matches ...Match) (string, error) {
	var found []string
	for _, id := range g.index[t] {
		n, _ := g.Node(id)
		if matchesAll(n, matches) {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w: type %q%s", ErrNodeNotFound, t, describe(matches))
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: type %q%s matches nodes %s", ErrAmbiguousNode, t, describe(matches), strings.Join(found, ","))
	}
}

func matchesAll(n *Node, matches []Match) bool {
	for _, m := range matches {
		v, ok := n.Input(m.Input)
		if !ok || v.IsRef() || !literalEqual(v.Literal(), m.Value) {
			return false
		}
	}
	return true
}

func describe(matches []Match) string {
	if len(matches) == 0 {
		return ""
	}
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = m.String()
	}
	return " where " + strings.Join(parts, ",")
}

// Selector 节点选择器：按类型 + 谓词唯一定位，Follow 非空时再沿该引用输入走到上游节点。
// 例如模型加载节点通过分割节点的 sam_model 引用定位。
type Selector struct {
	Type   ClassType `mapstructure:"type" json:"type"`
	Match  []Match   `mapstructure:"match" json:"match,omitempty"`
	Follow string    `mapstructure:"follow" json:"follow,omitempty"`
}

func (s Selector) String() string {
	out := string(s.Type) + describe(s.Match)
	if s.Follow != "" {
		out += " -> " + s.Follow
	}
	return out
}

// Resolve 解析为节点 id
func (s Selector) Resolve(g *Graph) (string, error) {
	id, err := FindUnique(g, s.Type, s.Match...)
	if err != nil {
		return "", err
	}
	if s.Follow == "" {
		return id, nil
	}
	n, _ := g.Node(id)
	v, ok := n.Input(s.Follow)
	if !ok {
		return "", fmt.Errorf("%w: node %s has no input %q to follow", ErrUnknownInput, id, s.Follow)
	}
	ref, ok := v.Ref()
	if !ok {
		return "", fmt.Errorf("%w: node %s input %q is a literal, not a reference", ErrTypeMismatch, id, s.Follow)
	}
	return ref.NodeID, nil
}
