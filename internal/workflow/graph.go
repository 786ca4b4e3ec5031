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

// Package workflow 实现 ComfyUI API 格式工作流图的加载、定位与参数回写。
// 图以 node-id → Node 的有序映射保存，节点与输入顺序与原始 JSON 一致，序列化无损。
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ClassType 节点声明类型（ComfyUI 的 class_type）
type ClassType string

// 分割工作流模板中使用的节点类型
const (
	ClassLoadEXR                 ClassType = "LoadEXR"
	ClassSaveEXR                 ClassType = "SaveEXR"
	ClassGroundingDinoSAMSegment ClassType = "GroundingDinoSAMSegment (segment anything)"
	ClassSAMPreprocessor         ClassType = "SAMPreprocessor"
	ClassSAMModelLoader          ClassType = "SAMModelLoader (segment anything)"
	ClassGroundingDinoLoader     ClassType = "GroundingDinoModelLoader (segment anything)"
)

// Node 图中的一个节点；inputs 保持文档顺序
type Node struct {
	ID        string
	ClassType ClassType
	Meta      json.RawMessage

	inputs *orderedmap.OrderedMap[string, Value]
}

type nodeJSON struct {
	Inputs    *orderedmap.OrderedMap[string, Value] `json:"inputs"`
	ClassType ClassType                             `json:"class_type"`
	Meta      json.RawMessage                       `json:"_meta,omitempty"`
}

// NewNode 创建节点，inputs 按给定顺序写入
func NewNode(id string, classType ClassType, inputs ...Input) *Node {
	n := &Node{ID: id, ClassType: classType, inputs: orderedmap.New[string, Value]()}
	for _, in := range inputs {
		n.inputs.Set(in.Name, in.Value)
	}
	return n
}

// Input 构造节点时使用的 (name, value) 对
type Input struct {
	Name  string
	Value Value
}

// Input 返回指定输入
func (n *Node) Input(name string) (Value, bool) {
	return n.inputs.Get(name)
}

// InputNames 按文档顺序返回全部输入名
func (n *Node) InputNames() []string {
	names := make([]string, 0, n.inputs.Len())
	for p := n.inputs.Oldest(); p != nil; p = p.Next() {
		names = append(names, p.Key)
	}
	return names
}

// Title 返回 _meta.title，缺省为 class_type
func (n *Node) Title() string {
	var meta struct {
		Title string `json:"title"`
	}
	if len(n.Meta) > 0 && json.Unmarshal(n.Meta, &meta) == nil && meta.Title != "" {
		return meta.Title
	}
	return string(n.ClassType)
}

func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeJSON{Inputs: n.inputs, ClassType: n.ClassType, Meta: n.Meta})
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Inputs == nil {
		raw.Inputs = orderedmap.New[string, Value]()
	}
	n.ClassType = raw.ClassType
	n.Meta = raw.Meta
	n.inputs = raw.Inputs
	return nil
}

func (n *Node) clone() *Node {
	c := &Node{ID: n.ID, ClassType: n.ClassType, inputs: orderedmap.New[string, Value](n.inputs.Len())}
	if len(n.Meta) > 0 {
		c.Meta = append(json.RawMessage(nil), n.Meta...)
	}
	for p := n.inputs.Oldest(); p != nil; p = p.Next() {
		c.inputs.Set(p.Key, p.Value)
	}
	return c
}

// Graph 工作流图：节点有序映射 + class_type 索引（加载时重建）
type Graph struct {
	nodes *orderedmap.OrderedMap[string, *Node]
	index map[ClassType][]string
}

// New 创建空图
func New() *Graph {
	return &Graph{nodes: orderedmap.New[string, *Node](), index: make(map[ClassType][]string)}
}

// Add 追加节点；已存在的 id 会被替换并保持原位置
func (g *Graph) Add(n *Node) {
	if _, exists := g.nodes.Get(n.ID); exists {
		g.nodes.Set(n.ID, n)
		g.reindex()
		return
	}
	g.nodes.Set(n.ID, n)
	g.index[n.ClassType] = append(g.index[n.ClassType], n.ID)
}

// Node 按 id 取节点
func (g *Graph) Node(id string) (*Node, bool) {
	return g.nodes.Get(id)
}

// IDs 按存储顺序返回全部节点 id
func (g *Graph) IDs() []string {
	ids := make([]string, 0, g.nodes.Len())
	for p := g.nodes.Oldest(); p != nil; p = p.Next() {
		ids = append(ids, p.Key)
	}
	return ids
}

// Len 节点数
func (g *Graph) Len() int {
	return g.nodes.Len()
}

// Clone 深拷贝，供 Job 保存提交时的快照
func (g *Graph) Clone() *Graph {
	c := New()
	for p := g.nodes.Oldest(); p != nil; p = p.Next() {
		c.Add(p.Value.clone())
	}
	return c
}

func (g *Graph) reindex() {
	g.index = make(map[ClassType][]string)
	for p := g.nodes.Oldest(); p != nil; p = p.Next() {
		g.index[p.Value.ClassType] = append(g.index[p.Value.ClassType], p.Key)
	}
}

// Load 解析序列化的 node-id → Node 映射并校验：class_type 必填、引用可解析、无环
func Load(data []byte) (*Graph, error) {
	nodes := orderedmap.New[string, *Node]()
	if err := json.Unmarshal(data, nodes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedGraph, err)
	}
	g := &Graph{nodes: nodes}
	for p := nodes.Oldest(); p != nil; p = p.Next() {
		if p.Value == nil {
			return nil, fmt.Errorf("%w: node %s is null", ErrMalformedGraph, p.Key)
		}
		p.Value.ID = p.Key
		if strings.TrimSpace(string(p.Value.ClassType)) == "" {
			return nil, fmt.Errorf("%w: node %s has no class_type", ErrMalformedGraph, p.Key)
		}
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	g.reindex()
	return g, nil
}

// Serialize 按存储顺序输出缩进 JSON；Load(Serialize(g)) 与 g 等价
func Serialize(g *Graph) ([]byte, error) {
	return json.MarshalIndent(g.nodes, "", "  ")
}

func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.nodes)
}

func (g *Graph) UnmarshalJSON(data []byte) error {
	loaded, err := Load(data)
	if err != nil {
		return err
	}
	*g = *loaded
	return nil
}

// validate 检查悬空引用与环（DFS 三色标记，按存储顺序遍历保证报错确定）
func (g *Graph) validate() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, g.nodes.Len())
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		n, _ := g.nodes.Get(id)
		for p := n.inputs.Oldest(); p != nil; p = p.Next() {
			ref, ok := p.Value.Ref()
			if !ok {
				continue
			}
			if _, exists := g.nodes.Get(ref.NodeID); !exists {
				return fmt.Errorf("%w: node %s input %q references missing node %s", ErrMalformedGraph, id, p.Key, ref.NodeID)
			}
			switch color[ref.NodeID] {
			case grey:
				return fmt.Errorf("%w: cycle through node %s input %q", ErrMalformedGraph, id, p.Key)
			case white:
				if err := visit(ref.NodeID); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for p := g.nodes.Oldest(); p != nil; p = p.Next() {
		if color[p.Key] == white {
			if err := visit(p.Key); err != nil {
				return err
			}
		}
	}
	return nil
}
