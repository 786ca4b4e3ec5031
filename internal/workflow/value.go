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
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Ref 上游节点输出引用，JSON 形式为 ["node-id", slot]
type Ref struct {
	NodeID string
	Slot   int
}

// Value 节点输入值：字面量或上游引用，二者互斥
type Value struct {
	lit any
	ref *Ref
}

// Literal 构造字面量
func Literal(v any) Value {
	return Value{lit: v}
}

// Reference 构造上游引用
func Reference(nodeID string, slot int) Value {
	return Value{ref: &Ref{NodeID: nodeID, Slot: slot}}
}

// IsRef 是否为引用
func (v Value) IsRef() bool {
	return v.ref != nil
}

// Ref 返回引用；字面量返回 false
func (v Value) Ref() (Ref, bool) {
	if v.ref == nil {
		return Ref{}, false
	}
	return *v.ref, true
}

// Literal 返回字面量原值（数字为 json.Number 或 Go 数值）
func (v Value) Literal() any {
	return v.lit
}

// String 字符串字面量
func (v Value) String() (string, bool) {
	s, ok := v.lit.(string)
	return s, ok && v.ref == nil
}

// Float 数值字面量
func (v Value) Float() (float64, bool) {
	if v.ref != nil {
		return 0, false
	}
	return toFloat(v.lit)
}

// Int 整数字面量（小数会被截断）
func (v Value) Int() (int, bool) {
	f, ok := v.Float()
	return int(f), ok
}

// Equal 字面量比较，数字按数值比较
func (v Value) Equal(o Value) bool {
	if v.ref != nil || o.ref != nil {
		if v.ref == nil || o.ref == nil {
			return false
		}
		return *v.ref == *o.ref
	}
	return literalEqual(v.lit, o.lit)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.ref != nil {
		return json.Marshal([]any{v.ref.NodeID, v.ref.Slot})
	}
	return json.Marshal(v.lit)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if arr, ok := raw.([]any); ok && len(arr) == 2 {
		if id, ok := arr[0].(string); ok {
			if n, ok := arr[1].(json.Number); ok {
				if slot, err := n.Int64(); err == nil {
					*v = Reference(id, int(slot))
					return nil
				}
			}
		}
	}
	*v = Literal(raw)
	return nil
}

func (v Value) GoString() string {
	if v.ref != nil {
		return fmt.Sprintf("ref(%s:%d)", v.ref.NodeID, v.ref.Slot)
	}
	return fmt.Sprintf("%#v", v.lit)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func literalEqual(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	if okA != okB {
		return false
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	return reflect.DeepEqual(a, b)
}
