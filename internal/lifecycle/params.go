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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// coerce 把宿主参数规整为写入图中的字面量；ok=false 表示宿主未提供该参数
func coerce(b Binding, sig Signals, catalogs map[string][]string) (v any, ok bool, err error) {
	if b.Kind == KindPath {
		p, ok := sig.Inputs[b.Param]
		if !ok || p == "" {
			return nil, false, nil
		}
		return p, true, nil
	}
	raw, ok := sig.Params[b.Param]
	if !ok || raw == nil {
		return nil, false, nil
	}
	switch b.Kind {
	case KindText:
		s, isStr := raw.(string)
		if !isStr {
			return nil, true, invalid(b, raw, "expected text")
		}
		return strings.TrimSpace(s), true, nil
	case KindFloat:
		f, isNum := number(raw)
		if !isNum {
			return nil, true, invalid(b, raw, "expected number")
		}
		if b.Digits > 0 {
			scale := math.Pow(10, float64(b.Digits))
			f = math.Round(f*scale) / scale
		}
		return f, true, nil
	case KindInt:
		f, isNum := number(raw)
		if !isNum {
			return nil, true, invalid(b, raw, "expected number")
		}
		if f < math.MinInt32 || f > math.MaxInt32 {
			return nil, true, invalid(b, raw, "out of int range")
		}
		return int(f), true, nil
	case KindChoice:
		labels := catalogs[b.Catalog]
		if s, isStr := raw.(string); isStr {
			for _, l := range labels {
				if l == s {
					return s, true, nil
				}
			}
			return nil, true, invalid(b, raw, fmt.Sprintf("not in catalog %s", b.Catalog))
		}
		f, isNum := number(raw)
		if !isNum {
			return nil, true, invalid(b, raw, "expected catalog index")
		}
		if f < 0 || f >= float64(len(labels)) {
			return nil, true, invalid(b, raw, fmt.Sprintf("index out of range for catalog %s (%d models)", b.Catalog, len(labels)))
		}
		return labels[int(f)], true, nil
	default:
		return nil, true, invalid(b, raw, "unknown kind "+string(b.Kind))
	}
}

func invalid(b Binding, raw any, why string) error {
	return fmt.Errorf("%w: %s=%v: %s", ErrInvalidParameter, b.Param, raw, why)
}

// number 数值参数；NaN 与 ±Inf 无法写入 JSON，视为非数值
func number(v any) (float64, bool) {
	f, ok := rawNumber(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rawNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
