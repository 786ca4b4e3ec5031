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

// Package plugin 宿主调用入口：读取调用文档，执行一个生命周期周期，原子写回文档。
package plugin

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"comfybox/internal/app"
	"comfybox/internal/lifecycle"
	"comfybox/internal/pybox"
)

// RunOnce 执行一次宿主调用。返回 error 时文档未被改写（致命错误）；
// 需上报宿主的错误写入 document.error，并返回 nil。
func RunOnce(ctx context.Context, b *app.Bootstrap, path string) (*lifecycle.Result, error) {
	doc, err := pybox.Read(path)
	if err != nil {
		return nil, err
	}
	m, err := b.NewMachine()
	if err != nil {
		return nil, err
	}
	if doc.State != nil && doc.State.Graph != nil {
		err = m.Restore(*doc.State)
	} else {
		err = loadTemplate(b, m)
	}
	if err != nil {
		return nil, err
	}

	res, err := m.Step(ctx, doc.LifecycleSignals())
	if err != nil {
		return res, err
	}

	apply(doc, m, res)
	if err := pybox.Write(path, doc); err != nil {
		return res, err
	}
	if res.Err != nil {
		b.Logger.Warn("周期结束，已上报宿主", "state", res.State.String(), "error", res.Err)
	} else {
		b.Logger.Debug("周期结束", "state", res.State.String(), "transitions", len(res.Transitions))
	}
	return res, nil
}

func loadTemplate(b *app.Bootstrap, m *lifecycle.Machine) error {
	g, err := b.Template()
	if err != nil {
		return err
	}
	return m.Load(g)
}

// apply 把周期结果写回文档：快照、输出、错误、回显参数，并清除已消费的信号
func apply(doc *pybox.Document, m *lifecycle.Machine, res *lifecycle.Result) {
	snap := m.Snapshot()
	doc.State = &snap
	if res.Outputs != nil {
		doc.Outputs = res.Outputs
	}
	doc.Error = ""
	if res.Err != nil {
		doc.Error = res.Err.Error()
	}

	for _, b := range m.Profile().Params {
		v, ok := res.Applied[b.Param]
		if !ok {
			continue
		}
		switch b.Kind {
		case lifecycle.KindText, lifecycle.KindFloat, lifecycle.KindInt:
			if doc.Parameters == nil {
				doc.Parameters = make(map[string]any)
			}
			doc.Parameters[b.Param] = v
		}
	}

	for _, tr := range res.Transitions {
		if tr.To == lifecycle.StatePatching {
			doc.Signals.NewOutput = false
		}
	}
	if res.State != lifecycle.StateInterrupting {
		doc.Signals.Interrupt = false
	}
}

// Drive 模拟宿主：按 limiter 节奏反复调用 RunOnce，直到状态机回到 Idle 或达到 maxTicks
func Drive(ctx context.Context, b *app.Bootstrap, path string, limiter *rate.Limiter, maxTicks int, onTick func(tick int, res *lifecycle.Result)) (*lifecycle.Result, error) {
	if maxTicks <= 0 {
		maxTicks = 120
	}
	var last *lifecycle.Result
	for tick := 1; tick <= maxTicks; tick++ {
		if err := limiter.Wait(ctx); err != nil {
			return last, err
		}
		res, err := RunOnce(ctx, b, path)
		if err != nil {
			return res, fmt.Errorf("tick %d: %w", tick, err)
		}
		last = res
		if onTick != nil {
			onTick(tick, res)
		}
		if res.State == lifecycle.StateIdle {
			return res, nil
		}
	}
	return last, fmt.Errorf("still %s after %d ticks", last.State, maxTicks)
}
