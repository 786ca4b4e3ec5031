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

// Package pybox 宿主调用文档：宿主每次调用插件时传入一个 JSON 文件路径，
// 插件读取信号与参数，执行一个周期后原子地写回同一文件。
package pybox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"comfybox/internal/lifecycle"
)

// Version 文档格式版本
const Version = 1

// Signals 宿主信号
type Signals struct {
	NewOutput bool `json:"new_output"`
	Interrupt bool `json:"interrupt"`
	Frame     int  `json:"frame"`
}

// Document 一次调用的输入与输出
type Document struct {
	Version    int            `json:"version"`
	Signals    Signals        `json:"signals"`
	Parameters map[string]any `json:"parameters,omitempty"`
	// Inputs 输入图层 → 文件路径
	Inputs map[string]string `json:"inputs,omitempty"`
	// Outputs 输出图层 → 产物路径，由插件写入
	Outputs map[string]string   `json:"outputs,omitempty"`
	State   *lifecycle.Snapshot `json:"state,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// LifecycleSignals 转换为状态机输入
func (d *Document) LifecycleSignals() lifecycle.Signals {
	return lifecycle.Signals{
		NewOutput: d.Signals.NewOutput,
		Interrupt: d.Signals.Interrupt,
		Frame:     d.Signals.Frame,
		Params:    d.Parameters,
		Inputs:    d.Inputs,
	}
}

// Read 读取并解析文档；数字参数保留为 json.Number
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pybox: read %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("pybox: decode %s: %w", path, err)
	}
	if doc.Version == 0 {
		doc.Version = Version
	}
	if doc.Version > Version {
		return nil, fmt.Errorf("pybox: %s: unsupported document version %d", path, doc.Version)
	}
	return &doc, nil
}

// Write 先写同目录临时文件再 rename；失败时原文件保持不变
func Write(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("pybox: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pybox-*.json")
	if err != nil {
		return fmt.Errorf("pybox: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("pybox: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("pybox: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("pybox: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("pybox: replace %s: %w", path, err)
	}
	return nil
}
