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

// Package models 扫描 ComfyUI 模型目录，把模型文件名映射为工作流中使用的显示名。
package models

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Catalog 一类模型：候选目录 + 文件名 → 显示名
type Catalog struct {
	Dirs  []string
	Names map[string]string
}

// Model 一个已发现的模型文件
type Model struct {
	File  string
	Label string
}

// Find 列出各目录中存在的模型文件（按文件名排序、去重）；不存在的目录跳过
func (c Catalog) Find(fs afero.Fs) ([]Model, error) {
	seen := make(map[string]bool)
	var files []string
	for _, dir := range c.Dirs {
		entries, err := afero.ReadDir(fs, dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("models: read %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || seen[name] {
				continue
			}
			seen[name] = true
			files = append(files, name)
		}
	}
	sort.Strings(files)
	out := make([]Model, len(files))
	for i, f := range files {
		out[i] = Model{File: f, Label: c.label(f)}
	}
	return out, nil
}

func (c Catalog) label(file string) string {
	if l, ok := c.Names[file]; ok && l != "" {
		return l
	}
	return file
}

// Labels 显示名列表，choice 参数的下标即指向该列表
func Labels(models []Model) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.Label
	}
	return out
}
