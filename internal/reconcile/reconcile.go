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

// Package reconcile 将已完成 Job 的产物映射回宿主输出槽位。
// 产物路径在打补丁时按命名约定一次性确定：<dir>/<filename_prefix>_<帧号补零><ext>。
package reconcile

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"comfybox/internal/job"
	"comfybox/internal/workflow"
	"comfybox/pkg/log"
)

// ErrArtifactMissing 服务端声明完成但期望产物不存在（上报，不重试）
var ErrArtifactMissing = errors.New("reconcile: artifact missing")

// DefaultPad 图中与配置均未给出帧号位数时使用
const DefaultPad = 4

// Naming 产物命名约定
type Naming struct {
	Dir string
	Ext string
	Pad int
}

// Target 一个输出写节点：Slot 为宿主输出槽位，NodeID 为已解析的写节点
type Target struct {
	Slot        string
	NodeID      string
	PrefixInput string
	PadInput    string
}

// Reconciler 输出对账
type Reconciler struct {
	fs     afero.Fs
	naming Naming
	logger *log.Logger
}

// New 创建 Reconciler；fs 为 nil 时使用本地文件系统
func New(fs afero.Fs, naming Naming, logger *log.Logger) *Reconciler {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Reconciler{fs: fs, naming: naming, logger: logger}
}

// Expect 按写节点当前的 filename_prefix 与 frame_pad 计算期望产物路径（槽位 → 路径）
func (r *Reconciler) Expect(g *workflow.Graph, targets []Target, frame int) (map[string]string, error) {
	out := make(map[string]string, len(targets))
	for _, t := range targets {
		n, ok := g.Node(t.NodeID)
		if !ok {
			return nil, fmt.Errorf("output %s: %w: %s", t.Slot, workflow.ErrNodeNotFound, t.NodeID)
		}
		v, ok := n.Input(t.PrefixInput)
		if !ok {
			return nil, fmt.Errorf("output %s: %w: node %s has no input %q", t.Slot, workflow.ErrUnknownInput, t.NodeID, t.PrefixInput)
		}
		prefix, ok := v.String()
		if !ok {
			return nil, fmt.Errorf("output %s: %w: node %s input %q is not a string literal", t.Slot, workflow.ErrTypeMismatch, t.NodeID, t.PrefixInput)
		}
		out[t.Slot] = r.path(prefix, r.pad(n, t.PadInput), frame)
	}
	return out, nil
}

func (r *Reconciler) pad(n *workflow.Node, input string) int {
	if input != "" {
		if v, ok := n.Input(input); ok {
			if p, ok := v.Int(); ok && p > 0 {
				return p
			}
		}
	}
	if r.naming.Pad > 0 {
		return r.naming.Pad
	}
	return DefaultPad
}

func (r *Reconciler) path(prefix string, pad, frame int) string {
	name := fmt.Sprintf("%s_%0*d%s", prefix, pad, frame, r.naming.Ext)
	if r.naming.Dir == "" {
		return filepath.FromSlash(name)
	}
	return filepath.Join(r.naming.Dir, filepath.FromSlash(name))
}

// Reconcile 检查 Job 的期望产物；缺失任意一个返回 ErrArtifactMissing，已存在的映射仍会返回
func (r *Reconciler) Reconcile(j *job.Job) (map[string]string, error) {
	present := make(map[string]string, len(j.Artifacts))
	var missing []string
	for slot, path := range j.Artifacts {
		ok, err := afero.Exists(r.fs, path)
		if err != nil {
			return present, fmt.Errorf("stat %s: %w", path, err)
		}
		if !ok {
			missing = append(missing, slot+"="+path)
			continue
		}
		present[slot] = path
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		r.logger.Warn("产物缺失", "prompt_id", j.ID, "missing", missing)
		return present, fmt.Errorf("%w: job %s: %v", ErrArtifactMissing, j.ID, missing)
	}
	r.logger.Info("产物对账完成", "prompt_id", j.ID, "outputs", len(present))
	return present, nil
}
