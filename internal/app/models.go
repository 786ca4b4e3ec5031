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

package app

import (
	"sort"

	"github.com/spf13/afero"

	"comfybox/internal/models"
	"comfybox/pkg/config"
	"comfybox/pkg/log"
)

// NewCatalogsFromConfig 扫描 config.Models 中每类模型的目录，返回 catalog 名 → 显示名列表。
// 扫描失败的目录记录告警并视为空，choice 参数越界时由状态机上报。
func NewCatalogsFromConfig(cfg *config.Config, fs afero.Fs, logger *log.Logger) map[string][]string {
	out := make(map[string][]string, len(cfg.Models))
	for name, c := range cfg.Models {
		found, err := CatalogFromConfig(c).Find(fs)
		if err != nil {
			logger.Warn("扫描模型目录失败", "catalog", name, "error", err)
			continue
		}
		out[name] = models.Labels(found)
		logger.Debug("模型目录", "catalog", name, "models", out[name])
	}
	return out
}

// CatalogFromConfig 配置项 → models.Catalog
func CatalogFromConfig(c config.CatalogConfig) models.Catalog {
	names := make(map[string]string, len(c.Names))
	for _, n := range c.Names {
		names[n.File] = n.Label
	}
	return models.Catalog{Dirs: c.Dirs, Names: names}
}

// CatalogNames 按名称排序的 catalog 名
func CatalogNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Models))
	for name := range cfg.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
