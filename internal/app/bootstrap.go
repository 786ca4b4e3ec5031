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
	"context"
	"fmt"

	"github.com/spf13/afero"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"comfybox/internal/comfy"
	"comfybox/internal/lifecycle"
	"comfybox/internal/reconcile"
	"comfybox/internal/runtime/jobstore"
	"comfybox/internal/workflow"
	"comfybox/pkg/config"
	"comfybox/pkg/log"
	"comfybox/pkg/metrics"
	"comfybox/pkg/secrets"
	"comfybox/pkg/tracing"
)

// Bootstrap 统一初始化：供 pybox 与 comfyctl 复用，避免在 cmd 内组装依赖
type Bootstrap struct {
	Config     *config.Config
	Logger     *log.Logger
	Fs         afero.Fs
	Secrets    secrets.Store
	Client     *comfy.Client
	Ledger     jobstore.JobStore
	Reconciler *reconcile.Reconciler
	Profile    lifecycle.Profile
	Catalogs   map[string][]string

	tracer *sdktrace.TracerProvider
}

// NewBootstrap 根据配置创建 Bootstrap（日志、secret、ComfyUI 客户端、账本、模型目录）；fs 为 nil 时使用本地文件系统
func NewBootstrap(ctx context.Context, cfg *config.Config, fs afero.Fs) (*Bootstrap, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	b := &Bootstrap{Config: cfg, Logger: logger, Fs: fs}

	if cfg.Monitoring.Tracing.Enable {
		b.tracer, err = tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    cfg.Monitoring.Tracing.ServiceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 tracing 失败: %w", err)
		}
	}

	b.Secrets, err = secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Vault: secrets.VaultConfig{
			Address: cfg.Secrets.Vault.Address,
			Token:   cfg.Secrets.Vault.Token,
			Mount:   cfg.Secrets.Vault.Mount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 secret store 失败: %w", err)
	}
	token, err := secrets.Resolve(ctx, b.Secrets, cfg.Server.Token)
	if err != nil {
		return nil, fmt.Errorf("解析 server.token 失败: %w", err)
	}
	b.Client = comfy.NewClient(comfy.Options{
		BaseURL:  cfg.Server.URL,
		Timeout:  cfg.Server.TimeoutDuration(),
		ClientID: cfg.Server.ClientID,
		Token:    token,
	}, logger)

	b.Ledger, err = jobstore.Open(ctx, jobstore.Config{
		Type:     cfg.JobStore.Type,
		DSN:      cfg.JobStore.DSN,
		Addr:     cfg.JobStore.Addr,
		Password: cfg.JobStore.Password,
		DB:       cfg.JobStore.DB,
		Prefix:   cfg.JobStore.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化任务账本失败: %w", err)
	}

	b.Reconciler = reconcile.New(fs, reconcile.Naming{Dir: cfg.Output.Dir, Ext: cfg.Output.Ext, Pad: cfg.Output.Pad}, logger)

	if cfg.Workflow.ProfileFile != "" {
		b.Profile, err = lifecycle.LoadProfile(cfg.Workflow.ProfileFile)
	} else {
		b.Profile, err = lifecycle.ProfileByName(cfg.Workflow.Profile)
	}
	if err != nil {
		return nil, fmt.Errorf("加载 profile 失败: %w", err)
	}

	b.Catalogs = NewCatalogsFromConfig(cfg, fs, logger)
	return b, nil
}

// NewMachine 创建生命周期状态机（未装入图）
func (b *Bootstrap) NewMachine() (*lifecycle.Machine, error) {
	return lifecycle.New(lifecycle.Options{
		Profile:    b.Profile,
		Client:     b.Client,
		Reconciler: b.Reconciler,
		Ledger:     b.Ledger,
		Catalogs:   b.Catalogs,
		Logger:     b.Logger,
	})
}

// Template 读取 workflow.template 指定的工作流模板
func (b *Bootstrap) Template() (*workflow.Graph, error) {
	path := b.Config.Workflow.Template
	if path == "" {
		return nil, fmt.Errorf("workflow.template 未配置")
	}
	data, err := afero.ReadFile(b.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("读取工作流模板 %s: %w", path, err)
	}
	g, err := workflow.Load(data)
	if err != nil {
		return nil, fmt.Errorf("工作流模板 %s: %w", path, err)
	}
	return g, nil
}

// Close 导出指标 textfile、刷新 span 并关闭账本
func (b *Bootstrap) Close(ctx context.Context) error {
	var firstErr error
	if p := b.Config.Monitoring.Prometheus; p.Enable && p.Textfile != "" {
		if err := metrics.WriteTextfile(p.Textfile); err != nil {
			b.Logger.Warn("写入指标 textfile 失败", "path", p.Textfile, "error", err)
			firstErr = err
		}
	}
	if b.tracer != nil {
		if err := b.tracer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.Ledger != nil {
		if err := b.Ledger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
