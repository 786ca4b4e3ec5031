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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"comfybox/internal/app"
	"comfybox/internal/app/plugin"
	"comfybox/internal/job"
	"comfybox/internal/lifecycle"
	"comfybox/internal/runtime/jobstore"
	"comfybox/internal/workflow"
	"comfybox/pkg/config"
)

const version = "comfyctl 0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	args := os.Args[2:]
	code := 0
	switch cmd {
	case "version":
		fmt.Println(version)
	case "validate":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: comfyctl validate <workflow.json>\n")
			os.Exit(1)
		}
		code = runValidate(args[0], optionalConfig(), os.Stdout, os.Stderr)
	case "models":
		code = withBootstrap(ctx, func(b *app.Bootstrap) int { return runModels(b, os.Stdout) })
	case "queue":
		code = withBootstrap(ctx, func(b *app.Bootstrap) int { return runQueue(ctx, b, os.Stdout, os.Stderr) })
	case "interrupt":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: comfyctl interrupt <prompt_id>\n")
			os.Exit(1)
		}
		code = withBootstrap(ctx, func(b *app.Bootstrap) int { return runInterrupt(ctx, b, args[0], os.Stdout, os.Stderr) })
	case "ledger":
		id := ""
		if len(args) > 0 {
			id = args[0]
		}
		code = withBootstrap(ctx, func(b *app.Bootstrap) int { return runLedger(ctx, b.Ledger, id, os.Stdout, os.Stderr) })
	case "drive":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: comfyctl drive <state.json>\n")
			os.Exit(1)
		}
		code = withBootstrap(ctx, func(b *app.Bootstrap) int { return runDrive(ctx, b, args[0], os.Stdout, os.Stderr) })
	default:
		printUsage(os.Stderr)
		code = 1
	}
	os.Exit(code)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: comfyctl <command> [args]")
	fmt.Fprintln(w, "  version                   - 显示版本")
	fmt.Fprintln(w, "  validate <workflow.json>  - 校验工作流并解析 profile 绑定")
	fmt.Fprintln(w, "  models                    - 列出模型目录中的模型")
	fmt.Fprintln(w, "  queue                     - 查看 ComfyUI 队列")
	fmt.Fprintln(w, "  interrupt <prompt_id>     - 中断排队或运行中的 prompt")
	fmt.Fprintln(w, "  ledger [prompt_id]        - 列出账本中的 Job 或某个 Job 的事件流")
	fmt.Fprintln(w, "  drive <state.json>        - 模拟宿主反复调用，直到回到 idle")
	fmt.Fprintf(w, "配置文件: %s（可用 %s 覆盖）\n", config.DefaultPath, config.EnvConfigPath)
}

// optionalConfig 配置文件不存在时返回 nil，使用内置默认值
func optionalConfig() *config.Config {
	cfg, err := config.LoadConfig(config.Path())
	if err != nil {
		return nil
	}
	return cfg
}

func withBootstrap(ctx context.Context, fn func(b *app.Bootstrap) int) int {
	cfg, err := config.LoadConfig(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}
	b, err := app.NewBootstrap(ctx, cfg, afero.NewOsFs())
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败: %v\n", err)
		return 1
	}
	defer b.Close(context.Background())
	return fn(b)
}

func runValidate(path string, cfg *config.Config, stdout, stderr io.Writer) int {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "读取工作流失败: %v\n", err)
		return 1
	}
	g, err := workflow.Load(data)
	if err != nil {
		fmt.Fprintf(stderr, "工作流无效: %v\n", err)
		return 1
	}
	var p lifecycle.Profile
	switch {
	case cfg != nil && cfg.Workflow.ProfileFile != "":
		p, err = lifecycle.LoadProfile(cfg.Workflow.ProfileFile)
	case cfg != nil:
		p, err = lifecycle.ProfileByName(cfg.Workflow.Profile)
	default:
		p = lifecycle.SegmentAnything()
	}
	if err != nil {
		fmt.Fprintf(stderr, "加载 profile 失败: %v\n", err)
		return 1
	}
	b, err := lifecycle.Resolve(g, p)
	if err != nil {
		fmt.Fprintf(stderr, "profile %s 与工作流不匹配: %v\n", p.Name, err)
		return 1
	}
	fmt.Fprintf(stdout, "workflow ok: %d nodes, profile %s\n", g.Len(), p.Name)
	for i, bp := range b.Params {
		n, _ := g.Node(bp.NodeID)
		fmt.Fprintf(stdout, "  param  %-12s -> %s.%s (%s) [%s]\n", bp.Param, bp.NodeID, bp.Input, n.Title(), p.Params[i].Kind)
	}
	for _, bo := range b.Outputs {
		n, _ := g.Node(bo.NodeID)
		fmt.Fprintf(stdout, "  output %-12s -> %s (%s)\n", bo.Slot, bo.NodeID, n.Title())
	}
	return 0
}

func runModels(b *app.Bootstrap, stdout io.Writer) int {
	names := app.CatalogNames(b.Config)
	if len(names) == 0 {
		fmt.Fprintln(stdout, "未配置模型目录（models）")
		return 0
	}
	for _, name := range names {
		fmt.Fprintf(stdout, "%s:\n", name)
		labels := b.Catalogs[name]
		if len(labels) == 0 {
			fmt.Fprintln(stdout, "  (none)")
		}
		for i, l := range labels {
			fmt.Fprintf(stdout, "  [%d] %s\n", i, l)
		}
	}
	return 0
}

func runQueue(ctx context.Context, b *app.Bootstrap, stdout, stderr io.Writer) int {
	q, err := b.Client.Queue(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "查询队列失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(q))
	return 0
}

// runInterrupt 先查队列确定 prompt 的状态，再按状态中断
func runInterrupt(ctx context.Context, b *app.Bootstrap, promptID string, stdout, stderr io.Writer) int {
	q, err := b.Client.Queue(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "查询队列失败: %v\n", err)
		return 1
	}
	status := job.StatusIdle
	if contains(q.Running, promptID) {
		status = job.StatusRunning
	} else if contains(q.Pending, promptID) {
		status = job.StatusQueued
	}
	if status == job.StatusIdle {
		fmt.Fprintf(stderr, "prompt %s 不在队列中\n", promptID)
		return 1
	}
	j := job.New(promptID, nil, nil, 0).WithStatus(status, "")
	out, err := b.Client.Interrupt(ctx, j)
	if err != nil {
		fmt.Fprintf(stderr, "中断失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s: %s -> %s\n", promptID, status, out.Status)
	return 0
}

func runLedger(ctx context.Context, store jobstore.JobStore, promptID string, stdout, stderr io.Writer) int {
	if promptID == "" {
		ids, err := store.ListJobIDs(ctx, 50)
		if err != nil {
			fmt.Fprintf(stderr, "列出 Job 失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, prettyJSON(ids))
		return 0
	}
	events, _, err := store.ListEvents(ctx, promptID)
	if err != nil {
		fmt.Fprintf(stderr, "获取事件流失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(events))
	fmt.Fprintf(stdout, "last known status: %s\n", job.DeriveStatusFromEvents(events))
	return 0
}

func runDrive(ctx context.Context, b *app.Bootstrap, path string, stdout, stderr io.Writer) int {
	limiter := rate.NewLimiter(rate.Every(b.Config.Driver.TickDuration()), 1)
	res, err := plugin.Drive(ctx, b, path, limiter, b.Config.Driver.MaxTicks, func(tick int, r *lifecycle.Result) {
		for _, tr := range r.Transitions {
			fmt.Fprintf(stdout, "[%03d] %s -> %s (%s)\n", tick, tr.From, tr.To, tr.Reason)
		}
		if r.Job != nil {
			fmt.Fprintf(stdout, "[%03d] %s\n", tick, r.Job)
		}
		if r.Err != nil {
			fmt.Fprintf(stdout, "[%03d] error: %v\n", tick, r.Err)
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(stderr, "已取消")
		} else {
			fmt.Fprintf(stderr, "drive 失败: %v\n", err)
		}
		return 1
	}
	if len(res.Outputs) > 0 {
		fmt.Fprintln(stdout, prettyJSON(res.Outputs))
	}
	return 0
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
