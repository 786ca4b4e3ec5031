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

// pybox 由合成宿主在每次求值时调用一次：读取状态文档、推进一步生命周期、写回文档
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/afero"

	"comfybox/internal/app"
	"comfybox/internal/app/plugin"
	"comfybox/internal/lifecycle"
	"comfybox/pkg/config"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: pybox <state.json>\n")
		os.Exit(2)
	}
	os.Exit(run(os.Args[1]))
}

func run(path string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	defer func() {
		if err := b.Close(context.Background()); err != nil {
			b.Logger.Warn("关闭失败", "error", err)
		}
	}()

	res, err := plugin.RunOnce(ctx, b, path)
	if err != nil {
		b.Logger.Error("pybox 失败", "fatal", lifecycle.IsFatal(err), "error", err)
		return report(os.Stderr, err)
	}
	b.Logger.Info("pybox 完成", "state", res.State.String(), "transitions", len(res.Transitions))
	return 0
}

// report 输出致命错误并返回退出码；图或模板错误单独提示，状态文件未改写
func report(w io.Writer, err error) int {
	if lifecycle.IsFatal(err) {
		fmt.Fprintf(w, "工作流或模板错误（状态文件未改写）: %v\n", err)
	} else {
		fmt.Fprintf(w, "pybox 失败: %v\n", err)
	}
	return 1
}
