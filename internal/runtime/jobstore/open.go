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

package jobstore

import (
	"context"
	"fmt"
)

// Config 账本后端配置
type Config struct {
	Type     string // memory | redis | postgres
	DSN      string // postgres 连接串
	Addr     string // redis 地址
	Password string
	DB       int
	Prefix   string
}

// Open 按类型创建 JobStore，空类型为 memory
func Open(ctx context.Context, cfg Config) (JobStore, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		if cfg.Addr == "" {
			return nil, fmt.Errorf("jobstore: redis addr is required")
		}
		return NewRedisStore(ctx, RedisOptions{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB, Prefix: cfg.Prefix})
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("jobstore: postgres dsn is required")
		}
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("jobstore: unknown type %q", cfg.Type)
	}
}
