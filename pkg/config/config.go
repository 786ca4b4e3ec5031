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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath 默认配置文件路径，可通过 COMFYBOX_CONFIG 覆盖
const DefaultPath = "configs/pybox.yaml"

// EnvConfigPath 覆盖配置文件路径的环境变量
const EnvConfigPath = "COMFYBOX_CONFIG"

// Config 插件配置结构体
type Config struct {
	Server     ServerConfig             `mapstructure:"server"`
	Workflow   WorkflowConfig           `mapstructure:"workflow"`
	Output     OutputConfig             `mapstructure:"output"`
	Models     map[string]CatalogConfig `mapstructure:"models"`
	JobStore   JobStoreConfig           `mapstructure:"jobstore"`
	Secrets    SecretsConfig            `mapstructure:"secrets"`
	Log        LogConfig                `mapstructure:"log"`
	Monitoring MonitoringConfig         `mapstructure:"monitoring"`
	Driver     DriverConfig             `mapstructure:"driver"`
}

// ServerConfig ComfyUI 服务配置
type ServerConfig struct {
	URL      string `mapstructure:"url"`
	Timeout  string `mapstructure:"timeout"`   // 单次请求超时，如 "10s"
	ClientID string `mapstructure:"client_id"` // 为空时每个进程生成 uuid
	Token    string `mapstructure:"token"`     // 可为 secret:<key> 引用
}

// TimeoutDuration 解析 Timeout，空或非法时返回 10s
func (s ServerConfig) TimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(s.Timeout); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}

// WorkflowConfig 工作流模板与参数映射
type WorkflowConfig struct {
	Template    string `mapstructure:"template"`     // API 格式工作流 JSON
	Profile     string `mapstructure:"profile"`      // 内置 profile 名，默认 segment_anything
	ProfileFile string `mapstructure:"profile_file"` // 非空时从 YAML 加载 profile
}

// OutputConfig 产物命名
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
	Ext string `mapstructure:"ext"` // 如 ".exr"
	Pad int    `mapstructure:"pad"` // 图中无 frame_pad 时的帧号位数，<=0 为 4
}

// CatalogConfig 一类模型文件的目录与显示名
type CatalogConfig struct {
	Dirs  []string          `mapstructure:"dirs"`
	Names []ModelNameConfig `mapstructure:"names"`
}

// ModelNameConfig 文件名 → 显示名（文件名含 "."，不能作为 viper 的 map key）
type ModelNameConfig struct {
	File  string `mapstructure:"file"`
	Label string `mapstructure:"label"`
}

// JobStoreConfig 任务事件账本配置
type JobStoreConfig struct {
	Type     string `mapstructure:"type"` // memory | redis | postgres
	DSN      string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
	Addr     string `mapstructure:"addr"` // Redis 地址，type=redis 时必填
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SecretsConfig secret store 配置
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // env | memory | vault
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 连接配置
type VaultConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig 每次调用结束后将指标写入 node-exporter textfile
type PrometheusConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Textfile string `mapstructure:"textfile"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// DriverConfig comfyctl drive 的宿主模拟节奏
type DriverConfig struct {
	Tick     string `mapstructure:"tick"`      // 两次调用的间隔，如 "500ms"
	MaxTicks int    `mapstructure:"max_ticks"` // <=0 为 120
}

// TickDuration 解析 Tick，空或非法时返回 500ms
func (d DriverConfig) TickDuration() time.Duration {
	if v, err := time.ParseDuration(d.Tick); err == nil && v > 0 {
		return v
	}
	return 500 * time.Millisecond
}

// Path 返回配置文件路径：COMFYBOX_CONFIG 优先，否则 DefaultPath
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://127.0.0.1:8188")
	v.SetDefault("server.timeout", "10s")
	v.SetDefault("workflow.profile", "segment_anything")
	v.SetDefault("output.ext", ".exr")
	v.SetDefault("output.pad", 4)
	v.SetDefault("jobstore.type", "memory")
	v.SetDefault("jobstore.prefix", "comfybox")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("driver.tick", "500ms")
	v.SetDefault("driver.max_ticks", 120)
}

// replaceEnvVars 替换 ${VAR} 形式的值
func replaceEnvVars(config *Config) {
	config.Server.URL = expand(config.Server.URL)
	config.Server.Token = expand(config.Server.Token)
	config.Workflow.Template = expand(config.Workflow.Template)
	config.Output.Dir = expand(config.Output.Dir)
	config.JobStore.DSN = expand(config.JobStore.DSN)
	config.JobStore.Password = expand(config.JobStore.Password)
	config.Secrets.Vault.Token = expand(config.Secrets.Vault.Token)
	for name, catalog := range config.Models {
		for i, dir := range catalog.Dirs {
			catalog.Dirs[i] = expand(dir)
		}
		config.Models[name] = catalog
	}
}

func expand(value string) string {
	if !strings.HasPrefix(value, "${") || !strings.HasSuffix(value, "}") {
		return value
	}
	envVar := strings.TrimSuffix(strings.TrimPrefix(value, "${"), "}")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return value
}
