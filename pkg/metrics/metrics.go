package metrics

import (
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 pybox / comfyctl 注册与导出
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobTotal, SubmitTotal, PatchTotal,
		CycleDuration, RemoteCallDuration,
		InflightJobs,
	)
}

// JobTotal 到达终态的 Job 数（按状态）
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "comfybox_job_total",
		Help: "到达终态的 Job 数",
	},
	[]string{"status"}, // completed | failed | interrupted
)

// SubmitTotal 提交次数（按结果）
var SubmitTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "comfybox_submit_total",
		Help: "工作流提交次数",
	},
	[]string{"result"}, // ok | error
)

// PatchTotal 已应用的参数补丁数
var PatchTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "comfybox_patch_total",
		Help: "已应用的参数补丁数",
	},
)

// CycleDuration 单次调用周期耗时（秒）
var CycleDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "comfybox_cycle_duration_seconds",
		Help:    "单次调用周期耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"state"}, // 周期结束时的状态
)

// RemoteCallDuration ComfyUI 调用耗时（秒）
var RemoteCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "comfybox_remote_call_duration_seconds",
		Help:    "ComfyUI 调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"op"}, // submit | poll | interrupt | queue
)

// InflightJobs 当前在途 Job 数（0 或 1）
var InflightJobs = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "comfybox_inflight_jobs",
		Help: "当前在途 Job 数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// WriteTextfile 原子写入 node_exporter textfile collector 使用的 .prom 文件
func WriteTextfile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".comfybox-*.prom")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := WritePrometheus(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
