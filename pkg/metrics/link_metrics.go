package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "qlink"
	subsystem = "link"
)

// Registry 链路指标使用独立的注册表，避免与进程默认指标混在一起
var Registry = prometheus.NewRegistry()

var startedAt = time.Now()

var (
	factory = promauto.With(Registry)

	framesIn = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "frames_in_total",
		Help:      "Decoded inbound frames by command",
	}, []string{"command"})

	framesOut = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "frames_out_total",
		Help:      "Outbound frames by command",
	}, []string{"command"})

	linkErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "errors_total",
		Help:      "Link errors by type (crc, sequence, unknown, desync, io)",
	}, []string{"type"})

	activeConnections = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "active_connections",
		Help:      "Number of open link connections",
	})

	suspendedConnections = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "suspended_connections",
		Help:      "Number of suspended link connections",
	})

	closedConnections = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "closed_connections_total",
		Help:      "Closed link connections by reason",
	}, []string{"reason"})

	backlogDepth = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "send_backlog_depth",
		Help:      "Queued actions waiting for window space when a send is issued",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
	})

	tunnelFrames = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tunnel",
		Name:      "frames_total",
		Help:      "Frames relayed through the downstream tunnel by direction",
	}, []string{"direction"})
)

// 错误类型标签
const (
	ErrorTypeCRC      = "crc"
	ErrorTypeSequence = "sequence"
	ErrorTypeUnknown  = "unknown"
	ErrorTypeDesync   = "desync"
	ErrorTypeIO       = "io"
	ErrorTypeTunnel   = "tunnel"
)

// IncrementFrameIn 入站帧计数
func IncrementFrameIn(command string) {
	framesIn.WithLabelValues(command).Inc()
}

// IncrementFrameOut 出站帧计数
func IncrementFrameOut(command string) {
	framesOut.WithLabelValues(command).Inc()
}

// IncrementError 链路错误计数
func IncrementError(errorType string) {
	linkErrors.WithLabelValues(errorType).Inc()
}

// ConnectionOpened 连接建立
func ConnectionOpened() {
	activeConnections.Inc()
}

// ConnectionClosed 连接关闭
func ConnectionClosed(reason string) {
	activeConnections.Dec()
	closedConnections.WithLabelValues(reason).Inc()
}

// ConnectionSuspended 挂起状态变化
func ConnectionSuspended(suspended bool) {
	if suspended {
		suspendedConnections.Inc()
	} else {
		suspendedConnections.Dec()
	}
}

// ObserveBacklog 记录发送时的积压深度
func ObserveBacklog(depth int) {
	backlogDepth.Observe(float64(depth))
}

// IncrementTunnelFrame 隧道转发计数，direction为up或down
func IncrementTunnelFrame(direction string) {
	tunnelFrames.WithLabelValues(direction).Inc()
}

// Handler 返回/metrics处理器
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GetMetricsSummary 获取指标摘要，按指标名汇总所有标签
func GetMetricsSummary() map[string]interface{} {
	summary := map[string]interface{}{
		"uptime":    time.Since(startedAt).String(),
		"startedAt": startedAt.Format("2006-01-02 15:04:05"),
	}

	families, err := Registry.Gather()
	if err != nil {
		summary["error"] = err.Error()
		return summary
	}

	for _, mf := range families {
		name := strings.TrimPrefix(mf.GetName(), namespace+"_")
		var total float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		summary[name] = total
	}
	return summary
}
