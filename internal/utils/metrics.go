// internal/utils/metrics.go
package utils

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector 进程内指标：计数器、仪表和简单直方图
type MetricsCollector struct {
	counters   map[string]*int64
	gauges     map[string]*int64
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Histogram 只记录 count/sum/min/max
type Histogram struct {
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// NewMetricsCollector 创建独立的收集器，测试中使用
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		histograms: make(map[string]*Histogram),
	}
}

// GetMetricsCollector 全局收集器
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// slot 读锁快路径，不存在时加写锁创建
func (m *MetricsCollector) slot(set map[string]*int64, name string) *int64 {
	m.mu.RLock()
	v, ok := set[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = set[name]; !ok {
		v = new(int64)
		set[name] = v
	}
	return v
}

// IncrementCounter 计数器加一
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(m.slot(m.counters, name), 1)
}

// AddCounter 计数器加 value
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(m.slot(m.counters, name), value)
}

// SetGauge 设置仪表值
func (m *MetricsCollector) SetGauge(name string, value int64) {
	atomic.StoreInt64(m.slot(m.gauges, name), value)
}

// IncGauge 仪表加一
func (m *MetricsCollector) IncGauge(name string) {
	atomic.AddInt64(m.slot(m.gauges, name), 1)
}

// DecGauge 仪表减一
func (m *MetricsCollector) DecGauge(name string) {
	atomic.AddInt64(m.slot(m.gauges, name), -1)
}

// GetGauge 当前仪表值
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	v, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// GetCounterValue 当前计数
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	v, ok := m.counters[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// RecordHistogram 记录一个观测值
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if h, ok = m.histograms[name]; !ok {
			h = &Histogram{min: value, max: value}
			m.histograms[name] = h
		}
		m.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
}

// GetMetrics 所有指标的快照
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, v := range m.counters {
		counters[name] = atomic.LoadInt64(v)
	}

	gauges := make(map[string]int64, len(m.gauges))
	for name, v := range m.gauges {
		gauges[name] = atomic.LoadInt64(v)
	}

	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, h := range m.histograms {
		h.mu.Lock()
		histograms[name] = map[string]int64{
			"count": h.count,
			"sum":   h.sum,
			"min":   h.min,
			"max":   h.max,
		}
		h.mu.Unlock()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// GameMetrics 游戏相关的指标记录
type GameMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewGameMetrics 使用给定收集器，nil 时使用全局收集器
func NewGameMetrics(collector *MetricsCollector) *GameMetrics {
	if collector == nil {
		collector = GetMetricsCollector()
	}
	return &GameMetrics{metrics: collector, logger: GetLogger()}
}

// Collector 底层收集器
func (gm *GameMetrics) Collector() *MetricsCollector {
	return gm.metrics
}

// RecordTurn 记录一个回合的结果
func (gm *GameMetrics) RecordTurn(committed bool, duration time.Duration) {
	gm.metrics.IncrementCounter("turns_total")
	if committed {
		gm.metrics.IncrementCounter("turns_committed")
	} else {
		gm.metrics.IncrementCounter("turns_failed")
	}
	gm.metrics.RecordHistogram("turn_duration_ms", duration.Milliseconds())
}

// RecordAIRequest 记录一次模型请求，kind 为 narration/choices/stat_updates
func (gm *GameMetrics) RecordAIRequest(kind string, duration time.Duration, err error) {
	gm.metrics.IncrementCounter("ai_requests_total")
	gm.metrics.IncrementCounter("ai_requests_" + kind)
	if err != nil {
		gm.metrics.IncrementCounter("ai_requests_failed")
	}
	gm.metrics.RecordHistogram("ai_request_ms_"+kind, duration.Milliseconds())
}

// RecordSandboxFailures 脚本求值失败数
func (gm *GameMetrics) RecordSandboxFailures(n int) {
	if n > 0 {
		gm.metrics.AddCounter("sandbox_errors", int64(n))
	}
}

// RecordSaveOperation 记录存档操作（save/load/delete/export）
func (gm *GameMetrics) RecordSaveOperation(op string, err error) {
	gm.metrics.IncrementCounter("saves_" + op)
	if err != nil {
		gm.metrics.IncrementCounter("saves_" + op + "_failed")
	}
}

// RecordAPIRequest 记录一次 HTTP 请求
func (gm *GameMetrics) RecordAPIRequest(route, method string, statusCode int, duration time.Duration) {
	gm.metrics.IncrementCounter("api_requests_total")
	gm.metrics.IncrementCounter("api_requests_" + method + "_" + route)
	gm.metrics.IncrementCounter("api_responses_" + strconv.Itoa(statusCode/100) + "xx")
	gm.metrics.RecordHistogram("api_response_time_ms", duration.Milliseconds())
}

// StartMetricsCollection 定期把指标摘要写入日志
func (gm *GameMetrics) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gm.logger.Info("Periodic metrics report", map[string]interface{}{
					"metrics": gm.metrics.GetMetrics(),
				})
			}
		}
	}()
}
