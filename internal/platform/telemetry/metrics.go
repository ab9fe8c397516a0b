// Package telemetry keeps in-process request and scoring metrics and serves
// them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

var (
	requestDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	scoringDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
)

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled families
// ---------------------------------------------------------------------------

// labelsKey joins label values; "|" never appears in route patterns or enum
// values.
func labelsKey(values ...string) string {
	return strings.Join(values, "|")
}

type histogramFamily struct {
	boundaries []float64
	mu         sync.RWMutex
	items      map[string]*histogram
}

func newHistogramFamily(boundaries []float64) *histogramFamily {
	return &histogramFamily{boundaries: boundaries, items: make(map[string]*histogram)}
}

func (f *histogramFamily) with(key string) *histogram {
	f.mu.RLock()
	h, ok := f.items[key]
	f.mu.RUnlock()
	if ok {
		return h
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok = f.items[key]; !ok {
		h = newHistogram(f.boundaries)
		f.items[key] = h
	}
	return h
}

func (f *histogramFamily) snapshot() map[string]*histogram {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cp := make(map[string]*histogram, len(f.items))
	for k, v := range f.items {
		cp[k] = v
	}
	return cp
}

type counterFamily struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterFamily() *counterFamily {
	return &counterFamily{items: make(map[string]*int64)}
}

func (f *counterFamily) inc(key string) {
	f.mu.RLock()
	p, ok := f.items[key]
	f.mu.RUnlock()
	if !ok {
		f.mu.Lock()
		if p, ok = f.items[key]; !ok {
			p = new(int64)
			f.items[key] = p
		}
		f.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (f *counterFamily) get(key string) int64 {
	f.mu.RLock()
	p, ok := f.items[key]
	f.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (f *counterFamily) snapshot() map[string]int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cp := make(map[string]int64, len(f.items))
	for k, p := range f.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics is the process-wide registry. The zero value is not usable; call
// NewMetrics.
type Metrics struct {
	requestDuration *histogramFamily
	activeRequests  int64

	scoringDuration *histogram
	scores          *counterFamily
	alerts          *counterFamily
	modelLoaded     int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		requestDuration: newHistogramFamily(requestDurationBuckets),
		scoringDuration: newHistogram(scoringDurationBuckets),
		scores:          newCounterFamily(),
		alerts:          newCounterFamily(),
	}
}

// RecordScore counts one completed scoring by combined level and whether the
// model took part.
func (m *Metrics) RecordScore(combinedLevel, mlStatus string, elapsed time.Duration) {
	m.scores.inc(labelsKey(combinedLevel, mlStatus))
	m.scoringDuration.Observe(elapsed.Seconds())
}

// RecordAlert counts an alert decision. created is false for duplicates.
func (m *Metrics) RecordAlert(severity string, created bool) {
	m.alerts.inc(labelsKey(severity, strconv.FormatBool(created)))
}

func (m *Metrics) SetModelLoaded(loaded bool) {
	var v int64
	if loaded {
		v = 1
	}
	atomic.StoreInt64(&m.modelLoaded, v)
}

func (m *Metrics) ScoreCount(combinedLevel, mlStatus string) int64 {
	return m.scores.get(labelsKey(combinedLevel, mlStatus))
}

func (m *Metrics) AlertCount(severity string, created bool) int64 {
	return m.alerts.get(labelsKey(severity, strconv.FormatBool(created)))
}

// Middleware records request latency by method, route pattern and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.activeRequests, 1)
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let echo resolve the status before it is recorded.
				c.Error(err)
			}

			atomic.AddInt64(&m.activeRequests, -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := strconv.Itoa(c.Response().Status)
			m.requestDuration.with(labelsKey(c.Request().Method, route, status)).
				Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// Handler serves every metric in text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeHeader(&b, "http_server_request_duration_seconds", "Duration of HTTP requests in seconds.", "histogram")
		hists := m.requestDuration.snapshot()
		for _, key := range sortedKeys(hists) {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, "http_server_request_duration_seconds", labels, hists[key])
		}
		b.WriteByte('\n')

		writeHeader(&b, "http_server_active_requests", "Number of in-flight HTTP requests.", "gauge")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.activeRequests))

		writeHeader(&b, "risk_scores_total", "Completed risk scorings by combined level and model participation.", "counter")
		writeCounters(&b, "risk_scores_total", []string{"combined_level", "ml_status"}, m.scores.snapshot())

		writeHeader(&b, "risk_scoring_duration_seconds", "Time spent scoring one patient.", "histogram")
		writeHistogram(&b, "risk_scoring_duration_seconds", "", m.scoringDuration)
		b.WriteByte('\n')

		writeHeader(&b, "crisis_alerts_total", "Crisis alert decisions by severity and whether a new alert was stored.", "counter")
		writeCounters(&b, "crisis_alerts_total", []string{"severity", "created"}, m.alerts.snapshot())

		writeHeader(&b, "risk_model_loaded", "1 when a crisis model is serving.", "gauge")
		fmt.Fprintf(&b, "risk_model_loaded %d\n", atomic.LoadInt64(&m.modelLoaded))

		return c.String(http.StatusOK, b.String())
	}
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeCounters(b *strings.Builder, name string, labelNames []string, values map[string]int64) {
	for _, key := range sortedKeys(values) {
		parts := strings.SplitN(key, "|", len(labelNames))
		if len(parts) != len(labelNames) {
			continue
		}
		pairs := make([]string, len(parts))
		for i, p := range parts {
			pairs[i] = fmt.Sprintf("%s=%q", labelNames[i], p)
		}
		fmt.Fprintf(b, "%s{%s} %d\n", name, strings.Join(pairs, ","), values[key])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
