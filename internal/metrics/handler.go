package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics endpoint.
type Summary struct {
	Mode         string          `json:"mode"`
	HTTP         httpSummary     `json:"http"`
	Instructions instructionInfo `json:"instructions"`
	Relay        relayInfo       `json:"relay"`
	Bundler      bundlerInfo     `json:"bundler"`
	Oracle       oracleInfo      `json:"oracle"`
	Sequencer    sequencerInfo   `json:"sequencer"`
	RateLimit    rateLimitInfo   `json:"rateLimit"`
	Collector    collectorInfo   `json:"collector"`
	Auth         authInfo        `json:"auth"`
	DB           dbInfo          `json:"db"`
	Server       serverInfo      `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type instructionInfo struct {
	Approved       float64 `json:"approved"`
	Rejected       float64 `json:"rejected"`
	TimedOut       float64 `json:"timedOut"`
	RelayErrors    float64 `json:"relayErrors"`
	P50ReceiptWait float64 `json:"p50ReceiptWait"`
	P95ReceiptWait float64 `json:"p95ReceiptWait"`
}

type relayInfo struct {
	Requests float64 `json:"requests"`
	Errors   float64 `json:"errors"`
}

type bundlerInfo struct {
	Mempool   float64 `json:"mempool"`
	Bundles   float64 `json:"bundles"`
	Succeeded float64 `json:"succeeded"`
	Failed    float64 `json:"failed"`
	Dropped   float64 `json:"dropped"`
}

type oracleInfo struct {
	Runs     float64 `json:"runs"`
	Adjusted float64 `json:"adjusted"`
	Errors   float64 `json:"errors"`
}

type sequencerInfo struct {
	Allocations  float64 `json:"allocations"`
	TopUps       float64 `json:"topUps"`
	TopUpsFailed float64 `json:"topUpsFailed"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type collectorInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Records      float64 `json:"records"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	summary := Summary{
		Mode: "live",
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["agentvault_http_requests_total"]),
			ErrorRate:     computeErrorRate(fam["agentvault_http_requests_total"]),
			P50Latency:    histogramPercentile(fam["agentvault_http_request_duration_seconds"], 0.50),
			P95Latency:    histogramPercentile(fam["agentvault_http_request_duration_seconds"], 0.95),
			P99Latency:    histogramPercentile(fam["agentvault_http_request_duration_seconds"], 0.99),
		},
		Instructions: instructionInfo{
			Approved:       sumCounterWithLabel(fam["agentvault_instructions_total"], "outcome", "approved"),
			Rejected:       sumCounterWithLabel(fam["agentvault_instructions_total"], "outcome", "rejected"),
			TimedOut:       sumCounterWithLabel(fam["agentvault_instructions_total"], "outcome", "timeout"),
			RelayErrors:    sumCounter(fam["agentvault_relay_errors_total"]),
			P50ReceiptWait: histogramPercentile(fam["agentvault_receipt_wait_seconds"], 0.50),
			P95ReceiptWait: histogramPercentile(fam["agentvault_receipt_wait_seconds"], 0.95),
		},
		Relay: relayInfo{
			Requests: sumCounter(fam["agentvault_relay_requests_total"]),
			Errors:   sumCounterWithLabel(fam["agentvault_relay_requests_total"], "status", "error"),
		},
		Bundler: bundlerInfo{
			Mempool:   gaugeValue(fam["agentvault_mempool_size"]),
			Bundles:   counterValue(fam["agentvault_bundles_total"]),
			Succeeded: counterWithLabel(fam["agentvault_user_ops_total"], "success", "true"),
			Failed:    counterWithLabel(fam["agentvault_user_ops_total"], "success", "false"),
			Dropped:   sumCounter(fam["agentvault_dropped_user_ops_total"]),
		},
		Oracle: oracleInfo{
			Runs:     sumCounter(fam["agentvault_oracle_runs_total"]),
			Adjusted: counterWithLabel(fam["agentvault_oracle_runs_total"], "result", "adjusted"),
			Errors:   counterWithLabel(fam["agentvault_oracle_runs_total"], "result", "error"),
		},
		Sequencer: sequencerInfo{
			Allocations:  counterValue(fam["agentvault_sequencer_allocations_total"]),
			TopUps:       counterWithLabel(fam["agentvault_funder_top_ups_total"], "status", "sent"),
			TopUpsFailed: counterWithLabel(fam["agentvault_funder_top_ups_total"], "status", "failed"),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["agentvault_ratelimit_rejections_total"]),
		},
		Collector: collectorInfo{
			BufferSize:   gaugeValue(fam["agentvault_collector_buffer_size"]),
			TotalFlushes: sumCounter(fam["agentvault_collector_flushes_total"]),
			FlushErrors:  counterWithLabel(fam["agentvault_collector_flushes_total"], "status", "error"),
			Records:      counterValue(fam["agentvault_collector_records_total"]),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["agentvault_auth_failures_total"]),
			Successes: sumCounter(fam["agentvault_auth_successes_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["agentvault_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["agentvault_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["agentvault_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     gaugeValue(fam["agentvault_server_start_time_seconds"]),
			UptimeSeconds: float64(time.Now().Unix()) - gaugeValue(fam["agentvault_server_start_time_seconds"]),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

func counterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName && lp.GetValue() == labelValue {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func computeErrorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	// Aggregate all histogram metrics in the family.
	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			// Linear interpolation within this bucket.
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// If we didn't find it, return the last finite bucket upper bound.
	if len(buckets) > 0 {
		for i := len(buckets) - 1; i >= 0; i-- {
			if !math.IsInf(buckets[i].upperBound, 1) {
				return buckets[i].upperBound
			}
		}
	}
	return 0
}
