package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for agentvault.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Instruction client metrics.
	InstructionsTotal  *prometheus.CounterVec
	ReceiptWait        prometheus.Histogram
	RelayErrorsTotal   *prometheus.CounterVec
	RelayRequestsTotal *prometheus.CounterVec

	// Bundler metrics.
	MempoolSize       prometheus.Gauge
	BundlesTotal      prometheus.Counter
	UserOpsTotal      *prometheus.CounterVec
	DroppedOpsTotal   *prometheus.CounterVec
	BundleOpsObserved prometheus.Histogram

	// Oracle metrics.
	OracleRunsTotal *prometheus.CounterVec
	PoolDailyCap    *prometheus.GaugeVec

	// Sequencer and funder metrics.
	SequencerAllocationsTotal prometheus.Counter
	FunderTopUpsTotal         *prometheus.CounterVec

	// Ledger collector metrics.
	CollectorBufferSize    prometheus.Gauge
	CollectorFlushesTotal  *prometheus.CounterVec
	CollectorFlushDuration prometheus.Histogram
	CollectorRecordsTotal  prometheus.Counter

	// Auth and rate limiting.
	AuthFailuresTotal        *prometheus.CounterVec
	AuthSuccessesTotal       *prometheus.CounterVec
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentvault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		InstructionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_instructions_total",
			Help: "Signed instructions by outcome.",
		}, []string{"outcome", "payment"}),

		ReceiptWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentvault_receipt_wait_seconds",
			Help:    "Time from submission to receipt.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}),

		RelayErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_relay_errors_total",
			Help: "Relay call failures seen by the instruction client.",
		}, []string{"method"}),

		RelayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_relay_requests_total",
			Help: "JSON-RPC requests served by the relay.",
		}, []string{"method", "status"}),

		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentvault_mempool_size",
			Help: "User operations waiting for the next bundle.",
		}),

		BundlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentvault_bundles_total",
			Help: "Bundles submitted to the entry point.",
		}),

		UserOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_user_ops_total",
			Help: "Included user operations by success.",
		}, []string{"success"}),

		DroppedOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_dropped_user_ops_total",
			Help: "User operations dropped from a bundle by failure code.",
		}, []string{"code"}),

		BundleOpsObserved: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentvault_bundle_size",
			Help:    "User operations per bundle.",
			Buckets: prometheus.LinearBuckets(1, 2, 8),
		}),

		OracleRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_oracle_runs_total",
			Help: "Score oracle runs by result.",
		}, []string{"result"}),

		PoolDailyCap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentvault_pool_daily_cap",
			Help: "Daily pull cap of each agent pool after the last oracle run.",
		}, []string{"agent_id"}),

		SequencerAllocationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentvault_sequencer_allocations_total",
			Help: "Transaction nonces handed out by the sequencer.",
		}),

		FunderTopUpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_funder_top_ups_total",
			Help: "Native balance top-ups sent by the funder.",
		}, []string{"status"}),

		CollectorBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentvault_collector_buffer_size",
			Help: "Current number of buffered instruction records.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_collector_flushes_total",
			Help: "Total number of collector flushes.",
		}, []string{"status"}),

		CollectorFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentvault_collector_flush_duration_seconds",
			Help:    "Duration of collector flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CollectorRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentvault_collector_records_total",
			Help: "Total number of instruction records collected.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"limiter_type", "scope"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentvault_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InstructionsTotal,
		m.ReceiptWait,
		m.RelayErrorsTotal,
		m.RelayRequestsTotal,
		m.MempoolSize,
		m.BundlesTotal,
		m.UserOpsTotal,
		m.DroppedOpsTotal,
		m.BundleOpsObserved,
		m.OracleRunsTotal,
		m.PoolDailyCap,
		m.SequencerAllocationsTotal,
		m.FunderTopUpsTotal,
		m.CollectorBufferSize,
		m.CollectorFlushesTotal,
		m.CollectorFlushDuration,
		m.CollectorRecordsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.RateLimitRejectionsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(kind, method, pattern string, status int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, fmt.Sprintf("%d", status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(seconds)
}

// IncInstruction counts an instruction outcome: approved, rejected, timeout or relay_error.
func (m *Metrics) IncInstruction(outcome string, sponsored bool) {
	payment := "self"
	if sponsored {
		payment = "sponsored"
	}
	m.InstructionsTotal.WithLabelValues(outcome, payment).Inc()
}

// ObserveReceiptWait records how long a receipt took to appear.
func (m *Metrics) ObserveReceiptWait(seconds float64) {
	m.ReceiptWait.Observe(seconds)
}

// IncRelayError counts a failed relay call.
func (m *Metrics) IncRelayError(method string) {
	m.RelayErrorsTotal.WithLabelValues(method).Inc()
}

// IncRelayRequest counts a served JSON-RPC request.
func (m *Metrics) IncRelayRequest(method string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.RelayRequestsTotal.WithLabelValues(method, status).Inc()
}

// SetMempoolSize sets the pending user operation gauge.
func (m *Metrics) SetMempoolSize(n int) {
	m.MempoolSize.Set(float64(n))
}

// ObserveBundle records one bundle and its included and dropped operations.
func (m *Metrics) ObserveBundle(succeeded, failed int, droppedCodes []string) {
	m.BundlesTotal.Inc()
	m.BundleOpsObserved.Observe(float64(succeeded + failed + len(droppedCodes)))
	m.UserOpsTotal.WithLabelValues("true").Add(float64(succeeded))
	m.UserOpsTotal.WithLabelValues("false").Add(float64(failed))
	for _, code := range droppedCodes {
		m.DroppedOpsTotal.WithLabelValues(code).Inc()
	}
}

// ObserveOracleRun counts a run and tracks the pool cap it left behind.
func (m *Metrics) ObserveOracleRun(result, agentID string, dailyCap float64) {
	m.OracleRunsTotal.WithLabelValues(result).Inc()
	if result != "error" && dailyCap >= 0 {
		m.PoolDailyCap.WithLabelValues(agentID).Set(dailyCap)
	}
}

// IncSequencerAllocation counts a handed-out nonce.
func (m *Metrics) IncSequencerAllocation() {
	m.SequencerAllocationsTotal.Inc()
}

// IncFunderTopUp counts a top-up by status.
func (m *Metrics) IncFunderTopUp(status string) {
	m.FunderTopUpsTotal.WithLabelValues(status).Inc()
}

// SetCollectorBuffer sets the collector buffer gauge.
func (m *Metrics) SetCollectorBuffer(n int) {
	m.CollectorBufferSize.Set(float64(n))
}

// ObserveFlush records one collector flush.
func (m *Metrics) ObserveFlush(records int, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CollectorFlushesTotal.WithLabelValues(status).Inc()
	m.CollectorFlushDuration.Observe(seconds)
	if err == nil {
		m.CollectorRecordsTotal.Add(float64(records))
	}
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(limiterType, scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(limiterType, scope).Inc()
}
