package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the bridge relayer.
// Every recorder is a no-op on a nil receiver.
type PrometheusMetrics struct {
	// Reconciliation metrics
	EventsProcessedTotal    *prometheus.CounterVec
	EventProcessingDuration *prometheus.HistogramVec
	LedgerRetriesTotal      *prometheus.CounterVec

	// Watcher metrics
	CheckpointBlock      *prometheus.GaugeVec
	ChainHead            *prometheus.GaugeVec
	WatcherHealth        *prometheus.GaugeVec
	WatcherRestartsTotal *prometheus.CounterVec
	ActiveWatchers       prometheus.Gauge
	MalformedLogsTotal   *prometheus.CounterVec

	// Voucher metrics
	VouchersIssuedTotal *prometheus.CounterVec
	VoucherDuration     *prometheus.HistogramVec
	PendingVouchers     prometheus.Gauge

	// Registry metrics
	TokenRegistrations prometheus.Gauge

	// Connection metrics
	ConnectionErrorsTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec
	RPCRequestDuration    *prometheus.HistogramVec
	ConnectionStatus      *prometheus.GaugeVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// Notification metrics
	NotificationsSentTotal    *prometheus.CounterVec
	NotificationFailuresTotal *prometheus.CounterVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		EventsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_events_processed_total",
				Help: "Bridge events handled by the reconciliation engine",
			},
			[]string{"chain", "event_kind", "outcome"},
		),

		EventProcessingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_event_processing_duration_seconds",
				Help:    "Time spent applying a single event to the ledger",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_kind"},
		),

		LedgerRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_ledger_retries_total",
				Help: "Deferred ledger applications by reason",
			},
			[]string{"reason"},
		),

		CheckpointBlock: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_checkpoint_block",
				Help: "Last fully reconciled block per watched contract",
			},
			[]string{"chain", "contract"},
		),

		ChainHead: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_chain_head_block",
				Help: "Latest block number observed per chain",
			},
			[]string{"chain"},
		),

		WatcherHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_watcher_healthy",
				Help: "Watcher health (1 = healthy, 0 = degraded)",
			},
			[]string{"chain", "contract"},
		),

		WatcherRestartsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_watcher_restarts_total",
				Help: "Watcher session restarts after a failure",
			},
			[]string{"chain", "contract"},
		),

		ActiveWatchers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_active_watchers",
				Help: "Number of running chain watchers",
			},
		),

		MalformedLogsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_malformed_logs_total",
				Help: "Logs dropped because they could not be decoded",
			},
			[]string{"chain", "contract"},
		),

		VouchersIssuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_vouchers_issued_total",
				Help: "Voucher issuance attempts",
			},
			[]string{"action", "status"},
		),

		VoucherDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_voucher_issuance_duration_seconds",
				Help:    "Time spent fetching the nonce and signing a voucher",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),

		PendingVouchers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_pending_vouchers",
				Help: "Ledger slots still waiting for a voucher",
			},
		),

		TokenRegistrations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_token_registrations",
				Help: "Registered source to destination token mappings",
			},
		),

		ConnectionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_connection_errors_total",
				Help: "Connection errors to chain nodes",
			},
			[]string{"chain", "error_type"},
		),

		RPCRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_rpc_requests_total",
				Help: "RPC requests made to chain nodes",
			},
			[]string{"chain", "method", "status"},
		),

		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_rpc_request_duration_seconds",
				Help:    "Duration of RPC requests to chain nodes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"chain", "method"},
		),

		ConnectionStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_connection_up",
				Help: "Chain connection status (1 = connected)",
			},
			[]string{"chain"},
		),

		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_database_operations_total",
				Help: "Database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		NotificationsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_notifications_sent_total",
				Help: "Operator notifications delivered",
			},
			[]string{"channel", "kind"},
		),

		NotificationFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_notification_failures_total",
				Help: "Operator notifications that could not be delivered",
			},
			[]string{"channel", "kind"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_http_requests_total",
				Help: "HTTP requests served by the query API",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_component_health",
				Help: "Health status of application components (1 = healthy, 0 = unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_goroutines",
				Help: "Current number of goroutines",
			},
		),
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// RecordEventProcessed records the outcome of one event
func (m *PrometheusMetrics) RecordEventProcessed(chain, kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EventsProcessedTotal.WithLabelValues(chain, kind, outcome).Inc()
	m.EventProcessingDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordLedgerRetry records a deferred application
func (m *PrometheusMetrics) RecordLedgerRetry(reason string) {
	if m == nil {
		return
	}
	m.LedgerRetriesTotal.WithLabelValues(reason).Inc()
}

// UpdateCheckpoint updates the checkpoint gauge of a contract
func (m *PrometheusMetrics) UpdateCheckpoint(chain, contract string, block uint64) {
	if m == nil {
		return
	}
	m.CheckpointBlock.WithLabelValues(chain, contract).Set(float64(block))
}

// UpdateChainHead updates the observed head of a chain
func (m *PrometheusMetrics) UpdateChainHead(chain string, block uint64) {
	if m == nil {
		return
	}
	m.ChainHead.WithLabelValues(chain).Set(float64(block))
}

// UpdateWatcherHealth updates the health gauge of a watcher
func (m *PrometheusMetrics) UpdateWatcherHealth(chain, contract string, healthy bool) {
	if m == nil {
		return
	}
	m.WatcherHealth.WithLabelValues(chain, contract).Set(boolGauge(healthy))
}

// RecordWatcherRestart records a watcher session restart
func (m *PrometheusMetrics) RecordWatcherRestart(chain, contract string) {
	if m == nil {
		return
	}
	m.WatcherRestartsTotal.WithLabelValues(chain, contract).Inc()
}

// UpdateActiveWatchers updates the number of running watchers
func (m *PrometheusMetrics) UpdateActiveWatchers(count int) {
	if m == nil {
		return
	}
	m.ActiveWatchers.Set(float64(count))
}

// RecordMalformedLog records a dropped log
func (m *PrometheusMetrics) RecordMalformedLog(chain, contract string) {
	if m == nil {
		return
	}
	m.MalformedLogsTotal.WithLabelValues(chain, contract).Inc()
}

// RecordVoucher records a voucher issuance attempt
func (m *PrometheusMetrics) RecordVoucher(action, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.VouchersIssuedTotal.WithLabelValues(action, status).Inc()
	m.VoucherDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// UpdatePendingVouchers updates the pending voucher gauge
func (m *PrometheusMetrics) UpdatePendingVouchers(count int) {
	if m == nil {
		return
	}
	m.PendingVouchers.Set(float64(count))
}

// UpdateTokenRegistrations updates the registration gauge
func (m *PrometheusMetrics) UpdateTokenRegistrations(count int) {
	if m == nil {
		return
	}
	m.TokenRegistrations.Set(float64(count))
}

// RecordConnectionError records a connection error
func (m *PrometheusMetrics) RecordConnectionError(chain, errorType string) {
	if m == nil {
		return
	}
	m.ConnectionErrorsTotal.WithLabelValues(chain, errorType).Inc()
}

// RecordRPCRequest records an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(chain, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequestsTotal.WithLabelValues(chain, method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(chain, method).Observe(duration.Seconds())
}

// UpdateConnectionStatus updates the connection gauge of a chain
func (m *PrometheusMetrics) UpdateConnectionStatus(chain string, connected bool) {
	if m == nil {
		return
	}
	m.ConnectionStatus.WithLabelValues(chain).Set(boolGauge(connected))
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordNotificationSent records a sent notification
func (m *PrometheusMetrics) RecordNotificationSent(channel, kind string) {
	if m == nil {
		return
	}
	m.NotificationsSentTotal.WithLabelValues(channel, kind).Inc()
}

// RecordNotificationFailure records a failed notification
func (m *PrometheusMetrics) RecordNotificationFailure(channel, kind string) {
	if m == nil {
		return
	}
	m.NotificationFailuresTotal.WithLabelValues(channel, kind).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime metric
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	if m == nil {
		return
	}
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	m.ComponentHealth.WithLabelValues(component).Set(boolGauge(healthy))
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	if m == nil {
		return
	}
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	if m == nil {
		return
	}
	m.GoroutineCount.Set(float64(count))
}
