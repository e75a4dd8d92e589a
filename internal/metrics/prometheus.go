package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector using Prometheus metrics for
// export, while also keeping plain atomic counters for the four-field
// snapshot the management interface reads.
type PrometheusCollector struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	commandsTotal *prometheus.CounterVec

	historicalAccessTotal prometheus.Counter

	messagesRetrievedTotal prometheus.Counter
	messagesSizeBytes      prometheus.Histogram
	bytesTransferredTotal  prometheus.Counter

	pipeliningUsedTotal  prometheus.Counter
	invalidCommandsTotal prometheus.Counter
	tooManyInvalidTotal  prometheus.Counter
	filterSpawnFailed    prometheus.Counter
	filterStreamFailed   prometheus.Counter

	concurrentConnections int64
	historicalAccess      int64
	transferredBytes      int64
	retrievedMessages     int64
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3proxy_connections_total",
			Help: "Total number of client connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pop3proxy_connections_active",
			Help: "Number of currently active client connections.",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pop3proxy_commands_total",
			Help: "Total number of POP3 commands processed.",
		}, []string{"command"}),
		historicalAccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3proxy_historical_access_total",
			Help: "Total number of successfully authenticated sessions.",
		}),
		messagesRetrievedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3proxy_messages_retrieved_total",
			Help: "Total number of RETR bodies delivered to clients.",
		}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pop3proxy_messages_size_bytes",
			Help:    "Size of retrieved messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),
		bytesTransferredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3proxy_transferred_bytes_total",
			Help: "Total bytes relayed between client and origin.",
		}),
		pipeliningUsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3proxy_pipelining_batches_total",
			Help: "Total number of pipelined request batches sent to origin.",
		}),
		invalidCommandsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3proxy_invalid_commands_total",
			Help: "Total number of locally-rejected command lines.",
		}),
		tooManyInvalidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3proxy_sessions_terminated_invalid_total",
			Help: "Total number of sessions closed for too many invalid commands.",
		}),
		filterSpawnFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3proxy_filter_spawn_failed_total",
			Help: "Total number of failed external filter spawn attempts.",
		}),
		filterStreamFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3proxy_filter_stream_failed_total",
			Help: "Total number of external filter streams that failed mid-transfer.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.commandsTotal,
		c.historicalAccessTotal,
		c.messagesRetrievedTotal,
		c.messagesSizeBytes,
		c.bytesTransferredTotal,
		c.pipeliningUsedTotal,
		c.invalidCommandsTotal,
		c.tooManyInvalidTotal,
		c.filterSpawnFailed,
		c.filterStreamFailed,
	)

	return c
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
	atomic.AddInt64(&c.concurrentConnections, 1)
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
	atomic.AddInt64(&c.concurrentConnections, -1)
}

func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

func (c *PrometheusCollector) HistoricalAccess() {
	c.historicalAccessTotal.Inc()
	atomic.AddInt64(&c.historicalAccess, 1)
}

func (c *PrometheusCollector) MessageRetrieved(sizeBytes int64) {
	c.messagesRetrievedTotal.Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
	c.bytesTransferredTotal.Add(float64(sizeBytes))
	atomic.AddInt64(&c.retrievedMessages, 1)
	atomic.AddInt64(&c.transferredBytes, sizeBytes)
}

func (c *PrometheusCollector) BytesTransferred(n int64) {
	c.bytesTransferredTotal.Add(float64(n))
	atomic.AddInt64(&c.transferredBytes, n)
}

func (c *PrometheusCollector) PipeliningUsed() {
	c.pipeliningUsedTotal.Inc()
}

func (c *PrometheusCollector) InvalidCommand() {
	c.invalidCommandsTotal.Inc()
}

func (c *PrometheusCollector) SessionTerminatedTooManyInvalid() {
	c.tooManyInvalidTotal.Inc()
}

func (c *PrometheusCollector) FilterSpawnFailed() {
	c.filterSpawnFailed.Inc()
}

func (c *PrometheusCollector) FilterStreamFailed() {
	c.filterStreamFailed.Inc()
}

func (c *PrometheusCollector) Snapshot() Snapshot {
	return Snapshot{
		ConcurrentConnections: atomic.LoadInt64(&c.concurrentConnections),
		HistoricalAccess:      atomic.LoadInt64(&c.historicalAccess),
		TransferredBytes:      atomic.LoadInt64(&c.transferredBytes),
		RetrievedMessages:     atomic.LoadInt64(&c.retrievedMessages),
	}
}
