// Package metrics exposes the Prometheus metrics of the broker backend, the
// message stream and the subscriber runtime.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pullsub/internal/pub"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state
type Registry struct {
	registry *prometheus.Registry

	// Producer metrics
	publishTotal     *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	publishBatchSize *prometheus.HistogramVec
	publishedBytes   *prometheus.CounterVec

	// Stream metrics
	pullTotal        *prometheus.CounterVec
	pullDuration     *prometheus.HistogramVec
	messagesPulled   *prometheus.CounterVec
	subscriptionLag  *prometheus.GaugeVec
	messagesReceived *prometheus.CounterVec

	// Subscriber metrics
	leasedMessages  *prometheus.GaugeVec
	leasedBytes     *prometheus.GaugeVec
	ackDeadline     *prometheus.GaugeVec
	modAckLatency   *prometheus.GaugeVec
	flowControlled  *prometheus.GaugeVec
	discardedTotal  *prometheus.CounterVec
	expiredTotal    *prometheus.CounterVec
	shutdownNacks   *prometheus.CounterVec
	queueFlushTotal *prometheus.CounterVec
	queueFlushSize  *prometheus.HistogramVec
	queueFlushTime  *prometheus.HistogramVec
	ackStatusTotal  *prometheus.CounterVec

	// Controller/Database metrics
	databaseOperationTotal    *prometheus.CounterVec
	databaseOperationDuration *prometheus.HistogramVec

	// Lease metrics
	leaseOperationTotal *prometheus.CounterVec

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		// Producer metrics
		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_producer_publish_total",
				Help: "Total number of publish operations",
			},
			[]string{"topic", "shard", "status"}, // status: success, error
		),

		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pub_producer_publish_duration_seconds",
				Help:    "Time spent publishing batches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic", "shard"},
		),

		publishBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pub_producer_batch_size",
				Help:    "Number of events in published batches",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"topic", "shard"},
		),

		publishedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_producer_published_bytes_total",
				Help: "Payload bytes of successfully published messages",
			},
			[]string{"topic", "shard"},
		),

		// Stream metrics
		pullTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_stream_pull_total",
				Help: "Total number of pull requests",
			},
			[]string{"topic", "subscription", "shard", "status"}, // status: success, error, empty
		),

		pullDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pub_stream_pull_duration_seconds",
				Help:    "Time spent pulling messages, including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic", "subscription", "shard"},
		),

		messagesPulled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_stream_messages_pulled_total",
				Help: "Total number of deliveries leased by pulls",
			},
			[]string{"topic", "subscription", "shard"},
		),

		subscriptionLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pub_subscription_lag",
				Help: "Number of messages behind the latest offset",
			},
			[]string{"topic", "subscription", "shard"},
		),

		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_subscriber_messages_received_total",
				Help: "Total number of deliveries received by the subscriber",
			},
			[]string{"subscription"},
		),

		// Subscriber metrics
		leasedMessages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pub_subscriber_leased_messages",
				Help: "Messages currently leased by the subscriber",
			},
			[]string{"subscription"},
		),

		leasedBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pub_subscriber_leased_bytes",
				Help: "Payload bytes currently leased by the subscriber",
			},
			[]string{"subscription"},
		),

		ackDeadline: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pub_subscriber_ack_deadline_seconds",
				Help: "Ack deadline granted to new deliveries",
			},
			[]string{"subscription"},
		),

		modAckLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pub_subscriber_modack_latency_seconds",
				Help: "Estimated time for a modack to reach the broker",
			},
			[]string{"subscription"},
		),

		flowControlled: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pub_subscriber_flow_controlled",
				Help: "1 while the stream is paused by flow control",
			},
			[]string{"subscription"},
		),

		discardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_subscriber_discarded_total",
				Help: "Deliveries discarded after a failed exactly-once receipt",
			},
			[]string{"subscription"},
		),

		expiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_subscriber_lease_expired_total",
				Help: "Leases dropped after reaching the maximum extension",
			},
			[]string{"subscription"},
		),

		shutdownNacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_subscriber_shutdown_nacks_total",
				Help: "Leased messages nacked while closing",
			},
			[]string{"subscription"},
		),

		queueFlushTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_ack_queue_flush_total",
				Help: "Total number of acknowledgment batches sent",
			},
			[]string{"queue", "status"}, // queue: ack, modack
		),

		queueFlushSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pub_ack_queue_batch_size",
				Help:    "Number of ack ids per acknowledgment batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
			},
			[]string{"queue"},
		),

		queueFlushTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pub_ack_queue_flush_duration_seconds",
				Help:    "Time spent sending acknowledgment batches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),

		ackStatusTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_ack_status_total",
				Help: "Final outcomes of acknowledgment entries",
			},
			[]string{"queue", "status"},
		),

		// Controller/Database metrics
		databaseOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_database_operation_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"}, // operation: pull, acknowledge, commit_offset, etc.
		),

		databaseOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pub_database_operation_duration_seconds",
				Help:    "Time spent on database operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),

		// Lease metrics
		leaseOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_lease_operation_total",
				Help: "Total number of broker lease operations",
			},
			[]string{"operation", "status"}, // operation: create, delete, extend, release
		),

		// System health metrics
		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pub_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pub_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Register application metrics
	registry.MustRegister(
		r.publishTotal,
		r.publishDuration,
		r.publishBatchSize,
		r.publishedBytes,
		r.pullTotal,
		r.pullDuration,
		r.messagesPulled,
		r.subscriptionLag,
		r.messagesReceived,
		r.leasedMessages,
		r.leasedBytes,
		r.ackDeadline,
		r.modAckLatency,
		r.flowControlled,
		r.discardedTotal,
		r.expiredTotal,
		r.shutdownNacks,
		r.queueFlushTotal,
		r.queueFlushSize,
		r.queueFlushTime,
		r.ackStatusTotal,
		r.databaseOperationTotal,
		r.databaseOperationDuration,
		r.leaseOperationTotal,
		r.systemInfo,
		r.startTime,
	)

	// Set start time
	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Gatherer exposes the underlying registry for scraping in tests and embedders.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordProducerPublish records one published batch of count messages
// carrying bytes of payload.
func (r *Registry) RecordProducerPublish(topic string, shard, count, bytes int, duration time.Duration, err error) {
	shardStr := strconv.Itoa(shard)

	r.publishTotal.WithLabelValues(topic, shardStr, status(err)).Inc()
	r.publishDuration.WithLabelValues(topic, shardStr).Observe(duration.Seconds())
	if err == nil {
		r.publishBatchSize.WithLabelValues(topic, shardStr).Observe(float64(count))
		r.publishedBytes.WithLabelValues(topic, shardStr).Add(float64(bytes))
	}
}

// RecordPull records one pull of the message stream.
func (r *Registry) RecordPull(topic, subscription string, shard, count int, duration time.Duration, err error) {
	shardStr := strconv.Itoa(shard)

	s := status(err)
	if err == nil && count == 0 {
		s = "empty"
	}

	r.pullTotal.WithLabelValues(topic, subscription, shardStr, s).Inc()
	r.pullDuration.WithLabelValues(topic, subscription, shardStr).Observe(duration.Seconds())
	if count > 0 {
		r.messagesPulled.WithLabelValues(topic, subscription, shardStr).Add(float64(count))
	}
}

// UpdateSubscriptionLag sets how far the cursor of a subscription trails the write offset.
func (r *Registry) UpdateSubscriptionLag(topic, subscription string, shard int, lag float64) {
	r.subscriptionLag.WithLabelValues(topic, subscription, strconv.Itoa(shard)).Set(lag)
}

func (r *Registry) RecordReceived(subscription string, count int) {
	r.messagesReceived.WithLabelValues(subscription).Add(float64(count))
}

func (r *Registry) RecordLeases(subscription string, messages, bytes int) {
	r.leasedMessages.WithLabelValues(subscription).Set(float64(messages))
	r.leasedBytes.WithLabelValues(subscription).Set(float64(bytes))
}

func (r *Registry) RecordAckDeadline(subscription string, deadline time.Duration) {
	r.ackDeadline.WithLabelValues(subscription).Set(deadline.Seconds())
}

func (r *Registry) RecordModAckLatency(subscription string, latency time.Duration) {
	r.modAckLatency.WithLabelValues(subscription).Set(latency.Seconds())
}

func (r *Registry) RecordFlowControl(subscription string, paused bool) {
	var v float64
	if paused {
		v = 1
	}
	r.flowControlled.WithLabelValues(subscription).Set(v)
}

func (r *Registry) RecordDiscard(subscription string) {
	r.discardedTotal.WithLabelValues(subscription).Inc()
}

func (r *Registry) RecordLeaseExpired(subscription string, count int) {
	r.expiredTotal.WithLabelValues(subscription).Add(float64(count))
}

func (r *Registry) RecordShutdownNack(subscription string) {
	r.shutdownNacks.WithLabelValues(subscription).Inc()
}

// RecordQueueFlush records one acknowledgment batch.
func (r *Registry) RecordQueueFlush(queue string, size int, duration time.Duration, err error) {
	r.queueFlushTotal.WithLabelValues(queue, status(err)).Inc()
	r.queueFlushSize.WithLabelValues(queue).Observe(float64(size))
	r.queueFlushTime.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordAckStatus records the final outcome of one acknowledgment entry.
func (r *Registry) RecordAckStatus(queue string, s pub.AckStatus) {
	r.ackStatusTotal.WithLabelValues(queue, s.String()).Inc()
}

// RecordDatabaseOperation records a database operation
func (r *Registry) RecordDatabaseOperation(operation string, duration time.Duration, err error) {
	r.databaseOperationTotal.WithLabelValues(operation, status(err)).Inc()
	r.databaseOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLeaseOperation records a lease operation
func (r *Registry) RecordLeaseOperation(operation string, err error) {
	r.leaseOperationTotal.WithLabelValues(operation, status(err)).Inc()
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
