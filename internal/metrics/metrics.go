package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector 进程内全部 Prometheus 指标
type Collector struct {
	reg *prometheus.Registry

	PacketsDecoded prometheus.Counter
	PacketsDropped prometheus.Counter
	FixesIngested  prometheus.Counter
	FixesRejected  *prometheus.CounterVec // reason: unknown_tracker|not_active|registry_error|store_error

	BroadcastDelivered prometheus.Counter
	BroadcastFailed    prometheus.Counter
	ActiveSessions     prometheus.Gauge
	SmartSelections    *prometheus.CounterVec // type: smart|fallback|traditional|none

	SnapshotsSaved  prometheus.Counter
	SnapshotsFailed prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	IngestDuration  prometheus.Histogram
	PublishDuration prometheus.Histogram
}

// NewCollector 创建并注册指标
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		PacketsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_packets_decoded_total",
			Help: "Raw tracker packets decoded.",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_packets_dropped_total",
			Help: "Raw tracker packets that did not match the packet grammar.",
		}),
		FixesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_fixes_ingested_total",
			Help: "Position fixes stored and broadcast.",
		}),
		FixesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_fixes_rejected_total",
			Help: "Position fixes rejected before storage.",
		}, []string{"reason"}),
		BroadcastDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_broadcast_delivered_total",
			Help: "Messages handed to client sessions.",
		}),
		BroadcastFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_broadcast_failed_total",
			Help: "Messages that could not be handed to a client session.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_websocket_sessions",
			Help: "Open WebSocket sessions.",
		}),
		SmartSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_bus_selections_total",
			Help: "Subscription bus selections by outcome.",
		}, []string{"type"}),
		SnapshotsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_snapshots_saved_total",
			Help: "Position snapshots written to the database.",
		}),
		SnapshotsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_snapshots_failed_total",
			Help: "Position snapshots dropped or failed.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustrack_ingest_duration_seconds",
			Help:    "Duration of one ingest cycle.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustrack_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.PacketsDecoded, c.PacketsDropped, c.FixesIngested, c.FixesRejected,
		c.BroadcastDelivered, c.BroadcastFailed, c.ActiveSessions, c.SmartSelections,
		c.SnapshotsSaved, c.SnapshotsFailed,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.IngestDuration, c.PublishDuration,
	)
	return c
}

func (c *Collector) PacketDecodedInc()            { c.PacketsDecoded.Inc() }
func (c *Collector) PacketDroppedInc()            { c.PacketsDropped.Inc() }
func (c *Collector) FixIngestedInc()              { c.FixesIngested.Inc() }
func (c *Collector) FixRejectedInc(reason string) { c.FixesRejected.WithLabelValues(reason).Inc() }
func (c *Collector) IngestObserve(d time.Duration) {
	c.IngestDuration.Observe(d.Seconds())
}

func (c *Collector) BroadcastDeliveredInc()            { c.BroadcastDelivered.Inc() }
func (c *Collector) BroadcastFailedInc()               { c.BroadcastFailed.Inc() }
func (c *Collector) SessionOpened()                    { c.ActiveSessions.Inc() }
func (c *Collector) SessionClosed()                    { c.ActiveSessions.Dec() }
func (c *Collector) SelectionInc(selectionType string) { c.SmartSelections.WithLabelValues(selectionType).Inc() }

func (c *Collector) SnapshotSavedInc()  { c.SnapshotsSaved.Inc() }
func (c *Collector) SnapshotFailedInc() { c.SnapshotsFailed.Inc() }

func (c *Collector) NATSPublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) {
	c.PublishDuration.Observe(d.Seconds())
}
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve 在独立端口暴露 /metrics
func (c *Collector) Serve(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	logger.Info("Metrics listening", zap.String("addr", addr))
	return srv
}
