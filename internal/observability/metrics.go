package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors for the coordination layer.
// All record methods are safe on a nil receiver so components can run
// without metrics in tests.
type Metrics struct {
	// Connections is the number of live real-time connections.
	Connections prometheus.Gauge

	// OnlineUsers is the number of users with at least one connection.
	OnlineUsers prometheus.Gauge

	// EventDeliveries counts outbound events handed to connections.
	// Labels: result (delivered|dropped)
	EventDeliveries *prometheus.CounterVec

	// LockOperations counts document lock calls.
	// Labels: result (granted|denied|released|noop)
	LockOperations *prometheus.CounterVec

	// Notifications counts dispatcher sends.
	// Labels: outcome (delivered|queued|persist_failed|invalid)
	Notifications *prometheus.CounterVec

	// OutboundDeliveries counts out-of-band push attempts.
	// Labels: result (sent|retried|dead_letter)
	OutboundDeliveries *prometheus.CounterVec

	// OutboundQueueDepth is the out-of-band queue depth.
	OutboundQueueDepth prometheus.Gauge

	// AnalyticsTicks counts subscription ticks.
	// Labels: result (ok|fetch_failed)
	AnalyticsTicks *prometheus.CounterVec

	// AnalyticsFetchDuration measures analytics source latency in seconds.
	AnalyticsFetchDuration prometheus.Histogram

	// ActiveSubscriptions is the number of running analytics subscriptions.
	ActiveSubscriptions prometheus.Gauge

	// Alerts counts threshold notifications.
	// Labels: kind (engagement_spike|milestone)
	Alerts *prometheus.CounterVec

	// StoreFailures counts ephemeral store calls that fell back to memory.
	// Labels: op
	StoreFailures *prometheus.CounterVec

	// HTTPRequests counts control-plane requests.
	// Labels: route, status_code
	HTTPRequests *prometheus.CounterVec

	// InboundFrames counts client frames handled by the gateway.
	// Labels: event, result (ok|error)
	InboundFrames *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayhub_connections",
			Help: "Live real-time connections",
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayhub_online_users",
			Help: "Users with at least one live connection",
		}),
		EventDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayhub_event_deliveries_total",
			Help: "Outbound events handed to connections",
		}, []string{"result"}),
		LockOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayhub_lock_operations_total",
			Help: "Document lock operations by result",
		}, []string{"result"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayhub_notifications_total",
			Help: "Notifications sent by outcome",
		}, []string{"outcome"}),
		OutboundDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayhub_outbound_deliveries_total",
			Help: "Out-of-band notification deliveries by result",
		}, []string{"result"}),
		OutboundQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayhub_outbound_queue_depth",
			Help: "Queued out-of-band notification deliveries",
		}),
		AnalyticsTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayhub_analytics_ticks_total",
			Help: "Analytics subscription ticks by result",
		}, []string{"result"}),
		AnalyticsFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayhub_analytics_fetch_duration_seconds",
			Help:    "Analytics source fetch latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayhub_analytics_subscriptions",
			Help: "Running analytics subscriptions",
		}),
		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayhub_analytics_alerts_total",
			Help: "Threshold notifications raised by kind",
		}, []string{"kind"}),
		StoreFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayhub_store_failures_total",
			Help: "Ephemeral store calls served from process memory",
		}, []string{"op"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayhub_http_requests_total",
			Help: "Control-plane requests by route and status",
		}, []string{"route", "status_code"}),
		InboundFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayhub_inbound_frames_total",
			Help: "Client frames handled by the gateway",
		}, []string{"event", "result"}),
	}
}

func (m *Metrics) SetConnections(connections, users int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(connections))
	m.OnlineUsers.Set(float64(users))
}

func (m *Metrics) RecordDelivery(delivered bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !delivered {
		result = "dropped"
	}
	m.EventDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordLock(result string) {
	if m == nil {
		return
	}
	m.LockOperations.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordOutbound(result string) {
	if m == nil {
		return
	}
	m.OutboundDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) SetOutboundDepth(depth int) {
	if m == nil {
		return
	}
	m.OutboundQueueDepth.Set(float64(depth))
}

func (m *Metrics) RecordAnalyticsTick(result string, fetch time.Duration) {
	if m == nil {
		return
	}
	m.AnalyticsTicks.WithLabelValues(result).Inc()
	m.AnalyticsFetchDuration.Observe(fetch.Seconds())
}

func (m *Metrics) SetSubscriptions(active int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Set(float64(active))
}

func (m *Metrics) RecordAlert(kind string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordStoreFailure(op string) {
	if m == nil {
		return
	}
	m.StoreFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordHTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) RecordInboundFrame(event string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.InboundFrames.WithLabelValues(event, result).Inc()
}
