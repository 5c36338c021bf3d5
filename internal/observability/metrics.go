package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcClientHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_client_handled_total",
			Help: "Total number of gRPC calls made to collaborator services.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	messagesCommittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_committed_total",
			Help: "Total number of group messages committed to a log.",
		},
	)
	writerFaultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_writer_faults_total",
			Help: "Group writers failed closed after an out-of-order or duplicate sequence.",
		},
	)
	presenceOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_presence_online",
			Help: "Number of (group, user) presence entries currently online.",
		},
	)
	sessionOverflowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_session_overflows_total",
			Help: "Subscriptions whose bounded queue overflowed and forced a resync.",
		},
	)
	sessionStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_sessions",
			Help: "Channel sessions by connection state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcClientHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		messagesCommittedTotal,
		writerFaultsTotal,
		presenceOnline,
		sessionOverflowsTotal,
		sessionStates,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCClientMetricsUnaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		service, name := splitFullMethod(method)
		grpcClientHandledTotal.WithLabelValues(service, name, status.Code(err).String()).Inc()
		return err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncMessageCommitted() {
	messagesCommittedTotal.Inc()
}

func IncWriterFault() {
	writerFaultsTotal.Inc()
}

func AddPresenceOnline(delta int) {
	presenceOnline.Add(float64(delta))
}

func IncSessionOverflow() {
	sessionOverflowsTotal.Inc()
}

// MoveSessionState shifts one session between state gauges; an empty from
// or to skips that side.
func MoveSessionState(from, to string) {
	if from != "" {
		sessionStates.WithLabelValues(from).Dec()
	}
	if to != "" {
		sessionStates.WithLabelValues(to).Inc()
	}
}
