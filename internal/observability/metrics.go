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
			Name: "forum_http_requests_total",
			Help: "Total number of HTTP requests processed by the forum service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forum_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forum_realtime_active_connections",
			Help: "Number of active realtime connections.",
		},
		[]string{"transport"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forum_realtime_events_total",
			Help: "Total number of realtime connection events.",
		},
		[]string{"transport", "event"},
	)
	forumMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forum_messages_total",
			Help: "Messages appended to or deleted from forum rooms.",
		},
		[]string{"op"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forum_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	syncFlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forum_sync_flush_total",
			Help: "Client flush attempts by operation and result.",
		},
		[]string{"op", "result"},
	)
	syncFlushedItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forum_sync_flushed_items_total",
			Help: "Messages or deletes confirmed by the server.",
		},
		[]string{"op"},
	)
	syncMalformedPushTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forum_sync_malformed_push_total",
			Help: "Inbound realtime pushes dropped as malformed.",
		},
	)
	syncHistoryFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forum_sync_history_fallback_total",
			Help: "Room selections that fell back to the local-only view.",
		},
	)
	syncStorageDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forum_sync_storage_degraded",
			Help: "1 when the local store failed and state is memory-only.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		forumMessagesTotal,
		amqpPublishErrorsTotal,
		syncFlushTotal,
		syncFlushedItemsTotal,
		syncMalformedPushTotal,
		syncHistoryFallbackTotal,
		syncStorageDegraded,
	)
}

// HTTPMetricsMiddleware records request counts and latencies per route
// template. Unmatched paths share one label so scans cannot explode the
// series count.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

// splitFullMethod turns "/pkg.Service/Method" into its service and method.
func splitFullMethod(fullMethod string) (string, string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok || service == "" || method == "" {
		return "unknown", "unknown"
	}
	return service, method
}

func IncWSActive(transport string) {
	wsActiveConnections.WithLabelValues(transport).Inc()
}

func DecWSActive(transport string) {
	wsActiveConnections.WithLabelValues(transport).Dec()
}

func IncWSEvent(transport, event string) {
	wsEventsTotal.WithLabelValues(transport, event).Inc()
}

// AddForumMessages counts n messages affected by op ("append" or "delete").
func AddForumMessages(op string, n int) {
	if n > 0 {
		forumMessagesTotal.WithLabelValues(op).Add(float64(n))
	}
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
