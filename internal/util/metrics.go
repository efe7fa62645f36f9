package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders committed",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected or failed order attempts",
	}, []string{"stage", "kind"})

	OrderLinesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_lines_created_total",
		Help: "Total number of products sold",
	})

	OrderPipelineLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "order_pipeline_latency_seconds",
		Help:    "Latency of order creation attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	IdempotentReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_idempotent_replays_total",
		Help: "Total number of order requests answered from the idempotency cache",
	})

	EventPublishFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_event_publish_failed_total",
		Help: "Total number of order events that could not be published",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
