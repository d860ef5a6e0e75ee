// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics defines the Prometheus collectors for relay.
//
// Collectors are registered on the default registry at init and exposed by
// the server on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request cache
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_hits_total",
			Help: "Cache lookups served from a completed entry",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_misses_total",
			Help: "Cache lookups that started a fetch",
		},
		[]string{"cache"},
	)

	CacheCoalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_coalesced_total",
			Help: "Cache lookups that joined an in-flight fetch",
		},
		[]string{"cache"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_evictions_total",
			Help: "Cache entries removed",
		},
		[]string{"cache", "reason"}, // "ttl", "error", "clear"
	)

	// Retry controller
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_retry_attempts_total",
			Help: "Operation attempts made by the retry controller",
		},
		[]string{"op"},
	)

	RetryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_retry_exhausted_total",
			Help: "Operations that failed after every attempt",
		},
		[]string{"op"},
	)

	// Rate limiters
	LimiterFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_limiter_fired_total",
			Help: "Debounced or throttled calls that ran",
		},
		[]string{"kind"},
	)

	LimiterDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_limiter_dropped_total",
			Help: "Calls absorbed by a debouncer or dropped by a throttler",
		},
		[]string{"kind"},
	)

	// Streaming
	StreamChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_stream_chunks_total",
			Help: "Streamed chunks merged into the message store",
		},
	)

	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_stream_duration_seconds",
			Help:    "Duration of streamed assistant turns",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"}, // "ok", "error", "canceled"
	)

	// HTTP server
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_hits_total",
			Help: "Requests rejected by the per-identity rate limiter",
		},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
