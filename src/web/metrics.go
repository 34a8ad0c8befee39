// Copyright 2021 Ilia Frenkel. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE.txt file.

package web

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the Prometheus collectors of a single Server. Each server
// has its own registry so several servers can live in one process.
type metrics struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec   // by code and method
	duration  *prometheus.HistogramVec // by method
	documents *prometheus.CounterVec   // by operation: stored, read, deleted, notified
	bytes     prometheus.Histogram     // size of stored documents
}

func newMetrics(version string) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haste",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"code", "method"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "haste",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haste",
			Subsystem: "documents",
			Name:      "operations_total",
			Help:      "Total number of successful document operations",
		}, []string{"op"}),
		bytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "haste",
			Subsystem: "documents",
			Name:      "size_bytes",
			Help:      "Size of stored documents before compression",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8), // 64B to 1MB
		}),
	}

	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "haste",
		Name:        "build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"version": version},
	})
	build.Set(1)

	m.registry.MustRegister(
		m.requests, m.duration, m.documents, m.bytes, build,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(m.duration,
		promhttp.InstrumentHandlerCounter(m.requests, next))
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) stored(size int64) {
	m.documents.WithLabelValues("stored").Inc()
	m.bytes.Observe(float64(size))
}

func (m *metrics) inc(op string) {
	m.documents.WithLabelValues(op).Inc()
}
