// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics exposes bridge counters in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ffutop/twain-bridge/twain"
)

const namespace = "twain_bridge"

// Metrics implements the recorders used by the device adapter and the
// bridge. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Triplets         *prometheus.CounterVec // labels: dat, sts
	ImagesCaptured   prometheus.Counter
	BytesTransferred prometheus.Counter
	Runs             *prometheus.CounterVec // labels: status
	Sessions         prometheus.Gauge
	ImageDuration    prometheus.Histogram
}

// New registers the bridge metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Triplets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triplets_total",
			Help:      "Driver calls by category and status",
		}, []string{"dat", "sts"}),
		ImagesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_captured_total",
			Help:      "Image blocks written",
		}),
		BytesTransferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes pulled from the device",
		}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_runs_total",
			Help:      "Finished capture runs by terminal status",
		}, []string{"status"}),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_open",
			Help:      "1 while a session holds the driver",
		}),
		ImageDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "image_seconds",
			Help:      "Time from first chunk to finished image block",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

func (m *Metrics) ObserveTriplet(t twain.Triplet, sts twain.STS) {
	if m == nil {
		return
	}
	m.Triplets.WithLabelValues(t.DAT.String(), sts.String()).Inc()
}

func (m *Metrics) ObserveImage(bytes int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ImagesCaptured.Inc()
	m.BytesTransferred.Add(float64(bytes))
	m.ImageDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRun(sts twain.STS) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(sts.String()).Inc()
}

func (m *Metrics) SetSessionOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.Sessions.Set(1)
	} else {
		m.Sessions.Set(0)
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Serve runs the /metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics endpoint listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
