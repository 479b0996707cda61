// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imvj

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("imvj")

var (
	restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imvj_restarts_total",
		Help: "Jacobian restarts by restart type",
	}, []string{"type"})

	iterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imvj_iterations_total",
		Help: "Accelerated coupling iterations",
	}, []string{"rank"})

	timestepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imvj_timesteps_total",
		Help: "Converged time steps",
	}, []string{"rank"})

	filteredColumnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imvj_filtered_columns_total",
		Help: "Difference columns removed by the QR filter",
	}, []string{"rank"})

	wtilColumns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imvj_wtil_columns",
		Help: "Columns of the Jacobian update matrix Wtil",
	}, []string{"rank"})

	chunkCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imvj_chunks",
		Help: "Stored (Wtil, Z) chunks of the restarted Jacobian",
	}, []string{"rank"})

	svdRank = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imvj_svd_rank",
		Help: "Rank of the truncated SVD after the last restart",
	}, []string{"rank"})

	updateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imvj_update_duration_seconds",
		Help:    "Duration of the quasi-Newton update",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
	}, []string{"mode"})
)

// instruments holds the metric children bound to one rank.
type instruments struct {
	iterations, timesteps, filtered prometheus.Counter
	wtil, chunks, rank              prometheus.Gauge
}

func newInstruments(rank int) instruments {
	r := strconv.Itoa(rank)
	return instruments{
		iterations: iterationsTotal.WithLabelValues(r),
		timesteps:  timestepsTotal.WithLabelValues(r),
		filtered:   filteredColumnsTotal.WithLabelValues(r),
		wtil:       wtilColumns.WithLabelValues(r),
		chunks:     chunkCount.WithLabelValues(r),
		rank:       svdRank.WithLabelValues(r),
	}
}

// startSpan opens a span for one timed region of the update.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// observeUpdate records the duration of a quasi-Newton update since start.
func observeUpdate(mode string, start time.Time) {
	updateDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}
