/*
 * BTPS
 * Copyright (C) 2025  BTPS Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package srv

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/utils"
	"github.com/btps-protocol/btps/lib/wire"
)

// serverMetrics is the server's prometheus collector set.
type serverMetrics struct {
	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionsRejected prometheus.Counter
	artifactsProcessed  *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	responseLatency     *prometheus.HistogramVec
}

// newServerMetrics builds and registers the server collectors.
func newServerMetrics(reg prometheus.Registerer) (*serverMetrics, error) {
	m := &serverMetrics{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: btps.MetricConnectionsAccepted,
			Help: "Accepted TLS connections.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: btps.MetricConnectionsActive,
			Help: "Currently open connections.",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: btps.MetricConnectionsRejected,
			Help: "Connections refused by the per-IP connection limiter.",
		}),
		artifactsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: btps.MetricArtifactsProcessed,
			Help: "Parsed artifacts by kind.",
		}, []string{"kind"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: btps.MetricErrors,
			Help: "Error responses by protocol code.",
		}, []string{"code"}),
		responseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    btps.MetricResponseLatency,
			Help:    "Seconds from request line read to response written.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"status"}),
	}
	if err := utils.RegisterPrometheusCollectors(reg,
		m.connectionsAccepted,
		m.connectionsActive,
		m.connectionsRejected,
		m.artifactsProcessed,
		m.errorsTotal,
		m.responseLatency,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

// observeResponse records latency and, for failures, the protocol error
// code.
func (m *serverMetrics) observeResponse(resp *wire.Response, seconds float64) {
	status := "ok"
	if !resp.Status.OK {
		status = "error"
		m.errorsTotal.WithLabelValues(string(wire.CodeOf(resp.Err()))).Inc()
	}
	m.responseLatency.WithLabelValues(status).Observe(seconds)
}
