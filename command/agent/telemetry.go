// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	metricsprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupTelemetry configures the global metrics sinks: an in-memory sink
// for /v1/metrics, plus the prometheus sink when enabled.
func setupTelemetry(config *Telemetry) (*metrics.InmemSink, error) {
	interval := time.Second
	if config != nil && config.collectionInterval > 0 {
		interval = config.collectionInterval
	}

	inmem := metrics.NewInmemSink(interval, 2*time.Minute)
	metrics.DefaultInmemSignal(inmem)

	metricsConf := metrics.DefaultConfig("relay")
	if config != nil {
		metricsConf.EnableHostname = !config.DisableHostname
	}

	var fanout metrics.FanoutSink
	if config != nil && config.PrometheusMetrics {
		promSink, err := metricsprom.NewPrometheusSink()
		if err != nil {
			return inmem, err
		}
		fanout = append(fanout, promSink)
	}

	if len(fanout) > 0 {
		fanout = append(fanout, inmem)
		metrics.NewGlobal(metricsConf, fanout)
	} else {
		metricsConf.EnableHostname = false
		metrics.NewGlobal(metricsConf, inmem)
	}
	return inmem, nil
}

// handlePrometheus serves the prometheus exposition format.
func handlePrometheus(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
