// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package transaction

import "github.com/prometheus/client_golang/prometheus"

var (
	suspendQueueDepthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ipcbridge",
			Subsystem: "transaction",
			Name:      "suspend_queue_depth",
			Help:      "The number of listener callbacks deferred by suspended requests.",
		})

	stopCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcbridge",
			Subsystem: "transaction",
			Name:      "stop_total",
			Help:      "The total number of requests completed, by status.",
		}, []string{"status"})

	handlerStartFailureCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ipcbridge",
			Subsystem: "transaction",
			Name:      "handler_start_failure_total",
			Help:      "The total number of transactions whose handler could not start.",
		})

	bridgedBytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ipcbridge",
			Subsystem: "transaction",
			Name:      "bridged_bytes_total",
			Help:      "The total number of body bytes handed to data bridges.",
		})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(suspendQueueDepthGauge)
	registry.MustRegister(stopCounter)
	registry.MustRegister(handlerStartFailureCounter)
	registry.MustRegister(bridgedBytesCounter)
}
