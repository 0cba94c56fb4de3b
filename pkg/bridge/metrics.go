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

package bridge

import "github.com/prometheus/client_golang/prometheus"

var (
	registryGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ipcbridge",
			Subsystem: "bridge",
			Name:      "registry_entries",
			Help:      "The number of entries in a registry.",
		}, []string{"registry"})

	protocolViolationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcbridge",
			Subsystem: "bridge",
			Name:      "protocol_violation_total",
			Help:      "The total number of frames dropped as protocol violations.",
		}, []string{"process", "tag"})

	abnormalShutdownCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcbridge",
			Subsystem: "bridge",
			Name:      "abnormal_shutdown_actor_total",
			Help:      "The total number of actors destroyed by a peer crash.",
		}, []string{"process"})

	keepaliveCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcbridge",
			Subsystem: "bridge",
			Name:      "keepalive_sent_total",
			Help:      "The total number of keepalives sent to the peer.",
		}, []string{"process"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(registryGauge)
	registry.MustRegister(protocolViolationCounter)
	registry.MustRegister(abnormalShutdownCounter)
	registry.MustRegister(keepaliveCounter)
}
