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

package rpc

import (
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	grpcClientMetrics = grpc_prometheus.NewClientMetrics(func(opts *prometheus.CounterOpts) {
		opts.Namespace = "ipcbridge"
		opts.Subsystem = "transport_client"
	})

	grpcServerMetrics = grpc_prometheus.NewServerMetrics(func(opts *prometheus.CounterOpts) {
		opts.Namespace = "ipcbridge"
		opts.Subsystem = "transport_server"
	})

	transportStreamGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ipcbridge",
			Subsystem: "transport",
			Name:      "stream_count",
			Help:      "The number of live transport streams.",
		}, []string{"side"})

	transportSendQueueGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ipcbridge",
			Subsystem: "transport",
			Name:      "send_queue_length",
			Help:      "The number of frames waiting to be written to a stream.",
		}, []string{"name"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(grpcClientMetrics)
	registry.MustRegister(grpcServerMetrics)
	registry.MustRegister(transportStreamGauge)
	registry.MustRegister(transportSendQueueGauge)
}
