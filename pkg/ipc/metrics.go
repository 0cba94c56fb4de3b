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

package ipc

import "github.com/prometheus/client_golang/prometheus"

var (
	frameSentCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcbridge",
			Subsystem: "ipc",
			Name:      "frame_sent_total",
			Help:      "The total number of frames sent by actors.",
		}, []string{"kind", "tag"})

	frameReceivedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcbridge",
			Subsystem: "ipc",
			Name:      "frame_received_total",
			Help:      "The total number of frames received from a channel.",
		}, []string{"kind", "tag"})
)

// ObserveReceived records that f was delivered to a receiver.
func ObserveReceived(f Frame) {
	frameReceivedCounter.WithLabelValues(string(f.Kind), f.Tag.String()).Inc()
}

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(frameSentCounter)
	registry.MustRegister(frameReceivedCounter)
}
