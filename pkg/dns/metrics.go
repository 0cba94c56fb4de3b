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

package dns

import "github.com/prometheus/client_golang/prometheus"

var (
	lookupCompletedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcbridge",
			Subsystem: "dns",
			Name:      "lookup_completed_total",
			Help:      "The total number of lookups completed, by status.",
		}, []string{"status"})

	lookupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ipcbridge",
			Subsystem: "dns",
			Name:      "lookup_duration_seconds",
			Help:      "Bucketed histogram of lookup time in the worker process.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(lookupCompletedCounter)
	registry.MustRegister(lookupDuration)
}
