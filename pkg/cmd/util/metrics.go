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

package util

import (
	"github.com/pingcap/ipcbridge/pkg/bridge"
	"github.com/pingcap/ipcbridge/pkg/dns"
	"github.com/pingcap/ipcbridge/pkg/ipc"
	"github.com/pingcap/ipcbridge/pkg/ipc/rpc"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"github.com/pingcap/ipcbridge/pkg/transaction"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector(
		collectors.WithGoCollections(collectors.GoRuntimeMemStatsCollection | collectors.GoRuntimeMetricsCollection)))

	loop.InitMetrics(registry)
	ipc.InitMetrics(registry)
	rpc.InitMetrics(registry)
	transaction.InitMetrics(registry)
	dns.InitMetrics(registry)
	bridge.InitMetrics(registry)
}
