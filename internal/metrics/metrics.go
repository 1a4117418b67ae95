// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the translator's statedump-style counters as
// Prometheus metrics: the LRU occupancy and limit, the deletion
// worker's state, and the number of shards it has deleted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardfs/shardfs/internal/ops"
	"github.com/shardfs/shardfs/internal/shard"
)

// Register installs the volume gauges on the default Prometheus
// registry. Call once per process; a second call panics the way any
// duplicate prometheus registration does.
func Register(core *shard.Core, janitor *ops.Janitor) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "shardfs_lru_inodes",
			Help: "Number of shard inodes currently held in the LRU.",
		}, func() float64 {
			return float64(core.LRU.Len())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "shardfs_lru_limit",
			Help: "Configured upper bound on resolved shard inodes.",
		}, func() float64 {
			return float64(core.LRU.Limit())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "shardfs_deletion_worker_state",
			Help: "Deletion worker state: 0 idle, 1 launching, 2 in progress.",
		}, func() float64 {
			return float64(janitor.State())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "shardfs_shards_deleted_total",
			Help: "Shards removed by the background deletion worker.",
		}, func() float64 {
			return float64(janitor.Deleted())
		}),
	)
}
