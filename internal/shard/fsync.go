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

package shard

import (
	"context"

	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/logger"
)

// FsyncEvicted flushes a dirty shard the LRU evicted, then detaches it
// from its base's pending-fsync list and the host table. It runs on its
// own task so the eviction that produced the victim never blocks on
// the child's fsync.
func FsyncEvicted(ctx context.Context, c child.Child, table *Table, lru *LRU, victim *Inode) error {
	fd, err := c.Open(ctx, victim.Path, child.OpenWrite)
	if err != nil {
		logger.Warnf(ctx, "shard: fsync of evicted %s failed to open: %v", victim.Path, err)
		lru.FinishFsync(table, victim)
		return err
	}
	defer c.Close(ctx, fd)
	if _, err := c.Fsync(ctx, fd, nil); err != nil {
		logger.Warnf(ctx, "shard: fsync of evicted %s failed: %v", victim.Path, err)
		lru.FinishFsync(table, victim)
		return err
	}
	lru.FinishFsync(table, victim)
	return nil
}
