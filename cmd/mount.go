// Copyright 2024 Google Inc. All Rights Reserved.
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

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/syncutil"

	"github.com/shardfs/shardfs/cfg"
	"github.com/shardfs/shardfs/internal/child/localfs"
	"github.com/shardfs/shardfs/internal/logger"
	"github.com/shardfs/shardfs/internal/metrics"
	"github.com/shardfs/shardfs/internal/ops"
	"github.com/shardfs/shardfs/internal/shard"
)

// runVolume builds the translator stack over a localfs child rooted at
// childRoot and runs it until interrupted. The core has no server loop
// of its own; a deployment embeds it under an RPC or FUSE frontend,
// which is exactly what callers of this function stand in for.
func runVolume(ctx context.Context, childRoot, volumeName string, c *cfg.Config) error {
	if err := logger.Init(c.Logging); err != nil {
		return err
	}
	if c.Debug.ExitOnInvariantViolation {
		syncutil.EnableInvariantChecking()
	}

	ch, err := localfs.New(childRoot)
	if err != nil {
		return err
	}

	core := shard.NewCore(ch, uint64(c.Shard.BlockSize), c.Shard.LRULimit, c.Shard.DeletionRate)
	janitor := ops.NewJanitor(core)
	metrics.Register(core, janitor)

	if err := core.Res.EnsureRemoveMeDir(ctx); err != nil {
		return err
	}

	// Any tombstones a previous run (or crash) left behind are collected
	// before the volume is declared up.
	janitor.Signal(ctx)
	janitor.Wait()

	logger.Infof(ctx, "volume %s up: child root %s, block size %s, lru limit %d",
		volumeName, childRoot, c.Shard.BlockSize, c.Shard.LRULimit)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-sig:
	}

	janitor.Wait()
	logger.Infof(ctx, "volume %s shutting down", volumeName)
	return nil
}
