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

package ops

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/errs"
	"github.com/shardfs/shardfs/internal/logger"
	"github.com/shardfs/shardfs/internal/shard"
)

// JanitorState is the deletion worker's three-state machine.
type JanitorState int32

const (
	JanitorNone JanitorState = iota
	JanitorLaunching
	JanitorInProgress
)

// Janitor is the background deletion worker: it sweeps
// .shard/.remove_me and deletes every shard of each tombstoned gfid,
// rate-limited so a large delete does not starve foreground fops.
//
// A launch request while a pass is already running is not lost: the
// running worker does one more pass before going idle, so a tombstone
// written mid-pass is picked up without a fresh task.
type Janitor struct {
	core    *shard.Core
	limiter *rate.Limiter

	mu    sync.Mutex
	state JanitorState
	rerun bool
	idle  *sync.Cond

	deleted atomic.Uint64
}

// NewJanitor builds a worker over core. deletionRate bounds both the
// batch width and the sustained unlinks-per-second.
func NewJanitor(core *shard.Core) *Janitor {
	j := &Janitor{
		core:    core,
		limiter: rate.NewLimiter(rate.Limit(core.DeletionRate), core.DeletionRate),
	}
	j.idle = sync.NewCond(&j.mu)
	return j
}

// Deleted reports how many shards this worker has removed so far. The
// count is advisory and updated with relaxed ordering.
func (j *Janitor) Deleted() uint64 { return j.deleted.Load() }

// State reports the current state, for introspection and tests.
func (j *Janitor) State() JanitorState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Signal requests a sweep. Idle worker: a task is spawned. Running
// worker: it is flagged to loop once more; nothing else to do.
func (j *Janitor) Signal(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case JanitorNone:
		j.state = JanitorLaunching
		go j.run(context.WithoutCancel(ctx))
	case JanitorLaunching, JanitorInProgress:
		j.rerun = true
	}
}

// Wait blocks until the worker is idle. Tests use it to observe the
// post-sweep state without polling.
func (j *Janitor) Wait() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for j.state != JanitorNone {
		j.idle.Wait()
	}
}

func (j *Janitor) run(ctx context.Context) {
	for {
		j.mu.Lock()
		j.state = JanitorInProgress
		j.rerun = false
		j.mu.Unlock()

		if err := j.sweep(ctx); err != nil {
			logger.Warnf(ctx, "shard: deletion sweep failed: %v", err)
		}

		j.mu.Lock()
		if j.rerun {
			j.mu.Unlock()
			continue
		}
		j.state = JanitorNone
		j.idle.Broadcast()
		j.mu.Unlock()
		return
	}
}

// sweep is one pass over the tombstone directory.
func (j *Janitor) sweep(ctx context.Context) error {
	if err := j.core.Res.EnsureRemoveMeDir(ctx); err != nil {
		return err
	}

	entries, err := j.core.Child.Readdir(ctx, shard.RemoveMeDir, 0)
	if err != nil {
		if errs.Kind(err) == errs.NotFound {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if err := j.collectOne(ctx, e.Name); err != nil {
			logger.Debugf(ctx, "shard: skipping tombstone %s: %v", e.Name, err)
		}
	}
	return nil
}

// collectOne deletes every shard of the gfid named by one tombstone,
// then the tombstone itself. Conflict on the non-blocking entrylk
// means another worker owns this gfid; that is a skip, not a failure.
func (j *Janitor) collectOne(ctx context.Context, name string) error {
	gfid, err := uuid.Parse(name)
	if err != nil {
		return errs.New(errs.InvalidArgument, "tombstone %q is not a gfid", name)
	}

	unlock, err := j.core.Child.Entrylk(ctx, LockDomain, shard.RemoveMeDir, name, child.LockWrite, false)
	if err != nil {
		return err
	}
	defer unlock(ctx)

	marker := shard.RemoveMePath(gfid)

	raw, err := j.core.Child.Getxattr(ctx, marker, shard.SizeXattrName)
	if err != nil {
		return err
	}
	sx, err := shard.DecodeSizeXattr(raw)
	if err != nil {
		return err
	}
	blockSize := j.core.BlockSize
	if raw, gerr := j.core.Child.Getxattr(ctx, marker, shard.BlockSizeXattrName); gerr == nil && len(raw) >= 8 {
		if bs := beUint64(raw); bs != 0 {
			blockSize = bs
		}
	}

	// A successful gfid lookup means the unlink raced a re-link and the
	// file is alive again; its shards must stay.
	if _, _, lerr := j.core.Child.LookupByGfid(ctx, gfid, nil); lerr == nil {
		return nil
	}

	bs := int64(blockSize)
	shardCount := (sx.LogicalSize + bs - 1) / bs // ceil
	shardCount--                                 // block 0 was the base file itself

	for first := int64(1); first <= shardCount; first += int64(j.core.DeletionRate) {
		last := first + int64(j.core.DeletionRate) - 1
		if last > shardCount {
			last = shardCount
		}
		g, gctx := errgroup.WithContext(ctx)
		for b := first; b <= last; b++ {
			b := b
			if err := j.limiter.Wait(ctx); err != nil {
				return err
			}
			g.Go(func() error {
				p := shard.ShardPath(gfid, b)
				if _, uerr := j.core.Child.Unlink(gctx, p, nil); uerr != nil {
					if errs.Kind(uerr) != errs.NotFound {
						return uerr
					}
				} else {
					j.deleted.Add(1)
				}
				if n, ok := j.core.Table.Lookup(p); ok {
					shard.ForgetInode(j.core.Table, j.core.LRU, n)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	_, err = j.core.Child.Unlink(ctx, marker, nil)
	if err != nil && errs.Kind(err) != errs.NotFound {
		return err
	}
	return nil
}
