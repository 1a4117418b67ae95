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
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/dict"
	"github.com/shardfs/shardfs/internal/errs"
	"github.com/shardfs/shardfs/internal/logger"
)

// GfidReqKey is the xdata key carrying the 16-byte UUID to assign to a
// freshly created inode.
const GfidReqKey = "gfid-req"

// Fixed gfids for the two internal directories, so every node of a
// cluster resolves them to the same identity.
var (
	DotShardGfid    = uuid.MustParse("be318638-e8a0-4c6d-977d-7a937aa84806")
	DotRemoveMeGfid = uuid.MustParse("77dd5a45-dbf5-4592-b31b-b440382302e9")
)

// OpKind distinguishes the resolver policies that differ by caller
// operation.
type OpKind int

const (
	OpWrite OpKind = iota
	OpRead
	OpAllocate // fallocate extending a file
)

// Range is the (first_block, last_block, num_blocks) triple derived
// from an offset/length pair.
type Range struct {
	FirstBlock, LastBlock, NumBlocks int64
}

// ComputeRange derives the block range touched by [offset, offset+length)
// at the given block size.
func ComputeRange(offset, length int64, blockSize uint64) Range {
	bs := int64(blockSize)
	first := offset / bs
	if length <= 0 {
		return Range{FirstBlock: first, LastBlock: first, NumBlocks: 1}
	}
	last := (offset + length - 1) / bs
	return Range{FirstBlock: first, LastBlock: last, NumBlocks: last - first + 1}
}

// Resolver resolves a block range against the host inode table,
// creating missing shards as needed. It holds the collaborators every
// resolve needs: the child layer, the shared inode table, and the LRU
// those resolved shards get touched into.
type Resolver struct {
	Child     child.Child
	Table     *Table
	LRU       *LRU
	BlockSize uint64
}

// Resolve returns, for each block in [rng.FirstBlock, rng.LastBlock],
// the owning *Inode at slot (blockNum - rng.FirstBlock). Block 0 is the
// base file itself; blocks >0 are looked up or created under
// .shard/<gfid>.<n>.
//
// prebufSize is the base file's size as of the most recent refresh,
// used for the fallocate create/call-count split.
func (r *Resolver) Resolve(ctx context.Context, base *Inode, rng Range, op OpKind, prebufSize int64) ([]*Inode, error) {
	out := make([]*Inode, rng.NumBlocks)
	if rng.FirstBlock == 0 {
		out[0] = base
	}
	if rng.NumBlocks == 1 && rng.FirstBlock == 0 {
		return out, nil
	}

	baseCtx := base.EnsureCtx()
	baseGfid := base.Gfid

	type slot struct {
		idx      int
		blockNum int64
	}
	var toLookup, toCreate []slot

	startBlock := rng.FirstBlock
	if startBlock == 0 {
		startBlock = 1
	}

	allocateAllMissing := op == OpAllocate && prebufSize == 0

	for b := startBlock; b <= rng.LastBlock; b++ {
		idx := int(b - rng.FirstBlock)
		p := ShardPath(baseGfid, b)
		if n, ok := r.Table.Lookup(p); ok {
			out[idx] = n
			r.touch(ctx, n, base, b, baseGfid)
			continue
		}
		if allocateAllMissing {
			toCreate = append(toCreate, slot{idx, b})
		} else {
			toLookup = append(toLookup, slot{idx, b})
		}
	}

	if op == OpAllocate && prebufSize > 0 {
		// Blocks at or past the current EOF are known missing; only the
		// ones below it need a lookup round.
		bs := int64(r.BlockSize)
		createFrom := (prebufSize + bs - 1) / bs
		var lookups, creates []slot
		for _, s := range toLookup {
			if s.blockNum >= createFrom {
				creates = append(creates, s)
			} else {
				lookups = append(lookups, s)
			}
		}
		toLookup, toCreate = lookups, creates
	}

	if len(toCreate) > 0 || len(toLookup) > 0 {
		if err := r.EnsureShardDir(ctx); err != nil {
			return nil, err
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range toLookup {
		s := s
		g.Go(func() error {
			n, err := r.lookupShard(gctx, base, baseGfid, s.blockNum)
			if err != nil {
				if errs.Kind(err) == errs.NotFound {
					if op == OpRead {
						// Hole: the slot stays nil and the read path
						// leaves that region zeroed.
						return nil
					}
					logger.Debugf(gctx, "shard: lookup miss for block %d, will create", s.blockNum)
					mu.Lock()
					toCreate = append(toCreate, s)
					mu.Unlock()
					return nil
				}
				return err
			}
			mu.Lock()
			out[s.idx] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(toCreate) > 0 {
		g2, gctx2 := errgroup.WithContext(ctx)
		var reLookup []slot
		var mu2 sync.Mutex
		for _, s := range toCreate {
			s := s
			g2.Go(func() error {
				n, err := r.createShard(gctx2, base, baseGfid, s.blockNum, baseCtx.BlockSize)
				if err != nil {
					if errs.Kind(err) == errs.Exists {
						// A concurrent writer won the mknod race; pick
						// up its inode on a second lookup round.
						mu2.Lock()
						reLookup = append(reLookup, s)
						mu2.Unlock()
						return nil
					}
					return err
				}
				mu2.Lock()
				out[s.idx] = n
				mu2.Unlock()
				return nil
			})
		}
		if err := g2.Wait(); err != nil {
			return nil, err
		}
		for _, s := range reLookup {
			n, err := r.lookupShard(ctx, base, baseGfid, s.blockNum)
			if err != nil {
				return nil, err
			}
			out[s.idx] = n
		}
	}

	return out, nil
}

// touch records use of a resolved shard in the LRU. A dirty victim the
// LRU hands back is flushed on its own task so the resolve path never
// waits on the child's fsync.
func (r *Resolver) touch(ctx context.Context, n, base *Inode, blockNum int64, baseGfid uuid.UUID) {
	victim, needsFsync := r.LRU.Touch(r.Table, n, base, blockNum, baseGfid)
	if victim != nil && needsFsync {
		go func() {
			_ = FsyncEvicted(context.WithoutCancel(ctx), r.Child, r.Table, r.LRU, victim)
		}()
	}
}

// EnsureShardDir lazily creates the .shard directory, tolerating an
// already-exists reply by re-looking it up; whichever wins, the inode
// is cached in the table and marked refreshed.
func (r *Resolver) EnsureShardDir(ctx context.Context) error {
	return r.ensureInternalDir(ctx, ShardDir, DotShardGfid)
}

// EnsureRemoveMeDir lazily creates .shard/.remove_me, the tombstone
// directory the unlink/rename critical section and the deletion worker
// share.
func (r *Resolver) EnsureRemoveMeDir(ctx context.Context) error {
	if err := r.EnsureShardDir(ctx); err != nil {
		return err
	}
	return r.ensureInternalDir(ctx, RemoveMeDir, DotRemoveMeGfid)
}

func (r *Resolver) ensureInternalDir(ctx context.Context, dir string, gfid uuid.UUID) error {
	if _, ok := r.Table.Lookup(dir); ok {
		return nil
	}
	req := dict.New(1)
	req.SetUUID(GfidReqKey, gfid)
	_, _, err := r.Child.Mkdir(ctx, dir, 0755, req)
	if err != nil && errs.Kind(err) != errs.Exists {
		return err
	}
	ia, _, err := r.Child.Lookup(ctx, dir, nil)
	if err != nil {
		return err
	}
	n := r.Table.LinkNew(dir, ia.GFID)
	RefreshStat(n, Ctx{CachedStat: ia})
	return nil
}

func (r *Resolver) lookupShard(ctx context.Context, base *Inode, baseGfid uuid.UUID, blockNum int64) (*Inode, error) {
	p := ShardPath(baseGfid, blockNum)
	req := dict.New(1)
	req.SetUUID(GfidReqKey, uuid.New())
	ia, _, err := r.Child.Lookup(ctx, p, req)
	if err != nil {
		return nil, err
	}
	n := r.Table.LinkNew(p, ia.GFID)
	r.touch(ctx, n, base, blockNum, baseGfid)
	return n, nil
}

func (r *Resolver) createShard(ctx context.Context, base *Inode, baseGfid uuid.UUID, blockNum int64, blockSize uint64) (*Inode, error) {
	p := ShardPath(baseGfid, blockNum)

	baseStat := base.EnsureCtx().CachedStat

	req := dict.New(2)
	req.SetUUID(GfidReqKey, uuid.New())
	req.SetUint64(BlockSizeXattrName, blockSize)

	ia, _, err := r.Child.Mknod(ctx, p, baseStat.Mode, baseStat.Rdev, req)
	if err != nil {
		return nil, err
	}
	n := r.Table.LinkNew(p, ia.GFID)
	r.touch(ctx, n, base, blockNum, baseGfid)
	return n, nil
}
