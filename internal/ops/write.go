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

// Package ops implements the composite write/read/truncate/fallocate/
// unlink/rename fops: fan-out over the shards a Resolve call produces,
// fan-in of the per-shard replies into the written_size/delta_size/
// delta_blocks accumulators, and the single atomic size-xattr update at
// the end.
package ops

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/dict"
	"github.com/shardfs/shardfs/internal/errs"
	"github.com/shardfs/shardfs/internal/shard"
)

// writeUpdateAtomicKey is the xdata flag asking the child to update
// [amc]time atomically with the write. The legacy name is set alongside
// it for children that only honor the old key.
const (
	writeUpdateAtomicKey       = "WRITE_UPDATE_ATOMIC"
	writeUpdateAtomicLegacyKey = "GLUSTERFS_WRITE_UPDATE_ATOMIC"
)

// WriteRequest describes one write call into the core. AppendMode and
// BypassSharding are explicit fields standing in for the O_APPEND
// fd-flag and the gsyncd-pid inference of the original stack, since
// this module has no socket-level client identity to read them from.
type WriteRequest struct {
	BaseFd         child.Fd
	Data           []byte
	Offset         int64
	AppendMode     bool
	BypassSharding bool
}

// WriteResult is what the caller is unwound with: bytes written and the
// base's post-update stat.
type WriteResult struct {
	Written int
	Post    dict.Iatt
}

// accumulator is the per-operation shared state every fan-out reply
// updates under its lock; the first non-recoverable error wins.
type accumulator struct {
	mu          sync.Mutex
	writtenSize int64
	deltaBlocks int64
	deltaSize   int64
	firstErr    error
}

func (a *accumulator) add(n int64, pre, post dict.Iatt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writtenSize += n
	a.deltaBlocks += post.Blocks - pre.Blocks
	a.deltaSize += post.Size - pre.Size
}

func (a *accumulator) addBlocks(delta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deltaBlocks += delta
}

func (a *accumulator) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firstErr == nil {
		a.firstErr = err
	}
}

func writeXdata() *dict.Dict {
	xdata := dict.New(2)
	xdata.SetBytes(writeUpdateAtomicKey, []byte{0, 0, 0, 4})
	xdata.SetBytes(writeUpdateAtomicLegacyKey, []byte{0, 0, 0, 4})
	return xdata
}

// Write is the sharded write path; writes spanning several blocks fan
// out one child write per participant shard and fan the replies back in
// through the accumulator.
func Write(ctx context.Context, co *shard.Core, base *shard.Inode, req WriteRequest) (WriteResult, error) {
	if req.BypassSharding {
		return writePassthrough(ctx, co, base, req)
	}

	if err := co.RefreshBase(ctx, base); err != nil {
		return WriteResult{}, err
	}
	baseCtx := base.Ctx
	if baseCtx.BlockSize == 0 {
		return writePassthrough(ctx, co, base, req)
	}

	offset := req.Offset
	if req.AppendMode {
		offset = baseCtx.CachedStat.Size
	}

	rng := shard.ComputeRange(offset, int64(len(req.Data)), baseCtx.BlockSize)
	shards, err := co.Res.Resolve(ctx, base, rng, shard.OpWrite, baseCtx.CachedStat.Size)
	if err != nil {
		return WriteResult{}, err
	}

	acc := &accumulator{}
	g, gctx := errgroup.WithContext(ctx)
	bs := int64(baseCtx.BlockSize)

	for i, n := range shards {
		if n == nil {
			continue
		}
		blockNum := rng.FirstBlock + int64(i)
		blockStart := blockNum * bs
		blockEnd := blockStart + bs
		writeStart := maxI64(offset, blockStart)
		writeEnd := minI64(offset+int64(len(req.Data)), blockEnd)
		if writeStart >= writeEnd {
			continue
		}
		shardOffset := writeStart - blockStart
		dataOffset := writeStart - offset
		piece := req.Data[dataOffset : dataOffset+(writeEnd-writeStart)]

		n := n
		isBase := blockNum == 0
		g.Go(func() error {
			return writeOneShard(gctx, co, n, isBase, req.BaseFd, piece, shardOffset, acc)
		})
	}

	if err := g.Wait(); err != nil {
		shard.InvalidateStat(base)
		return WriteResult{}, err
	}

	// The logical size grows by the part of the write landing past the
	// old EOF, hole included; writes interior to the current size leave
	// it untouched regardless of how much physical shard storage they
	// materialized.
	sizeDelta := int64(0)
	if end := offset + int64(len(req.Data)); end > baseCtx.CachedStat.Size {
		sizeDelta = end - baseCtx.CachedStat.Size
	}

	post, err := finishSizeUpdate(ctx, co, base, sizeDelta, acc.deltaBlocks)
	if err != nil {
		shard.InvalidateStat(base)
		return WriteResult{}, err
	}
	return WriteResult{Written: len(req.Data), Post: post}, nil
}

func writeOneShard(ctx context.Context, co *shard.Core, n *shard.Inode, isBase bool, baseFd child.Fd, data []byte, offset int64, acc *accumulator) error {
	var fd child.Fd
	var err error
	if isBase && baseFd != nil {
		fd = baseFd
	} else {
		fd, err = co.Child.Open(ctx, n.Path, child.OpenWrite)
		if err != nil {
			acc.fail(err)
			return err
		}
		defer co.Child.Close(ctx, fd)
	}

	written, reply, err := co.Child.Writev(ctx, fd, data, offset, writeXdata())
	if err != nil {
		acc.fail(err)
		return err
	}
	acc.add(int64(written), reply.Pre, reply.Post)
	if !isBase {
		co.LRU.MarkDirty(n)
	}
	return nil
}

// finishSizeUpdate applies the one atomic add-array xattrop carrying
// the whole operation's deltas, then refreshes the cached stat. A no-op
// update (both deltas zero) skips the xattrop.
func finishSizeUpdate(ctx context.Context, co *shard.Core, base *shard.Inode, deltaSize, deltaBlocks int64) (dict.Iatt, error) {
	if deltaSize != 0 || deltaBlocks != 0 {
		if _, err := shard.UpdateSizeXattr(ctx, co.Child, base.Path, deltaSize, deltaBlocks); err != nil {
			return dict.Iatt{}, err
		}
	}
	if err := co.RefreshBase(ctx, base); err != nil {
		return dict.Iatt{}, err
	}
	return base.Ctx.CachedStat, nil
}

func writePassthrough(ctx context.Context, co *shard.Core, base *shard.Inode, req WriteRequest) (WriteResult, error) {
	fd := req.BaseFd
	if fd == nil {
		var err error
		fd, err = co.Child.Open(ctx, base.Path, child.OpenWrite)
		if err != nil {
			return WriteResult{}, err
		}
		defer co.Child.Close(ctx, fd)
	}
	n, reply, err := co.Child.Writev(ctx, fd, req.Data, req.Offset, nil)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Written: n, Post: reply.Post}, nil
}

// Fallocate is the fallocate/discard/zerofill family: the same
// fan-out/fan-in shape as Write but with no data iovec, since the child
// implements the hole-punch/zero-range semantics itself. Only
// KEEP_SIZE+PUNCH_HOLE and ZERO_RANGE are accepted.
func Fallocate(ctx context.Context, co *shard.Core, base *shard.Inode, mode child.FallocateMode, offset, length int64) (dict.Iatt, error) {
	if mode != child.FallocateKeepSizePunchHole && mode != child.FallocateZeroRange {
		return dict.Iatt{}, errs.New(errs.NotSupported, "fallocate mode %d", mode)
	}
	if err := co.RefreshBase(ctx, base); err != nil {
		return dict.Iatt{}, err
	}
	baseCtx := base.Ctx
	if baseCtx.BlockSize == 0 {
		fd, err := co.Child.Open(ctx, base.Path, child.OpenWrite)
		if err != nil {
			return dict.Iatt{}, err
		}
		defer co.Child.Close(ctx, fd)
		reply, err := co.Child.Fallocate(ctx, fd, mode, offset, length, nil)
		if err != nil {
			return dict.Iatt{}, err
		}
		return reply.Post, nil
	}

	rng := shard.ComputeRange(offset, length, baseCtx.BlockSize)
	shards, err := co.Res.Resolve(ctx, base, rng, shard.OpAllocate, baseCtx.CachedStat.Size)
	if err != nil {
		return dict.Iatt{}, err
	}

	acc := &accumulator{}
	g, gctx := errgroup.WithContext(ctx)
	bs := int64(baseCtx.BlockSize)

	for i, n := range shards {
		if n == nil {
			continue
		}
		blockNum := rng.FirstBlock + int64(i)
		blockStart := blockNum * bs
		blockEnd := blockStart + bs
		opStart := maxI64(offset, blockStart)
		opEnd := minI64(offset+length, blockEnd)
		if opStart >= opEnd {
			continue
		}
		shardOffset := opStart - blockStart
		shardLength := opEnd - opStart
		isBase := blockNum == 0

		n := n
		g.Go(func() error {
			fd, ferr := co.Child.Open(gctx, n.Path, child.OpenWrite)
			if ferr != nil {
				acc.fail(ferr)
				return ferr
			}
			defer co.Child.Close(gctx, fd)
			reply, ferr := co.Child.Fallocate(gctx, fd, mode, shardOffset, shardLength, nil)
			if ferr != nil {
				acc.fail(ferr)
				return ferr
			}
			acc.add(0, reply.Pre, reply.Post)
			if !isBase {
				co.LRU.MarkDirty(n)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		shard.InvalidateStat(base)
		return dict.Iatt{}, err
	}

	var sizeDelta int64
	if mode == child.FallocateZeroRange {
		if end := offset + length; end > baseCtx.CachedStat.Size {
			sizeDelta = end - baseCtx.CachedStat.Size
		}
	}
	return finishSizeUpdate(ctx, co, base, sizeDelta, acc.deltaBlocks)
}

// Zerofill zeroes [offset, offset+length), extending the file if the
// range runs past EOF.
func Zerofill(ctx context.Context, co *shard.Core, base *shard.Inode, offset, length int64) (dict.Iatt, error) {
	return Fallocate(ctx, co, base, child.FallocateZeroRange, offset, length)
}

// Discard punches a hole over [offset, offset+length) without moving
// the file size.
func Discard(ctx context.Context, co *shard.Core, base *shard.Inode, offset, length int64) (dict.Iatt, error) {
	return Fallocate(ctx, co, base, child.FallocateKeepSizePunchHole, offset, length)
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
