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

	"golang.org/x/sync/errgroup"

	"github.com/shardfs/shardfs/internal/dict"
	"github.com/shardfs/shardfs/internal/errs"
	"github.com/shardfs/shardfs/internal/shard"
)

// getFileBlockCountKey asks the child to report the unlinked file's
// block count in the reply, so the shrink path can maintain the block
// accumulator without a stat round per shard.
const getFileBlockCountKey = "GET_FILE_BLOCK_COUNT"

// Truncate resizes the logical file to offset. Growing only moves the
// size xattr (the new region is a hole); shrinking unlinks every whole
// shard past the new end, truncates the one partial shard, and applies
// the negative deltas in a single xattrop.
func Truncate(ctx context.Context, co *shard.Core, base *shard.Inode, offset int64) (dict.Iatt, error) {
	if err := co.RefreshBase(ctx, base); err != nil {
		return dict.Iatt{}, err
	}
	baseCtx := base.Ctx
	prebufSize := baseCtx.CachedStat.Size

	if baseCtx.BlockSize == 0 {
		reply, err := co.Child.Truncate(ctx, base.Path, offset, nil)
		if err != nil {
			return dict.Iatt{}, err
		}
		shard.RefreshStat(base, shard.Ctx{CachedStat: reply.Post, BlockSize: 0})
		return reply.Post, nil
	}

	if offset == prebufSize {
		return baseCtx.CachedStat, nil
	}

	if offset > prebufSize {
		// Hole fill: only the size xattr moves, no shard is touched.
		if _, err := shard.UpdateSizeXattr(ctx, co.Child, base.Path, offset-prebufSize, 0); err != nil {
			return dict.Iatt{}, err
		}
		if err := co.RefreshBase(ctx, base); err != nil {
			return dict.Iatt{}, err
		}
		return base.Ctx.CachedStat, nil
	}

	bs := int64(baseCtx.BlockSize)
	firstBlock := int64(0)
	if offset != 0 {
		firstBlock = (offset - 1) / bs
	}
	lastBlock := (prebufSize - 1) / bs

	acc := &accumulator{}

	if firstBlock < lastBlock {
		g, gctx := errgroup.WithContext(ctx)
		for b := firstBlock + 1; b <= lastBlock; b++ {
			b := b
			g.Go(func() error {
				p := shard.ShardPath(base.Gfid, b)
				req := dict.New(1)
				req.SetInt64(getFileBlockCountKey, 0)
				reply, err := co.Child.Unlink(gctx, p, req)
				if err != nil {
					if errs.Kind(err) == errs.NotFound {
						return nil // hole shard never materialized
					}
					return err
				}
				if n, ok := co.Table.Lookup(p); ok {
					shard.ForgetInode(co.Table, co.LRU, n)
				}
				if reply != nil {
					if count, gerr := reply.GetInt64(gctx, getFileBlockCountKey); gerr == nil {
						acc.addBlocks(-count)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			shard.InvalidateStat(base)
			return dict.Iatt{}, err
		}
	}

	// The surviving shard holding the new end is cut to its in-block
	// length; a cut exactly on a block boundary keeps the whole block.
	truncSize := offset - firstBlock*bs
	preBlocks, postBlocks, err := truncateOneBlock(ctx, co, base, firstBlock, truncSize)
	if err != nil {
		shard.InvalidateStat(base)
		return dict.Iatt{}, err
	}
	acc.addBlocks(postBlocks - preBlocks)

	if _, err := shard.UpdateSizeXattr(ctx, co.Child, base.Path, offset-prebufSize, acc.deltaBlocks); err != nil {
		return dict.Iatt{}, err
	}
	if err := co.RefreshBase(ctx, base); err != nil {
		return dict.Iatt{}, err
	}
	return base.Ctx.CachedStat, nil
}

// truncateOneBlock truncates the shard (or base, for block 0) holding
// blockNum to size within that block, reporting the physical block
// change.
func truncateOneBlock(ctx context.Context, co *shard.Core, base *shard.Inode, blockNum, size int64) (preBlocks, postBlocks int64, err error) {
	path := base.Path
	if blockNum > 0 {
		path = shard.ShardPath(base.Gfid, blockNum)
	}
	reply, err := co.Child.Truncate(ctx, path, size, nil)
	if err != nil {
		if blockNum > 0 && errs.Kind(err) == errs.NotFound {
			return 0, 0, nil // the partial block was a hole
		}
		return 0, 0, err
	}
	return reply.Pre.Blocks, reply.Post.Blocks, nil
}
