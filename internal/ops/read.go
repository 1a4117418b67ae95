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

	"golang.org/x/sync/errgroup"

	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/errs"
	"github.com/shardfs/shardfs/internal/shard"
)

// ReadRequest describes one read call into the core.
type ReadRequest struct {
	BaseFd         child.Fd
	Offset         int64
	Length         int
	BypassSharding bool
}

// ReadResult is what the caller is unwound with.
type ReadResult struct {
	Data []byte
	Size int64 // base file's cached size, clipping the returned buffer
}

// Read fans readv out over every participant shard and fans in by
// copying each reply into the right offset of a single pre-allocated
// buffer. A missing shard is not an error: it represents a hole, and
// the corresponding region of the reply buffer is left zero.
func Read(ctx context.Context, co *shard.Core, base *shard.Inode, req ReadRequest) (ReadResult, error) {
	if req.BypassSharding {
		return readPassthrough(ctx, co, base, req)
	}

	if err := co.RefreshBase(ctx, base); err != nil {
		return ReadResult{}, err
	}
	baseCtx := base.Ctx

	if baseCtx.BlockSize == 0 {
		return readPassthrough(ctx, co, base, req)
	}

	// Reads starting at or past EOF short-circuit with zero bytes.
	if req.Offset >= baseCtx.CachedStat.Size {
		return ReadResult{Data: nil, Size: baseCtx.CachedStat.Size}, nil
	}

	length := req.Length
	if req.Offset+int64(length) > baseCtx.CachedStat.Size {
		length = int(baseCtx.CachedStat.Size - req.Offset)
	}

	rng := shard.ComputeRange(req.Offset, int64(length), baseCtx.BlockSize)
	shards, err := co.Res.Resolve(ctx, base, rng, shard.OpRead, baseCtx.CachedStat.Size)
	if err != nil {
		return ReadResult{}, err
	}

	buf := make([]byte, length)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	bs := int64(baseCtx.BlockSize)

	for i, n := range shards {
		if n == nil {
			continue // hole: region stays zero
		}
		blockNum := rng.FirstBlock + int64(i)
		blockStart := blockNum * bs
		blockEnd := blockStart + bs
		readStart := maxI64(req.Offset, blockStart)
		readEnd := minI64(req.Offset+int64(length), blockEnd)
		if readStart >= readEnd {
			continue
		}
		shardOffset := readStart - blockStart
		shardLength := int(readEnd - readStart)
		bufOffset := readStart - req.Offset
		isBase := blockNum == 0

		n := n
		g.Go(func() error {
			var fd child.Fd
			var ferr error
			if isBase && req.BaseFd != nil {
				fd = req.BaseFd
			} else {
				fd, ferr = co.Child.Open(gctx, n.Path, child.OpenRead)
				if ferr != nil {
					if errs.Kind(ferr) == errs.NotFound {
						return nil // raced unlink of the shard: treat as hole
					}
					return ferr
				}
				defer co.Child.Close(gctx, fd)
			}
			data, _, ferr := co.Child.Readv(gctx, fd, shardLength, shardOffset, nil)
			if ferr != nil {
				if errs.Kind(ferr) == errs.NotFound {
					return nil
				}
				return ferr
			}
			mu.Lock()
			copy(buf[bufOffset:], data)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Data: buf, Size: baseCtx.CachedStat.Size}, nil
}

func readPassthrough(ctx context.Context, co *shard.Core, base *shard.Inode, req ReadRequest) (ReadResult, error) {
	fd := req.BaseFd
	if fd == nil {
		var err error
		fd, err = co.Child.Open(ctx, base.Path, child.OpenRead)
		if err != nil {
			return ReadResult{}, err
		}
		defer co.Child.Close(ctx, fd)
	}
	data, reply, err := co.Child.Readv(ctx, fd, req.Length, req.Offset, nil)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Data: data, Size: reply.Post.Size}, nil
}
