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

	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/dict"
	"github.com/shardfs/shardfs/internal/shard"
)

// Fsync flushes the base file plus every shard on the pending-fsync
// list anchored at the base (dirty shards the LRU has evicted). Dirty
// shards still linked in the LRU are not fsynced by this call.
func Fsync(ctx context.Context, co *shard.Core, base *shard.Inode, baseFd child.Fd) (dict.Iatt, error) {
	if err := co.RefreshBase(ctx, base); err != nil {
		return dict.Iatt{}, err
	}

	pending := co.LRU.FsyncList(base)

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range pending {
		n := n
		g.Go(func() error {
			return shard.FsyncEvicted(gctx, co.Child, co.Table, co.LRU, n)
		})
	}

	var post dict.Iatt
	g.Go(func() error {
		fd := baseFd
		if fd == nil {
			var err error
			fd, err = co.Child.Open(gctx, base.Path, child.OpenWrite)
			if err != nil {
				return err
			}
			defer co.Child.Close(gctx, fd)
		}
		reply, err := co.Child.Fsync(gctx, fd, nil)
		if err != nil {
			return err
		}
		post = reply.Post
		return nil
	})

	if err := g.Wait(); err != nil {
		return dict.Iatt{}, err
	}
	post.Size = base.Ctx.CachedStat.Size
	return post, nil
}
