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

package shard_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/child/fake"
	"github.com/shardfs/shardfs/internal/dict"
	"github.com/shardfs/shardfs/internal/shard"
)

// newShardedBase creates a base file on fc carrying the block-size and
// (zeroed) size xattrs a sharded file is born with, and returns its
// table entry.
func newShardedBase(t *testing.T, fc *fake.Child, co *shard.Core, path string, blockSize uint64) *shard.Inode {
	t.Helper()
	ctx := context.Background()

	gfid := uuid.New()
	req := dict.New(1)
	req.SetUUID(shard.GfidReqKey, gfid)
	_, _, err := fc.Mknod(ctx, path, 0644, 0, req)
	require.NoError(t, err)

	bs := make([]byte, 8)
	for i := 0; i < 8; i++ {
		bs[7-i] = byte(blockSize >> (8 * i))
	}
	require.NoError(t, fc.Setxattr(ctx, path, map[string][]byte{shard.BlockSizeXattrName: bs}, 0))
	_, err = fc.Xattrop(ctx, path, child.XattropSetArray, map[string][]byte{
		shard.SizeXattrName: shard.EncodeSizeXattr(shard.SizeXattr{}),
	})
	require.NoError(t, err)

	base := co.BaseInode(path, gfid)
	require.NoError(t, co.RefreshBase(ctx, base))
	return base
}

func TestResolveSingleBlockIsBase(t *testing.T) {
	fc := fake.New()
	co := shard.NewCore(fc, testBlockSize, 16, 100)
	base := newShardedBase(t, fc, co, "/f", testBlockSize)

	out, err := co.Res.Resolve(context.Background(), base, shard.ComputeRange(0, 10, testBlockSize), shard.OpWrite, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, base, out[0])

	// No shard file and no .shard directory materialized for a
	// block-0-only operation.
	_, _, err = fc.Lookup(context.Background(), shard.ShardDir, nil)
	require.Error(t, err)
}

func TestResolveCreatesMissingShards(t *testing.T) {
	ctx := context.Background()
	fc := fake.New()
	co := shard.NewCore(fc, testBlockSize, 16, 100)
	base := newShardedBase(t, fc, co, "/f", testBlockSize)

	rng := shard.ComputeRange(0, 3*testBlockSize, testBlockSize)
	out, err := co.Res.Resolve(ctx, base, rng, shard.OpWrite, 0)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Same(t, base, out[0])
	require.NotNil(t, out[1])
	require.NotNil(t, out[2])

	// The shards exist under .shard/ and are linked in the table.
	for b := int64(1); b <= 2; b++ {
		p := shard.ShardPath(base.Gfid, b)
		_, _, lerr := fc.Lookup(ctx, p, nil)
		assert.NoError(t, lerr)
		_, ok := co.Table.Lookup(p)
		assert.True(t, ok)
	}
	assert.Equal(t, 2, co.LRU.Len())
}

func TestResolveReadLeavesHolesNil(t *testing.T) {
	ctx := context.Background()
	fc := fake.New()
	co := shard.NewCore(fc, testBlockSize, 16, 100)
	base := newShardedBase(t, fc, co, "/f", testBlockSize)

	rng := shard.ComputeRange(0, 3*testBlockSize, testBlockSize)
	out, err := co.Res.Resolve(ctx, base, rng, shard.OpRead, 3*testBlockSize)
	require.NoError(t, err)
	assert.Same(t, base, out[0])
	assert.Nil(t, out[1])
	assert.Nil(t, out[2])
}

func TestResolveConcurrentCreateAbsorbsExists(t *testing.T) {
	ctx := context.Background()
	fc := fake.New()
	co := shard.NewCore(fc, testBlockSize, 1024, 100)
	base := newShardedBase(t, fc, co, "/f", testBlockSize)

	rng := shard.ComputeRange(7*testBlockSize, testBlockSize, testBlockSize)

	var wg sync.WaitGroup
	results := make([][]*shard.Inode, 2)
	errors := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errors[i] = co.Res.Resolve(ctx, base, rng, shard.OpWrite, 0)
		}()
	}
	wg.Wait()

	require.NoError(t, errors[0])
	require.NoError(t, errors[1])
	// Both racers end up holding the same linked shard inode.
	assert.Same(t, results[0][0], results[1][0])

	// Exactly one shard 7 exists on the child.
	_, _, err := fc.Lookup(ctx, shard.ShardPath(base.Gfid, 7), nil)
	assert.NoError(t, err)
}

func TestResolveReusesCachedShardDir(t *testing.T) {
	ctx := context.Background()
	fc := fake.New()
	co := shard.NewCore(fc, testBlockSize, 16, 100)
	base := newShardedBase(t, fc, co, "/f", testBlockSize)

	rng := shard.ComputeRange(testBlockSize, 10, testBlockSize)
	_, err := co.Res.Resolve(ctx, base, rng, shard.OpWrite, 0)
	require.NoError(t, err)
	// Second resolve must go through the cached .shard inode and not
	// fail on the already-present directory.
	_, err = co.Res.Resolve(ctx, base, rng, shard.OpWrite, 0)
	require.NoError(t, err)

	n, ok := co.Table.Lookup(shard.ShardDir)
	require.True(t, ok)
	assert.Equal(t, shard.DotShardGfid, n.Gfid)
}

func TestRefreshBaseReadsShardedSize(t *testing.T) {
	ctx := context.Background()
	fc := fake.New()
	co := shard.NewCore(fc, testBlockSize, 16, 100)
	base := newShardedBase(t, fc, co, "/f", testBlockSize)

	// Simulate a write having pushed the logical size to 3 blocks while
	// the base file stays small.
	_, err := shard.UpdateSizeXattr(ctx, fc, "/f", 3*testBlockSize, 0)
	require.NoError(t, err)

	require.NoError(t, co.RefreshBase(ctx, base))
	assert.Equal(t, int64(3*testBlockSize), base.Ctx.CachedStat.Size)
	assert.Equal(t, uint64(testBlockSize), base.Ctx.BlockSize)
	assert.True(t, base.Ctx.Refreshed)
	assert.False(t, base.Ctx.RefreshNeeded)
}

func TestRefreshBaseUnshardedFileGetsBlockSizeZero(t *testing.T) {
	ctx := context.Background()
	fc := fake.New()
	co := shard.NewCore(fc, testBlockSize, 16, 100)

	gfid := uuid.New()
	req := dict.New(1)
	req.SetUUID(shard.GfidReqKey, gfid)
	_, _, err := fc.Mknod(ctx, "/plain", 0644, 0, req)
	require.NoError(t, err)

	base := co.BaseInode("/plain", gfid)
	require.NoError(t, co.RefreshBase(ctx, base))
	assert.Equal(t, uint64(0), base.Ctx.BlockSize)
}
