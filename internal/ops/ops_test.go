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

package ops_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/child/fake"
	"github.com/shardfs/shardfs/internal/dict"
	"github.com/shardfs/shardfs/internal/errs"
	"github.com/shardfs/shardfs/internal/ops"
	"github.com/shardfs/shardfs/internal/shard"
)

const bs = 4096 // test block size; the production default is 64MiB

type env struct {
	fc      *fake.Child
	co      *shard.Core
	janitor *ops.Janitor
}

func newEnv(t *testing.T) (*env, context.Context) {
	t.Helper()
	fc := fake.New()
	co := shard.NewCore(fc, bs, 1024, 100)
	return &env{fc: fc, co: co, janitor: ops.NewJanitor(co)}, context.Background()
}

// newFile creates a sharded base file the way the creation path would:
// block-size xattr plus a zeroed size xattr.
func (e *env) newFile(t *testing.T, path string) *shard.Inode {
	t.Helper()
	ctx := context.Background()

	gfid := uuid.New()
	req := dict.New(1)
	req.SetUUID(shard.GfidReqKey, gfid)
	_, _, err := e.fc.Mknod(ctx, path, 0644, 0, req)
	require.NoError(t, err)

	raw := make([]byte, 8)
	for i := 0; i < 8; i++ {
		raw[7-i] = byte(uint64(bs) >> (8 * i))
	}
	require.NoError(t, e.fc.Setxattr(ctx, path, map[string][]byte{shard.BlockSizeXattrName: raw}, 0))
	_, err = e.fc.Xattrop(ctx, path, child.XattropSetArray, map[string][]byte{
		shard.SizeXattrName: shard.EncodeSizeXattr(shard.SizeXattr{}),
	})
	require.NoError(t, err)

	return e.co.BaseInode(path, gfid)
}

func (e *env) statSize(t *testing.T, base *shard.Inode) int64 {
	t.Helper()
	require.NoError(t, e.co.RefreshBase(context.Background(), base))
	return base.Ctx.CachedStat.Size
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%97)
	}
	return out
}

func TestWriteSmallStaysInBase(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	res, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: pattern(10, 'A'), Offset: 0})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Written)
	assert.Equal(t, int64(10), res.Post.Size)

	// No file was created under .shard.
	_, _, err = e.fc.Lookup(ctx, shard.ShardDir, nil)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.Kind(err))
}

func TestWritePastBlockBoundaryCreatesShard(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	// One byte exactly at the start of block 1: the base stays a 0-byte
	// sparse file, the byte lands at offset 0 of shard 1.
	res, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: []byte{'X'}, Offset: bs})
	require.NoError(t, err)
	assert.Equal(t, int64(bs+1), res.Post.Size)

	shardPath := shard.ShardPath(base.Gfid, 1)
	ia, _, err := e.fc.Lookup(ctx, shardPath, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ia.Size)

	baseStat, _, err := e.fc.Lookup(ctx, "/f", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), baseStat.Size)

	assert.Equal(t, int64(bs+1), e.statSize(t, base))
}

func TestWriteThenReadAcrossShardBoundary(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	data := pattern(3*bs, 'a')
	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: data, Offset: 0})
	require.NoError(t, err)

	// A range straddling the block 0 / block 1 boundary comes back
	// byte-exact regardless of which shards store it.
	res, err := ops.Read(ctx, e.co, base, ops.ReadRequest{Offset: bs - 100, Length: 200})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[bs-100:bs+100], res.Data))
}

func TestWriteAtUnalignedOffsetRoundTrips(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	data := pattern(bs/2+17, 'q')
	off := int64(bs + bs/3)
	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: data, Offset: off})
	require.NoError(t, err)

	res, err := ops.Read(ctx, e.co, base, ops.ReadRequest{Offset: off, Length: len(data)})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, res.Data))
	assert.Equal(t, off+int64(len(data)), e.statSize(t, base))
}

func TestReadOfHoleReturnsZeros(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	// Write only in block 2; blocks 0 and 1 are holes.
	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: pattern(10, 'z'), Offset: 2 * bs})
	require.NoError(t, err)

	res, err := ops.Read(ctx, e.co, base, ops.ReadRequest{Offset: bs, Length: bs})
	require.NoError(t, err)
	require.Len(t, res.Data, bs)
	assert.Equal(t, make([]byte, bs), res.Data)
}

func TestReadPastEOFShortCircuits(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: pattern(10, 'e'), Offset: 0})
	require.NoError(t, err)

	res, err := ops.Read(ctx, e.co, base, ops.ReadRequest{Offset: 100, Length: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
}

func TestReadClipsAtEOF(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	data := pattern(50, 'c')
	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: data, Offset: 0})
	require.NoError(t, err)

	res, err := ops.Read(ctx, e.co, base, ops.ReadRequest{Offset: 40, Length: 100})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[40:], res.Data))
}

func TestAppendModeWritesAtEOF(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: pattern(10, 'a'), Offset: 0})
	require.NoError(t, err)
	_, err = ops.Write(ctx, e.co, base, ops.WriteRequest{Data: pattern(5, 'b'), Offset: 0, AppendMode: true})
	require.NoError(t, err)
	assert.Equal(t, int64(15), e.statSize(t, base))
}

func TestSizeAndBlockConservation(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: pattern(3*bs+123, 'k'), Offset: 0})
	require.NoError(t, err)

	raw, err := e.fc.Getxattr(ctx, "/f", shard.SizeXattrName)
	require.NoError(t, err)
	sx, err := shard.DecodeSizeXattr(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(3*bs+123), sx.LogicalSize)

	// The block accumulator matches the sum of physical blocks over the
	// base and every shard.
	var total int64
	for _, p := range []string{"/f", shard.ShardPath(base.Gfid, 1), shard.ShardPath(base.Gfid, 2), shard.ShardPath(base.Gfid, 3)} {
		ia, _, lerr := e.fc.Lookup(ctx, p, nil)
		require.NoError(t, lerr)
		total += ia.Blocks
	}
	assert.Equal(t, total, sx.BlockDelta)
}

func TestTruncateToSameSizeIsNoOp(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: pattern(100, 'n'), Offset: 0})
	require.NoError(t, err)
	post, err := ops.Truncate(ctx, e.co, base, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), post.Size)
}

func TestTruncateGrowIsHoleFill(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: pattern(10, 'g'), Offset: 0})
	require.NoError(t, err)

	post, err := ops.Truncate(ctx, e.co, base, 5*bs)
	require.NoError(t, err)
	assert.Equal(t, int64(5*bs), post.Size)

	// No shard was materialized for the hole.
	_, _, err = e.fc.Lookup(ctx, shard.ShardPath(base.Gfid, 1), nil)
	require.Error(t, err)

	// The new region reads as zeros.
	res, err := ops.Read(ctx, e.co, base, ops.ReadRequest{Offset: 2 * bs, Length: 100})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 100), res.Data)
}

func TestTruncateShrinkUnlinksTailShards(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	data := pattern(4*bs, 't') // blocks 0..3
	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: data, Offset: 0})
	require.NoError(t, err)

	post, err := ops.Truncate(ctx, e.co, base, bs/2)
	require.NoError(t, err)
	assert.Equal(t, int64(bs/2), post.Size)

	for b := int64(1); b <= 3; b++ {
		_, _, lerr := e.fc.Lookup(ctx, shard.ShardPath(base.Gfid, b), nil)
		require.Error(t, lerr, "shard %d should be unlinked", b)
	}

	baseStat, _, err := e.fc.Lookup(ctx, "/f", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(bs/2), baseStat.Size)

	// Only the base's physical blocks remain accounted.
	raw, err := e.fc.Getxattr(ctx, "/f", shard.SizeXattrName)
	require.NoError(t, err)
	sx, err := shard.DecodeSizeXattr(raw)
	require.NoError(t, err)
	assert.Equal(t, baseStat.Blocks, sx.BlockDelta)

	// Surviving prefix is intact.
	res, err := ops.Read(ctx, e.co, base, ops.ReadRequest{Offset: 0, Length: bs / 2})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[:bs/2], res.Data))
}

func TestTruncateShrinkWithinSingleShard(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: pattern(bs+200, 's'), Offset: 0})
	require.NoError(t, err)

	// New end is inside shard 1; shard 1 survives, cut short.
	post, err := ops.Truncate(ctx, e.co, base, bs+50)
	require.NoError(t, err)
	assert.Equal(t, int64(bs+50), post.Size)

	ia, _, err := e.fc.Lookup(ctx, shard.ShardPath(base.Gfid, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(50), ia.Size)
}

func TestTruncateToExactBlockBoundaryKeepsWholeBlock(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	data := pattern(2*bs+10, 'x')
	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: data, Offset: 0})
	require.NoError(t, err)

	post, err := ops.Truncate(ctx, e.co, base, bs)
	require.NoError(t, err)
	assert.Equal(t, int64(bs), post.Size)

	res, err := ops.Read(ctx, e.co, base, ops.ReadRequest{Offset: 0, Length: bs})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[:bs], res.Data))
}

func TestFallocateRejectsUnknownMode(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")
	_, err := ops.Fallocate(ctx, e.co, base, child.FallocateMode(99), 0, 10)
	require.Error(t, err)
	assert.Equal(t, errs.NotSupported, errs.Kind(err))
}

func TestFallocateZeroRangeExtends(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	post, err := ops.Fallocate(ctx, e.co, base, child.FallocateZeroRange, 0, 2*bs+10)
	require.NoError(t, err)
	assert.Equal(t, int64(2*bs+10), post.Size)

	_, _, err = e.fc.Lookup(ctx, shard.ShardPath(base.Gfid, 1), nil)
	assert.NoError(t, err)
	_, _, err = e.fc.Lookup(ctx, shard.ShardPath(base.Gfid, 2), nil)
	assert.NoError(t, err)
}

func TestDiscardPunchesHoleWithoutGrowingSize(t *testing.T) {
	e, ctx := newEnv(t)
	base := e.newFile(t, "/f")

	data := pattern(2*bs, 'd')
	_, err := ops.Write(ctx, e.co, base, ops.WriteRequest{Data: data, Offset: 0})
	require.NoError(t, err)

	_, err = ops.Fallocate(ctx, e.co, base, child.FallocateKeepSizePunchHole, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2*bs), e.statSize(t, base))

	res, err := ops.Read(ctx, e.co, base, ops.ReadRequest{Offset: 10, Length: 100})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 100), res.Data)
}

func TestUnshardedFilePassesThrough(t *testing.T) {
	e, ctx := newEnv(t)

	gfid := uuid.New()
	req := dict.New(1)
	req.SetUUID(shard.GfidReqKey, gfid)
	_, _, err := e.fc.Mknod(ctx, "/plain", 0644, 0, req)
	require.NoError(t, err)
	base := e.co.BaseInode("/plain", gfid)

	data := pattern(2*bs, 'p')
	_, err = ops.Write(ctx, e.co, base, ops.WriteRequest{Data: data, Offset: 0})
	require.NoError(t, err)

	// Everything landed in the plain file; nothing was sharded.
	ia, _, err := e.fc.Lookup(ctx, "/plain", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2*bs), ia.Size)
	_, _, err = e.fc.Lookup(ctx, shard.ShardDir, nil)
	require.Error(t, err)

	res, err := ops.Read(ctx, e.co, base, ops.ReadRequest{Offset: bs, Length: 10})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[bs:bs+10], res.Data))
}
