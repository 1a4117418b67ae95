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
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardfs/shardfs/internal/shard"
)

const testBlockSize = 4096

func TestComputeRangeSingleBlock(t *testing.T) {
	r := shard.ComputeRange(0, 10, testBlockSize)
	assert.Equal(t, int64(0), r.FirstBlock)
	assert.Equal(t, int64(0), r.LastBlock)
	assert.Equal(t, int64(1), r.NumBlocks)
}

func TestComputeRangeSpansBlocks(t *testing.T) {
	// Last byte of block 0 through first byte of block 2.
	r := shard.ComputeRange(testBlockSize-1, testBlockSize+2, testBlockSize)
	assert.Equal(t, int64(0), r.FirstBlock)
	assert.Equal(t, int64(2), r.LastBlock)
	assert.Equal(t, int64(3), r.NumBlocks)
}

func TestComputeRangeExactBoundary(t *testing.T) {
	r := shard.ComputeRange(testBlockSize, testBlockSize, testBlockSize)
	assert.Equal(t, int64(1), r.FirstBlock)
	assert.Equal(t, int64(1), r.LastBlock)
}

func TestComputeRangeZeroLength(t *testing.T) {
	r := shard.ComputeRange(5*testBlockSize, 0, testBlockSize)
	assert.Equal(t, int64(5), r.FirstBlock)
	assert.Equal(t, int64(1), r.NumBlocks)
}

func TestShardPathNaming(t *testing.T) {
	g := uuid.MustParse("be318638-e8a0-4c6d-977d-7a937aa84806")
	assert.Equal(t, ".shard/be318638-e8a0-4c6d-977d-7a937aa84806.7", shard.ShardPath(g, 7))
}

func TestSizeXattrRoundTripPreservesReservedWords(t *testing.T) {
	in := shard.SizeXattr{
		LogicalSize: 123456789,
		Reserved1:   0xdeadbeef,
		BlockDelta:  -42,
		Reserved2:   7,
	}
	out, err := shard.DecodeSizeXattr(shard.EncodeSizeXattr(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSizeXattrToleratesTrailingBytes(t *testing.T) {
	b := append(shard.EncodeSizeXattr(shard.SizeXattr{LogicalSize: 9}), 1, 2, 3, 4)
	out, err := shard.DecodeSizeXattr(b)
	require.NoError(t, err)
	assert.Equal(t, int64(9), out.LogicalSize)
}

func TestSizeXattrRejectsShortBuffer(t *testing.T) {
	_, err := shard.DecodeSizeXattr(make([]byte, 31))
	require.Error(t, err)
}

func TestTableLinkNewIsIdempotentPerPath(t *testing.T) {
	table := shard.NewTable()
	g := uuid.New()
	a := table.LinkNew("/f", g)
	b := table.LinkNew("/f", uuid.New())
	assert.Same(t, a, b)
	assert.Equal(t, g, b.Gfid)
}

func newShardInode(table *shard.Table, baseGfid uuid.UUID, block int64) *shard.Inode {
	return table.LinkNew(shard.ShardPath(baseGfid, block), uuid.New())
}

func TestLRUStaysWithinLimit(t *testing.T) {
	table := shard.NewTable()
	lru := shard.NewLRU(8)
	base := table.LinkNew("/f", uuid.New())

	for i := int64(1); i <= 100; i++ {
		n := newShardInode(table, base.Gfid, i)
		lru.Touch(table, n, base, i, base.Gfid)
		assert.LessOrEqual(t, lru.Len(), 8)
	}
	assert.Equal(t, 8, lru.Len())
}

func TestLRUEvictsOldestFirst(t *testing.T) {
	table := shard.NewTable()
	lru := shard.NewLRU(2)
	base := table.LinkNew("/f", uuid.New())

	first := newShardInode(table, base.Gfid, 1)
	second := newShardInode(table, base.Gfid, 2)
	third := newShardInode(table, base.Gfid, 3)

	lru.Touch(table, first, base, 1, base.Gfid)
	lru.Touch(table, second, base, 2, base.Gfid)
	victim, needsFsync := lru.Touch(table, third, base, 3, base.Gfid)
	require.NotNil(t, victim)
	assert.False(t, needsFsync)
	assert.Same(t, first, victim)

	// Clean eviction also drops the victim from the table.
	_, ok := table.Lookup(first.Path)
	assert.False(t, ok)
}

func TestLRUTouchMovesToTail(t *testing.T) {
	table := shard.NewTable()
	lru := shard.NewLRU(2)
	base := table.LinkNew("/f", uuid.New())

	first := newShardInode(table, base.Gfid, 1)
	second := newShardInode(table, base.Gfid, 2)
	third := newShardInode(table, base.Gfid, 3)

	lru.Touch(table, first, base, 1, base.Gfid)
	lru.Touch(table, second, base, 2, base.Gfid)
	lru.Touch(table, first, base, 1, base.Gfid) // first is now most recent

	victim, _ := lru.Touch(table, third, base, 3, base.Gfid)
	assert.Same(t, second, victim)
}

func TestLRUDirtyVictimMovesToFsyncList(t *testing.T) {
	table := shard.NewTable()
	lru := shard.NewLRU(1)
	base := table.LinkNew("/f", uuid.New())

	dirty := newShardInode(table, base.Gfid, 1)
	lru.Touch(table, dirty, base, 1, base.Gfid)
	lru.MarkDirty(dirty)

	next := newShardInode(table, base.Gfid, 2)
	victim, needsFsync := lru.Touch(table, next, base, 2, base.Gfid)
	require.Same(t, dirty, victim)
	assert.True(t, needsFsync)

	// The victim is parked on its base's pending-fsync list, still in
	// the table, until someone fsyncs it.
	pending := lru.FsyncList(base)
	require.Len(t, pending, 1)
	assert.Same(t, dirty, pending[0])
	_, ok := table.Lookup(dirty.Path)
	assert.True(t, ok)

	lru.FinishFsync(table, dirty)
	assert.Empty(t, lru.FsyncList(base))
	_, ok = table.Lookup(dirty.Path)
	assert.False(t, ok)
}

func TestLRUForgetUnlinks(t *testing.T) {
	table := shard.NewTable()
	lru := shard.NewLRU(4)
	base := table.LinkNew("/f", uuid.New())

	n := newShardInode(table, base.Gfid, 1)
	lru.Touch(table, n, base, 1, base.Gfid)
	require.Equal(t, 1, lru.Len())

	lru.Forget(n)
	assert.Equal(t, 0, lru.Len())
	// Forgetting twice is a no-op.
	lru.Forget(n)
	assert.Equal(t, 0, lru.Len())
}

func TestLRUManyBasesInterleaved(t *testing.T) {
	table := shard.NewTable()
	lru := shard.NewLRU(16)
	for i := 0; i < 4; i++ {
		base := table.LinkNew(fmt.Sprintf("/f%d", i), uuid.New())
		for b := int64(1); b <= 20; b++ {
			n := newShardInode(table, base.Gfid, b)
			lru.Touch(table, n, base, b, base.Gfid)
		}
	}
	assert.Equal(t, 16, lru.Len())
}
