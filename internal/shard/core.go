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

	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/dict"
	"github.com/shardfs/shardfs/internal/errs"
)

// Core is the per-volume translator state: one instance per mounted
// volume. It owns the host inode table, the LRU, and the resolver built
// from them, plus the volume-wide knobs that come from configuration.
type Core struct {
	Child child.Child

	Table *Table
	LRU   *LRU
	Res   *Resolver

	BlockSize    uint64
	DeletionRate int
}

// NewCore wires a Core's collaborators together: one inode table, one
// LRU bounded at lruLimit, and a resolver over both plus c.
func NewCore(c child.Child, blockSize uint64, lruLimit, deletionRate int) *Core {
	table := NewTable()
	lru := NewLRU(lruLimit)
	return &Core{
		Child:        c,
		Table:        table,
		LRU:          lru,
		Res:          &Resolver{Child: c, Table: table, LRU: lru, BlockSize: blockSize},
		BlockSize:    blockSize,
		DeletionRate: deletionRate,
	}
}

// BaseInode returns the (possibly freshly created) table entry for a
// logical file's path, without refreshing its stat.
func (co *Core) BaseInode(path string, gfid [16]byte) *Inode {
	if n, ok := co.Table.Lookup(path); ok {
		return n
	}
	return co.Table.LinkNew(path, gfid)
}

// RefreshBase performs the stat-with-size-xattr refresh every composite
// fop starts with: it populates the inode's cached stat and block size.
// A file with no block-size xattr predates sharding and gets
// BlockSize 0, which the fop paths treat as passthrough.
func (co *Core) RefreshBase(ctx context.Context, base *Inode) error {
	req := dict.New(2)
	req.SetInt64(SizeXattrName, 0)
	req.SetInt64(BlockSizeXattrName, 0)

	ia, reply, err := co.Child.Stat(ctx, base.Path, req)
	if err != nil {
		return err
	}

	var blockSize uint64
	if reply != nil {
		if raw, gerr := reply.GetBytes(ctx, BlockSizeXattrName); gerr == nil && len(raw) >= 8 {
			blockSize = beUint64(raw)
		}
	} else if raw, gerr := co.Child.Getxattr(ctx, base.Path, BlockSizeXattrName); gerr == nil && len(raw) >= 8 {
		blockSize = beUint64(raw)
	}

	logicalSize := ia.Size
	raw, gerr := co.Child.Getxattr(ctx, base.Path, SizeXattrName)
	if gerr == nil {
		sx, derr := DecodeSizeXattr(raw)
		if derr != nil {
			return errs.New(errs.InvalidArgument, "malformed size xattr on %s: %v", base.Path, derr)
		}
		logicalSize = sx.LogicalSize
	} else if blockSize != 0 {
		// A sharded file must carry the size xattr; a missing one means
		// the metadata is torn.
		return errs.New(errs.InvalidArgument, "sharded file %s has no size xattr", base.Path)
	}
	ia.Size = logicalSize

	RefreshStat(base, Ctx{CachedStat: ia, BlockSize: blockSize})
	return nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
