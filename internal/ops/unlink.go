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

	"github.com/google/uuid"

	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/dict"
	"github.com/shardfs/shardfs/internal/errs"
	"github.com/shardfs/shardfs/internal/shard"
)

// LockDomain is the advisory-lock domain string identifying this
// translator to the child's inodelk/entrylk service.
const LockDomain = "shardfs.shard"

// Unlink removes the base file. When the last link goes away a marker
// named after the gfid is left in .shard/.remove_me so the deletion
// worker (or a crash-recovery pass) can find and delete the orphaned
// shards; the caller is unwound as soon as the base file itself is
// gone.
//
// The inodelk on the base is taken before the entrylk on .remove_me,
// always in that order; entrylk basenames are one per gfid so
// concurrent unlinks of different files never contend.
func Unlink(ctx context.Context, co *shard.Core, base *shard.Inode, janitor *Janitor) error {
	if err := co.RefreshBase(ctx, base); err != nil {
		return err
	}
	if base.Ctx.BlockSize == 0 {
		_, err := co.Child.Unlink(ctx, base.Path, nil)
		return err
	}

	if err := co.Res.EnsureRemoveMeDir(ctx); err != nil {
		return err
	}

	unlockInode, err := co.Child.Inodelk(ctx, LockDomain, base.Path, child.LockWrite)
	if err != nil {
		return err
	}
	defer unlockInode(ctx)

	// Refresh again under the lock: nlink may have changed while we
	// waited.
	if err := co.RefreshBase(ctx, base); err != nil {
		return err
	}
	st := base.Ctx.CachedStat

	if st.NLink > 1 {
		// Other links still name the shards; only the directory entry
		// goes away.
		_, err := co.Child.Unlink(ctx, base.Path, nil)
		return err
	}

	cleanup, err := leaveTombstone(ctx, co, base.Gfid, st.Size, base.Ctx.BlockSize, func() error {
		_, uerr := co.Child.Unlink(ctx, base.Path, nil)
		return uerr
	})
	if err != nil {
		return err
	}
	co.Table.Forget(base.Path)
	if cleanup && janitor != nil {
		janitor.Signal(ctx)
	}
	return nil
}

// Rename moves the base file to newPath. A sharded destination that
// would be overwritten gets the same tombstone treatment as an unlink
// so its shards are not leaked.
func Rename(ctx context.Context, co *shard.Core, base *shard.Inode, newPath string, janitor *Janitor) error {
	if err := co.RefreshBase(ctx, base); err != nil {
		return err
	}
	if base.Ctx.BlockSize == 0 {
		_, err := co.Child.Rename(ctx, base.Path, newPath, nil)
		if err == nil {
			co.Table.Forget(base.Path)
		}
		return err
	}

	if err := co.Res.EnsureRemoveMeDir(ctx); err != nil {
		return err
	}

	unlockInode, err := co.Child.Inodelk(ctx, LockDomain, base.Path, child.LockWrite)
	if err != nil {
		return err
	}
	defer unlockInode(ctx)

	cleanup := false

	// An overwritten sharded destination loses its last link here, so
	// it needs a tombstone of its own before the rename clobbers it.
	destStat, _, derr := co.Child.Lookup(ctx, newPath, nil)
	if derr == nil && destStat.NLink <= 1 {
		destBlockSize := uint64(0)
		if raw, gerr := co.Child.Getxattr(ctx, newPath, shard.BlockSizeXattrName); gerr == nil && len(raw) >= 8 {
			destBlockSize = beUint64(raw)
		}
		destSize := destStat.Size
		if raw, gerr := co.Child.Getxattr(ctx, newPath, shard.SizeXattrName); gerr == nil {
			if sx, serr := shard.DecodeSizeXattr(raw); serr == nil {
				destSize = sx.LogicalSize
			}
		}
		if destBlockSize != 0 {
			c, terr := leaveTombstone(ctx, co, destStat.GFID, destSize, destBlockSize, nil)
			if terr != nil {
				return terr
			}
			cleanup = cleanup || c
		}
	}

	if _, err := co.Child.Rename(ctx, base.Path, newPath, nil); err != nil {
		return err
	}
	co.Table.Forget(base.Path)

	if cleanup && janitor != nil {
		janitor.Signal(ctx)
	}
	return nil
}

// leaveTombstone runs the marker protocol under the per-gfid entrylk:
// create (or find) the marker file named after gfid inside .remove_me,
// stamp it with the base's size and block size as the crash-recovery
// witness, then run the caller's critical action while both locks are
// still held. Reports whether background cleanup is now required.
func leaveTombstone(ctx context.Context, co *shard.Core, gfid uuid.UUID, size int64, blockSize uint64, action func() error) (bool, error) {
	basename := gfid.String()
	unlockEntry, err := co.Child.Entrylk(ctx, LockDomain, shard.RemoveMeDir, basename, child.LockWrite, true)
	if err != nil {
		return false, err
	}
	defer unlockEntry(ctx)

	marker := shard.RemoveMePath(gfid)
	req := dict.New(1)
	req.SetUUID(shard.GfidReqKey, gfid)
	if _, _, err := co.Child.Mknod(ctx, marker, 0600, 0, req); err != nil {
		if errs.Kind(err) != errs.Exists {
			return false, err
		}
		// A previous crashed attempt already left the marker; reuse it.
	}

	sx := shard.SizeXattr{LogicalSize: size}
	if _, err := co.Child.Xattrop(ctx, marker, child.XattropSetArray, map[string][]byte{
		shard.SizeXattrName: shard.EncodeSizeXattr(sx),
	}); err != nil {
		return false, err
	}
	bs := make([]byte, 8)
	for i := 0; i < 8; i++ {
		bs[7-i] = byte(blockSize >> (8 * i))
	}
	if err := co.Child.Setxattr(ctx, marker, map[string][]byte{shard.BlockSizeXattrName: bs}, 0); err != nil {
		return false, err
	}

	if action != nil {
		if err := action(); err != nil {
			return false, err
		}
	}
	return true, nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
