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

// Package child abstracts the sub-layer the sharding core calls into:
// a POSIX-like store offering lookup/stat/readv/writev/xattrop and the
// inodelk/entrylk advisory locks the unlink/rename critical section
// needs. Every concrete implementation (fake, localfs) must treat each
// method as a suspension point: the core never holds an in-process
// mutex across a call into this interface.
package child

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/shardfs/shardfs/internal/dict"
)

// Fd is an opaque open-file handle, minted by Open and passed back to
// the fd-taking methods. Concrete implementations decide its dynamic
// type; callers must treat it as opaque.
type Fd interface{}

// Open flag sets the core passes to Open. Shards opened for a data
// fan-out are anonymous fds in the original design; here they are
// short-lived opens with these flags.
const (
	OpenRead  = os.O_RDONLY
	OpenWrite = os.O_RDWR
)

// LockType selects the advisory lock mode for Inodelk/Entrylk.
type LockType int

const (
	LockRead LockType = iota
	LockWrite
)

// FallocateMode enumerates the only two fallocate modes the core ever
// issues; anything else fails with not-supported before reaching a
// Child implementation.
type FallocateMode int

const (
	FallocateKeepSizePunchHole FallocateMode = iota
	FallocateZeroRange
)

// XattropOp selects the xattrop primitive. A base file's size xattr is
// only ever updated with AddArray; SetArray overwrites the whole value,
// which is how the size xattr of a tombstone marker is stamped.
type XattropOp int

const (
	XattropSetArray XattropOp = iota
	XattropAddArray
)

// Dirent is one plain readdir entry.
type Dirent struct {
	Name string
	Gfid uuid.UUID
}

// DirentPlus is a readdirp entry: a Dirent plus the stat and xdata the
// child chose to prefetch, letting the resolver skip a follow-up
// lookup.
type DirentPlus struct {
	Dirent
	Stat  dict.Iatt
	Xdata *dict.Dict
}

// Reply is the pre/post stat pair returned by every mutating call, plus
// whatever xdata the child attached, so callers can compute
// delta_size/delta_blocks without a second stat round trip.
type Reply struct {
	Pre, Post dict.Iatt
	Xdata     *dict.Dict
}

// Unlocker releases a lock acquired by Inodelk or Entrylk. It must be
// called exactly once, on every exit path including error paths.
type Unlocker func(ctx context.Context) error

// Child is the full set of sub-layer operations the core consumes.
// nil is a valid xdata value throughout, meaning "no side-channel
// parameters".
type Child interface {
	Lookup(ctx context.Context, path string, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error)
	// LookupByGfid resolves a gfid directly, independent of the path it
	// currently lives at. The background deletion worker uses it to
	// detect a re-link racing an unlink/rename: ErrNotFound means no
	// live path names this gfid any more.
	LookupByGfid(ctx context.Context, gfid uuid.UUID, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error)
	Stat(ctx context.Context, path string, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error)
	Fstat(ctx context.Context, fd Fd, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error)

	Open(ctx context.Context, path string, flags int) (Fd, error)
	Close(ctx context.Context, fd Fd) error

	Readv(ctx context.Context, fd Fd, length int, offset int64, xdata *dict.Dict) ([]byte, Reply, error)
	Writev(ctx context.Context, fd Fd, data []byte, offset int64, xdata *dict.Dict) (int, Reply, error)

	Fallocate(ctx context.Context, fd Fd, mode FallocateMode, offset, length int64, xdata *dict.Dict) (Reply, error)
	Zerofill(ctx context.Context, fd Fd, offset, length int64, xdata *dict.Dict) (Reply, error)
	Discard(ctx context.Context, fd Fd, offset, length int64, xdata *dict.Dict) (Reply, error)

	Truncate(ctx context.Context, path string, size int64, xdata *dict.Dict) (Reply, error)
	Ftruncate(ctx context.Context, fd Fd, size int64, xdata *dict.Dict) (Reply, error)

	Mknod(ctx context.Context, path string, mode uint32, rdev uint64, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error)
	Mkdir(ctx context.Context, path string, mode uint32, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error)

	Unlink(ctx context.Context, path string, xdata *dict.Dict) (*dict.Dict, error)
	Rename(ctx context.Context, oldPath, newPath string, xdata *dict.Dict) (Reply, error)
	Link(ctx context.Context, oldPath, newPath string) (dict.Iatt, error)

	Readdir(ctx context.Context, path string, offset uint64) ([]Dirent, error)
	Readdirp(ctx context.Context, path string, offset uint64, xdata *dict.Dict) ([]DirentPlus, error)

	Xattrop(ctx context.Context, path string, op XattropOp, attrs map[string][]byte) (map[string][]byte, error)
	Fxattrop(ctx context.Context, fd Fd, op XattropOp, attrs map[string][]byte) (map[string][]byte, error)
	Setxattr(ctx context.Context, path string, attrs map[string][]byte, flags int) error
	Getxattr(ctx context.Context, path, name string) ([]byte, error)
	Removexattr(ctx context.Context, path, name string) error

	Fsync(ctx context.Context, fd Fd, xdata *dict.Dict) (Reply, error)

	Inodelk(ctx context.Context, domain, path string, lockType LockType) (Unlocker, error)
	Entrylk(ctx context.Context, domain, parent, basename string, lockType LockType, blocking bool) (Unlocker, error)
}
