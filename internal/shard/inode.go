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

// Package shard holds the pure in-memory services the sharding core
// builds on: the per-inode context store, the LRU of shard inodes, and
// the shard resolver. It stands in for the host filesystem's inode
// table and per-inode opaque storage slot, a facility the translator
// treats as ambient infrastructure it merely calls into.
package shard

import (
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/shardfs/shardfs/internal/dict"
)

// listState tags which of the LRU or the per-base fsync list an inode
// is linked into, if any — manual refcount bumps on link/unlink become
// transitions of this single tag.
type listState int

const (
	unlisted listState = iota
	inLRU
	inFsync
)

// Ctx is the per-inode context the translator attaches as opaque
// storage. BlockSize == 0 means the file predates sharding and is
// passed through untouched.
type Ctx struct {
	BlockSize     uint64
	CachedStat    dict.Iatt
	RefreshNeeded bool
	Refreshed     bool

	// Set only on shard inodes (BlockNum > 0).
	BaseGfid    uuid.UUID
	BlockNum    int64
	OwningBase  *Inode
	FsyncNeeded bool

	// Set only on base inodes: count of shards with pending fsync work
	// anchored at this base, and the head of that list.
	FsyncCount int32
	fsyncHead  *Inode
	fsyncTail  *Inode
}

// Inode is one entry in the host inode table: a path, its context, and
// the lock taken before any inode-context read-modify-write.
type Inode struct {
	Path string
	Gfid uuid.UUID

	mu  sync.Mutex
	Ctx *Ctx

	state                listState
	lruPrev, lruNext     *Inode
	fsyncPrev, fsyncNext *Inode
}

// Lock acquires the inode's own lock for a context read-modify-write.
// Never hold this across a child call.
func (n *Inode) Lock()   { n.mu.Lock() }
func (n *Inode) Unlock() { n.mu.Unlock() }

// EnsureCtx lazily creates n's context on first access.
func (n *Inode) EnsureCtx() *Ctx {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Ctx == nil {
		n.Ctx = &Ctx{}
	}
	return n.Ctx
}

// Table is the host inode table: an in-memory map from synthesized
// path to Inode, guarded by a single mutex. Real deployments would
// have this facility provided by the kernel-facing layer; here it is
// the explicit in-memory collaborator the translator assumes exists.
type Table struct {
	mu     sync.Mutex
	byPath map[string]*Inode
}

// NewTable returns an empty inode table.
func NewTable() *Table {
	return &Table{byPath: map[string]*Inode{}}
}

// Lookup returns the cached inode for path, if any.
func (t *Table) Lookup(p string) (*Inode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byPath[p]
	return n, ok
}

// LinkNew inserts a freshly resolved inode under path, or returns the
// existing one if a concurrent resolve already won the race (so
// callers always get back a single canonical *Inode per path).
func (t *Table) LinkNew(p string, gfid uuid.UUID) *Inode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.byPath[p]; ok {
		return n
	}
	n := &Inode{Path: p, Gfid: gfid}
	t.byPath[p] = n
	return n
}

// Forget removes path from the table, e.g. on inode forget or after a
// shard is deleted by the background worker.
func (t *Table) Forget(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byPath, p)
}

// ShardPath returns the .shard/<gfid>.<n> path for block n>0 of the
// file identified by baseGfid.
func ShardPath(baseGfid uuid.UUID, blockNum int64) string {
	return path.Join(ShardDir, shardName(baseGfid, blockNum))
}

func shardName(baseGfid uuid.UUID, blockNum int64) string {
	return baseGfid.String() + "." + itoa(blockNum)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ShardDir and RemoveMeDir are the two fixed internal directories at
// the volume root.
const (
	ShardDir    = ".shard"
	RemoveMeDir = ShardDir + "/.remove_me"
)

// RemoveMePath returns the marker file path for gfid under
// .shard/.remove_me/.
func RemoveMePath(gfid uuid.UUID) string {
	return path.Join(RemoveMeDir, gfid.String())
}
