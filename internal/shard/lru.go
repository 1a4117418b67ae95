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
	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"
)

// LRU is the bounded pool of resolved shard inodes: a doubly-linked
// list (least-recently-used at head, most-recently-used at tail)
// protected by a single lock, which also guards the per-base fsync
// lists it splices victims out of. Lock order is LRU, then base inode,
// then shard inode; callers must not hold a base or shard inode lock
// when calling into this type.
//
// The original bookkeeping took two references (one on the shard, one
// on its base) whenever an inode was linked into this list, and dropped
// them on unlink. Go's garbage collector makes that moot: the list and
// the inode table both hold ordinary pointers, so an inode stays alive
// exactly as long as something still references it. Only the
// state-machine aspect (unlisted / inLRU / inFsync) is preserved.
type LRU struct {
	mu         syncutil.InvariantMutex
	head, tail *Inode
	count      int
	limit      int
}

// NewLRU returns an empty LRU bounded at limit entries.
func NewLRU(limit int) *LRU {
	if limit < 1 {
		limit = 1
	}
	l := &LRU{limit: limit}
	l.mu = syncutil.NewInvariantMutex(l.checkInvariants)
	return l
}

// checkInvariants walks the list and verifies the counter matches it
// and the bound holds. Runs on every unlock when invariant checking
// is enabled (tests).
func (l *LRU) checkInvariants() {
	n := 0
	for cur := l.head; cur != nil; cur = cur.lruNext {
		n++
	}
	if n != l.count {
		panic("lru: list length diverged from count")
	}
	if l.count > l.limit {
		panic("lru: count exceeds limit")
	}
}

// Len reports the current number of linked shard inodes.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Limit reports the configured bound.
func (l *LRU) Limit() int { return l.limit }

func (l *LRU) unlinkLocked(n *Inode) {
	if n.lruPrev != nil {
		n.lruPrev.lruNext = n.lruNext
	} else {
		l.head = n.lruNext
	}
	if n.lruNext != nil {
		n.lruNext.lruPrev = n.lruPrev
	} else {
		l.tail = n.lruPrev
	}
	n.lruPrev, n.lruNext = nil, nil
	l.count--
}

func (l *LRU) linkTailLocked(n *Inode) {
	n.lruPrev = l.tail
	n.lruNext = nil
	if l.tail != nil {
		l.tail.lruNext = n
	} else {
		l.head = n
	}
	l.tail = n
	l.count++
}

func (l *LRU) spliceFsyncLocked(victim *Inode, base *Inode) {
	if base == nil || base.Ctx == nil {
		return
	}
	c := base.Ctx
	if victim.fsyncPrev != nil {
		victim.fsyncPrev.fsyncNext = victim.fsyncNext
	} else {
		c.fsyncHead = victim.fsyncNext
	}
	if victim.fsyncNext != nil {
		victim.fsyncNext.fsyncPrev = victim.fsyncPrev
	} else {
		c.fsyncTail = victim.fsyncPrev
	}
	victim.fsyncPrev, victim.fsyncNext = nil, nil
	c.FsyncCount--
}

// Touch links shardInode at the tail of the LRU (or moves it there if
// already linked), recording its base/block/gfid on first link. If this
// would exceed the configured limit, the head (oldest) entry is
// evicted: if it has pending fsync work the victim is moved onto its
// base's fsync list and returned to the caller so it can be fsynced off
// the hot path; otherwise it is forgotten from the table and returned
// with victimNeedsFsync false. No eviction returns a nil victim.
func (l *LRU) Touch(table *Table, shardInode, baseInode *Inode, blockNo int64, baseGfid uuid.UUID) (victim *Inode, victimNeedsFsync bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx := shardInode.EnsureCtx()
	ctx.BaseGfid = baseGfid
	ctx.BlockNum = blockNo
	ctx.OwningBase = baseInode

	if shardInode.state == inLRU {
		l.unlinkLocked(shardInode)
		l.linkTailLocked(shardInode)
		return nil, false
	}

	l.linkTailLocked(shardInode)
	shardInode.state = inLRU

	if l.count <= l.limit {
		return nil, false
	}

	v := l.head
	if v == nil {
		return nil, false
	}
	l.unlinkLocked(v)
	v.state = unlisted

	if v.Ctx != nil && v.Ctx.FsyncNeeded {
		base := v.Ctx.OwningBase
		v.Ctx.FsyncNeeded = false
		l.linkFsyncLocked(v, base)
		v.state = inFsync
		return v, true
	}

	if table != nil {
		table.Forget(v.Path)
	}
	return v, false
}

func (l *LRU) linkFsyncLocked(shardInode, baseInode *Inode) {
	if baseInode == nil {
		return
	}
	base := baseInode.EnsureCtx()
	shardInode.fsyncPrev = base.fsyncTail
	shardInode.fsyncNext = nil
	if base.fsyncTail != nil {
		base.fsyncTail.fsyncNext = shardInode
	} else {
		base.fsyncHead = shardInode
	}
	base.fsyncTail = shardInode
	base.FsyncCount++
}

// Forget unlinks shardInode from the LRU if it is currently linked.
func (l *LRU) Forget(shardInode *Inode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if shardInode.state != inLRU {
		return
	}
	l.unlinkLocked(shardInode)
	shardInode.state = unlisted
}

// MarkDirty flags shardInode as carrying unsynced data. It stays in the
// LRU; the flag is only consulted at eviction time (Touch), which is
// what turns a dirty eviction into a deferred-fsync victim instead of a
// silent forget.
func (l *LRU) MarkDirty(shardInode *Inode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx := shardInode.Ctx; ctx != nil {
		ctx.FsyncNeeded = true
	}
}

// FsyncList snapshots the pending-fsync list anchored at base, in link
// order. The fsync path iterates the snapshot without holding the LRU
// lock across the child calls it issues.
func (l *LRU) FsyncList(base *Inode) []*Inode {
	l.mu.Lock()
	defer l.mu.Unlock()
	if base.Ctx == nil {
		return nil
	}
	var out []*Inode
	for n := base.Ctx.fsyncHead; n != nil; n = n.fsyncNext {
		out = append(out, n)
	}
	return out
}

// FinishFsync removes a victim Touch returned from its base's pending-
// fsync list after the caller has fsynced it on a fresh task, and
// forgets it from the host table.
func (l *LRU) FinishFsync(table *Table, victim *Inode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if victim.state != inFsync {
		return
	}
	var base *Inode
	if victim.Ctx != nil {
		base = victim.Ctx.OwningBase
	}
	l.spliceFsyncLocked(victim, base)
	victim.state = unlisted
	if table != nil {
		table.Forget(victim.Path)
	}
}
