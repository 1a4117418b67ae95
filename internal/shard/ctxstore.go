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

// ForgetInode removes the inode from the host table and, if it was
// linked into the LRU, unlinks it there too under the LRU's own lock.
func ForgetInode(table *Table, lru *LRU, n *Inode) {
	lru.Forget(n)
	table.Forget(n.Path)
}

// RefreshStat updates n's cached stat under the inode's own lock and
// clears RefreshNeeded. Accessors acquire the inode's own lock for any
// context read-modify-write.
func RefreshStat(n *Inode, stat Ctx) {
	n.Lock()
	defer n.Unlock()
	ctx := n.Ctx
	if ctx == nil {
		ctx = &Ctx{}
		n.Ctx = ctx
	}
	ctx.CachedStat = stat.CachedStat
	ctx.BlockSize = stat.BlockSize
	ctx.RefreshNeeded = false
	ctx.Refreshed = true
}

// InvalidateStat marks n's cached stat stale, e.g. after a write
// observes a size/blocks change.
func InvalidateStat(n *Inode) {
	n.Lock()
	defer n.Unlock()
	if n.Ctx != nil {
		n.Ctx.RefreshNeeded = true
	}
}
