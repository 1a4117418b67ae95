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

package dict

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/shardfs/shardfs/internal/errs"
)

// pair is one key/value entry. It is linked into both a hash bucket chain
// (for O(1) lookup) and the dict's insertion-order list, mirroring the
// dual-indexing the source keeps per dict.
type pair struct {
	key   string
	hash  uint64
	value *Value

	hnext *pair

	orderPrev, orderNext *pair
}

// Dict is an insertion-ordered mapping from string keys (unique per dict)
// to reference-counted values, with a hash chain for O(1) lookup. It is
// the universal parameter/attribute container passed between layers.
type Dict struct {
	mu sync.Mutex

	refcount int32

	buckets     []*pair
	bucketCount int

	head, tail *pair
	count      int
	totkvlen   int
}

// New creates a Dict with refcount 1. sizeHint suggests the bucket count;
// a hint of 1 collapses to a single bucket, letting lookups skip the
// modulo the way the source does for the common small-dict case.
func New(sizeHint int) *Dict {
	if sizeHint < 1 {
		sizeHint = 1
	}
	return &Dict{
		refcount:    1,
		buckets:     make([]*pair, sizeHint),
		bucketCount: sizeHint,
	}
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

func (d *Dict) bucketIndex(h uint64) int {
	if d.bucketCount == 1 {
		return 0
	}
	return int(h % uint64(d.bucketCount))
}

// Ref increments the dict's own refcount.
func (d *Dict) Ref() *Dict {
	atomic.AddInt32(&d.refcount, 1)
	return d
}

// Unref decrements the dict's refcount; at zero every value is unrefed
// and the dict's storage is released.
func (d *Dict) Unref() {
	if atomic.AddInt32(&d.refcount, -1) <= 0 {
		d.Reset()
	}
}

func (d *Dict) findLocked(key string) *pair {
	h := hashKey(key)
	idx := d.bucketIndex(h)
	for p := d.buckets[idx]; p != nil; p = p.hnext {
		if p.hash == h && p.key == key {
			return p
		}
	}
	return nil
}

func (d *Dict) linkBucketLocked(p *pair) {
	idx := d.bucketIndex(p.hash)
	p.hnext = d.buckets[idx]
	d.buckets[idx] = p
}

func (d *Dict) unlinkBucketLocked(p *pair) {
	idx := d.bucketIndex(p.hash)
	cur := d.buckets[idx]
	if cur == p {
		d.buckets[idx] = p.hnext
		return
	}
	for cur != nil {
		if cur.hnext == p {
			cur.hnext = p.hnext
			return
		}
		cur = cur.hnext
	}
}

func (d *Dict) linkOrderLocked(p *pair) {
	p.orderPrev = d.tail
	p.orderNext = nil
	if d.tail != nil {
		d.tail.orderNext = p
	} else {
		d.head = p
	}
	d.tail = p
}

func (d *Dict) unlinkOrderLocked(p *pair) {
	if p.orderPrev != nil {
		p.orderPrev.orderNext = p.orderNext
	} else {
		d.head = p.orderNext
	}
	if p.orderNext != nil {
		p.orderNext.orderPrev = p.orderPrev
	} else {
		d.tail = p.orderPrev
	}
	p.orderPrev, p.orderNext = nil, nil
}

func pairWireLen(key string, v *Value) int {
	return 4 + 4 + len(key) + 1 + v.Len()
}

// Add inserts a new pair without checking for an existing key, taking a
// ref on val. Used internally by Set and by callers who already know the
// key is new.
func (d *Dict) Add(key string, val *Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addLocked(key, val)
}

func (d *Dict) addLocked(key string, val *Value) *pair {
	p := &pair{key: key, hash: hashKey(key), value: val.Ref()}
	d.linkBucketLocked(p)
	d.linkOrderLocked(p)
	d.count++
	d.totkvlen += pairWireLen(key, val)
	return p
}

// Set replaces the existing pair for key if present, else inserts one.
// Either way it takes an additional ref on val.
func (d *Dict) Set(key string, val *Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p := d.findLocked(key); p != nil {
		d.totkvlen -= pairWireLen(key, p.value)
		p.value.Unref()
		p.value = val.Ref()
		d.totkvlen += pairWireLen(key, val)
		return
	}
	d.addLocked(key, val)
}

// Get returns a borrowed reference to the value for key, or false if
// absent. The caller must not Unref a borrowed reference.
func (d *Dict) Get(key string) (*Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.findLocked(key)
	if p == nil {
		return nil, false
	}
	return p.value, true
}

// GetWithRef returns an owning reference to the value for key, failing
// with errs.NotFound if absent.
func (d *Dict) GetWithRef(key string) (*Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.findLocked(key)
	if p == nil {
		return nil, errs.New(errs.NotFound, "key %q not found", key)
	}
	return p.value.Ref(), nil
}

// Del removes the pair for key, if any, unrefing its value.
func (d *Dict) Del(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.findLocked(key)
	if p == nil {
		return
	}
	d.removeLocked(p)
}

func (d *Dict) removeLocked(p *pair) {
	d.unlinkBucketLocked(p)
	d.unlinkOrderLocked(p)
	d.count--
	d.totkvlen -= pairWireLen(p.key, p.value)
	p.value.Unref()
}

// Reset removes every pair, unrefing every value.
func (d *Dict) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := d.head; p != nil; {
		next := p.orderNext
		p.value.Unref()
		p = next
	}
	d.buckets = make([]*pair, d.bucketCount)
	d.head, d.tail = nil, nil
	d.count = 0
	d.totkvlen = 0
}

// KeyCount returns the exact number of live pairs.
func (d *Dict) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// TotalKVLen returns the sum over pairs of (4+4+keylen+1+vallen), the
// wire length of each pair including its two length words, used to
// preallocate serialization buffers.
func (d *Dict) TotalKVLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totkvlen
}

// MatchFunc decides whether a pair participates in a Foreach pass.
type MatchFunc func(key string, val *Value) bool

// ActionFunc is invoked for each matched pair; returning a negative value
// halts the Foreach pass immediately.
type ActionFunc func(key string, val *Value) int

// Foreach iterates in insertion order, invoking match then action for
// each match, and returns the number of matched pairs, or -1 if any
// action returned a negative value (which halts immediately).
//
// Foreach is deliberately NOT synchronized against concurrent mutators:
// the design assumes iteration happens during fop setup, where the dict
// is owned by exactly one caller. Introducing a lock here would hide a
// bug class the source never guarded against either.
func (d *Dict) Foreach(match MatchFunc, action ActionFunc) int {
	matched := 0
	for p := d.head; p != nil; p = p.orderNext {
		if !match(p.key, p.value) {
			continue
		}
		if action(p.key, p.value) < 0 {
			return -1
		}
		matched++
	}
	return matched
}

// CopyInto inserts every pair of d into dst using Set semantics
// (copy-with-ref). Like Foreach, this walks d without locking it.
func (d *Dict) CopyInto(dst *Dict) {
	for p := d.head; p != nil; p = p.orderNext {
		dst.Set(p.key, p.value)
	}
}

// RenameKey atomically re-keys old to new under the dict lock. A no-op if
// old == new; fails with errs.NoData if old is absent.
func (d *Dict) RenameKey(oldKey, newKey string) error {
	if oldKey == newKey {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.findLocked(oldKey)
	if p == nil {
		return errs.New(errs.NoData, "rename_key: key %q not found", oldKey)
	}
	d.totkvlen -= pairWireLen(p.key, p.value)
	d.unlinkBucketLocked(p)
	p.key = newKey
	p.hash = hashKey(newKey)
	d.linkBucketLocked(p)
	d.totkvlen += pairWireLen(p.key, p.value)
	return nil
}

// KeysJoin concatenates every key passing filter (or every key, if filter
// is nil), separated by NUL, into buf, returning the total length needed
// even when buf is too small to hold it.
func (d *Dict) KeysJoin(buf []byte, filter func(key string) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for p := d.head; p != nil; p = p.orderNext {
		if filter != nil && !filter(p.key) {
			continue
		}
		need := len(p.key) + 1
		if total+need <= len(buf) {
			copy(buf[total:], p.key)
			buf[total+len(p.key)] = 0
		}
		total += need
	}
	return total
}
