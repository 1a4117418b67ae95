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

// Package fake is an in-memory child.Child, standing in for the
// POSIX-like sub-layer in resolver/write/read/truncate/unlink/GC
// tests: a single mutex-guarded map of path to file state, with no
// disk I/O.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/dict"
	"github.com/shardfs/shardfs/internal/errs"
)

type file struct {
	gfid  uuid.UUID
	mode  uint32
	rdev  uint64
	data  []byte
	xattr map[string][]byte
	isDir bool
	nlink uint32
}

func (f *file) blocks() int64 {
	return (int64(len(f.data)) + 511) / 512
}

func (f *file) stat() dict.Iatt {
	now := time.Now().Unix()
	ty := uint32(0)
	if f.isDir {
		ty = 1
	}
	return dict.Iatt{
		GFID:     f.gfid,
		Type:     ty,
		Size:     int64(len(f.data)),
		Blocks:   f.blocks(),
		MTimeSec: now,
		CTimeSec: now,
		ATimeSec: now,
		Mode:     f.mode,
		Rdev:     f.rdev,
		BlkSize:  4096,
		NLink:    f.nlink,
	}
}

// Child is an in-memory child.Child. The zero value is not usable; use
// New.
type Child struct {
	mu    sync.Mutex
	files map[string]*file
	locks map[string]bool // inodelk/entrylk held markers, keyed by domain+path(+basename)
}

var _ child.Child = (*Child)(nil)

// New returns an empty fake child with the volume root directory
// already present.
func New() *Child {
	return &Child{
		files: map[string]*file{
			"/": {gfid: uuid.Nil, mode: 0755, isDir: true, nlink: 1},
		},
		locks: map[string]bool{},
	}
}

func (c *Child) lookupLocked(path string) (*file, error) {
	f, ok := c.files[path]
	if !ok {
		return nil, errs.New(errs.NotFound, "%s", path)
	}
	return f, nil
}

func (c *Child) Lookup(ctx context.Context, path string, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(path)
	if err != nil {
		return dict.Iatt{}, nil, err
	}
	return f.stat(), nil, nil
}

func (c *Child) Stat(ctx context.Context, path string, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error) {
	return c.Lookup(ctx, path, xdata)
}

// LookupByGfid scans the in-memory file table for a live path carrying
// gfid. Internal paths under .shard are not part of the resolvable
// namespace, so markers (which reuse their base's gfid) never count as
// the file being alive. A linear scan is fine at test scale; a
// production child keeps a proper index.
func (c *Child) LookupByGfid(ctx context.Context, gfid uuid.UUID, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, f := range c.files {
		if p == ".shard" || hasDirPrefix(p, ".shard/") {
			continue
		}
		if f.gfid == gfid {
			return f.stat(), nil, nil
		}
	}
	return dict.Iatt{}, nil, errs.New(errs.NotFound, "gfid %s not found", gfid)
}

func (c *Child) Fstat(ctx context.Context, fd child.Fd, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error) {
	return c.Stat(ctx, fd.(string), xdata)
}

func (c *Child) Open(ctx context.Context, path string, flags int) (child.Fd, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.lookupLocked(path); err != nil {
		return nil, err
	}
	return path, nil
}

func (c *Child) Close(ctx context.Context, fd child.Fd) error { return nil }

func (c *Child) Readv(ctx context.Context, fd child.Fd, length int, offset int64, xdata *dict.Dict) ([]byte, child.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(fd.(string))
	if err != nil {
		return nil, child.Reply{}, err
	}
	pre := f.stat()
	if offset >= int64(len(f.data)) {
		return nil, child.Reply{Pre: pre, Post: pre}, nil
	}
	end := offset + int64(length)
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	out := append([]byte(nil), f.data[offset:end]...)
	return out, child.Reply{Pre: pre, Post: pre}, nil
}

func (c *Child) Writev(ctx context.Context, fd child.Fd, data []byte, offset int64, xdata *dict.Dict) (int, child.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(fd.(string))
	if err != nil {
		return 0, child.Reply{}, err
	}
	pre := f.stat()
	need := offset + int64(len(data))
	if need > int64(len(f.data)) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[offset:], data)
	return len(data), child.Reply{Pre: pre, Post: f.stat()}, nil
}

func (c *Child) Fallocate(ctx context.Context, fd child.Fd, mode child.FallocateMode, offset, length int64, xdata *dict.Dict) (child.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(fd.(string))
	if err != nil {
		return child.Reply{}, err
	}
	pre := f.stat()
	switch mode {
	case child.FallocateKeepSizePunchHole, child.FallocateZeroRange:
		need := offset + length
		if need > int64(len(f.data)) {
			grown := make([]byte, need)
			copy(grown, f.data)
			f.data = grown
		}
		for i := offset; i < offset+length && i < int64(len(f.data)); i++ {
			f.data[i] = 0
		}
	default:
		return child.Reply{}, errs.New(errs.NotSupported, "fallocate mode %d", mode)
	}
	return child.Reply{Pre: pre, Post: f.stat()}, nil
}

func (c *Child) Zerofill(ctx context.Context, fd child.Fd, offset, length int64, xdata *dict.Dict) (child.Reply, error) {
	return c.Fallocate(ctx, fd, child.FallocateZeroRange, offset, length, xdata)
}

func (c *Child) Discard(ctx context.Context, fd child.Fd, offset, length int64, xdata *dict.Dict) (child.Reply, error) {
	return c.Fallocate(ctx, fd, child.FallocateKeepSizePunchHole, offset, length, xdata)
}

func (c *Child) truncateLocked(f *file, size int64) child.Reply {
	pre := f.stat()
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	return child.Reply{Pre: pre, Post: f.stat()}
}

func (c *Child) Truncate(ctx context.Context, path string, size int64, xdata *dict.Dict) (child.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(path)
	if err != nil {
		return child.Reply{}, err
	}
	return c.truncateLocked(f, size), nil
}

func (c *Child) Ftruncate(ctx context.Context, fd child.Fd, size int64, xdata *dict.Dict) (child.Reply, error) {
	return c.Truncate(ctx, fd.(string), size, xdata)
}

func (c *Child) Mknod(ctx context.Context, path string, mode uint32, rdev uint64, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.files[path]; ok {
		return dict.Iatt{}, nil, errs.New(errs.Exists, "%s", path)
	}
	gfid := uuid.New()
	if xdata != nil {
		if g, err := xdata.GetUUID(ctx, "gfid-req"); err == nil {
			gfid = g
		}
	}
	f := &file{gfid: gfid, mode: mode, rdev: rdev, xattr: map[string][]byte{}, nlink: 1}
	c.files[path] = f
	return f.stat(), nil, nil
}

func (c *Child) Mkdir(ctx context.Context, path string, mode uint32, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.files[path]; ok {
		return dict.Iatt{}, nil, errs.New(errs.Exists, "%s", path)
	}
	gfid := uuid.New()
	if xdata != nil {
		if g, err := xdata.GetUUID(ctx, "gfid-req"); err == nil {
			gfid = g
		}
	}
	f := &file{gfid: gfid, mode: mode, isDir: true, xattr: map[string][]byte{}, nlink: 1}
	c.files[path] = f
	return f.stat(), nil, nil
}

func (c *Child) Unlink(ctx context.Context, path string, xdata *dict.Dict) (*dict.Dict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(path)
	if err != nil {
		return nil, err
	}
	delete(c.files, path)
	if f.nlink > 0 {
		f.nlink--
	}
	if xdata != nil {
		if _, ok := xdata.Get("GET_FILE_BLOCK_COUNT"); ok {
			reply := dict.New(1)
			reply.SetInt64("GET_FILE_BLOCK_COUNT", f.blocks())
			return reply, nil
		}
	}
	return nil, nil
}

func (c *Child) Rename(ctx context.Context, oldPath, newPath string, xdata *dict.Dict) (child.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(oldPath)
	if err != nil {
		return child.Reply{}, err
	}
	pre := f.stat()
	delete(c.files, oldPath)
	c.files[newPath] = f
	return child.Reply{Pre: pre, Post: f.stat()}, nil
}

func (c *Child) Link(ctx context.Context, oldPath, newPath string) (dict.Iatt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(oldPath)
	if err != nil {
		return dict.Iatt{}, err
	}
	c.files[newPath] = f
	f.nlink++
	return f.stat(), nil
}

func (c *Child) Readdir(ctx context.Context, path string, offset uint64) ([]child.Dirent, error) {
	entries, err := c.Readdirp(ctx, path, offset, nil)
	if err != nil {
		return nil, err
	}
	out := make([]child.Dirent, len(entries))
	for i, e := range entries {
		out[i] = e.Dirent
	}
	return out, nil
}

func (c *Child) Readdirp(ctx context.Context, path string, offset uint64, xdata *dict.Dict) ([]child.DirentPlus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.lookupLocked(path); err != nil {
		return nil, err
	}
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	var out []child.DirentPlus
	for p, f := range c.files {
		if p == path || !hasDirPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if containsSlash(rest) {
			continue
		}
		out = append(out, child.DirentPlus{
			Dirent: child.Dirent{Name: rest, Gfid: f.gfid},
			Stat:   f.stat(),
		})
	}
	return out, nil
}

func hasDirPrefix(p, prefix string) bool {
	return len(p) > len(prefix) && p[:len(prefix)] == prefix
}

func containsSlash(s string) bool {
	for _, r := range s {
		if r == '/' {
			return true
		}
	}
	return false
}

func (c *Child) Xattrop(ctx context.Context, path string, op child.XattropOp, attrs map[string][]byte) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(path)
	if err != nil {
		return nil, err
	}
	return xattropLocked(f, op, attrs), nil
}

func (c *Child) Fxattrop(ctx context.Context, fd child.Fd, op child.XattropOp, attrs map[string][]byte) (map[string][]byte, error) {
	return c.Xattrop(ctx, fd.(string), op, attrs)
}

func xattropLocked(f *file, op child.XattropOp, attrs map[string][]byte) map[string][]byte {
	result := make(map[string][]byte, len(attrs))
	for k, v := range attrs {
		cur, ok := f.xattr[k]
		if op == child.XattropAddArray && ok {
			cur = addBigEndianArrays(cur, v)
		} else {
			cur = append([]byte(nil), v...)
		}
		f.xattr[k] = cur
		result[k] = append([]byte(nil), cur...)
	}
	return result
}

// addBigEndianArrays adds each 8-byte big-endian word of b into a
// element-wise, matching the add-array xattrop primitive used for the
// size xattr.
func addBigEndianArrays(a, b []byte) []byte {
	out := append([]byte(nil), a...)
	for i := 0; i+8 <= len(out) && i+8 <= len(b); i += 8 {
		var av, bv uint64
		for j := 0; j < 8; j++ {
			av = av<<8 | uint64(out[i+j])
			bv = bv<<8 | uint64(b[i+j])
		}
		sum := av + bv
		for j := 7; j >= 0; j-- {
			out[i+j] = byte(sum)
			sum >>= 8
		}
	}
	return out
}

func (c *Child) Setxattr(ctx context.Context, path string, attrs map[string][]byte, flags int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(path)
	if err != nil {
		return err
	}
	for k, v := range attrs {
		f.xattr[k] = append([]byte(nil), v...)
	}
	return nil
}

func (c *Child) Getxattr(ctx context.Context, path, name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(path)
	if err != nil {
		return nil, err
	}
	v, ok := f.xattr[name]
	if !ok {
		return nil, errs.New(errs.NoData, "%s has no xattr %s", path, name)
	}
	return append([]byte(nil), v...), nil
}

func (c *Child) Removexattr(ctx context.Context, path, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(path)
	if err != nil {
		return err
	}
	delete(f.xattr, name)
	return nil
}

func (c *Child) Fsync(ctx context.Context, fd child.Fd, xdata *dict.Dict) (child.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookupLocked(fd.(string))
	if err != nil {
		return child.Reply{}, err
	}
	st := f.stat()
	return child.Reply{Pre: st, Post: st}, nil
}

func (c *Child) Inodelk(ctx context.Context, domain, path string, lockType child.LockType) (child.Unlocker, error) {
	return c.lock("inodelk:"+domain+":"+path, true)
}

func (c *Child) Entrylk(ctx context.Context, domain, parent, basename string, lockType child.LockType, blocking bool) (child.Unlocker, error) {
	return c.lock("entrylk:"+domain+":"+parent+"/"+basename, blocking)
}

func (c *Child) lock(key string, blocking bool) (child.Unlocker, error) {
	c.mu.Lock()
	held := c.locks[key]
	if held && !blocking {
		c.mu.Unlock()
		return nil, errs.New(errs.Conflict, "%s held", key)
	}
	for held {
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
		c.mu.Lock()
		held = c.locks[key]
	}
	c.locks[key] = true
	c.mu.Unlock()
	return func(ctx context.Context) error {
		c.mu.Lock()
		delete(c.locks, key)
		c.mu.Unlock()
		return nil
	}, nil
}
