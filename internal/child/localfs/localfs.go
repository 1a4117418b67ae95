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

// Package localfs is the production child.Child: every path resolves
// under a single root directory on the local filesystem, xattrs are
// real extended attributes via github.com/pkg/xattr, and inodelk /
// entrylk are emulated with golang.org/x/sys/unix flock, since a local
// filesystem has no cluster-wide advisory lock service of its own.
package localfs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/xattr"
	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/dict"
	"github.com/shardfs/shardfs/internal/errs"
	"golang.org/x/sys/unix"
)

// Child is a child.Child backed by a real directory tree.
type Child struct {
	root string

	flocksMu sync.Mutex
	flocks   map[string]*os.File // path -> open lock-holder fd, keyed by lock key
}

var _ child.Child = (*Child)(nil)

// New returns a Child rooted at root, creating it if necessary.
func New(root string) (*Child, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("localfs: create root: %w", err)
	}
	return &Child{root: root, flocks: map[string]*os.File{}}, nil
}

func (c *Child) abs(path string) string {
	return filepath.Join(c.root, filepath.Clean("/"+path))
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case os.IsNotExist(err):
		return errs.New(errs.NotFound, "%v", err)
	case os.IsExist(err):
		return errs.New(errs.Exists, "%v", err)
	case os.IsPermission(err):
		return errs.New(errs.IO, "%v", err)
	default:
		return errs.New(errs.IO, "%v", err)
	}
}

func statToIatt(path string, fi fs.FileInfo) dict.Iatt {
	sys := sysStat(fi)
	ia := dict.Iatt{
		Size: fi.Size(),
	}
	if fi.IsDir() {
		ia.Type = 1
	}
	if sys != nil {
		ia.Blocks = sys.Blocks
		ia.UID = sys.UID
		ia.GID = sys.GID
		ia.Rdev = sys.Rdev
		ia.NLink = sys.NLink
		ia.ATimeSec, ia.ATimeNsec = sys.ATime()
		ia.MTimeSec, ia.MTimeNsec = sys.MTime()
		ia.CTimeSec, ia.CTimeNsec = sys.CTime()
	}
	ia.Mode = uint32(fi.Mode().Perm())
	ia.BlkSize = 4096
	if g, err := xattr.Get(path, gfidXattrName); err == nil && len(g) == 16 {
		copy(ia.GFID[:], g)
	}
	return ia
}

const gfidXattrName = "user.shardfs.gfid"

// diskXattrName maps the stack's trusted.* attribute names onto the
// user.* namespace, since trusted.* requires CAP_SYS_ADMIN on Linux
// and this child must work for an unprivileged process.
func diskXattrName(name string) string {
	if strings.HasPrefix(name, "trusted.") {
		return "user." + name[len("trusted."):]
	}
	return name
}

func (c *Child) statPath(path string) (dict.Iatt, error) {
	p := c.abs(path)
	fi, err := os.Lstat(p)
	if err != nil {
		return dict.Iatt{}, classify(err)
	}
	return statToIatt(p, fi), nil
}

func (c *Child) Lookup(ctx context.Context, path string, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error) {
	ia, err := c.statPath(path)
	return ia, nil, err
}

func (c *Child) Stat(ctx context.Context, path string, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error) {
	return c.Lookup(ctx, path, xdata)
}

// LookupByGfid walks the tree comparing each entry's gfid xattr. The
// deletion worker only calls this once per tombstone, so a walk is
// acceptable; a larger deployment would keep a .glusterfs-style
// gfid-to-path index instead.
func (c *Child) LookupByGfid(ctx context.Context, gfid uuid.UUID, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error) {
	var found *dict.Iatt
	err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil || found != nil {
			return filepath.SkipAll
		}
		name := d.Name()
		if name == ".shardfs-locks" || name == ".shard" {
			return filepath.SkipDir
		}
		g, gerr := xattr.Get(p, gfidXattrName)
		if gerr != nil || len(g) != 16 {
			return nil
		}
		got, gerr := uuid.FromBytes(g)
		if gerr != nil {
			return nil
		}
		if got == gfid {
			fi, serr := os.Lstat(p)
			if serr != nil {
				return nil
			}
			ia := statToIatt(p, fi)
			found = &ia
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return dict.Iatt{}, nil, classify(err)
	}
	if found == nil {
		return dict.Iatt{}, nil, errs.New(errs.NotFound, "gfid %s not found", gfid)
	}
	return *found, nil, nil
}

func (c *Child) Fstat(ctx context.Context, fd child.Fd, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error) {
	f := fd.(*os.File)
	fi, err := f.Stat()
	if err != nil {
		return dict.Iatt{}, nil, classify(err)
	}
	return statToIatt(f.Name(), fi), nil, nil
}

func (c *Child) Open(ctx context.Context, path string, flags int) (child.Fd, error) {
	f, err := os.OpenFile(c.abs(path), flags, 0644)
	if err != nil {
		return nil, classify(err)
	}
	return f, nil
}

func (c *Child) Close(ctx context.Context, fd child.Fd) error {
	return fd.(*os.File).Close()
}

func (c *Child) Readv(ctx context.Context, fd child.Fd, length int, offset int64, xdata *dict.Dict) ([]byte, child.Reply, error) {
	f := fd.(*os.File)
	pre, _, err := c.Fstat(ctx, fd, nil)
	if err != nil {
		return nil, child.Reply{}, err
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, child.Reply{}, classify(err)
	}
	post, _, _ := c.Fstat(ctx, fd, nil)
	return buf[:n], child.Reply{Pre: pre, Post: post}, nil
}

func (c *Child) Writev(ctx context.Context, fd child.Fd, data []byte, offset int64, xdata *dict.Dict) (int, child.Reply, error) {
	f := fd.(*os.File)
	pre, _, err := c.Fstat(ctx, fd, nil)
	if err != nil {
		return 0, child.Reply{}, err
	}
	n, err := f.WriteAt(data, offset)
	if err != nil {
		return n, child.Reply{}, classify(err)
	}
	post, _, _ := c.Fstat(ctx, fd, nil)
	return n, child.Reply{Pre: pre, Post: post}, nil
}

func (c *Child) Fallocate(ctx context.Context, fd child.Fd, mode child.FallocateMode, offset, length int64, xdata *dict.Dict) (child.Reply, error) {
	f := fd.(*os.File)
	pre, _, err := c.Fstat(ctx, fd, nil)
	if err != nil {
		return child.Reply{}, err
	}
	var flags uint32
	switch mode {
	case child.FallocateKeepSizePunchHole:
		flags = unix.FALLOC_FL_KEEP_SIZE | unix.FALLOC_FL_PUNCH_HOLE
	case child.FallocateZeroRange:
		flags = unix.FALLOC_FL_ZERO_RANGE
	default:
		return child.Reply{}, errs.New(errs.NotSupported, "fallocate mode %d", mode)
	}
	if err := unix.Fallocate(int(f.Fd()), flags, offset, length); err != nil {
		return child.Reply{}, classify(err)
	}
	post, _, _ := c.Fstat(ctx, fd, nil)
	return child.Reply{Pre: pre, Post: post}, nil
}

func (c *Child) Zerofill(ctx context.Context, fd child.Fd, offset, length int64, xdata *dict.Dict) (child.Reply, error) {
	return c.Fallocate(ctx, fd, child.FallocateZeroRange, offset, length, xdata)
}

func (c *Child) Discard(ctx context.Context, fd child.Fd, offset, length int64, xdata *dict.Dict) (child.Reply, error) {
	return c.Fallocate(ctx, fd, child.FallocateKeepSizePunchHole, offset, length, xdata)
}

func (c *Child) Truncate(ctx context.Context, path string, size int64, xdata *dict.Dict) (child.Reply, error) {
	pre, err := c.statPath(path)
	if err != nil {
		return child.Reply{}, err
	}
	if err := os.Truncate(c.abs(path), size); err != nil {
		return child.Reply{}, classify(err)
	}
	post, _ := c.statPath(path)
	return child.Reply{Pre: pre, Post: post}, nil
}

func (c *Child) Ftruncate(ctx context.Context, fd child.Fd, size int64, xdata *dict.Dict) (child.Reply, error) {
	f := fd.(*os.File)
	pre, _, err := c.Fstat(ctx, fd, nil)
	if err != nil {
		return child.Reply{}, err
	}
	if err := f.Truncate(size); err != nil {
		return child.Reply{}, classify(err)
	}
	post, _, _ := c.Fstat(ctx, fd, nil)
	return child.Reply{Pre: pre, Post: post}, nil
}

func (c *Child) Mknod(ctx context.Context, path string, mode uint32, rdev uint64, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error) {
	p := c.abs(path)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fs.FileMode(mode))
	if err != nil {
		return dict.Iatt{}, nil, classify(err)
	}
	defer f.Close()

	gfid := uuid.New()
	if xdata != nil {
		if g, gerr := xdata.GetUUID(ctx, "gfid-req"); gerr == nil {
			gfid = g
		}
	}
	if err := xattr.Set(p, gfidXattrName, gfid[:]); err != nil {
		return dict.Iatt{}, nil, classify(err)
	}
	ia, err := c.statPath(path)
	return ia, nil, err
}

func (c *Child) Mkdir(ctx context.Context, path string, mode uint32, xdata *dict.Dict) (dict.Iatt, *dict.Dict, error) {
	p := c.abs(path)
	if err := os.Mkdir(p, fs.FileMode(mode)); err != nil {
		return dict.Iatt{}, nil, classify(err)
	}
	gfid := uuid.New()
	if xdata != nil {
		if g, gerr := xdata.GetUUID(ctx, "gfid-req"); gerr == nil {
			gfid = g
		}
	}
	_ = xattr.Set(p, gfidXattrName, gfid[:])
	ia, err := c.statPath(path)
	return ia, nil, err
}

func (c *Child) Unlink(ctx context.Context, path string, xdata *dict.Dict) (*dict.Dict, error) {
	p := c.abs(path)
	var blocks int64
	if xdata != nil {
		if _, ok := xdata.Get("GET_FILE_BLOCK_COUNT"); ok {
			if fi, err := os.Lstat(p); err == nil {
				if sys := sysStat(fi); sys != nil {
					blocks = sys.Blocks
				}
			}
		}
	}
	if err := os.Remove(p); err != nil {
		return nil, classify(err)
	}
	if xdata != nil {
		if _, ok := xdata.Get("GET_FILE_BLOCK_COUNT"); ok {
			reply := dict.New(1)
			reply.SetInt64("GET_FILE_BLOCK_COUNT", blocks)
			return reply, nil
		}
	}
	return nil, nil
}

func (c *Child) Rename(ctx context.Context, oldPath, newPath string, xdata *dict.Dict) (child.Reply, error) {
	pre, err := c.statPath(oldPath)
	if err != nil {
		return child.Reply{}, err
	}
	if err := os.Rename(c.abs(oldPath), c.abs(newPath)); err != nil {
		return child.Reply{}, classify(err)
	}
	post, _ := c.statPath(newPath)
	return child.Reply{Pre: pre, Post: post}, nil
}

func (c *Child) Link(ctx context.Context, oldPath, newPath string) (dict.Iatt, error) {
	if err := os.Link(c.abs(oldPath), c.abs(newPath)); err != nil {
		return dict.Iatt{}, classify(err)
	}
	return c.statPath(newPath)
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
	entries, err := os.ReadDir(c.abs(path))
	if err != nil {
		return nil, classify(err)
	}
	out := make([]child.DirentPlus, 0, len(entries))
	for _, e := range entries {
		ia, serr := c.statPath(filepath.Join(path, e.Name()))
		if serr != nil {
			continue
		}
		out = append(out, child.DirentPlus{
			Dirent: child.Dirent{Name: e.Name(), Gfid: ia.GFID},
			Stat:   ia,
		})
	}
	return out, nil
}

func (c *Child) Xattrop(ctx context.Context, path string, op child.XattropOp, attrs map[string][]byte) (map[string][]byte, error) {
	p := c.abs(path)
	result := make(map[string][]byte, len(attrs))
	for k, v := range attrs {
		cur, gerr := xattr.Get(p, diskXattrName(k))
		var next []byte
		if op == child.XattropAddArray && gerr == nil {
			next = addBigEndianArrays(cur, v)
		} else {
			next = append([]byte(nil), v...)
		}
		if err := xattr.Set(p, diskXattrName(k), next); err != nil {
			return nil, classify(err)
		}
		result[k] = next
	}
	return result, nil
}

func (c *Child) Fxattrop(ctx context.Context, fd child.Fd, op child.XattropOp, attrs map[string][]byte) (map[string][]byte, error) {
	return c.Xattrop(ctx, fd.(*os.File).Name(), op, attrs)
}

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
	p := c.abs(path)
	for k, v := range attrs {
		if err := xattr.Set(p, diskXattrName(k), v); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (c *Child) Getxattr(ctx context.Context, path, name string) ([]byte, error) {
	v, err := xattr.Get(c.abs(path), diskXattrName(name))
	if err != nil {
		return nil, classify(err)
	}
	return v, nil
}

func (c *Child) Removexattr(ctx context.Context, path, name string) error {
	if err := xattr.Remove(c.abs(path), diskXattrName(name)); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Child) Fsync(ctx context.Context, fd child.Fd, xdata *dict.Dict) (child.Reply, error) {
	f := fd.(*os.File)
	pre, _, err := c.Fstat(ctx, fd, nil)
	if err != nil {
		return child.Reply{}, err
	}
	if err := f.Sync(); err != nil {
		return child.Reply{}, classify(err)
	}
	post, _, _ := c.Fstat(ctx, fd, nil)
	return child.Reply{Pre: pre, Post: post}, nil
}

// Inodelk and Entrylk are emulated with flock on a hidden marker file
// per lock domain+key, since a single local filesystem has no cluster
// lock service: the advisory semantics (exclusive, release-on-every-
// exit) are what the core relies on, not cross-node visibility.
func (c *Child) Inodelk(ctx context.Context, domain, path string, lockType child.LockType) (child.Unlocker, error) {
	return c.flock(lockKeyPath(c.root, "inodelk", domain, path), true)
}

func (c *Child) Entrylk(ctx context.Context, domain, parent, basename string, lockType child.LockType, blocking bool) (child.Unlocker, error) {
	return c.flock(lockKeyPath(c.root, "entrylk", domain, parent+"/"+basename), blocking)
}

func lockKeyPath(root, kind, domain, key string) string {
	return filepath.Join(root, ".shardfs-locks", kind+"_"+domain+"_"+filepath.Base(key)+".lock")
}

func (c *Child) flock(path string, blocking bool) (child.Unlocker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, classify(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, classify(err)
	}

	how := unix.LOCK_EX
	if !blocking {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		if !blocking {
			return nil, errs.New(errs.Conflict, "lock held: %v", err)
		}
		return nil, classify(err)
	}

	c.flocksMu.Lock()
	c.flocks[path] = f
	c.flocksMu.Unlock()

	return func(ctx context.Context) error {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		c.flocksMu.Lock()
		delete(c.flocks, path)
		c.flocksMu.Unlock()
		return f.Close()
	}, nil
}
