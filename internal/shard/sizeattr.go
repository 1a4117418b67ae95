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
	"encoding/binary"

	"github.com/shardfs/shardfs/internal/child"
	"github.com/shardfs/shardfs/internal/errs"
)

// SizeXattrName and BlockSizeXattrName are the two fixed xattr keys
// stored on the base file.
const (
	SizeXattrName      = "trusted.glusterfs.shard.file-size"
	BlockSizeXattrName = "trusted.glusterfs.shard.block-size"
)

// SizeXattr is the decoded form of the 4-word size array: logical size,
// a reserved word, the block-count delta accumulator, and a second
// reserved word. The reserved words are preserved verbatim across
// updates, never zeroed, so readers that assign them meaning this core
// doesn't know about keep working.
type SizeXattr struct {
	LogicalSize int64
	Reserved1   uint64
	BlockDelta  int64
	Reserved2   uint64
}

// DecodeSizeXattr parses a size xattr value. Any array of at least 32
// bytes is tolerated; extra trailing bytes are ignored.
func DecodeSizeXattr(b []byte) (SizeXattr, error) {
	if len(b) < 32 {
		return SizeXattr{}, errs.New(errs.InvalidArgument, "size xattr too short: %d bytes", len(b))
	}
	return SizeXattr{
		LogicalSize: int64(binary.BigEndian.Uint64(b[0:8])),
		Reserved1:   binary.BigEndian.Uint64(b[8:16]),
		BlockDelta:  int64(binary.BigEndian.Uint64(b[16:24])),
		Reserved2:   binary.BigEndian.Uint64(b[24:32]),
	}, nil
}

// EncodeSizeXattr serializes sx to the 32-byte on-disk big-endian
// layout.
func EncodeSizeXattr(sx SizeXattr) []byte {
	b := make([]byte, 32)
	binary.BigEndian.PutUint64(b[0:8], uint64(sx.LogicalSize))
	binary.BigEndian.PutUint64(b[8:16], sx.Reserved1)
	binary.BigEndian.PutUint64(b[16:24], uint64(sx.BlockDelta))
	binary.BigEndian.PutUint64(b[24:32], sx.Reserved2)
	return b
}

// UpdateSizeXattr issues the atomic add-array xattrop used for every
// size-xattr update: it never reads then rewrites the whole value, it
// asks the child to add deltaSize/deltaBlocks into the existing stored
// words. The reserved words are encoded as zero deltas so an add-array
// leaves whatever the child already has there intact. Callers skip the
// call entirely when both deltas are zero.
func UpdateSizeXattr(ctx context.Context, c child.Child, path string, deltaSize, deltaBlocks int64) (map[string][]byte, error) {
	delta := SizeXattr{LogicalSize: deltaSize, BlockDelta: deltaBlocks}
	return c.Xattrop(ctx, path, child.XattropAddArray, map[string][]byte{
		SizeXattrName: EncodeSizeXattr(delta),
	})
}
