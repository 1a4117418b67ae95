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

// Package dict is the typed key/value container passed as xdata between
// every shardfs layer, plus its wire codec.
package dict

import (
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shardfs/shardfs/internal/errs"
	"github.com/shardfs/shardfs/internal/logger"
)

// Tag identifies how a Value's payload should be interpreted. Readers of
// a mismatched tag fail with errs.InvalidArgument, except
// TagStringOldVersion, which any string reader accepts for backward
// compatibility with wire-deserialized values that haven't been
// re-interpreted by a typed getter yet.
type Tag int

const (
	TagInvalid Tag = iota
	TagInt64
	TagInt32
	TagInt16
	TagInt8
	TagUint64
	TagUint32
	TagUint16
	TagDouble
	TagString
	TagBytes
	TagUUID
	TagIatt
	TagMdata
	// TagStringOldVersion is the legacy tag assignable to any string
	// reader. Every value produced by Unserialize carries this tag
	// since the wire format does not carry a tag byte.
	TagStringOldVersion
)

// Iatt is the fixed-layout stat-like structure carried through the stack.
type Iatt struct {
	GFID                uuid.UUID
	Type                uint32
	Size                int64
	Blocks              int64
	ATimeSec, ATimeNsec int64
	MTimeSec, MTimeNsec int64
	CTimeSec, CTimeNsec int64
	UID, GID            uint32
	Mode                uint32
	Rdev                uint64
	BlkSize             uint32
	NLink               uint32
}

const iattWireLen = 16 + 4 + 8 + 8 + 8*6 + 4 + 4 + 4 + 8 + 4 + 4

// Mdata is the fixed timestamp structure used for the mdata xattr family.
type Mdata struct {
	CTimeSec, CTimeNsec int64
	MTimeSec, MTimeNsec int64
	ATimeSec, ATimeNsec int64
}

const mdataWireLen = 8 * 6

// Value is a tagged union carrying one of the payload kinds in Tag, plus
// an atomic reference count (zero on creation; callers that keep a
// reference must Ref it) and an is-static flag controlling whether the
// payload is considered borrowed (not cleared on destroy).
type Value struct {
	tag      Tag
	data     []byte
	isStatic bool
	refcount int32
}

func newValue(tag Tag, data []byte, isStatic bool) *Value {
	return &Value{tag: tag, data: data, isStatic: isStatic}
}

// Ref increments the reference count and returns the value.
func (v *Value) Ref() *Value {
	atomic.AddInt32(&v.refcount, 1)
	return v
}

// Unref decrements the reference count. When it reaches zero the payload
// is released (zeroed, unless isStatic) so that use-after-unref shows up
// as a visibly wrong read rather than silently working.
func (v *Value) Unref() {
	if atomic.AddInt32(&v.refcount, -1) <= 0 {
		if !v.isStatic {
			for i := range v.data {
				v.data[i] = 0
			}
		}
	}
}

// RefCount returns the current reference count, for tests and statedump-
// style introspection.
func (v *Value) RefCount() int32 { return atomic.LoadInt32(&v.refcount) }

func (v *Value) Tag() Tag { return v.tag }

// Len returns the exact payload byte count; for strings this includes
// the trailing NUL.
func (v *Value) Len() int { return len(v.data) }

////////////////////////////////////////////////////////////////////////
// Constructors
////////////////////////////////////////////////////////////////////////

func NewInt64(val int64) *Value {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(val))
	return newValue(TagInt64, b, false)
}

func NewInt32(val int32) *Value {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(val))
	return newValue(TagInt32, b, false)
}

func NewInt16(val int16) *Value {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(val))
	return newValue(TagInt16, b, false)
}

func NewInt8(val int8) *Value {
	return newValue(TagInt8, []byte{byte(val)}, false)
}

func NewUint64(val uint64) *Value {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, val)
	return newValue(TagUint64, b, false)
}

func NewUint32(val uint32) *Value {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, val)
	return newValue(TagUint32, b, false)
}

func NewUint16(val uint16) *Value {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, val)
	return newValue(TagUint16, b, false)
}

func NewDouble(val float64) *Value {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(val))
	return newValue(TagDouble, b, false)
}

// NewString makes an owned copy of s, with a trailing NUL included in the
// stored length as required by the wire format.
func NewString(s string) *Value {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return newValue(TagString, b, false)
}

// NewBorrowedString marks the value static: Unref will not clear it.
func NewBorrowedString(s string) *Value {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return newValue(TagString, b, true)
}

func NewBytes(b []byte) *Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return newValue(TagBytes, cp, false)
}

func NewBorrowedBytes(b []byte) *Value {
	return newValue(TagBytes, b, true)
}

func NewUUID(u uuid.UUID) *Value {
	return newValue(TagUUID, append([]byte(nil), u[:]...), false)
}

func NewIatt(ia Iatt) *Value {
	return newValue(TagIatt, encodeIatt(ia), false)
}

func NewMdata(md Mdata) *Value {
	return newValue(TagMdata, encodeMdata(md), false)
}

////////////////////////////////////////////////////////////////////////
// Typed getters
////////////////////////////////////////////////////////////////////////

func mismatch(ctx context.Context, want Tag, got Tag) error {
	logger.Debugf(ctx, "dict: type mismatch: wanted tag %d, got tag %d", want, got)
	return errs.New(errs.InvalidArgument, "value has tag %d, wanted %d", got, want)
}

func (v *Value) AsInt64(ctx context.Context) (int64, error) {
	if v.tag != TagInt64 {
		return 0, mismatch(ctx, TagInt64, v.tag)
	}
	return int64(binary.BigEndian.Uint64(v.data)), nil
}

func (v *Value) AsInt32(ctx context.Context) (int32, error) {
	if v.tag != TagInt32 {
		return 0, mismatch(ctx, TagInt32, v.tag)
	}
	return int32(binary.BigEndian.Uint32(v.data)), nil
}

func (v *Value) AsInt16(ctx context.Context) (int16, error) {
	if v.tag != TagInt16 {
		return 0, mismatch(ctx, TagInt16, v.tag)
	}
	return int16(binary.BigEndian.Uint16(v.data)), nil
}

func (v *Value) AsInt8(ctx context.Context) (int8, error) {
	if v.tag != TagInt8 {
		return 0, mismatch(ctx, TagInt8, v.tag)
	}
	return int8(v.data[0]), nil
}

func (v *Value) AsUint64(ctx context.Context) (uint64, error) {
	if v.tag != TagUint64 {
		return 0, mismatch(ctx, TagUint64, v.tag)
	}
	return binary.BigEndian.Uint64(v.data), nil
}

func (v *Value) AsUint32(ctx context.Context) (uint32, error) {
	if v.tag != TagUint32 {
		return 0, mismatch(ctx, TagUint32, v.tag)
	}
	return binary.BigEndian.Uint32(v.data), nil
}

func (v *Value) AsUint16(ctx context.Context) (uint16, error) {
	if v.tag != TagUint16 {
		return 0, mismatch(ctx, TagUint16, v.tag)
	}
	return binary.BigEndian.Uint16(v.data), nil
}

func (v *Value) AsDouble(ctx context.Context) (float64, error) {
	if v.tag != TagDouble {
		return 0, mismatch(ctx, TagDouble, v.tag)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(v.data)), nil
}

// AsString accepts TagString and the legacy TagStringOldVersion tag.
func (v *Value) AsString(ctx context.Context) (string, error) {
	if v.tag != TagString && v.tag != TagStringOldVersion {
		return "", mismatch(ctx, TagString, v.tag)
	}
	if len(v.data) > 0 && v.data[len(v.data)-1] == 0 {
		return string(v.data[:len(v.data)-1]), nil
	}
	return string(v.data), nil
}

func (v *Value) AsBytes(ctx context.Context) ([]byte, error) {
	if v.tag != TagBytes && v.tag != TagStringOldVersion {
		return nil, mismatch(ctx, TagBytes, v.tag)
	}
	return v.data, nil
}

func (v *Value) AsUUID(ctx context.Context) (uuid.UUID, error) {
	if v.tag != TagUUID {
		return uuid.UUID{}, mismatch(ctx, TagUUID, v.tag)
	}
	var u uuid.UUID
	copy(u[:], v.data)
	return u, nil
}

func (v *Value) AsIatt(ctx context.Context) (Iatt, error) {
	if v.tag != TagIatt {
		return Iatt{}, mismatch(ctx, TagIatt, v.tag)
	}
	return decodeIatt(v.data), nil
}

func (v *Value) AsMdata(ctx context.Context) (Mdata, error) {
	if v.tag != TagMdata {
		return Mdata{}, mismatch(ctx, TagMdata, v.tag)
	}
	return decodeMdata(v.data), nil
}

////////////////////////////////////////////////////////////////////////
// iatt / mdata codecs
////////////////////////////////////////////////////////////////////////

func encodeIatt(ia Iatt) []byte {
	b := make([]byte, iattWireLen)
	off := 0
	copy(b[off:], ia.GFID[:])
	off += 16
	binary.BigEndian.PutUint32(b[off:], ia.Type)
	off += 4
	binary.BigEndian.PutUint64(b[off:], uint64(ia.Size))
	off += 8
	binary.BigEndian.PutUint64(b[off:], uint64(ia.Blocks))
	off += 8
	for _, f := range []int64{ia.ATimeSec, ia.ATimeNsec, ia.MTimeSec, ia.MTimeNsec, ia.CTimeSec, ia.CTimeNsec} {
		binary.BigEndian.PutUint64(b[off:], uint64(f))
		off += 8
	}
	binary.BigEndian.PutUint32(b[off:], ia.UID)
	off += 4
	binary.BigEndian.PutUint32(b[off:], ia.GID)
	off += 4
	binary.BigEndian.PutUint32(b[off:], ia.Mode)
	off += 4
	binary.BigEndian.PutUint64(b[off:], ia.Rdev)
	off += 8
	binary.BigEndian.PutUint32(b[off:], ia.BlkSize)
	off += 4
	binary.BigEndian.PutUint32(b[off:], ia.NLink)
	return b
}

func decodeIatt(b []byte) Iatt {
	var ia Iatt
	off := 0
	copy(ia.GFID[:], b[off:off+16])
	off += 16
	ia.Type = binary.BigEndian.Uint32(b[off:])
	off += 4
	ia.Size = int64(binary.BigEndian.Uint64(b[off:]))
	off += 8
	ia.Blocks = int64(binary.BigEndian.Uint64(b[off:]))
	off += 8
	fields := []*int64{&ia.ATimeSec, &ia.ATimeNsec, &ia.MTimeSec, &ia.MTimeNsec, &ia.CTimeSec, &ia.CTimeNsec}
	for _, f := range fields {
		*f = int64(binary.BigEndian.Uint64(b[off:]))
		off += 8
	}
	ia.UID = binary.BigEndian.Uint32(b[off:])
	off += 4
	ia.GID = binary.BigEndian.Uint32(b[off:])
	off += 4
	ia.Mode = binary.BigEndian.Uint32(b[off:])
	off += 4
	ia.Rdev = binary.BigEndian.Uint64(b[off:])
	off += 8
	ia.BlkSize = binary.BigEndian.Uint32(b[off:])
	off += 4
	ia.NLink = binary.BigEndian.Uint32(b[off:])
	return ia
}

func encodeMdata(md Mdata) []byte {
	b := make([]byte, mdataWireLen)
	vals := []int64{md.CTimeSec, md.CTimeNsec, md.MTimeSec, md.MTimeNsec, md.ATimeSec, md.ATimeNsec}
	off := 0
	for _, v := range vals {
		binary.BigEndian.PutUint64(b[off:], uint64(v))
		off += 8
	}
	return b
}

func decodeMdata(b []byte) Mdata {
	var md Mdata
	fields := []*int64{&md.CTimeSec, &md.CTimeNsec, &md.MTimeSec, &md.MTimeNsec, &md.ATimeSec, &md.ATimeNsec}
	off := 0
	for _, f := range fields {
		*f = int64(binary.BigEndian.Uint64(b[off:]))
		off += 8
	}
	return md
}
