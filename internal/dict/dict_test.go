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

package dict_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shardfs/shardfs/internal/dict"
	"github.com/shardfs/shardfs/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTripsEachTag(t *testing.T) {
	ctx := context.Background()
	d := dict.New(1)

	d.SetInt64("i64", -7)
	d.SetInt32("i32", -7)
	d.SetUint64("u64", 7)
	d.SetUint32("u32", 7)
	d.SetDouble("f64", 3.5)
	d.SetString("s", "hello")
	d.SetBytes("b", []byte{1, 2, 3})
	u := uuid.New()
	d.SetUUID("uuid", u)

	i64, err := d.GetInt64(ctx, "i64")
	require.NoError(t, err)
	assert.EqualValues(t, -7, i64)

	i32, err := d.GetInt32(ctx, "i32")
	require.NoError(t, err)
	assert.EqualValues(t, -7, i32)

	u64, err := d.GetUint64(ctx, "u64")
	require.NoError(t, err)
	assert.EqualValues(t, 7, u64)

	f64, err := d.GetDouble(ctx, "f64")
	require.NoError(t, err)
	assert.Equal(t, 3.5, f64)

	s, err := d.GetString(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	b, err := d.GetBytes(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	gotUUID, err := d.GetUUID(ctx, "uuid")
	require.NoError(t, err)
	assert.Equal(t, u, gotUUID)
}

func TestGetTypeMismatchReturnsInvalidArgument(t *testing.T) {
	ctx := context.Background()
	d := dict.New(1)
	d.SetString("key", "value")

	_, err := d.GetInt64(ctx, "key")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.Kind(err))
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	d := dict.New(1)
	_, err := d.GetString(ctx, "nope")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.Kind(err))
}

func TestSetReplacesExistingPairAndKeyCountStaysStable(t *testing.T) {
	d := dict.New(1)
	d.SetInt64("k", 1)
	d.SetInt64("k", 2)
	assert.Equal(t, 1, d.KeyCount())

	ctx := context.Background()
	v, err := d.GetInt64(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}

func TestDelRemovesPair(t *testing.T) {
	d := dict.New(1)
	d.SetInt64("k", 1)
	d.Del("k")
	assert.Equal(t, 0, d.KeyCount())
	_, ok := d.Get("k")
	assert.False(t, ok)
}

func TestResetClearsEveryPair(t *testing.T) {
	d := dict.New(4)
	d.SetInt64("a", 1)
	d.SetInt64("b", 2)
	d.Reset()
	assert.Equal(t, 0, d.KeyCount())
}

func TestForeachInsertionOrderAndHaltOnNegativeAction(t *testing.T) {
	d := dict.New(1)
	d.SetInt64("a", 1)
	d.SetInt64("b", 2)
	d.SetInt64("c", 3)

	var seen []string
	matched := d.Foreach(
		func(key string, val *dict.Value) bool { return true },
		func(key string, val *dict.Value) int {
			seen = append(seen, key)
			if key == "b" {
				return -1
			}
			return 0
		},
	)

	assert.Equal(t, -1, matched)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestForeachReturnsMatchCount(t *testing.T) {
	d := dict.New(1)
	d.SetInt64("a", 1)
	d.SetString("b", "x")
	d.SetInt64("c", 2)

	matched := d.Foreach(
		func(key string, val *dict.Value) bool { return val.Tag() == dict.TagInt64 },
		func(key string, val *dict.Value) int { return 0 },
	)
	assert.Equal(t, 2, matched)
}

func TestCopyInto(t *testing.T) {
	src := dict.New(1)
	src.SetInt64("a", 1)
	src.SetString("b", "x")

	dst := dict.New(1)
	src.CopyInto(dst)

	assert.Equal(t, 2, dst.KeyCount())
	ctx := context.Background()
	s, err := dst.GetString(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "x", s)
}

func TestRenameKeyNoOpWhenEqual(t *testing.T) {
	d := dict.New(1)
	d.SetInt64("a", 1)
	require.NoError(t, d.RenameKey("a", "a"))
}

func TestRenameKeyMissingIsNoData(t *testing.T) {
	d := dict.New(1)
	err := d.RenameKey("missing", "new")
	require.Error(t, err)
	assert.Equal(t, errs.NoData, errs.Kind(err))
}

func TestRenameKeyMovesPair(t *testing.T) {
	d := dict.New(8)
	d.SetInt64("old", 42)
	require.NoError(t, d.RenameKey("old", "new"))

	_, ok := d.Get("old")
	assert.False(t, ok)

	ctx := context.Background()
	v, err := d.GetInt64(ctx, "new")
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)
}

func TestFlagSetClearCheck(t *testing.T) {
	d := dict.New(1)
	ok, err := d.FlagCheck("flags", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.FlagSet("flags", 5))
	ok, err = d.FlagCheck("flags", 5)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, d.FlagClear("flags", 5))
	ok, err = d.FlagCheck("flags", 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFlagBitOutOfRange(t *testing.T) {
	d := dict.New(1)
	err := d.FlagSet("flags", 256)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.Kind(err))
}

func TestKeysJoin(t *testing.T) {
	d := dict.New(1)
	d.SetInt64("aa", 1)
	d.SetInt64("bb", 2)

	need := d.KeysJoin(nil, nil)
	assert.Equal(t, len("aa")+1+len("bb")+1, need)

	buf := make([]byte, need)
	got := d.KeysJoin(buf, nil)
	assert.Equal(t, need, got)
	assert.Equal(t, "aa\x00bb\x00", string(buf))
}

func TestKeysJoinFilter(t *testing.T) {
	d := dict.New(1)
	d.SetInt64("keep", 1)
	d.SetInt64("drop", 2)

	buf := make([]byte, 64)
	n := d.KeysJoin(buf, func(key string) bool { return key == "keep" })
	assert.Equal(t, "keep\x00", string(buf[:n]))
}

func TestSerializeUnserializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := dict.New(1)
	d.SetInt64("i64", 123)
	d.SetString("s", "hello")
	d.SetBytes("b", []byte{9, 8, 7})

	buf := d.Serialize()
	assert.Equal(t, d.SerializedLen(), len(buf))

	got, err := dict.Unserialize(buf)
	require.NoError(t, err)
	assert.Equal(t, d.KeyCount(), got.KeyCount())

	// Every unserialized value is string-old-version and must be
	// re-interpreted by a typed getter, per the wire format's tag
	// erasure.
	gotI64Str, err := got.GetString(ctx, "i64")
	require.NoError(t, err)
	assert.Len(t, gotI64Str, 8) // raw 8-byte big-endian encoding

	s, err := got.GetString(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	b, err := got.GetBytes(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7}, b)
}

func TestUnserializeUndersizedBuffer(t *testing.T) {
	_, err := dict.Unserialize([]byte{0, 0, 0, 1}) // claims 1 pair, has none
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.Kind(err))
}

func TestUnserializeTooShortForCount(t *testing.T) {
	_, err := dict.Unserialize([]byte{0, 0})
	require.Error(t, err)
}

func TestUnserializeNegativeLength(t *testing.T) {
	buf := make([]byte, 12)
	// count = 1
	buf[3] = 1
	// keylen = -1
	buf[4], buf[5], buf[6], buf[7] = 0xff, 0xff, 0xff, 0xff
	_, err := dict.Unserialize(buf)
	require.Error(t, err)
}

func TestValueRefCountLifecycle(t *testing.T) {
	v := dict.NewInt64(1)
	assert.EqualValues(t, 0, v.RefCount())
	v.Ref()
	assert.EqualValues(t, 1, v.RefCount())
	v.Unref()
	assert.EqualValues(t, 0, v.RefCount())
}

func TestIattRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := dict.New(1)
	ia := dict.Iatt{
		GFID:   uuid.New(),
		Type:   1,
		Size:   1024,
		Blocks: 8,
		UID:    1000,
		GID:    1000,
		Mode:   0644,
	}
	d.SetIatt("stat", ia)

	got, err := d.GetIatt(ctx, "stat")
	require.NoError(t, err)
	assert.Equal(t, ia, got)
}
