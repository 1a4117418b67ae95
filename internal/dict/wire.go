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
	"encoding/binary"

	"github.com/shardfs/shardfs/internal/errs"
)

// SerializedLen returns the exact byte length Serialize will produce for
// d: 4 + sum over pairs of (4 + 4 + keylen + 1 + vallen).
func (d *Dict) SerializedLen() int {
	return 4 + d.TotalKVLen()
}

// Serialize writes d to the wire format: a big-endian pair count,
// followed by each pair as (keylen, vallen, key, NUL, raw value bytes).
// Tags are not carried on the wire; Unserialize always reconstructs
// TagStringOldVersion values.
func (d *Dict) Serialize() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, 4, d.totkvlen+4)
	binary.BigEndian.PutUint32(buf, uint32(d.count))

	for p := d.head; p != nil; p = p.orderNext {
		var hdr [8]byte
		binary.BigEndian.PutUint32(hdr[0:4], uint32(len(p.key)))
		binary.BigEndian.PutUint32(hdr[4:8], uint32(p.value.Len()))
		buf = append(buf, hdr[:]...)
		buf = append(buf, p.key...)
		buf = append(buf, 0)
		buf = append(buf, p.value.data...)
	}
	return buf
}

// Unserialize decodes buf into a new Dict. Every step is bounds-checked
// against the supplied buffer length, failing cleanly with
// errs.InvalidArgument ("undersized buffer") rather than panicking; a
// negative keylen or vallen is likewise a format error. Every
// reconstructed value carries TagStringOldVersion and must be
// re-interpreted by a typed getter before use.
func Unserialize(buf []byte) (*Dict, error) {
	if len(buf) < 4 {
		return nil, errs.New(errs.InvalidArgument, "undersized buffer: need 4 bytes for pair count, have %d", len(buf))
	}
	count := binary.BigEndian.Uint32(buf[0:4])
	off := 4

	d := New(maxInt(int(count), 1))
	for i := uint32(0); i < count; i++ {
		if len(buf)-off < 8 {
			return nil, errs.New(errs.InvalidArgument, "undersized buffer: pair %d header truncated", i)
		}
		keylen := int32(binary.BigEndian.Uint32(buf[off : off+4]))
		vallen := int32(binary.BigEndian.Uint32(buf[off+4 : off+8]))
		off += 8

		if keylen < 0 || vallen < 0 {
			return nil, errs.New(errs.InvalidArgument, "format error: negative length in pair %d", i)
		}

		need := int(keylen) + 1 + int(vallen)
		if len(buf)-off < need {
			return nil, errs.New(errs.InvalidArgument, "undersized buffer: pair %d payload truncated", i)
		}

		key := string(buf[off : off+int(keylen)])
		off += int(keylen)
		off++ // skip the NUL terminator
		val := append([]byte(nil), buf[off:off+int(vallen)]...)
		off += int(vallen)

		d.Add(key, newValue(TagStringOldVersion, val, false))
	}
	return d, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
