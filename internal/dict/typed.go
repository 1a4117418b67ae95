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
	"context"

	"github.com/google/uuid"
	"github.com/shardfs/shardfs/internal/errs"
)

// Typed setters. Each stores a freshly constructed Value under key, per
// Set's replace-if-present semantics.

func (d *Dict) SetInt64(key string, val int64)     { d.Set(key, NewInt64(val)) }
func (d *Dict) SetInt32(key string, val int32)     { d.Set(key, NewInt32(val)) }
func (d *Dict) SetInt16(key string, val int16)     { d.Set(key, NewInt16(val)) }
func (d *Dict) SetInt8(key string, val int8)       { d.Set(key, NewInt8(val)) }
func (d *Dict) SetUint64(key string, val uint64)   { d.Set(key, NewUint64(val)) }
func (d *Dict) SetUint32(key string, val uint32)   { d.Set(key, NewUint32(val)) }
func (d *Dict) SetUint16(key string, val uint16)   { d.Set(key, NewUint16(val)) }
func (d *Dict) SetDouble(key string, val float64)  { d.Set(key, NewDouble(val)) }
func (d *Dict) SetString(key string, val string)   { d.Set(key, NewString(val)) }
func (d *Dict) SetBytes(key string, val []byte)    { d.Set(key, NewBytes(val)) }
func (d *Dict) SetUUID(key string, val uuid.UUID)  { d.Set(key, NewUUID(val)) }
func (d *Dict) SetIatt(key string, val Iatt)       { d.Set(key, NewIatt(val)) }
func (d *Dict) SetMdata(key string, val Mdata)     { d.Set(key, NewMdata(val)) }

// Typed getters. On type mismatch they log and return errs.InvalidArgument
// (via the Value accessor) but still leave the dict in a clean state -
// there is no partial unref to clean up since Get returns a borrowed
// reference.

func (d *Dict) GetInt64(ctx context.Context, key string) (int64, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsInt64(ctx)
}

func (d *Dict) GetInt32(ctx context.Context, key string) (int32, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsInt32(ctx)
}

func (d *Dict) GetInt16(ctx context.Context, key string) (int16, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsInt16(ctx)
}

func (d *Dict) GetInt8(ctx context.Context, key string) (int8, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsInt8(ctx)
}

func (d *Dict) GetUint64(ctx context.Context, key string) (uint64, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsUint64(ctx)
}

func (d *Dict) GetUint32(ctx context.Context, key string) (uint32, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsUint32(ctx)
}

func (d *Dict) GetUint16(ctx context.Context, key string) (uint16, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsUint16(ctx)
}

func (d *Dict) GetDouble(ctx context.Context, key string) (float64, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsDouble(ctx)
}

func (d *Dict) GetString(ctx context.Context, key string) (string, error) {
	v, ok := d.Get(key)
	if !ok {
		return "", errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsString(ctx)
}

func (d *Dict) GetBytes(ctx context.Context, key string) ([]byte, error) {
	v, ok := d.Get(key)
	if !ok {
		return nil, errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsBytes(ctx)
}

func (d *Dict) GetUUID(ctx context.Context, key string) (uuid.UUID, error) {
	v, ok := d.Get(key)
	if !ok {
		return uuid.UUID{}, errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsUUID(ctx)
}

func (d *Dict) GetIatt(ctx context.Context, key string) (Iatt, error) {
	v, ok := d.Get(key)
	if !ok {
		return Iatt{}, errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsIatt(ctx)
}

func (d *Dict) GetMdata(ctx context.Context, key string) (Mdata, error) {
	v, ok := d.Get(key)
	if !ok {
		return Mdata{}, errs.New(errs.NotFound, "key %q not found", key)
	}
	return v.AsMdata(ctx)
}
