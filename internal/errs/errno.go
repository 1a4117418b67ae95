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

// Package errs is the error-kind taxonomy shared across every shardfs
// component: the dictionary, the shard resolver, the composite fops, and
// the background deletion worker all classify failures into one of these
// kinds rather than inventing their own per-package sentinels.
package errs

import "fmt"

// Errno is a taxonomy of error kinds, not wire codes. Components compare
// against these with errors.Is rather than string-matching messages.
type Errno int

const (
	_ Errno = iota
	// NotFound is expected for absent shards during read/truncate/unlink/
	// rename and is absorbed to a hole or a skip by the caller.
	NotFound
	// Exists is expected for mknod during shard creation when a concurrent
	// writer already produced the shard; triggers a re-lookup.
	Exists
	// Conflict is a non-blocking lock that is already held, e.g. entrylk
	// EAGAIN during background deletion.
	Conflict
	// Internal covers out-of-memory and other unexpected failures; fatal.
	Internal
	// InvalidArgument covers missing required xdata or malformed wire
	// input; fatal.
	InvalidArgument
	// IO is a fatal propagated I/O failure from the child layer.
	IO
	// NotSupported is fatal to the specific fop (unusual fallocate modes).
	NotSupported
	// NoData means a rename_key or similar lookup found nothing to act on.
	NoData
)

func (e Errno) String() string {
	switch e {
	case NotFound:
		return "not-found"
	case Exists:
		return "exists"
	case Conflict:
		return "conflict"
	case Internal:
		return "internal"
	case InvalidArgument:
		return "invalid-argument"
	case IO:
		return "input/output"
	case NotSupported:
		return "not-supported"
	case NoData:
		return "no-data"
	default:
		return "unknown"
	}
}

// Error wraps an Errno with a message, implementing the error interface.
type Error struct {
	Kind Errno
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is lets errors.Is(err, errs.ErrNotFound) work by comparing Errno kinds
// rather than pointer identity, matching how the fan-out sites classify
// recoverable vs. fatal replies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Errno, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Sentinel errors, one per kind, for use with errors.Is at call sites that
// don't need a custom message.
var (
	ErrNotFound        = &Error{Kind: NotFound}
	ErrExists          = &Error{Kind: Exists}
	ErrConflict        = &Error{Kind: Conflict}
	ErrInternal        = &Error{Kind: Internal}
	ErrInvalidArgument = &Error{Kind: InvalidArgument}
	ErrIO              = &Error{Kind: IO}
	ErrNotSupported    = &Error{Kind: NotSupported}
	ErrNoData          = &Error{Kind: NoData}
)

// Kind extracts the Errno from err if it (or something it wraps) is an
// *Error, otherwise returns Internal for an unclassified error and the
// zero Errno if err is nil.
func Kind(err error) Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return Internal
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
