// Copyright 2024 The TruckeeFS Authors. All Rights Reserved.
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

// Package fserr defines the closed set of error kinds the core distinguishes
// and their translation to POSIX errno values for the kernel bridge.
package fserr

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies an error into one of the categories the core reacts to.
// Anything outside this set is treated as an unclassified internal error.
type Kind int

const (
	KindUnknown Kind = iota

	// Deterministic POSIX translations.
	KindNotFound
	KindExists
	KindNotDir
	KindIsDir
	KindNotEmpty
	KindPermission
	KindInvalidArg

	// Optimistic-concurrency failure. Recovered locally by rebase-and-retry;
	// must not surface to the caller.
	KindStale

	// Lock contention. Recovered by bounded retry with backoff.
	KindBusy

	// Network or remote error. Pulls fail the caller with EIO after retries;
	// pushes remain queued and do not fail writes already acknowledged.
	KindBackendUnavailable

	// Translated internally to a forced flush; surfaced as ENOSPC only when
	// dirty data cannot be drained.
	KindCacheFull

	// Block/sidecar mismatch or checksum failure. The block is purged and
	// re-fetched; surfaced only if the re-fetch fails.
	KindCorrupt

	// Invariant violation. The mount is marked read-only and a diagnostic is
	// published.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindExists:
		return "EXISTS"
	case KindNotDir:
		return "NOT_DIR"
	case KindIsDir:
		return "IS_DIR"
	case KindNotEmpty:
		return "NOT_EMPTY"
	case KindPermission:
		return "PERMISSION"
	case KindInvalidArg:
		return "INVALID_ARG"
	case KindStale:
		return "STALE"
	case KindBusy:
		return "BUSY"
	case KindBackendUnavailable:
		return "BACKEND_UNAVAILABLE"
	case KindCacheFull:
		return "CACHE_FULL"
	case KindCorrupt:
		return "CORRUPT"
	case KindFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Error carries a kind, the operation that failed, and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind with no underlying cause.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Newf creates an error of the given kind wrapping a formatted message.
func Newf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error. Returns nil if
// err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether the outermost *Error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ToErrno translates an error into the errno to hand back to the kernel.
// Kinds that are supposed to be recovered internally (STALE, BUSY) map to
// EIO: if one of them escapes this far, recovery has been exhausted.
func ToErrno(err error) error {
	if err == nil {
		return nil
	}

	switch KindOf(err) {
	case KindNotFound:
		return syscall.ENOENT
	case KindExists:
		return syscall.EEXIST
	case KindNotDir:
		return syscall.ENOTDIR
	case KindIsDir:
		return syscall.EISDIR
	case KindNotEmpty:
		return syscall.ENOTEMPTY
	case KindPermission:
		return syscall.EACCES
	case KindInvalidArg:
		return syscall.EINVAL
	case KindCacheFull:
		return syscall.ENOSPC
	case KindFatal:
		return syscall.EROFS
	default:
		return syscall.EIO
	}
}
