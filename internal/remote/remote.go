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

// Package remote defines the minimal capability interface the core consumes
// from the distributed object store, and its HTTP implementation.
//
// Content objects named by a capability are immutable: every write of
// content yields a fresh capability. Directories are objects too, holding an
// entry list, but their capabilities are mutable: a directory write to an
// existing capability updates it in place.
package remote

import (
	"context"
	"time"
)

// Ref is an opaque capability naming an immutable object in the backend.
type Ref string

// EntryKind distinguishes what a directory entry points at.
type EntryKind string

const (
	KindFile    EntryKind = "file"
	KindDir     EntryKind = "dir"
	KindSymlink EntryKind = "symlink"
)

// DirEntry is one row of a directory object.
type DirEntry struct {
	Name string    `json:"name"`
	Ref  Ref       `json:"ref"`
	Kind EntryKind `json:"kind"`

	// Target is set for symlink entries.
	Target string `json:"target,omitempty"`

	// Mtime is the entry's modification time as recorded by whoever linked
	// it. Conflict resolution compares against it.
	Mtime time.Time `json:"mtime,omitempty"`

	// Size of the linked object, for file entries. Lets lookups answer
	// stat without fetching content.
	Size int64 `json:"size,omitempty"`
}

// ByteRange is a [Start, Limit) range of object content.
type ByteRange struct {
	Start int64
	Limit int64
}

// Backend issues object operations against the blob store.
//
// Errors are classified with fserr kinds: NOT_FOUND for absent capabilities,
// BACKEND_UNAVAILABLE for network or server failures.
type Backend interface {
	// GetObject returns the object's bytes, or the requested sub-range if
	// rng is non-nil.
	GetObject(ctx context.Context, ref Ref, rng *ByteRange) ([]byte, error)

	// PutObject stores the bytes as a new immutable object and returns its
	// capability.
	PutObject(ctx context.Context, data []byte) (Ref, error)

	// GetDir returns the entry list of a directory object.
	GetDir(ctx context.Context, ref Ref) ([]DirEntry, error)

	// PutDir stores the entry list under the directory capability and
	// returns the capability now naming it. Directory capabilities are
	// mutable: a non-zero ref is updated in place and returned unchanged.
	// A zero ref mints a fresh directory.
	PutDir(ctx context.Context, ref Ref, entries []DirEntry) (Ref, error)

	// Delete removes the object named by ref.
	Delete(ctx context.Context, ref Ref) error
}
