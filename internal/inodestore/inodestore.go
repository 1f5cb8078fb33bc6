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

// Package inodestore is the durable map from inode IDs to inode metadata and
// directory entries, transactional at the granularity of a single inode.
// Version is the optimistic-concurrency key: updates fail with STALE when the
// stored version differs from the caller's expectation.
package inodestore

import (
	"context"
	"os"
	"time"
)

// ID is a stable 64-bit inode identifier, monotonically assigned.
type ID int64

// RootID is the inode ID of the mount root.
const RootID ID = 1

type Kind int

const (
	KindFile Kind = iota + 1
	KindDir
	KindSymlink
)

// DirtyMask tracks what must be reconciled upstream.
type DirtyMask uint8

const (
	Clean     DirtyMask = 0
	MetaDirty DirtyMask = 1 << 0
	DataDirty DirtyMask = 1 << 1
)

func (m DirtyMask) IsClean() bool { return m == Clean }

// Inode is the logical identity of a filesystem object, independent of any
// name.
type Inode struct {
	ID   ID
	Kind Kind

	Mode os.FileMode
	Uid  uint32
	Gid  uint32

	// Size in bytes; zero for directories.
	Size int64

	Atime time.Time
	Mtime time.Time
	Ctime time.Time

	Nlink uint32

	// RemoteRef is the capability naming the current remote copy. Empty
	// until the first push.
	RemoteRef string

	// ParentID is zero for the root.
	ParentID     ID
	NameInParent string

	// Target of a symlink.
	SymlinkTarget string

	// Version increments on every mutation and on every completed pull.
	Version int64

	Dirty      DirtyMask
	LastSyncTs time.Time
}

// DirEntry is a row (parent, name) -> child, unique per (parent, name).
type DirEntry struct {
	ParentID ID
	Name     string
	ChildID  ID
	Kind     Kind
}

// Store is the durable inode map.
//
// Errors are classified with fserr kinds: NOT_FOUND for absent rows, EXISTS
// for (parent, name) collisions, STALE for version mismatches.
type Store interface {
	// Get returns the inode with the given ID.
	Get(ctx context.Context, id ID) (*Inode, error)

	// GetByPath resolves one path component under a parent.
	GetByPath(ctx context.Context, parentID ID, name string) (*Inode, error)

	// Insert assigns the next ID, writes the row, and links the directory
	// entry implied by ParentID and NameInParent. Sets Version to 1.
	Insert(ctx context.Context, in *Inode) (ID, error)

	// Update overwrites the row if and only if the stored version equals
	// expected; otherwise STALE. The directory entry is moved if ParentID
	// or NameInParent changed relative to the stored row; an update that
	// carries them unchanged never creates an entry, so a name taken away
	// by RemoveEntry or Rename stays gone.
	Update(ctx context.Context, in *Inode, expected int64) error

	// Delete removes the row and its directory entry.
	Delete(ctx context.Context, id ID) error

	// RemoveEntry drops the (parent, name) directory entry, leaving the
	// child's row in place. Unlink uses this while open handles keep the
	// inode alive.
	RemoveEntry(ctx context.Context, parentID ID, name string) error

	// ListChildren returns the entries under a parent, sorted by name.
	ListChildren(ctx context.Context, parentID ID) ([]DirEntry, error)

	// ReplaceChildren atomically replaces the entry set of a parent.
	// Readers see the full old set or the full new set, never a mix.
	ReplaceChildren(ctx context.Context, parentID ID, entries []DirEntry) error

	// Rename moves (oldParent, oldName) to (newParent, newName) in one
	// transaction, unlinking any entry already at the destination. Returns
	// the replaced child's ID, or zero.
	Rename(ctx context.Context, oldParent ID, oldName string, newParent ID, newName string) (replaced ID, err error)

	// NextDirty returns up to limit inodes whose dirty mask is non-clean,
	// oldest mtime first. The background flusher feeds from this.
	NextDirty(ctx context.Context, limit int) ([]*Inode, error)

	Close() error
}
