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

// Package handle tracks open file and directory handles: their flags,
// positions, and their reference to an inode. Directory handles enumerate
// from a snapshot taken at open time, so entries added during enumeration
// need not appear and removed entries need not disappear, as POSIX permits.
package handle

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/eons-dev/truckeefs/clock"
	"github.com/eons-dev/truckeefs/internal/fserr"
	"github.com/eons-dev/truckeefs/internal/inodestore"
)

// ID identifies an open handle. IDs are monotonic and never reused within a
// mount.
type ID uint64

// Flags are the open mode, a subset of the POSIX open flags.
type Flags int

const (
	ReadOnly  Flags = syscall.O_RDONLY
	WriteOnly Flags = syscall.O_WRONLY
	ReadWrite Flags = syscall.O_RDWR
	Append    Flags = syscall.O_APPEND
)

func (f Flags) wantsRead() bool {
	return f&syscall.O_ACCMODE == syscall.O_RDONLY || f&syscall.O_ACCMODE == syscall.O_RDWR
}

func (f Flags) wantsWrite() bool {
	return f&syscall.O_ACCMODE == syscall.O_WRONLY || f&syscall.O_ACCMODE == syscall.O_RDWR
}

// IsAppend reports whether writes must land at EOF regardless of offset.
func (f Flags) IsAppend() bool {
	return f&Append != 0
}

// FileHandle is one open file description.
type FileHandle struct {
	ID      ID
	InodeID inodestore.ID
	Flags   Flags

	// Position is not updated by reads or writes: ReadOp and WriteOp take
	// explicit offsets.
	Position int64

	OpenedAt time.Time
}

// DirHandle is one open directory description, with its enumeration
// snapshot.
type DirHandle struct {
	ID      ID
	InodeID inodestore.ID

	// Snapshot of the entries, sorted by name, taken at open or at the last
	// rewind.
	//
	// GUARDED_BY(Table.mu)
	snapshot []inodestore.DirEntry

	// Cursor is the name of the last returned entry; enumeration resumes
	// strictly after it.
	//
	// GUARDED_BY(Table.mu)
	cursor string
}

// Table assigns handle IDs and owns all live handles.
type Table struct {
	clock  clock.Clock
	inodes inodestore.Store

	mu sync.Mutex

	// INVARIANT: all values are *FileHandle or *DirHandle
	// INVARIANT: for all keys k, k < next
	//
	// GUARDED_BY(mu)
	handles map[ID]interface{}

	// GUARDED_BY(mu)
	next ID

	// Open file handle count per inode, for unlink finalization.
	//
	// GUARDED_BY(mu)
	openCounts map[inodestore.ID]int
}

func NewTable(c clock.Clock, inodes inodestore.Store) *Table {
	return &Table{
		clock:      c,
		inodes:     inodes,
		handles:    make(map[ID]interface{}),
		openCounts: make(map[inodestore.ID]int),
	}
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

// OpenFile validates permissions against the inode and creates a handle.
func (t *Table) OpenFile(
	in *inodestore.Inode,
	flags Flags,
	uid, gid uint32) (*FileHandle, error) {
	if in.Kind == inodestore.KindDir {
		return nil, fserr.New(fserr.KindIsDir, "handle.open")
	}

	if err := checkAccess(in, uid, gid, flags.wantsRead(), flags.wantsWrite()); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	h := &FileHandle{
		ID:       t.nextLocked(),
		InodeID:  in.ID,
		Flags:    flags,
		OpenedAt: t.clock.Now(),
	}
	t.handles[h.ID] = h
	t.openCounts[in.ID]++

	return h, nil
}

// LookupFile returns the open file handle with the given ID.
func (t *Table) LookupFile(id ID) (*FileHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id].(*FileHandle)
	if !ok {
		return nil, fserr.New(fserr.KindInvalidArg, "handle.lookup_file")
	}
	return h, nil
}

// ReleaseFile removes the handle. Returns the inode it referenced and
// whether that inode now has no open file handles.
func (t *Table) ReleaseFile(id ID) (inodeID inodestore.ID, last bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id].(*FileHandle)
	if !ok {
		return 0, false, fserr.New(fserr.KindInvalidArg, "handle.release_file")
	}

	delete(t.handles, id)
	t.openCounts[h.InodeID]--
	if t.openCounts[h.InodeID] <= 0 {
		delete(t.openCounts, h.InodeID)
		return h.InodeID, true, nil
	}

	return h.InodeID, false, nil
}

// OpenCount returns the number of open file handles on the inode.
func (t *Table) OpenCount(inodeID inodestore.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openCounts[inodeID]
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

// OpenDir snapshots the directory's entries and creates a handle.
func (t *Table) OpenDir(
	ctx context.Context,
	in *inodestore.Inode,
	uid, gid uint32) (*DirHandle, error) {
	if in.Kind != inodestore.KindDir {
		return nil, fserr.New(fserr.KindNotDir, "handle.opendir")
	}

	if err := checkAccess(in, uid, gid, true, false); err != nil {
		return nil, err
	}

	entries, err := t.inodes.ListChildren(ctx, in.ID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	h := &DirHandle{
		ID:       t.nextLocked(),
		InodeID:  in.ID,
		snapshot: entries,
	}
	t.handles[h.ID] = h

	return h, nil
}

// ReadDir returns up to max entries strictly after the handle's cursor and
// advances it. A nil result means the enumeration is complete.
func (t *Table) ReadDir(id ID, max int) (entries []inodestore.DirEntry, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id].(*DirHandle)
	if !ok {
		return nil, fserr.New(fserr.KindInvalidArg, "handle.readdir")
	}

	for _, e := range h.snapshot {
		if h.cursor != "" && e.Name <= h.cursor {
			continue
		}
		entries = append(entries, e)
		if len(entries) == max {
			break
		}
	}

	if len(entries) > 0 {
		h.cursor = entries[len(entries)-1].Name
	}

	return entries, nil
}

// Rewind re-snapshots the directory and resets the cursor, for rewinddir.
func (t *Table) Rewind(ctx context.Context, id ID) error {
	t.mu.Lock()
	h, ok := t.handles[id].(*DirHandle)
	inodeID := inodestore.ID(0)
	if ok {
		inodeID = h.InodeID
	}
	t.mu.Unlock()

	if !ok {
		return fserr.New(fserr.KindInvalidArg, "handle.rewind")
	}

	entries, err := t.inodes.ListChildren(ctx, inodeID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// The handle may have been released while we listed.
	h, ok = t.handles[id].(*DirHandle)
	if !ok {
		return fserr.New(fserr.KindInvalidArg, "handle.rewind")
	}

	h.snapshot = entries
	h.cursor = ""
	return nil
}

// ReleaseDir removes the directory handle.
func (t *Table) ReleaseDir(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handles[id].(*DirHandle); !ok {
		return fserr.New(fserr.KindInvalidArg, "handle.release_dir")
	}

	delete(t.handles, id)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(t.mu)
func (t *Table) nextLocked() ID {
	id := t.next
	t.next++
	return id
}

// checkAccess applies the owner/group/other permission bits.
func checkAccess(
	in *inodestore.Inode,
	uid, gid uint32,
	wantRead, wantWrite bool) error {
	var shift uint
	switch {
	case uid == 0:
		// Root passes.
		return nil
	case uid == in.Uid:
		shift = 6
	case gid == in.Gid:
		shift = 3
	default:
		shift = 0
	}

	perms := uint32(in.Mode.Perm()) >> shift

	if wantRead && perms&0b100 == 0 {
		return fserr.New(fserr.KindPermission, fmt.Sprintf("open inode %d", in.ID))
	}
	if wantWrite && perms&0b010 == 0 {
		return fserr.New(fserr.KindPermission, fmt.Sprintf("open inode %d", in.ID))
	}

	return nil
}
