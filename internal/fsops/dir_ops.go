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

package fsops

import (
	"context"
	"os"
	"time"

	"github.com/eons-dev/truckeefs/internal/fserr"
	"github.com/eons-dev/truckeefs/internal/handle"
	"github.com/eons-dev/truckeefs/internal/inodestore"
)

// LookupOp resolves one name under a parent directory. A local miss against
// a remotely-backed parent refreshes the listing once: inodes are created on
// first remote discovery.
type LookupOp struct {
	Parent inodestore.ID
	Name   string

	// Outputs.
	Inode *inodestore.Inode
}

func (op *LookupOp) Apply(ctx context.Context, env *Env) error {
	in, err := env.Inodes.GetByPath(ctx, op.Parent, op.Name)
	if err == nil {
		op.Inode = in
		return nil
	}
	if !fserr.Is(err, fserr.KindNotFound) {
		return err
	}

	parent, err := env.Inodes.Get(ctx, op.Parent)
	if err != nil {
		return err
	}
	if parent.Kind != inodestore.KindDir {
		return fserr.New(fserr.KindNotDir, "fsops.lookup")
	}
	if parent.RemoteRef == "" {
		return fserr.New(fserr.KindNotFound, "fsops.lookup")
	}

	// The name may exist upstream without a local row yet.
	if err = env.Sync.PullDir(ctx, op.Parent); err != nil {
		return err
	}

	op.Inode, err = env.Inodes.GetByPath(ctx, op.Parent, op.Name)
	return err
}

// GetAttrOp returns an inode's current attributes.
type GetAttrOp struct {
	InodeID inodestore.ID

	// Outputs.
	Inode *inodestore.Inode
}

func (op *GetAttrOp) Apply(ctx context.Context, env *Env) error {
	in, err := env.Inodes.Get(ctx, op.InodeID)
	if err != nil {
		return err
	}
	op.Inode = in
	return nil
}

// SetAttrOp updates mode, times, or size. Size changes route through the
// truncate path; the rest is a metadata mutation.
type SetAttrOp struct {
	InodeID inodestore.ID

	Mode  *os.FileMode
	Atime *time.Time
	Mtime *time.Time
	Size  *int64

	// Outputs.
	Inode *inodestore.Inode
}

func (op *SetAttrOp) Apply(ctx context.Context, env *Env) error {
	if op.Size != nil {
		truncate := &TruncateOp{InodeID: op.InodeID, NewSize: *op.Size}
		if err := truncate.Apply(ctx, env); err != nil {
			return err
		}
	}

	if op.Mode != nil || op.Atime != nil || op.Mtime != nil {
		for attempt := 0; ; attempt++ {
			in, err := env.Inodes.Get(ctx, op.InodeID)
			if err != nil {
				return err
			}

			expected := in.Version
			if op.Mode != nil {
				in.Mode = (in.Mode &^ os.ModePerm) | (*op.Mode & os.ModePerm)
			}
			if op.Atime != nil {
				in.Atime = *op.Atime
			}
			if op.Mtime != nil {
				in.Mtime = *op.Mtime
			}
			in.Ctime = env.Clock.Now()
			in.Dirty |= inodestore.MetaDirty
			in.Version++

			err = env.Inodes.Update(ctx, in, expected)
			if err == nil {
				env.Sync.NoteWrite(op.InodeID)
				break
			}
			if !fserr.Is(err, fserr.KindStale) || attempt >= 2 {
				return err
			}
		}
	}

	in, err := env.Inodes.Get(ctx, op.InodeID)
	if err != nil {
		return err
	}
	op.Inode = in
	return nil
}

// CreateOp makes a new empty file under a parent.
type CreateOp struct {
	Parent inodestore.ID
	Name   string
	Mode   os.FileMode

	// Outputs.
	Inode *inodestore.Inode
}

func (op *CreateOp) Apply(ctx context.Context, env *Env) error {
	now := env.Clock.Now()
	mode := op.Mode
	if mode == 0 {
		mode = env.FilePerms
	}

	in := &inodestore.Inode{
		Kind:         inodestore.KindFile,
		Mode:         mode & os.ModePerm,
		Uid:          env.Uid,
		Gid:          env.Gid,
		Nlink:        1,
		ParentID:     op.Parent,
		NameInParent: op.Name,
		Atime:        now, Mtime: now, Ctime: now,
		Dirty: inodestore.DataDirty,
	}

	if _, err := env.Inodes.Insert(ctx, in); err != nil {
		return err
	}

	if err := touchParent(ctx, env, op.Parent); err != nil {
		return err
	}

	env.Sync.NoteWrite(in.ID)
	op.Inode = in
	return nil
}

// MkDirOp makes a new empty directory under a parent.
type MkDirOp struct {
	Parent inodestore.ID
	Name   string
	Mode   os.FileMode

	// Outputs.
	Inode *inodestore.Inode
}

func (op *MkDirOp) Apply(ctx context.Context, env *Env) error {
	now := env.Clock.Now()
	mode := op.Mode
	if mode == 0 {
		mode = env.DirPerms
	}

	in := &inodestore.Inode{
		Kind:         inodestore.KindDir,
		Mode:         mode & os.ModePerm,
		Uid:          env.Uid,
		Gid:          env.Gid,
		Nlink:        2,
		ParentID:     op.Parent,
		NameInParent: op.Name,
		Atime:        now, Mtime: now, Ctime: now,
		Dirty: inodestore.MetaDirty,
	}

	if _, err := env.Inodes.Insert(ctx, in); err != nil {
		return err
	}

	if err := touchParent(ctx, env, op.Parent); err != nil {
		return err
	}

	env.Sync.NoteWrite(in.ID)
	op.Inode = in
	return nil
}

// SymlinkOp makes a symlink under a parent.
type SymlinkOp struct {
	Parent inodestore.ID
	Name   string
	Target string

	// Outputs.
	Inode *inodestore.Inode
}

func (op *SymlinkOp) Apply(ctx context.Context, env *Env) error {
	now := env.Clock.Now()

	in := &inodestore.Inode{
		Kind:          inodestore.KindSymlink,
		Mode:          0777,
		Uid:           env.Uid,
		Gid:           env.Gid,
		Nlink:         1,
		ParentID:      op.Parent,
		NameInParent:  op.Name,
		SymlinkTarget: op.Target,
		Atime:         now, Mtime: now, Ctime: now,
		Dirty: inodestore.MetaDirty,
	}

	if _, err := env.Inodes.Insert(ctx, in); err != nil {
		return err
	}

	if err := touchParent(ctx, env, op.Parent); err != nil {
		return err
	}

	env.Sync.NoteWrite(in.ID)
	op.Inode = in
	return nil
}

// ReadlinkOp reads a symlink's target.
type ReadlinkOp struct {
	InodeID inodestore.ID

	// Outputs.
	Target string
}

func (op *ReadlinkOp) Apply(ctx context.Context, env *Env) error {
	in, err := env.Inodes.Get(ctx, op.InodeID)
	if err != nil {
		return err
	}
	if in.Kind != inodestore.KindSymlink {
		return fserr.New(fserr.KindInvalidArg, "fsops.readlink")
	}

	op.Target = in.SymlinkTarget
	return nil
}

// UnlinkOp removes a file's name. The inode dies when its link count and
// open handle count both reach zero; until then reads through held handles
// keep working while the name is gone from listings.
type UnlinkOp struct {
	Parent inodestore.ID
	Name   string
}

func (op *UnlinkOp) Apply(ctx context.Context, env *Env) error {
	child, err := env.Inodes.GetByPath(ctx, op.Parent, op.Name)
	if err != nil {
		return err
	}
	if child.Kind == inodestore.KindDir {
		return fserr.New(fserr.KindIsDir, "fsops.unlink")
	}

	if err = env.Inodes.RemoveEntry(ctx, op.Parent, op.Name); err != nil {
		return err
	}

	// Drop the link count on the surviving row.
	for attempt := 0; attempt < 3; attempt++ {
		expected := child.Version
		if child.Nlink > 0 {
			child.Nlink--
		}
		child.Ctime = env.Clock.Now()
		child.Version++

		err = env.Inodes.Update(ctx, child, expected)
		if err == nil {
			break
		}
		if !fserr.Is(err, fserr.KindStale) {
			return err
		}
		if child, err = env.Inodes.Get(ctx, child.ID); err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}

	if err = touchParent(ctx, env, op.Parent); err != nil {
		return err
	}

	if child.Nlink == 0 && env.Handles.OpenCount(child.ID) == 0 {
		final := child
		env.schedule(func() {
			_ = finalizeUnlink(context.WithoutCancel(ctx), env, final)
		})
	}
	// Otherwise the inode is orphaned; the last ReleaseOp finalizes it.

	return nil
}

// RmDirOp removes an empty directory.
type RmDirOp struct {
	Parent inodestore.ID
	Name   string
}

func (op *RmDirOp) Apply(ctx context.Context, env *Env) error {
	child, err := env.Inodes.GetByPath(ctx, op.Parent, op.Name)
	if err != nil {
		return err
	}
	if child.Kind != inodestore.KindDir {
		return fserr.New(fserr.KindNotDir, "fsops.rmdir")
	}

	children, err := env.Inodes.ListChildren(ctx, child.ID)
	if err != nil {
		return err
	}
	if len(children) != 0 {
		return fserr.New(fserr.KindNotEmpty, "fsops.rmdir")
	}

	if err = env.Inodes.RemoveEntry(ctx, op.Parent, op.Name); err != nil {
		return err
	}

	if err = touchParent(ctx, env, op.Parent); err != nil {
		return err
	}

	final := child
	env.schedule(func() {
		_ = finalizeUnlink(context.WithoutCancel(ctx), env, final)
	})

	return nil
}

// RenameOp atomically moves (old parent, old name) to (new parent, new
// name), replacing any existing destination per POSIX.
type RenameOp struct {
	OldParent inodestore.ID
	OldName   string
	NewParent inodestore.ID
	NewName   string
}

func (op *RenameOp) Apply(ctx context.Context, env *Env) error {
	// Refuse to replace a non-empty directory.
	if existing, err := env.Inodes.GetByPath(ctx, op.NewParent, op.NewName); err == nil {
		if existing.Kind == inodestore.KindDir {
			children, err := env.Inodes.ListChildren(ctx, existing.ID)
			if err != nil {
				return err
			}
			if len(children) != 0 {
				return fserr.New(fserr.KindNotEmpty, "fsops.rename")
			}
		}
	}

	replaced, err := env.Inodes.Rename(ctx, op.OldParent, op.OldName, op.NewParent, op.NewName)
	if err != nil {
		return err
	}

	if err = touchParent(ctx, env, op.OldParent); err != nil {
		return err
	}
	if op.NewParent != op.OldParent {
		if err = touchParent(ctx, env, op.NewParent); err != nil {
			return err
		}
	}

	// The replaced target loses its last name.
	if replaced != 0 {
		victim, err := env.Inodes.Get(ctx, replaced)
		if err == nil {
			victim.Nlink = 0
			expected := victim.Version
			victim.Version++
			_ = env.Inodes.Update(ctx, victim, expected)

			if env.Handles.OpenCount(replaced) == 0 {
				env.schedule(func() {
					_ = finalizeUnlink(context.WithoutCancel(ctx), env, victim)
				})
			}
		}
	}

	return nil
}

// OpenDirOp opens a directory for enumeration, snapshotting its entries.
type OpenDirOp struct {
	InodeID inodestore.ID
	Uid     uint32
	Gid     uint32

	// Outputs.
	Handle *handle.DirHandle
}

func (op *OpenDirOp) Apply(ctx context.Context, env *Env) error {
	in, err := env.Inodes.Get(ctx, op.InodeID)
	if err != nil {
		return err
	}

	op.Handle, err = env.Handles.OpenDir(ctx, in, op.Uid, op.Gid)
	return err
}

// ReadDirOp returns the next batch of entries from the handle's snapshot.
type ReadDirOp struct {
	Handle handle.ID
	Max    int

	// Outputs.
	Entries []inodestore.DirEntry
}

func (op *ReadDirOp) Apply(ctx context.Context, env *Env) error {
	entries, err := env.Handles.ReadDir(op.Handle, op.Max)
	if err != nil {
		return err
	}
	op.Entries = entries
	return nil
}

// RewindDirOp resets a directory handle with a fresh snapshot.
type RewindDirOp struct {
	Handle handle.ID
}

func (op *RewindDirOp) Apply(ctx context.Context, env *Env) error {
	return env.Handles.Rewind(ctx, op.Handle)
}

// ReleaseDirOp closes a directory handle.
type ReleaseDirOp struct {
	Handle handle.ID
}

func (op *ReleaseDirOp) Apply(ctx context.Context, env *Env) error {
	return env.Handles.ReleaseDir(op.Handle)
}
