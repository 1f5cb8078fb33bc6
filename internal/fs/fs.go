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

// Package fs bridges the kernel's FUSE operations onto the operation set:
// each callback builds the corresponding fsops op, runs it on the worker
// pool so slow backend I/O never blocks the dispatch thread, and translates
// errors to errno.
package fs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/eons-dev/truckeefs/internal/blockstore"
	"github.com/eons-dev/truckeefs/internal/fserr"
	"github.com/eons-dev/truckeefs/internal/fsops"
	"github.com/eons-dev/truckeefs/internal/handle"
	"github.com/eons-dev/truckeefs/internal/inodestore"
	"github.com/eons-dev/truckeefs/internal/logger"
	"github.com/eons-dev/truckeefs/ttlcache"
)

type ServerConfig struct {
	// Env is the operation environment built by the mount driver.
	Env *fsops.Env

	// Blocks feeds statfs.
	Blocks *blockstore.Store

	// CacheBytesMax bounds the reported filesystem size.
	CacheBytesMax int64

	// AttrTTL is how long the kernel may cache attributes and entries, and
	// the TTL of the local lookup cache.
	AttrTTL time.Duration

	// TraceOps logs every op and its result.
	TraceOps bool
}

// NewServer creates a fuse file system server for the supplied environment.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	if cfg.Env == nil {
		return nil, fmt.Errorf("fsops environment is required")
	}

	attrTTL := cfg.AttrTTL
	if attrTTL == 0 {
		attrTTL = time.Minute
	}

	fs := &fileSystem{
		env:           cfg.Env,
		blocks:        cfg.Blocks,
		cacheBytesMax: cfg.CacheBytesMax,
		attrTTL:       attrTTL,
		traceOps:      cfg.TraceOps,
		lookups:       ttlcache.New[string, inodestore.ID](attrTTL, attrTTL),
		dirOffsets:    make(map[fuseops.HandleID]fuseops.DirOffset),
	}

	return fuseutil.NewFileSystemServer(fs), nil
}

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	env    *fsops.Env
	blocks *blockstore.Store

	/////////////////////////
	// Constant data
	/////////////////////////

	cacheBytesMax int64
	attrTTL       time.Duration
	traceOps      bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Positive name-resolution cache, (parent, name) -> child ID. Entries
	// are dropped on any mutation of the name.
	lookups *ttlcache.Cache[string, inodestore.ID]

	mu sync.Mutex

	// Entries already consumed per open directory handle, to translate the
	// kernel's offset protocol onto the handle table's cursor.
	//
	// GUARDED_BY(mu)
	dirOffsets map[fuseops.HandleID]fuseops.DirOffset
}

// run executes an operation on the pool and waits for it, translating the
// error for the kernel. Metadata ops ride the priority lane.
func (fs *fileSystem) run(urgent bool, name string, apply func() error) error {
	var err error
	if fs.env.Exec == nil {
		err = apply()
	} else {
		done := make(chan error, 1)
		fs.env.Exec.Go(urgent, func() { done <- apply() })
		err = <-done
	}

	if fs.traceOps {
		logger.Debugf("fuse %s: %v", name, err)
	}

	if err != nil {
		if fserr.KindOf(err) == fserr.KindUnknown {
			logger.Errorf("fuse %s: %v", name, err)
		}
		return fserr.ToErrno(err)
	}
	return nil
}

func lookupKey(parent inodestore.ID, name string) string {
	return fmt.Sprintf("%d/%s", parent, name)
}

func (fs *fileSystem) fillEntry(entry *fuseops.ChildInodeEntry, in *inodestore.Inode) {
	entry.Child = fuseops.InodeID(in.ID)
	entry.Attributes = attributesFor(in)
	entry.AttributesExpiration = fs.env.Clock.Now().Add(fs.attrTTL)
	entry.EntryExpiration = entry.AttributesExpiration
}

func attributesFor(in *inodestore.Inode) fuseops.InodeAttributes {
	attrs := fuseops.InodeAttributes{
		Size:  uint64(in.Size),
		Nlink: in.Nlink,
		Mode:  in.Mode,
		Atime: in.Atime,
		Mtime: in.Mtime,
		Ctime: in.Ctime,
		Uid:   in.Uid,
		Gid:   in.Gid,
	}

	switch in.Kind {
	case inodestore.KindDir:
		attrs.Mode |= os.ModeDir
	case inodestore.KindSymlink:
		attrs.Mode |= os.ModeSymlink
	}

	return attrs
}

func direntTypeFor(kind inodestore.Kind) fuseutil.DirentType {
	switch kind {
	case inodestore.KindDir:
		return fuseutil.DT_Directory
	case inodestore.KindSymlink:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

////////////////////////////////////////////////////////////////////////
// Common ops
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) error {
	return fs.run(true, "StatFS", func() error {
		const blockSize = 4096

		total := uint64(fs.cacheBytesMax) / blockSize
		used := uint64(0)
		if fs.blocks != nil {
			used = uint64(fs.blocks.BytesUsed()) / blockSize
		}
		free := total - min(total, used)

		op.BlockSize = blockSize
		op.IoSize = blockSize
		op.Blocks = total
		op.BlocksFree = free
		op.BlocksAvailable = free
		return nil
	})
}

func (fs *fileSystem) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) error {
	return fs.run(true, "LookUpInode", func() error {
		parent := inodestore.ID(op.Parent)

		// Serve from the positive lookup cache when fresh.
		if id, ok := fs.lookups.Get(lookupKey(parent, op.Name)); ok {
			get := &fsops.GetAttrOp{InodeID: id}
			if err := get.Apply(ctx, fs.env); err == nil {
				fs.fillEntry(&op.Entry, get.Inode)
				return nil
			}
			fs.lookups.Delete(lookupKey(parent, op.Name))
		}

		lookup := &fsops.LookupOp{Parent: parent, Name: op.Name}
		if err := lookup.Apply(ctx, fs.env); err != nil {
			return err
		}

		fs.lookups.Set(lookupKey(parent, op.Name), lookup.Inode.ID)
		fs.fillEntry(&op.Entry, lookup.Inode)
		return nil
	})
}

func (fs *fileSystem) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) error {
	return fs.run(true, "GetInodeAttributes", func() error {
		get := &fsops.GetAttrOp{InodeID: inodestore.ID(op.Inode)}
		if err := get.Apply(ctx, fs.env); err != nil {
			return err
		}

		op.Attributes = attributesFor(get.Inode)
		op.AttributesExpiration = fs.env.Clock.Now().Add(fs.attrTTL)
		return nil
	})
}

func (fs *fileSystem) SetInodeAttributes(
	ctx context.Context,
	op *fuseops.SetInodeAttributesOp) error {
	return fs.run(false, "SetInodeAttributes", func() error {
		set := &fsops.SetAttrOp{
			InodeID: inodestore.ID(op.Inode),
			Mode:    op.Mode,
			Atime:   op.Atime,
			Mtime:   op.Mtime,
		}
		if op.Size != nil {
			size := int64(*op.Size)
			set.Size = &size
		}

		if err := set.Apply(ctx, fs.env); err != nil {
			return err
		}

		op.Attributes = attributesFor(set.Inode)
		op.AttributesExpiration = fs.env.Clock.Now().Add(fs.attrTTL)
		return nil
	})
}

func (fs *fileSystem) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) error {
	// Inode lifetimes are driven by link and handle counts in the stores,
	// not by kernel reference counts.
	return nil
}

////////////////////////////////////////////////////////////////////////
// Creation
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) MkDir(
	ctx context.Context,
	op *fuseops.MkDirOp) error {
	return fs.run(false, "MkDir", func() error {
		mk := &fsops.MkDirOp{
			Parent: inodestore.ID(op.Parent),
			Name:   op.Name,
			Mode:   op.Mode,
		}
		if err := mk.Apply(ctx, fs.env); err != nil {
			return err
		}

		fs.fillEntry(&op.Entry, mk.Inode)
		return nil
	})
}

func (fs *fileSystem) CreateFile(
	ctx context.Context,
	op *fuseops.CreateFileOp) error {
	return fs.run(false, "CreateFile", func() error {
		create := &fsops.CreateOp{
			Parent: inodestore.ID(op.Parent),
			Name:   op.Name,
			Mode:   op.Mode,
		}
		if err := create.Apply(ctx, fs.env); err != nil {
			return err
		}

		open := &fsops.OpenOp{
			InodeID: create.Inode.ID,
			Flags:   handle.ReadWrite,
			Uid:     fs.env.Uid,
			Gid:     fs.env.Gid,
		}
		if err := open.Apply(ctx, fs.env); err != nil {
			return err
		}

		fs.fillEntry(&op.Entry, create.Inode)
		op.Handle = fuseops.HandleID(open.Handle.ID)
		return nil
	})
}

func (fs *fileSystem) CreateSymlink(
	ctx context.Context,
	op *fuseops.CreateSymlinkOp) error {
	return fs.run(false, "CreateSymlink", func() error {
		sl := &fsops.SymlinkOp{
			Parent: inodestore.ID(op.Parent),
			Name:   op.Name,
			Target: op.Target,
		}
		if err := sl.Apply(ctx, fs.env); err != nil {
			return err
		}

		fs.fillEntry(&op.Entry, sl.Inode)
		return nil
	})
}

////////////////////////////////////////////////////////////////////////
// Unlinking and renaming
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) Rename(
	ctx context.Context,
	op *fuseops.RenameOp) error {
	return fs.run(false, "Rename", func() error {
		rename := &fsops.RenameOp{
			OldParent: inodestore.ID(op.OldParent),
			OldName:   op.OldName,
			NewParent: inodestore.ID(op.NewParent),
			NewName:   op.NewName,
		}
		if err := rename.Apply(ctx, fs.env); err != nil {
			return err
		}

		fs.lookups.Delete(lookupKey(inodestore.ID(op.OldParent), op.OldName))
		fs.lookups.Delete(lookupKey(inodestore.ID(op.NewParent), op.NewName))
		return nil
	})
}

func (fs *fileSystem) RmDir(
	ctx context.Context,
	op *fuseops.RmDirOp) error {
	return fs.run(false, "RmDir", func() error {
		rm := &fsops.RmDirOp{Parent: inodestore.ID(op.Parent), Name: op.Name}
		if err := rm.Apply(ctx, fs.env); err != nil {
			return err
		}

		fs.lookups.Delete(lookupKey(inodestore.ID(op.Parent), op.Name))
		return nil
	})
}

func (fs *fileSystem) Unlink(
	ctx context.Context,
	op *fuseops.UnlinkOp) error {
	return fs.run(false, "Unlink", func() error {
		unlink := &fsops.UnlinkOp{Parent: inodestore.ID(op.Parent), Name: op.Name}
		if err := unlink.Apply(ctx, fs.env); err != nil {
			return err
		}

		fs.lookups.Delete(lookupKey(inodestore.ID(op.Parent), op.Name))
		return nil
	})
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) error {
	return fs.run(true, "OpenDir", func() error {
		od := &fsops.OpenDirOp{
			InodeID: inodestore.ID(op.Inode),
			Uid:     fs.env.Uid,
			Gid:     fs.env.Gid,
		}
		if err := od.Apply(ctx, fs.env); err != nil {
			return err
		}

		op.Handle = fuseops.HandleID(od.Handle.ID)

		fs.mu.Lock()
		fs.dirOffsets[op.Handle] = 0
		fs.mu.Unlock()
		return nil
	})
}

func (fs *fileSystem) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) error {
	return fs.run(true, "ReadDir", func() error {
		fs.mu.Lock()
		consumed, ok := fs.dirOffsets[op.Handle]
		fs.mu.Unlock()
		if !ok {
			return fserr.New(fserr.KindInvalidArg, "fs.readdir")
		}

		// Offset zero after progress means rewinddir; anything else off the
		// cursor is a seekdir we cannot serve.
		if op.Offset == 0 && consumed != 0 {
			rewind := &fsops.RewindDirOp{Handle: handle.ID(op.Handle)}
			if err := rewind.Apply(ctx, fs.env); err != nil {
				return err
			}
			consumed = 0
		} else if op.Offset != consumed {
			return fserr.New(fserr.KindInvalidArg, "fs.readdir")
		}

		const batch = 128
		for {
			rd := &fsops.ReadDirOp{Handle: handle.ID(op.Handle), Max: batch}
			if err := rd.Apply(ctx, fs.env); err != nil {
				return err
			}
			if len(rd.Entries) == 0 {
				return nil
			}

			for _, e := range rd.Entries {
				consumed++
				n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
					Offset: consumed,
					Inode:  fuseops.InodeID(e.ChildID),
					Name:   e.Name,
					Type:   direntTypeFor(e.Kind),
				})
				if n == 0 {
					// Buffer full: the unreturned entry must reappear next
					// call, so back the cursor off by re-snapshotting is
					// wrong; instead remember we did not consume it.
					consumed--
					fs.rewindOneEntry(ctx, handle.ID(op.Handle), consumed)
					fs.setConsumed(op.Handle, consumed)
					return nil
				}
				op.BytesRead += n
			}

			fs.setConsumed(op.Handle, consumed)
		}
	})
}

// rewindOneEntry repositions the handle cursor to just after `consumed`
// entries by rewinding and fast-forwarding; the snapshot itself is stable so
// this is exact.
func (fs *fileSystem) rewindOneEntry(
	ctx context.Context,
	h handle.ID,
	consumed fuseops.DirOffset) {
	if err := fs.env.Handles.Rewind(ctx, h); err != nil {
		return
	}
	if consumed > 0 {
		rd := &fsops.ReadDirOp{Handle: h, Max: int(consumed)}
		_ = rd.Apply(ctx, fs.env)
	}
}

func (fs *fileSystem) setConsumed(h fuseops.HandleID, consumed fuseops.DirOffset) {
	fs.mu.Lock()
	fs.dirOffsets[h] = consumed
	fs.mu.Unlock()
}

func (fs *fileSystem) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) error {
	return fs.run(true, "ReleaseDirHandle", func() error {
		fs.mu.Lock()
		delete(fs.dirOffsets, op.Handle)
		fs.mu.Unlock()

		rel := &fsops.ReleaseDirOp{Handle: handle.ID(op.Handle)}
		return rel.Apply(ctx, fs.env)
	})
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) error {
	return fs.run(true, "OpenFile", func() error {
		get := &fsops.GetAttrOp{InodeID: inodestore.ID(op.Inode)}
		if err := get.Apply(ctx, fs.env); err != nil {
			return err
		}

		// The kernel enforces access with the mount owner's credentials;
		// request the widest mode the inode allows us.
		flags := handle.ReadOnly
		if get.Inode.Mode.Perm()&0o200 != 0 {
			flags = handle.ReadWrite
		}

		open := &fsops.OpenOp{
			InodeID: inodestore.ID(op.Inode),
			Flags:   flags,
			Uid:     fs.env.Uid,
			Gid:     fs.env.Gid,
		}
		if err := open.Apply(ctx, fs.env); err != nil {
			return err
		}

		op.Handle = fuseops.HandleID(open.Handle.ID)
		return nil
	})
}

func (fs *fileSystem) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) error {
	return fs.run(false, "ReadFile", func() error {
		rd := &fsops.ReadOp{
			Handle: handle.ID(op.Handle),
			Offset: op.Offset,
			Size:   op.Size,
		}
		if err := rd.Apply(ctx, fs.env); err != nil {
			return err
		}

		op.BytesRead = copy(op.Dst, rd.Data)
		return nil
	})
}

func (fs *fileSystem) WriteFile(
	ctx context.Context,
	op *fuseops.WriteFileOp) error {
	return fs.run(false, "WriteFile", func() error {
		wr := &fsops.WriteOp{
			Handle: handle.ID(op.Handle),
			Offset: op.Offset,
			Data:   op.Data,
		}
		return wr.Apply(ctx, fs.env)
	})
}

func (fs *fileSystem) SyncFile(
	ctx context.Context,
	op *fuseops.SyncFileOp) error {
	return fs.run(false, "SyncFile", func() error {
		sync := &fsops.FsyncOp{InodeID: inodestore.ID(op.Inode)}
		return sync.Apply(ctx, fs.env)
	})
}

func (fs *fileSystem) FlushFile(
	ctx context.Context,
	op *fuseops.FlushFileOp) error {
	return fs.run(false, "FlushFile", func() error {
		flush := &fsops.FlushOp{Handle: handle.ID(op.Handle)}
		return flush.Apply(ctx, fs.env)
	})
}

func (fs *fileSystem) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) error {
	return fs.run(false, "ReleaseFileHandle", func() error {
		rel := &fsops.ReleaseOp{Handle: handle.ID(op.Handle)}
		return rel.Apply(ctx, fs.env)
	})
}

func (fs *fileSystem) ReadSymlink(
	ctx context.Context,
	op *fuseops.ReadSymlinkOp) error {
	return fs.run(true, "ReadSymlink", func() error {
		rl := &fsops.ReadlinkOp{InodeID: inodestore.ID(op.Inode)}
		if err := rl.Apply(ctx, fs.env); err != nil {
			return err
		}

		op.Target = rl.Target
		return nil
	})
}
