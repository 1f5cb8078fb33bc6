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
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/eons-dev/truckeefs/internal/fserr"
	"github.com/eons-dev/truckeefs/internal/handle"
	"github.com/eons-dev/truckeefs/internal/inodestore"
)

// OpenOp opens a file, validating permissions against the inode.
type OpenOp struct {
	InodeID inodestore.ID
	Flags   handle.Flags
	Uid     uint32
	Gid     uint32

	// Outputs.
	Handle *handle.FileHandle
}

func (op *OpenOp) Apply(ctx context.Context, env *Env) error {
	in, err := env.Inodes.Get(ctx, op.InodeID)
	if err != nil {
		return err
	}

	op.Handle, err = env.Handles.OpenFile(in, op.Flags, op.Uid, op.Gid)
	return err
}

// ReadOp reads from an open handle. Clamped to the file size; returns
// exactly the overlap. May pull on miss.
type ReadOp struct {
	Handle handle.ID
	Offset int64
	Size   int64

	// Outputs.
	Data []byte
}

func (op *ReadOp) Apply(ctx context.Context, env *Env) error {
	h, err := env.Handles.LookupFile(op.Handle)
	if err != nil {
		return err
	}

	op.Data, err = env.Cache.ReadAt(ctx, h.InodeID, op.Offset, op.Size)
	return err
}

// WriteOp stages a write through an open handle, extending the file if
// needed. O_APPEND handles land at EOF atomically against concurrent
// writers on the same inode.
type WriteOp struct {
	Handle handle.ID
	Offset int64
	Data   []byte

	// Outputs.
	BytesWritten int
}

func (op *WriteOp) Apply(ctx context.Context, env *Env) error {
	h, err := env.Handles.LookupFile(op.Handle)
	if err != nil {
		return err
	}

	if h.Flags.IsAppend() {
		_, op.BytesWritten, err = env.Cache.Append(ctx, h.InodeID, op.Data)
	} else {
		op.BytesWritten, err = env.Cache.WriteAt(ctx, h.InodeID, op.Offset, op.Data)
	}
	if err != nil {
		return err
	}

	env.Sync.NoteWrite(h.InodeID)
	return nil
}

// TruncateOp changes a file's size. Dropped and shortened blocks are
// handled by the cache; the inode goes data-dirty.
type TruncateOp struct {
	InodeID inodestore.ID
	NewSize int64
}

func (op *TruncateOp) Apply(ctx context.Context, env *Env) error {
	if err := env.Cache.Truncate(ctx, op.InodeID, op.NewSize); err != nil {
		return err
	}
	env.Sync.NoteWrite(op.InodeID)
	return nil
}

// ReleaseOp closes a file handle. The last close of an unlinked inode
// triggers its destruction, including the remote delete.
type ReleaseOp struct {
	Handle handle.ID
}

func (op *ReleaseOp) Apply(ctx context.Context, env *Env) error {
	inodeID, last, err := env.Handles.ReleaseFile(op.Handle)
	if err != nil {
		return err
	}
	if !last {
		return nil
	}

	in, err := env.Inodes.Get(ctx, inodeID)
	if fserr.Is(err, fserr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if in.Nlink == 0 {
		env.schedule(func() {
			_ = finalizeUnlink(context.WithoutCancel(ctx), env, in)
		})
	}
	return nil
}

// FlushOp answers close(2). Locally staged writes are already durable; the
// flush only nudges the background push forward, it does not wait for it.
type FlushOp struct {
	Handle handle.ID
}

func (op *FlushOp) Apply(ctx context.Context, env *Env) error {
	h, err := env.Handles.LookupFile(op.Handle)
	if err != nil {
		return err
	}

	in, err := env.Inodes.Get(ctx, h.InodeID)
	if err != nil {
		return err
	}
	if in.Dirty.IsClean() {
		return nil
	}

	id := h.InodeID
	if env.Exec != nil {
		env.Exec.EnqueuePush(id, func() {
			_ = env.Sync.PushInode(context.WithoutCancel(ctx), id)
		})
	}
	return nil
}

// FsyncOp forces an upstream push and returns only after success or
// permanent failure; this is durability, not merely a cache flush. BUSY is
// retried with backoff; exhausted backend failures degrade the mount to
// read-only.
type FsyncOp struct {
	InodeID inodestore.ID
}

func (op *FsyncOp) Apply(ctx context.Context, env *Env) error {
	backoff := gax.Backoff{
		Initial:    50 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2,
	}

	const busyRetries = 10

	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = env.Sync.PushInode(ctx, op.InodeID)
		if !fserr.Is(err, fserr.KindBusy) {
			break
		}
		if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
			return sleepErr
		}
	}

	if err == nil {
		env.Cache.UpdateDirtyGauge()
		return nil
	}

	// Writes already acknowledged can no longer be made durable upstream:
	// degrade rather than drop them.
	if fserr.Is(err, fserr.KindBackendUnavailable) {
		env.Cache.EnterDegraded(ctx, "fsync exhausted retries against unreachable backend")
	}
	return err
}
