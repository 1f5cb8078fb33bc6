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

// Package fsops holds the stateless operation objects, one per POSIX verb.
// An operation carries its inputs and outputs as fields and applies itself
// against the shared environment; dispatch is over the closed Op set, with
// no state of its own.
//
// Operations are re-entrant with respect to distinct inodes and serialized
// per inode through the cache manager's per-inode lockers.
package fsops

import (
	"context"
	"os"

	"github.com/eons-dev/truckeefs/clock"
	"github.com/eons-dev/truckeefs/internal/cache"
	"github.com/eons-dev/truckeefs/internal/exec"
	"github.com/eons-dev/truckeefs/internal/fserr"
	"github.com/eons-dev/truckeefs/internal/handle"
	"github.com/eons-dev/truckeefs/internal/inodestore"
	"github.com/eons-dev/truckeefs/internal/syncer"
)

// Env is the uniform environment every operation consumes.
type Env struct {
	Cache   *cache.Manager
	Sync    *syncer.Engine
	Handles *handle.Table
	Inodes  inodestore.Store
	Clock   clock.Clock

	// Exec schedules deferred work (unlink finalization). Nil runs it
	// inline, which tests rely on.
	Exec *exec.Executor

	// Ownership and mode bits for newly created inodes.
	Uid       uint32
	Gid       uint32
	FilePerms os.FileMode
	DirPerms  os.FileMode
}

// Op is one POSIX verb. Implementations carry their inputs and outputs as
// struct fields, jacobsa/fuse style.
type Op interface {
	Apply(ctx context.Context, env *Env) error
}

// schedule runs deferred work through the executor when present.
func (env *Env) schedule(task func()) {
	if env.Exec == nil {
		task()
		return
	}
	env.Exec.Go(false, task)
}

// touchParent stamps a parent directory mutation: times, version, and the
// meta-dirty bit that queues the directory for an upstream listing push.
func touchParent(ctx context.Context, env *Env, parentID inodestore.ID) error {
	for attempt := 0; attempt < 3; attempt++ {
		parent, err := env.Inodes.Get(ctx, parentID)
		if err != nil {
			return err
		}

		now := env.Clock.Now()
		expected := parent.Version
		parent.Mtime = now
		parent.Ctime = now
		parent.Dirty |= inodestore.MetaDirty
		parent.Version++

		err = env.Inodes.Update(ctx, parent, expected)
		if err == nil {
			env.Sync.NoteWrite(parentID)
			return nil
		}
		if !fserr.Is(err, fserr.KindStale) {
			return err
		}
	}
	return fserr.New(fserr.KindStale, "fsops.touch_parent")
}

// finalizeUnlink destroys an inode whose last name and last handle are both
// gone: remote delete, local block drop, row removal.
func finalizeUnlink(ctx context.Context, env *Env, in *inodestore.Inode) error {
	if err := env.Sync.Delete(ctx, in); err != nil {
		return err
	}

	l := env.Cache.InodeLocker(in.ID)
	l.Lock()
	err := env.Cache.DropInode(in.ID)
	l.Unlock()
	if err != nil {
		return err
	}

	err = env.Inodes.Delete(ctx, in.ID)
	if fserr.Is(err, fserr.KindNotFound) {
		err = nil
	}
	return err
}
