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

package syncer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/eons-dev/truckeefs/internal/blockstore"
	"github.com/eons-dev/truckeefs/internal/coordstore"
	"github.com/eons-dev/truckeefs/internal/fserr"
	"github.com/eons-dev/truckeefs/internal/inodestore"
	"github.com/eons-dev/truckeefs/internal/logger"
	"github.com/eons-dev/truckeefs/internal/remote"
)

// PullBlocks hydrates the given blocks of a file inode from the remote.
//
// Phases: Before acquires a shared pull lease; main fetches block ranges in
// parallel, bounded by the global and per-inode download semaphores; After
// releases the lease, bumps the inode version, and publishes a pulled event.
//
// Cancellation aborts outstanding fetches, but blocks already written are
// retained.
func (e *Engine) PullBlocks(
	ctx context.Context,
	id inodestore.ID,
	indices []int64) (err error) {
	if len(indices) == 0 {
		return nil
	}

	in, err := e.inodes.Get(ctx, id)
	if err != nil {
		return err
	}
	if in.RemoteRef == "" {
		// Nothing upstream yet; content exists only locally.
		return nil
	}

	// Before.
	if err = e.acquirePullLease(ctx, id); err != nil {
		return err
	}
	defer e.releasePullLease(context.WithoutCancel(ctx), id)

	if e.hooks.BeforePull != nil {
		if err = e.hooks.BeforePull(ctx, id); err != nil {
			return err
		}
	}

	e.setState(id, StatePulling)
	defer func() {
		if in.Dirty.IsClean() {
			e.setState(id, StateIdle)
		} else {
			e.setState(id, StateDirty)
		}
	}()

	// Main: fetch blocks in parallel.
	ref := remote.Ref(in.RemoteRef)
	blockSize := e.blocks.BlockSize()
	perInode := e.perInodeSem(id)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, index := range indices {
		index := index
		group.Go(func() error {
			if err := e.dlGlobal.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer e.dlGlobal.Release(1)

			if err := perInode.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer perInode.Release(1)

			rng := &remote.ByteRange{
				Start: index * blockSize,
				Limit: (index + 1) * blockSize,
			}
			if rng.Start >= in.Size {
				return nil
			}

			data, err := e.backend.GetObject(groupCtx, ref, rng)
			if err != nil {
				return fmt.Errorf("fetch block %d: %w", index, err)
			}

			err = e.blocks.PutClean(int64(id), index, data)
			if err == blockstore.ErrDirty {
				// A local write landed while we fetched; it wins.
				return nil
			}
			return err
		})
	}

	if err = group.Wait(); err != nil {
		e.metrics.IncPullFailures()
		return err
	}

	// After.
	newVersion, err := e.bumpVersionAfterPull(ctx, id)
	if err != nil {
		return err
	}

	e.metrics.IncPulls()
	e.publish(ctx, "pulled", id, newVersion)

	if e.hooks.AfterPull != nil {
		e.hooks.AfterPull(ctx, id, newVersion)
	}
	return nil
}

// PullDir refreshes a directory's children from the remote listing,
// replacing the local entry set atomically.
//
// Merge semantics: remote entries are unioned with local children that have
// never been pushed (local adds win); local children that were pushed but no
// longer appear remotely are dropped if clean and kept if dirty.
func (e *Engine) PullDir(ctx context.Context, id inodestore.ID) (err error) {
	in, err := e.inodes.Get(ctx, id)
	if err != nil {
		return err
	}
	if in.Kind != inodestore.KindDir {
		return fserr.New(fserr.KindNotDir, "syncer.pull_dir")
	}
	if in.RemoteRef == "" {
		return nil
	}

	// Before.
	if err = e.acquirePullLease(ctx, id); err != nil {
		return err
	}
	defer e.releasePullLease(context.WithoutCancel(ctx), id)

	if e.hooks.BeforePull != nil {
		if err = e.hooks.BeforePull(ctx, id); err != nil {
			return err
		}
	}

	e.setState(id, StatePulling)
	defer e.setState(id, StateIdle)

	// Main.
	remoteEntries, err := e.backend.GetDir(ctx, remote.Ref(in.RemoteRef))
	if err != nil {
		e.metrics.IncPullFailures()
		return err
	}

	entries, err := e.mergeListing(ctx, in, remoteEntries)
	if err != nil {
		return err
	}

	if err = e.inodes.ReplaceChildren(ctx, id, entries); err != nil {
		return err
	}

	// After.
	newVersion, err := e.bumpVersionAfterPull(ctx, id)
	if err != nil {
		return err
	}

	e.metrics.IncPulls()
	e.publish(ctx, "pulled", id, newVersion)

	if e.hooks.AfterPull != nil {
		e.hooks.AfterPull(ctx, id, newVersion)
	}
	return nil
}

// mergeListing reconciles a remote listing with local children, minting
// inode rows for remotely-discovered names and keeping never-pushed local
// children alive.
func (e *Engine) mergeListing(
	ctx context.Context,
	parent *inodestore.Inode,
	remoteEntries []remote.DirEntry) (entries []inodestore.DirEntry, err error) {
	local, err := e.inodes.ListChildren(ctx, parent.ID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(remoteEntries))
	for _, re := range remoteEntries {
		seen[re.Name] = struct{}{}

		child, err := e.inodes.GetByPath(ctx, parent.ID, re.Name)
		switch {
		case fserr.Is(err, fserr.KindNotFound):
			// First discovery of a remote object: mint a row.
			child, err = e.mintRemoteChild(ctx, parent, re)
			if err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		default:
			// Known name. Track a remote replacement unless local state is
			// dirty, in which case the push path will reconcile.
			if child.RemoteRef != string(re.Ref) && child.Dirty.IsClean() {
				expected := child.Version
				child.RemoteRef = string(re.Ref)
				if child.Kind == inodestore.KindFile {
					child.Size = re.Size
				}
				if !re.Mtime.IsZero() {
					child.Mtime = re.Mtime
				}
				child.Version++
				if updateErr := e.inodes.Update(ctx, child, expected); updateErr != nil &&
					!fserr.Is(updateErr, fserr.KindStale) {
					return nil, updateErr
				}
				// Cached blocks belong to the old generation.
				if dropErr := e.dropCleanBlocks(child.ID); dropErr != nil {
					return nil, dropErr
				}
			}
		}

		entries = append(entries, inodestore.DirEntry{
			ParentID: parent.ID,
			Name:     re.Name,
			ChildID:  child.ID,
			Kind:     child.Kind,
		})
	}

	// Union: keep local children the remote has never heard of.
	for _, le := range local {
		if _, ok := seen[le.Name]; ok {
			continue
		}
		child, err := e.inodes.Get(ctx, le.ChildID)
		if err != nil {
			continue
		}
		if child.RemoteRef == "" || !child.Dirty.IsClean() {
			entries = append(entries, le)
		}
	}

	return entries, nil
}

// mintRemoteChild creates the inode row for an object discovered in a
// remote listing.
func (e *Engine) mintRemoteChild(
	ctx context.Context,
	parent *inodestore.Inode,
	re remote.DirEntry) (*inodestore.Inode, error) {
	now := e.clock.Now()

	child := &inodestore.Inode{
		Mode:         parent.Mode &^ 0o111,
		Uid:          parent.Uid,
		Gid:          parent.Gid,
		Nlink:        1,
		RemoteRef:    string(re.Ref),
		ParentID:     parent.ID,
		NameInParent: re.Name,
		Atime:        now,
		Ctime:        now,
		Mtime:        re.Mtime,
		LastSyncTs:   now,
	}
	if child.Mtime.IsZero() {
		child.Mtime = now
	}

	switch re.Kind {
	case remote.KindDir:
		child.Kind = inodestore.KindDir
		child.Mode = parent.Mode
		child.Nlink = 2
	case remote.KindSymlink:
		child.Kind = inodestore.KindSymlink
		child.SymlinkTarget = re.Target
	default:
		child.Kind = inodestore.KindFile
		child.Size = re.Size
	}

	if _, err := e.inodes.Insert(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// dropCleanBlocks evicts every clean cached block of the inode; dirty blocks
// stay for the push path to reconcile.
func (e *Engine) dropCleanBlocks(id inodestore.ID) error {
	blocks, err := e.blocks.Iterate(int64(id))
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if b.Sidecar.Dirty {
			continue
		}
		if err := e.blocks.Evict(int64(id), b.Index); err != nil &&
			err != blockstore.ErrMissing && err != blockstore.ErrDirty {
			return err
		}
	}
	return nil
}

// bumpVersionAfterPull increments the inode version, tolerating concurrent
// bumps (the version moved anyway, which is all the increment promises).
func (e *Engine) bumpVersionAfterPull(
	ctx context.Context,
	id inodestore.ID) (newVersion int64, err error) {
	for attempt := 0; attempt < 3; attempt++ {
		in, err := e.inodes.Get(ctx, id)
		if err != nil {
			return 0, err
		}

		expected := in.Version
		in.Version++
		in.LastSyncTs = e.clock.Now()

		err = e.inodes.Update(ctx, in, expected)
		if err == nil {
			return in.Version, nil
		}
		if !fserr.Is(err, fserr.KindStale) {
			return 0, err
		}
	}

	// Lost every race: someone else is bumping versions, which satisfies
	// monotonicity on its own.
	in, err := e.inodes.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return in.Version, nil
}

func (e *Engine) publish(ctx context.Context, typ string, id inodestore.ID, version int64) {
	err := e.coord.Publish(context.WithoutCancel(ctx), "sync", coordstore.Event{
		Type:    typ,
		InodeID: int64(id),
		Version: version,
	})
	if err != nil {
		logger.Warnf("publish %s event for inode %d: %v", typ, id, err)
	}
}
