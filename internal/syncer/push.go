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
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/eons-dev/truckeefs/internal/blockstore"
	"github.com/eons-dev/truckeefs/internal/fserr"
	"github.com/eons-dev/truckeefs/internal/inodestore"
	"github.com/eons-dev/truckeefs/internal/logger"
	"github.com/eons-dev/truckeefs/internal/remote"
)

// pushSnapshot is what PushInode captures under the inode lock before the
// upload begins.
type pushSnapshot struct {
	inode       inodestore.Inode
	dirtyBlocks []int64
}

// PushInode reconciles a dirty inode upstream. A clean inode is a no-op
// returning nil.
//
// Phases: Before acquires the exclusive per-inode push lock (BUSY when held)
// and snapshots version plus the dirty block set under the local per-inode
// mutex. Main uploads the content (or applies the child set, for a
// directory) and commits the new remote ref with a compare-and-set on the
// snapshot version; losing the version race triggers a rebase and a bounded
// retry. After marks pushed blocks clean under the snapshot version, so
// writes that landed mid-push stay dirty for the next pass.
//
// An in-flight push is deliberately not cancellable: abandoning a partial
// upload risks orphaned remote objects.
func (e *Engine) PushInode(ctx context.Context, id inodestore.ID) (err error) {
	// Detach from cancellation for the duration of the push.
	ctx = context.WithoutCancel(ctx)

	if err = e.ulGlobal.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.ulGlobal.Release(1)

	if e.hooks.BeforePush != nil {
		if err = e.hooks.BeforePush(ctx, id); err != nil {
			return err
		}
	}

	var newVersion int64
	err = e.withPushLock(ctx, id, func(ctx context.Context) error {
		backoff := gax.Backoff{
			Initial:    100 * time.Millisecond,
			Max:        10 * time.Second,
			Multiplier: 2,
		}

		for attempt := 1; ; attempt++ {
			newVersion, err = e.pushOnce(ctx, id)
			if err == nil {
				return nil
			}
			if !fserr.Is(err, fserr.KindStale) {
				return err
			}

			// Lost the version race: rebase and retry.
			e.metrics.IncPushRebases()
			if attempt >= e.cfg.PushRetries {
				return fmt.Errorf("push did not converge after %d attempts: %w",
					attempt, err)
			}

			e.setState(id, StateRebasing)
			if rebaseErr := e.rebase(ctx, id); rebaseErr != nil {
				return rebaseErr
			}
			e.setState(id, StateDirty)

			if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
				return sleepErr
			}
		}
	})

	if err != nil {
		if !fserr.Is(err, fserr.KindBusy) {
			e.metrics.IncPushFailures()
		}
		return err
	}

	// A clean inode was a no-op; there is nothing to announce.
	if newVersion == 0 {
		return nil
	}

	e.metrics.IncPushes()
	e.publish(ctx, "pushed", id, newVersion)

	if e.hooks.AfterPush != nil {
		e.hooks.AfterPush(ctx, id, newVersion)
	}
	return nil
}

// pushOnce performs one snapshot/upload/commit cycle. Returns a STALE error
// when the commit loses the version race.
func (e *Engine) pushOnce(
	ctx context.Context,
	id inodestore.ID) (newVersion int64, err error) {
	snap, clean, err := e.snapshot(ctx, id)
	if err != nil || clean {
		return 0, err
	}

	e.setState(id, StatePushing)

	switch snap.inode.Kind {
	case inodestore.KindDir:
		newVersion, err = e.pushDir(ctx, snap)
	case inodestore.KindSymlink:
		newVersion, err = e.pushSymlink(ctx, snap)
	default:
		newVersion, err = e.pushFile(ctx, snap)
	}
	if err != nil {
		return 0, err
	}

	e.setState(id, StateIdle)
	return newVersion, nil
}

// snapshot captures the inode row and its dirty block set under the
// per-inode mutex. clean is true when there is nothing to push.
func (e *Engine) snapshot(
	ctx context.Context,
	id inodestore.ID) (snap pushSnapshot, clean bool, err error) {
	l := e.lockers.ForInode(int64(id))
	l.Lock()
	defer l.Unlock()

	in, err := e.inodes.Get(ctx, id)
	if err != nil {
		return pushSnapshot{}, false, err
	}

	// Idempotence: pushing a clean inode is a no-op.
	if in.Dirty.IsClean() {
		return pushSnapshot{}, true, nil
	}

	snap.inode = *in

	blocks, err := e.blocks.Iterate(int64(id))
	if err != nil {
		return pushSnapshot{}, false, err
	}
	for _, b := range blocks {
		if b.Sidecar.Dirty {
			snap.dirtyBlocks = append(snap.dirtyBlocks, b.Index)
		}
	}

	return snap, false, nil
}

////////////////////////////////////////////////////////////////////////
// Files
////////////////////////////////////////////////////////////////////////

func (e *Engine) pushFile(
	ctx context.Context,
	snap pushSnapshot) (newVersion int64, err error) {
	in := snap.inode

	// Detect an out-of-band remote replacement before uploading over it.
	remoteMtime, remoteRef, err := e.remoteEntryState(ctx, &in)
	if err != nil {
		return 0, err
	}
	if remoteRef != "" && string(remoteRef) != in.RemoteRef {
		if !e.merge.KeepLocal(&in, remoteMtime) {
			// Remote wins: adopt its copy and drop local dirt.
			return e.adoptRemote(ctx, in.ID, remoteRef)
		}
		// Local wins: rebase onto the remote copy for untouched ranges,
		// then fall through and overwrite.
		if err = e.rebaseOntoRef(ctx, &in, remoteRef); err != nil {
			return 0, err
		}
	}

	// The object store writes whole objects; hydrate any block we have
	// never fetched so the upload is complete.
	if err = e.hydrateForUpload(ctx, &in); err != nil {
		return 0, err
	}

	content, err := e.assembleContent(&in)
	if err != nil {
		return 0, err
	}

	newRef, err := e.backend.PutObject(ctx, content)
	if err != nil {
		return 0, err
	}

	// Commit locally, conditional on the snapshot version.
	committed := in
	committed.RemoteRef = string(newRef)
	committed.LastSyncTs = e.clock.Now()
	committed.Dirty = inodestore.Clean
	committed.Version = in.Version + 1

	if err = e.inodes.Update(ctx, &committed, in.Version); err != nil {
		// Discard the new ref; the retry will upload afresh.
		return 0, err
	}

	// Link into the parent's remote directory. The local commit already
	// happened; a failure here leaves the row meta-dirty so a later push
	// relinks.
	if err = e.linkIntoParent(ctx, &committed); err != nil {
		e.markMetaDirty(ctx, in.ID)
		return 0, err
	}

	// Mark blocks clean under the snapshot version; blocks dirtied after
	// the snapshot refuse and stay dirty. If any block stayed dirty, the
	// mask must say so.
	anyStillDirty := false
	for _, index := range snap.dirtyBlocks {
		err := e.blocks.MarkClean(int64(in.ID), index, in.Version)
		switch err {
		case nil, blockstore.ErrMissing:
		case blockstore.ErrVersionMismatch:
			anyStillDirty = true
		default:
			return 0, err
		}
	}
	if anyStillDirty {
		e.markDataDirty(ctx, in.ID)
	}

	return committed.Version, nil
}

// remoteEntryState reads the inode's entry in its parent's remote directory,
// returning the zero ref when the parent has no remote presence or the entry
// is absent.
func (e *Engine) remoteEntryState(
	ctx context.Context,
	in *inodestore.Inode) (mtime time.Time, ref remote.Ref, err error) {
	if in.ParentID == 0 {
		return time.Time{}, "", nil
	}

	parent, err := e.inodes.Get(ctx, in.ParentID)
	if err != nil || parent.RemoteRef == "" {
		if fserr.Is(err, fserr.KindNotFound) {
			err = nil
		}
		return time.Time{}, "", err
	}

	entries, err := e.backend.GetDir(ctx, remote.Ref(parent.RemoteRef))
	if fserr.Is(err, fserr.KindNotFound) {
		return time.Time{}, "", nil
	}
	if err != nil {
		return time.Time{}, "", err
	}

	for _, re := range entries {
		if re.Name == in.NameInParent {
			return re.Mtime, re.Ref, nil
		}
	}
	return time.Time{}, "", nil
}

// adoptRemote discards local modifications in favor of the remote copy.
func (e *Engine) adoptRemote(
	ctx context.Context,
	id inodestore.ID,
	ref remote.Ref) (newVersion int64, err error) {
	l := e.lockers.ForInode(int64(id))
	l.Lock()
	defer l.Unlock()

	in, err := e.inodes.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	// Dirty blocks lose; drop them all so reads refetch.
	if err = e.blocks.DropInode(int64(id)); err != nil {
		return 0, err
	}

	data, err := e.backend.GetObject(ctx, ref, nil)
	if err != nil {
		return 0, err
	}

	expected := in.Version
	in.RemoteRef = string(ref)
	in.Size = int64(len(data))
	in.Dirty = inodestore.Clean
	in.LastSyncTs = e.clock.Now()
	in.Version++

	if err = e.inodes.Update(ctx, in, expected); err != nil {
		return 0, err
	}

	e.setState(id, StateIdle)
	logger.Infof("inode %d: remote copy won the merge, local changes dropped", id)
	return in.Version, nil
}

// rebaseOntoRef pulls the remote copy under local dirty blocks: clean cached
// blocks are replaced by the remote's bytes, dirty blocks keep the local
// writes that will overwrite them.
func (e *Engine) rebaseOntoRef(
	ctx context.Context,
	in *inodestore.Inode,
	ref remote.Ref) error {
	data, err := e.backend.GetObject(ctx, ref, nil)
	if err != nil {
		return err
	}

	if err = e.dropCleanBlocks(in.ID); err != nil {
		return err
	}

	blockSize := e.blocks.BlockSize()
	for start := int64(0); start < int64(len(data)); start += blockSize {
		end := start + blockSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		err = e.blocks.PutClean(int64(in.ID), start/blockSize, data[start:end])
		if err == blockstore.ErrDirty {
			continue
		}
		if err != nil {
			return err
		}
	}

	// The rebased base may be longer than our local view.
	if int64(len(data)) > in.Size {
		in.Size = int64(len(data))
	}
	in.RemoteRef = string(ref)
	return nil
}

// hydrateForUpload pulls any never-fetched block of the file so the whole
// object can be written.
func (e *Engine) hydrateForUpload(
	ctx context.Context,
	in *inodestore.Inode) error {
	if in.RemoteRef == "" || in.Size == 0 {
		return nil
	}

	blockSize := e.blocks.BlockSize()
	numBlocks := (in.Size + blockSize - 1) / blockSize

	var missing []int64
	for index := int64(0); index < numBlocks; index++ {
		if _, err := e.blocks.ReadBlock(int64(in.ID), index); err == blockstore.ErrMissing {
			missing = append(missing, index)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	ref := remote.Ref(in.RemoteRef)
	for _, index := range missing {
		rng := &remote.ByteRange{
			Start: index * blockSize,
			Limit: (index + 1) * blockSize,
		}
		data, err := e.backend.GetObject(ctx, ref, rng)
		if fserr.Is(err, fserr.KindNotFound) {
			// Holes upload as zeros.
			continue
		}
		if err != nil {
			return err
		}
		if putErr := e.blocks.PutClean(int64(in.ID), index, data); putErr != nil &&
			putErr != blockstore.ErrDirty {
			return putErr
		}
	}

	return nil
}

// assembleContent concatenates the file's blocks, zero-filling holes, into
// the full object body.
func (e *Engine) assembleContent(in *inodestore.Inode) ([]byte, error) {
	content := make([]byte, in.Size)
	blockSize := e.blocks.BlockSize()

	blocks, err := e.blocks.Iterate(int64(in.ID))
	if err != nil {
		return nil, err
	}

	for _, b := range blocks {
		data, err := e.blocks.ReadBlock(int64(in.ID), b.Index)
		if err == blockstore.ErrMissing {
			continue
		}
		if err != nil {
			return nil, err
		}

		start := b.Index * blockSize
		if start >= in.Size {
			continue
		}
		end := start + int64(len(data))
		if end > in.Size {
			end = in.Size
		}
		copy(content[start:end], data)
	}

	return content, nil
}

// linkIntoParent records the inode's new ref in its parent's remote
// directory. The root has no parent; its capability is the mount
// configuration's root.
func (e *Engine) linkIntoParent(
	ctx context.Context,
	in *inodestore.Inode) error {
	if in.ParentID == 0 {
		return nil
	}

	parent, err := e.inodes.Get(ctx, in.ParentID)
	if err != nil {
		return err
	}
	if parent.RemoteRef == "" {
		// Parent has never been pushed; it will link us when it is.
		e.markMetaDirty(ctx, parent.ID)
		return nil
	}

	entries, err := e.backend.GetDir(ctx, remote.Ref(parent.RemoteRef))
	if fserr.Is(err, fserr.KindNotFound) {
		entries = nil
	} else if err != nil {
		return err
	}

	updated := entries[:0]
	for _, re := range entries {
		if re.Name != in.NameInParent {
			updated = append(updated, re)
		}
	}
	updated = append(updated, remoteEntryFor(in))

	_, err = e.backend.PutDir(ctx, remote.Ref(parent.RemoteRef), updated)
	return err
}

func remoteEntryFor(in *inodestore.Inode) remote.DirEntry {
	re := remote.DirEntry{
		Name:  in.NameInParent,
		Ref:   remote.Ref(in.RemoteRef),
		Mtime: in.Mtime,
	}
	switch in.Kind {
	case inodestore.KindDir:
		re.Kind = remote.KindDir
	case inodestore.KindSymlink:
		re.Kind = remote.KindSymlink
		re.Target = in.SymlinkTarget
	default:
		re.Kind = remote.KindFile
		re.Size = in.Size
	}
	return re
}

////////////////////////////////////////////////////////////////////////
// Directories and symlinks
////////////////////////////////////////////////////////////////////////

func (e *Engine) pushDir(
	ctx context.Context,
	snap pushSnapshot) (newVersion int64, err error) {
	in := snap.inode

	children, err := e.inodes.ListChildren(ctx, in.ID)
	if err != nil {
		return 0, err
	}

	var entries []remote.DirEntry
	for _, c := range children {
		child, err := e.inodes.Get(ctx, c.ChildID)
		if err != nil {
			continue
		}
		if child.RemoteRef == "" && child.Kind != inodestore.KindSymlink {
			// Not yet pushed; it will link itself once it is.
			continue
		}
		entries = append(entries, remoteEntryFor(child))
	}

	ref, err := e.backend.PutDir(ctx, remote.Ref(in.RemoteRef), entries)
	if err != nil {
		return 0, err
	}

	committed := in
	committed.RemoteRef = string(ref)
	committed.LastSyncTs = e.clock.Now()
	committed.Dirty = inodestore.Clean
	committed.Version = in.Version + 1

	if err = e.inodes.Update(ctx, &committed, in.Version); err != nil {
		return 0, err
	}

	if err = e.linkIntoParent(ctx, &committed); err != nil {
		e.markMetaDirty(ctx, in.ID)
		return 0, err
	}

	return committed.Version, nil
}

// pushSymlink has no object body; the link lives entirely in its parent's
// directory entry.
func (e *Engine) pushSymlink(
	ctx context.Context,
	snap pushSnapshot) (newVersion int64, err error) {
	in := snap.inode

	committed := in
	committed.LastSyncTs = e.clock.Now()
	committed.Dirty = inodestore.Clean
	committed.Version = in.Version + 1

	if err = e.inodes.Update(ctx, &committed, in.Version); err != nil {
		return 0, err
	}

	if err = e.linkIntoParent(ctx, &committed); err != nil {
		e.markMetaDirty(ctx, in.ID)
		return 0, err
	}

	return committed.Version, nil
}

////////////////////////////////////////////////////////////////////////
// Rebase and deletion
////////////////////////////////////////////////////////////////////////

// rebase refreshes local state after a push lost the version race. The
// conflicting writer was local (only this mount updates the row), so there
// is nothing to fetch; the next snapshot simply sees the newer version and
// the union of dirty blocks.
func (e *Engine) rebase(ctx context.Context, id inodestore.ID) error {
	in, err := e.inodes.Get(ctx, id)
	if err != nil {
		return err
	}

	// A directory additionally refreshes its listing so remote-side entry
	// changes survive the overwrite.
	if in.Kind == inodestore.KindDir && in.RemoteRef != "" {
		return e.PullDir(ctx, id)
	}
	return nil
}

// Delete pushes an unlink to the remote: the parent's entry is removed and
// the object deleted. Used by unlink finalization once nlink is zero and the
// last handle is gone.
func (e *Engine) Delete(ctx context.Context, in *inodestore.Inode) error {
	ctx = context.WithoutCancel(ctx)
	e.setState(in.ID, StateDeleting)
	defer e.setState(in.ID, StateIdle)

	// Unlink from the parent's remote directory first so a crash cannot
	// leave a live entry pointing at a deleted object.
	if in.ParentID != 0 {
		parent, err := e.inodes.Get(ctx, in.ParentID)
		if err == nil && parent.RemoteRef != "" {
			entries, err := e.backend.GetDir(ctx, remote.Ref(parent.RemoteRef))
			if err == nil {
				kept := entries[:0]
				for _, re := range entries {
					if re.Name != in.NameInParent {
						kept = append(kept, re)
					}
				}
				if len(kept) != len(entries) {
					if _, err = e.backend.PutDir(ctx, remote.Ref(parent.RemoteRef), kept); err != nil {
						return err
					}
				}
			} else if !fserr.Is(err, fserr.KindNotFound) {
				return err
			}
		}
	}

	if in.RemoteRef != "" {
		err := e.backend.Delete(ctx, remote.Ref(in.RemoteRef))
		if err != nil && !fserr.Is(err, fserr.KindNotFound) {
			return err
		}
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (e *Engine) markDataDirty(ctx context.Context, id inodestore.ID) {
	e.markDirty(ctx, id, inodestore.DataDirty)
}

func (e *Engine) markMetaDirty(ctx context.Context, id inodestore.ID) {
	e.markDirty(ctx, id, inodestore.MetaDirty)
}

func (e *Engine) markDirty(ctx context.Context, id inodestore.ID, mask inodestore.DirtyMask) {
	for attempt := 0; attempt < 3; attempt++ {
		in, err := e.inodes.Get(ctx, id)
		if err != nil {
			return
		}
		if in.Dirty&mask == mask {
			return
		}

		expected := in.Version
		in.Dirty |= mask
		in.Version++
		err = e.inodes.Update(ctx, in, expected)
		if err == nil || !fserr.Is(err, fserr.KindStale) {
			return
		}
	}
	logger.Warnf("could not mark inode %d dirty after retries", id)
}
