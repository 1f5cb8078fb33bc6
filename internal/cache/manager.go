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

// Package cache composes the block store, the inode store, and the
// coordination store into the block-level cache between POSIX operations and
// the remote backend: range resolution, write staging, eviction, per-inode
// exclusion, invalidation, and startup recovery.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/eons-dev/truckeefs/clock"
	"github.com/eons-dev/truckeefs/internal/blockstore"
	"github.com/eons-dev/truckeefs/internal/coordstore"
	"github.com/eons-dev/truckeefs/internal/fserr"
	"github.com/eons-dev/truckeefs/internal/inodestore"
	"github.com/eons-dev/truckeefs/internal/locker"
	"github.com/eons-dev/truckeefs/internal/logger"
	"github.com/eons-dev/truckeefs/internal/monitor"
)

// InvalidationChannel is the coordination channel carrying remote-side
// mutation announcements.
const InvalidationChannel = "invalidate"

// EventsChannel carries sync announcements (pulled/pushed/degraded).
const EventsChannel = "sync"

// Puller hydrates cache state from the remote. Implemented by the sync
// engine; the manager only sees this narrow view.
type Puller interface {
	// PullBlocks fetches the given blocks of a file inode into the block
	// store.
	PullBlocks(ctx context.Context, id inodestore.ID, indices []int64) error

	// PullDir refreshes a directory inode's children from the remote.
	PullDir(ctx context.Context, id inodestore.ID) error
}

// Pusher reconciles a dirty inode upstream. Implemented by the sync engine.
type Pusher interface {
	PushInode(ctx context.Context, id inodestore.ID) error
}

type Config struct {
	BlockSize          int64
	CacheBytesMax      int64
	BlockTTL           time.Duration
	DirtyFlushInterval time.Duration
}

type Manager struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cfg     Config
	blocks  *blockstore.Store
	inodes  inodestore.Store
	coord   coordstore.Store
	clock   clock.Clock
	metrics *monitor.Metrics
	lockers *locker.Set

	// Set after construction, before serving; breaks the construction cycle
	// with the sync engine.
	puller Puller
	pusher Pusher

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards the fields below.
	mu syncutil.InvariantMutex

	// Inodes whose cached blocks were invalidated by a remote-side
	// mutation. Blocks of these inodes are treated as expired until
	// re-pulled.
	//
	// GUARDED_BY(mu)
	staleInodes map[inodestore.ID]struct{}

	// Once degraded, the mount is read-only: writes are refused, reads
	// continue from cache.
	//
	// GUARDED_BY(mu)
	degraded bool

	// GUARDED_BY(mu)
	invalSub coordstore.Subscription

	stopInval context.CancelFunc
	invalDone chan struct{}
}

func NewManager(
	cfg Config,
	blocks *blockstore.Store,
	inodes inodestore.Store,
	coord coordstore.Store,
	c clock.Clock,
	metrics *monitor.Metrics,
	lockers *locker.Set) *Manager {
	m := &Manager{
		cfg:         cfg,
		blocks:      blocks,
		inodes:      inodes,
		coord:       coord,
		clock:       c,
		metrics:     metrics,
		lockers:     lockers,
		staleInodes: make(map[inodestore.ID]struct{}),
	}

	m.mu = syncutil.NewInvariantMutex(m.checkInvariants)
	return m
}

// LOCKS_REQUIRED(m.mu)
func (m *Manager) checkInvariants() {
	// INVARIANT: stale marks name real inodes.
	for id := range m.staleInodes {
		if id <= 0 {
			panic(fmt.Sprintf("illegal stale inode ID: %d", id))
		}
	}
}

// SetSync wires the sync engine in. Must be called before serving.
func (m *Manager) SetSync(puller Puller, pusher Pusher) {
	m.puller = puller
	m.pusher = pusher
}

// InodeLocker returns the lock serializing operations on the given inode.
// The same lock set is shared with the sync engine's push snapshotting.
func (m *Manager) InodeLocker(id inodestore.ID) locker.Locker {
	return m.lockers.ForInode(int64(id))
}

// BlockSize returns the mount-time block size.
func (m *Manager) BlockSize() int64 {
	return m.cfg.BlockSize
}

// Degraded reports whether the mount has dropped to read-only.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// EnterDegraded marks the mount read-only and publishes a diagnostic event.
// Used when acknowledged writes can no longer be made durable upstream.
func (m *Manager) EnterDegraded(ctx context.Context, reason string) {
	m.mu.Lock()
	already := m.degraded
	m.degraded = true
	m.mu.Unlock()

	if already {
		return
	}

	logger.Errorf("entering read-only degraded mode: %s", reason)
	if err := m.coord.Publish(ctx, EventsChannel, coordstore.Event{
		Type:   "degraded",
		Detail: reason,
	}); err != nil {
		logger.Warnf("publish degraded event: %v", err)
	}
}

////////////////////////////////////////////////////////////////////////
// Reads
////////////////////////////////////////////////////////////////////////

// ReadAt returns the overlap of [offset, offset+length) with the file's
// content, pulling missing or expired blocks from the remote. Never returns
// partial data except at EOF.
//
// LOCKS_EXCLUDED(m.InodeLocker(id))
func (m *Manager) ReadAt(
	ctx context.Context,
	id inodestore.ID,
	offset int64,
	length int64) (data []byte, err error) {
	l := m.InodeLocker(id)
	l.Lock()
	defer l.Unlock()

	in, err := m.inodes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Kind != inodestore.KindFile {
		return nil, fserr.New(fserr.KindIsDir, "cache.read")
	}

	// Clamp to EOF.
	if offset >= in.Size {
		return nil, nil
	}
	if offset+length > in.Size {
		length = in.Size - offset
	}
	if length <= 0 {
		return nil, nil
	}

	first := offset / m.cfg.BlockSize
	last := (offset + length - 1) / m.cfg.BlockSize

	if err = m.hydrateRange(ctx, in, first, last); err != nil {
		return nil, err
	}

	// Assemble in order.
	data = make([]byte, 0, length)
	for index := first; index <= last; index++ {
		blockStart := index * m.cfg.BlockSize

		lo := int64(0)
		if offset > blockStart {
			lo = offset - blockStart
		}
		hi := m.cfg.BlockSize
		if blockStart+hi > offset+length {
			hi = offset + length - blockStart
		}

		var block []byte
		block, err = m.blocks.ReadBlock(int64(id), index)
		switch {
		case err == nil:
		case err == blockstore.ErrMissing:
			// Pulled above and still absent: the remote has no bytes
			// here (a hole created by truncate-extend). Reads see zeros.
			block = nil
		default:
			return nil, err
		}

		// Pad short or absent blocks with zeros up to what the range needs.
		if int64(len(block)) < hi {
			block = append(block, make([]byte, hi-int64(len(block)))...)
		}

		data = append(data, block[lo:hi]...)
	}

	m.metrics.AddBytesRead(len(data))
	return data, nil
}

// hydrateRange pulls the blocks of [first, last] that are absent or expired.
//
// LOCKS_REQUIRED(m.InodeLocker(in.ID))
func (m *Manager) hydrateRange(
	ctx context.Context,
	in *inodestore.Inode,
	first, last int64) (err error) {
	stale := m.isStale(in.ID)

	present := make(map[int64]blockstore.Sidecar)
	blocks, err := m.blocks.Iterate(int64(in.ID))
	if err != nil {
		return err
	}
	for _, b := range blocks {
		present[b.Index] = b.Sidecar
	}

	var misses []int64
	now := m.clock.Now()
	for index := first; index <= last; index++ {
		sc, ok := present[index]
		switch {
		case !ok:
			misses = append(misses, index)
		case sc.Dirty:
			// Local writes are authoritative; never re-pull over them.
		case stale, now.Sub(sc.LastAccess) >= m.cfg.BlockTTL:
			misses = append(misses, index)
		}
	}

	if len(misses) == 0 {
		m.metrics.IncCacheHits()
		return nil
	}
	m.metrics.IncCacheMisses()

	// Nothing to pull for an inode that has never been pushed; its content
	// exists only locally.
	if in.RemoteRef == "" {
		return nil
	}

	if err = m.puller.PullBlocks(ctx, in.ID, misses); err != nil {
		return err
	}

	m.clearStale(in.ID)
	m.maybeEvictAsync()
	return nil
}

////////////////////////////////////////////////////////////////////////
// Writes
////////////////////////////////////////////////////////////////////////

// WriteAt stages data at the given offset, marking blocks dirty and updating
// inode metadata. Acknowledged writes are durable locally; upstream
// reconciliation happens later.
//
// LOCKS_EXCLUDED(m.InodeLocker(id))
func (m *Manager) WriteAt(
	ctx context.Context,
	id inodestore.ID,
	offset int64,
	data []byte) (n int, err error) {
	if m.Degraded() {
		return 0, fserr.New(fserr.KindFatal, "cache.write")
	}
	if offset < 0 {
		return 0, fserr.New(fserr.KindInvalidArg, "cache.write")
	}
	if len(data) == 0 {
		return 0, nil
	}

	l := m.InodeLocker(id)
	l.Lock()
	defer l.Unlock()

	in, err := m.inodes.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if in.Kind != inodestore.KindFile {
		return 0, fserr.New(fserr.KindIsDir, "cache.write")
	}

	if err = m.stageWrite(ctx, in, offset, data); err != nil {
		return 0, err
	}

	m.metrics.AddBytesWritten(len(data))
	m.maybeEvictAsync()
	return len(data), nil
}

// stageWrite applies the write under the caller-held inode lock and commits
// the metadata change.
//
// LOCKS_REQUIRED(m.InodeLocker(in.ID))
func (m *Manager) stageWrite(
	ctx context.Context,
	in *inodestore.Inode,
	offset int64,
	data []byte) (err error) {
	first := offset / m.cfg.BlockSize
	last := (offset + int64(len(data)) - 1) / m.cfg.BlockSize

	// Partially-overwritten edge blocks that exist remotely must be
	// hydrated first, or the untouched bytes inside them would be lost.
	if in.RemoteRef != "" {
		var edges []int64
		for _, index := range []int64{first, last} {
			blockStart := index * m.cfg.BlockSize
			blockEnd := blockStart + m.cfg.BlockSize
			if blockEnd > in.Size {
				blockEnd = in.Size
			}
			if blockStart >= in.Size {
				continue
			}
			fullyCovered := offset <= blockStart && offset+int64(len(data)) >= blockEnd
			if fullyCovered {
				continue
			}
			if _, readErr := m.blocks.ReadBlock(int64(in.ID), index); readErr == blockstore.ErrMissing {
				edges = append(edges, index)
			}
		}
		if len(edges) > 1 && edges[0] == edges[1] {
			edges = edges[:1]
		}
		if len(edges) > 0 {
			if err = m.puller.PullBlocks(ctx, in.ID, edges); err != nil {
				return fmt.Errorf("hydrate edge blocks: %w", err)
			}

			// The completed pull bumped the row version; re-read it so the
			// commit below compares against the current value.
			fresh, err := m.inodes.Get(ctx, in.ID)
			if err != nil {
				return err
			}
			in.Version = fresh.Version
		}
	}

	newVersion := in.Version + 1

	// Stage block by block.
	remaining := data
	pos := offset
	for index := first; index <= last; index++ {
		blockStart := index * m.cfg.BlockSize
		offsetInBlock := pos - blockStart
		chunk := m.cfg.BlockSize - offsetInBlock
		if chunk > int64(len(remaining)) {
			chunk = int64(len(remaining))
		}

		if err = m.blocks.WriteBlock(
			int64(in.ID), index, offsetInBlock, remaining[:chunk], newVersion); err != nil {
			return err
		}

		remaining = remaining[chunk:]
		pos += chunk
	}

	// Commit metadata.
	now := m.clock.Now()
	if end := offset + int64(len(data)); end > in.Size {
		in.Size = end
	}
	in.Mtime = now
	in.Ctime = now
	in.Dirty |= inodestore.DataDirty
	expected := in.Version
	in.Version = newVersion

	return m.inodes.Update(ctx, in, expected)
}

// Append stages data at EOF, determining the offset under the inode lock so
// concurrent appenders on the same inode cannot interleave into the same
// range.
//
// LOCKS_EXCLUDED(m.InodeLocker(id))
func (m *Manager) Append(
	ctx context.Context,
	id inodestore.ID,
	data []byte) (offset int64, n int, err error) {
	if m.Degraded() {
		return 0, 0, fserr.New(fserr.KindFatal, "cache.append")
	}
	if len(data) == 0 {
		return 0, 0, nil
	}

	l := m.InodeLocker(id)
	l.Lock()
	defer l.Unlock()

	in, err := m.inodes.Get(ctx, id)
	if err != nil {
		return 0, 0, err
	}
	if in.Kind != inodestore.KindFile {
		return 0, 0, fserr.New(fserr.KindIsDir, "cache.append")
	}

	offset = in.Size
	if err = m.stageWrite(ctx, in, offset, data); err != nil {
		return 0, 0, err
	}

	m.metrics.AddBytesWritten(len(data))
	m.maybeEvictAsync()
	return offset, len(data), nil
}

// Truncate changes the file size, dropping blocks beyond the new end and
// shortening the final block.
//
// LOCKS_EXCLUDED(m.InodeLocker(id))
func (m *Manager) Truncate(
	ctx context.Context,
	id inodestore.ID,
	newSize int64) (err error) {
	if m.Degraded() {
		return fserr.New(fserr.KindFatal, "cache.truncate")
	}
	if newSize < 0 {
		return fserr.New(fserr.KindInvalidArg, "cache.truncate")
	}

	l := m.InodeLocker(id)
	l.Lock()
	defer l.Unlock()

	in, err := m.inodes.Get(ctx, id)
	if err != nil {
		return err
	}
	if in.Kind != inodestore.KindFile {
		return fserr.New(fserr.KindIsDir, "cache.truncate")
	}

	if newSize == in.Size {
		return nil
	}

	newVersion := in.Version + 1

	if newSize < in.Size {
		keepBlocks := int64(0)
		if newSize > 0 {
			keepBlocks = (newSize + m.cfg.BlockSize - 1) / m.cfg.BlockSize
		}

		blocks, err := m.blocks.Iterate(int64(id))
		if err != nil {
			return err
		}
		for _, b := range blocks {
			if b.Index >= keepBlocks {
				if err = m.blocks.Remove(int64(id), b.Index); err != nil {
					return err
				}
			}
		}

		// Shorten the new final block if it straddles the cut.
		if rem := newSize % m.cfg.BlockSize; rem != 0 {
			err = m.blocks.TruncateBlock(int64(id), newSize/m.cfg.BlockSize, rem, newVersion)
			if err != nil && err != blockstore.ErrMissing {
				return err
			}
		}
	}

	now := m.clock.Now()
	in.Size = newSize
	in.Mtime = now
	in.Ctime = now
	in.Dirty |= inodestore.DataDirty
	expected := in.Version
	in.Version = newVersion

	return m.inodes.Update(ctx, in, expected)
}

////////////////////////////////////////////////////////////////////////
// Eviction
////////////////////////////////////////////////////////////////////////

// maybeEvictAsync kicks an eviction pass without holding any inode lock.
func (m *Manager) maybeEvictAsync() {
	if m.blocks.BytesUsed() <= m.cfg.CacheBytesMax {
		return
	}
	go func() {
		if err := m.EvictUntilUnderBudget(context.Background()); err != nil {
			logger.Warnf("eviction: %v", err)
		}
	}()
}

// EvictUntilUnderBudget reclaims space until the cache fits its budget.
// Victims are clean blocks in approximate LRU order; dirty blocks are never
// evicted. When nothing clean remains, the inode holding the most dirty
// bytes is pushed synchronously and the pass retries. Returns CACHE_FULL
// when dirty data cannot be drained.
//
// LOCKS_EXCLUDED(any inode locker)
func (m *Manager) EvictUntilUnderBudget(ctx context.Context) (err error) {
	const maxForcedFlushes = 3

	for flushes := 0; ; {
		if m.blocks.BytesUsed() <= m.cfg.CacheBytesMax {
			return nil
		}

		all, err := m.blocks.ScanAll()
		if err != nil {
			return err
		}

		// Clean victims in LRU order.
		var clean []blockstore.BlockInfo
		dirtyBytes := make(map[int64]int64)
		for _, b := range all {
			if !b.Sidecar.Present {
				continue
			}
			if b.Sidecar.Dirty {
				dirtyBytes[b.InodeID] += b.Sidecar.Length
				continue
			}
			clean = append(clean, b)
		}
		sortByLastAccess(clean)

		var totalDirty int64
		for _, bytes := range dirtyBytes {
			totalDirty += bytes
		}
		m.metrics.SetDirtyBytes(totalDirty)

		evictedAny := false
		for _, b := range clean {
			if m.blocks.BytesUsed() <= m.cfg.CacheBytesMax {
				return nil
			}
			switch err = m.blocks.Evict(b.InodeID, b.Index); err {
			case nil:
				evictedAny = true
				m.metrics.IncEvictions()
			case blockstore.ErrDirty, blockstore.ErrMissing:
				// Raced with a write or another evictor; skip.
			default:
				return err
			}
		}

		if m.blocks.BytesUsed() <= m.cfg.CacheBytesMax || evictedAny {
			continue
		}

		// Nothing clean left: force a flush of the dirtiest inode.
		if flushes >= maxForcedFlushes || len(dirtyBytes) == 0 {
			return fserr.New(fserr.KindCacheFull, "cache.evict")
		}
		flushes++

		var victim int64
		var most int64 = -1
		for id, bytes := range dirtyBytes {
			if bytes > most {
				victim, most = id, bytes
			}
		}

		if err = m.pusher.PushInode(ctx, inodestore.ID(victim)); err != nil {
			return fserr.Wrap(fserr.KindCacheFull, "cache.evict", err)
		}
	}
}

func sortByLastAccess(blocks []blockstore.BlockInfo) {
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && blocks[j].Sidecar.LastAccess.Before(blocks[j-1].Sidecar.LastAccess); j-- {
			blocks[j], blocks[j-1] = blocks[j-1], blocks[j]
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Invalidation
////////////////////////////////////////////////////////////////////////

// StartInvalidationLoop subscribes to remote-mutation announcements and
// marks affected inodes stale. Directory invalidations schedule a listing
// refresh.
func (m *Manager) StartInvalidationLoop(ctx context.Context) (err error) {
	sub, err := m.coord.Subscribe(ctx, InvalidationChannel)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.invalSub = sub
	m.mu.Unlock()
	m.stopInval = cancel
	m.invalDone = make(chan struct{})

	go func() {
		defer close(m.invalDone)
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				m.handleInvalidation(loopCtx, ev)
			case <-loopCtx.Done():
				return
			}
		}
	}()

	return nil
}

// StopInvalidationLoop tears the subscription down.
func (m *Manager) StopInvalidationLoop() {
	if m.stopInval == nil {
		return
	}
	m.stopInval()

	m.mu.Lock()
	sub := m.invalSub
	m.invalSub = nil
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	<-m.invalDone
}

func (m *Manager) handleInvalidation(ctx context.Context, ev coordstore.Event) {
	if ev.Type != "invalidate" {
		return
	}

	id := inodestore.ID(ev.InodeID)

	m.mu.Lock()
	m.staleInodes[id] = struct{}{}
	m.mu.Unlock()

	in, err := m.inodes.Get(ctx, id)
	if err != nil {
		return
	}

	if in.Kind == inodestore.KindDir {
		if err := m.puller.PullDir(ctx, id); err != nil {
			logger.Warnf("refresh invalidated directory %d: %v", id, err)
			return
		}
		m.clearStale(id)
	}
}

// MarkStale marks an inode's blocks expired, forcing a re-pull on next read.
func (m *Manager) MarkStale(id inodestore.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleInodes[id] = struct{}{}
}

func (m *Manager) isStale(id inodestore.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.staleInodes[id]
	return ok
}

func (m *Manager) clearStale(id inodestore.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.staleInodes, id)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// DropInode removes every cached block of an inode, for unlink finalization.
//
// LOCKS_REQUIRED(m.InodeLocker(id))
func (m *Manager) DropInode(id inodestore.ID) error {
	m.clearStale(id)
	return m.blocks.DropInode(int64(id))
}

// UpdateDirtyGauge refreshes the dirty-bytes metric from the block store.
// Called by the background flusher, not on the write path.
func (m *Manager) UpdateDirtyGauge() {
	all, err := m.blocks.ScanAll()
	if err != nil {
		return
	}
	var dirty int64
	for _, b := range all {
		if b.Sidecar.Dirty {
			dirty += b.Sidecar.Length
		}
	}
	m.metrics.SetDirtyBytes(dirty)
}
