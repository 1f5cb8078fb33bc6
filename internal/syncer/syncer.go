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

// Package syncer is the bidirectional reconciler between the local cache and
// the remote backend. PullBlocks and PullDir hydrate cache state from the
// remote; PushInode uploads dirty state and applies directory mutations. Every
// sync is framed by a Before/main/After phase triad, with explicit hook
// points so callers can extend behavior without changing the engine.
package syncer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/eons-dev/truckeefs/clock"
	"github.com/eons-dev/truckeefs/internal/blockstore"
	"github.com/eons-dev/truckeefs/internal/coordstore"
	"github.com/eons-dev/truckeefs/internal/inodestore"
	"github.com/eons-dev/truckeefs/internal/locker"
	"github.com/eons-dev/truckeefs/internal/monitor"
	"github.com/eons-dev/truckeefs/internal/remote"
)

// State is an inode's position in the sync lifecycle.
type State int

const (
	StateIdle State = iota
	StateDirty
	StatePulling
	StatePushing
	StateRebasing
	StateDeleting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDirty:
		return "DIRTY"
	case StatePulling:
		return "PULLING"
	case StatePushing:
		return "PUSHING"
	case StateRebasing:
		return "REBASING"
	case StateDeleting:
		return "DELETING"
	default:
		return "UNKNOWN"
	}
}

// Hooks are the caller-extensible phase hooks. Nil members are skipped. Hook
// errors from Before* abort the sync before its main phase; After* hooks run
// unconditionally after a successful main phase.
type Hooks struct {
	BeforePull func(ctx context.Context, id inodestore.ID) error
	AfterPull  func(ctx context.Context, id inodestore.ID, version int64)

	BeforePush func(ctx context.Context, id inodestore.ID) error
	AfterPush  func(ctx context.Context, id inodestore.ID, version int64)
}

// MergeStrategy decides a push conflict after the remote copy changed out
// from under us.
type MergeStrategy interface {
	// KeepLocal returns true if the local state should overwrite the
	// remote's, false to discard local changes in favor of the remote.
	KeepLocal(local *inodestore.Inode, remoteMtime time.Time) bool
}

// LWWByMtime is the default strategy: last writer by modification time wins.
type LWWByMtime struct{}

func (LWWByMtime) KeepLocal(local *inodestore.Inode, remoteMtime time.Time) bool {
	return !local.Mtime.Before(remoteMtime)
}

type Config struct {
	// Concurrency bounds.
	GlobalDownloads   int64
	PerInodeDownloads int64
	GlobalUploads     int64

	// Push attempts, the first included, before a push that keeps losing
	// the version race fails.
	PushRetries int

	// TTL on coordination locks; long pushes refresh at half this
	// interval.
	LockTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.GlobalDownloads == 0 {
		c.GlobalDownloads = 16
	}
	if c.PerInodeDownloads == 0 {
		c.PerInodeDownloads = 4
	}
	if c.GlobalUploads == 0 {
		c.GlobalUploads = 4
	}
	if c.PushRetries == 0 {
		c.PushRetries = 5
	}
	if c.LockTTL == 0 {
		c.LockTTL = time.Minute
	}
}

type Engine struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cfg     Config
	blocks  *blockstore.Store
	inodes  inodestore.Store
	coord   coordstore.Store
	backend remote.Backend
	clock   clock.Clock
	metrics *monitor.Metrics
	lockers *locker.Set

	merge MergeStrategy
	hooks Hooks

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Download bounds. The global semaphore caps the whole mount; the
	// per-inode ones keep a single large file from starving everyone.
	dlGlobal *semaphore.Weighted
	ulGlobal *semaphore.Weighted

	mu sync.Mutex

	// GUARDED_BY(mu)
	dlPerInode map[inodestore.ID]*semaphore.Weighted

	// GUARDED_BY(mu)
	states map[inodestore.ID]State
}

func New(
	cfg Config,
	blocks *blockstore.Store,
	inodes inodestore.Store,
	coord coordstore.Store,
	backend remote.Backend,
	c clock.Clock,
	metrics *monitor.Metrics,
	lockers *locker.Set,
	merge MergeStrategy,
	hooks Hooks) *Engine {
	cfg.applyDefaults()

	if merge == nil {
		merge = LWWByMtime{}
	}

	return &Engine{
		cfg:        cfg,
		blocks:     blocks,
		inodes:     inodes,
		coord:      coord,
		backend:    backend,
		clock:      c,
		metrics:    metrics,
		lockers:    lockers,
		merge:      merge,
		hooks:      hooks,
		dlGlobal:   semaphore.NewWeighted(cfg.GlobalDownloads),
		ulGlobal:   semaphore.NewWeighted(cfg.GlobalUploads),
		dlPerInode: make(map[inodestore.ID]*semaphore.Weighted),
		states:     make(map[inodestore.ID]State),
	}
}

// SyncState returns the inode's current lifecycle state.
func (e *Engine) SyncState(id inodestore.ID) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[id]
}

// NoteWrite records that local writes made the inode dirty. Called by the
// operation layer after staging.
func (e *Engine) NoteWrite(id inodestore.ID) {
	e.setState(id, StateDirty)
}

func (e *Engine) setState(id inodestore.ID, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == StateIdle {
		delete(e.states, id)
		return
	}
	e.states[id] = s
}

func (e *Engine) perInodeSem(id inodestore.ID) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()

	sem, ok := e.dlPerInode[id]
	if !ok {
		sem = semaphore.NewWeighted(e.cfg.PerInodeDownloads)
		e.dlPerInode[id] = sem
	}
	return sem
}

////////////////////////////////////////////////////////////////////////
// Lock helpers
////////////////////////////////////////////////////////////////////////

const (
	pushLockPrefix  = "push:"
	pullLeasePrefix = "lease:pull:"
)

// withPushLock runs fn while holding the exclusive push lock for the inode,
// refreshing its TTL for as long as fn runs. Returns BUSY unchanged if the
// lock is held elsewhere.
func (e *Engine) withPushLock(
	ctx context.Context,
	id inodestore.ID,
	fn func(ctx context.Context) error) (err error) {
	key := pushLockPrefix + itoa(int64(id))

	token, err := e.coord.Acquire(ctx, key, e.cfg.LockTTL)
	if err != nil {
		return err
	}

	// Keep the TTL alive while fn runs.
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		for {
			select {
			case <-e.clock.After(e.cfg.LockTTL / 2):
				_ = e.coord.Refresh(refreshCtx, key, token, e.cfg.LockTTL)
			case <-refreshCtx.Done():
				return
			}
		}
	}()

	defer func() {
		stopRefresh()
		<-refreshDone
		if relErr := e.coord.Release(context.WithoutCancel(ctx), key, token); relErr != nil {
			// Expired and stolen, or store unreachable; the TTL bounds the
			// damage either way.
		}
	}()

	return fn(ctx)
}

// acquirePullLease takes a shared pull lease on the inode. Pulls may overlap
// each other; the lease only announces them.
func (e *Engine) acquirePullLease(ctx context.Context, id inodestore.ID) error {
	_, err := e.coord.CounterIncr(ctx, pullLeasePrefix+itoa(int64(id)), 1)
	return err
}

func (e *Engine) releasePullLease(ctx context.Context, id inodestore.ID) {
	_, _ = e.coord.CounterIncr(ctx, pullLeasePrefix+itoa(int64(id)), -1)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
