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

package exec

import (
	"context"
	"sync"
	"time"

	"github.com/eons-dev/truckeefs/clock"
	"github.com/eons-dev/truckeefs/internal/fserr"
	"github.com/eons-dev/truckeefs/internal/inodestore"
	"github.com/eons-dev/truckeefs/internal/logger"
)

// Pusher is the upstream reconciliation entry point the flusher drives.
type Pusher interface {
	PushInode(ctx context.Context, id inodestore.ID) error
}

// Executor schedules operation and sync work. Downloads and FSOps run
// freely on the pool; pushes for a given inode are serialized through a
// per-inode queue.
type Executor struct {
	pool  *StaticWorkerPool
	clock clock.Clock

	mu sync.Mutex

	// GUARDED_BY(mu)
	pushQueues map[inodestore.ID]*pushQueue

	stopFlusher context.CancelFunc
	flusherDone chan struct{}
}

type pushQueue struct {
	pending []func()
	running bool
}

func NewExecutor(pool *StaticWorkerPool, c clock.Clock) *Executor {
	return &Executor{
		pool:       pool,
		clock:      c,
		pushQueues: make(map[inodestore.ID]*pushQueue),
	}
}

// Go runs a task on the pool.
func (e *Executor) Go(urgent bool, task func()) {
	e.pool.Schedule(urgent, task)
}

// EnqueuePush schedules an upstream push for the inode. Pushes for one inode
// run strictly one at a time, in enqueue order; distinct inodes proceed in
// parallel on the pool.
func (e *Executor) EnqueuePush(id inodestore.ID, task func()) {
	e.mu.Lock()
	q, ok := e.pushQueues[id]
	if !ok {
		q = &pushQueue{}
		e.pushQueues[id] = q
	}
	q.pending = append(q.pending, task)
	e.maybeDispatchLocked(id, q)
	e.mu.Unlock()
}

// LOCKS_REQUIRED(e.mu)
func (e *Executor) maybeDispatchLocked(id inodestore.ID, q *pushQueue) {
	if q.running || len(q.pending) == 0 {
		return
	}

	task := q.pending[0]
	q.pending = q.pending[1:]
	q.running = true

	e.pool.Schedule(false, func() {
		task()

		e.mu.Lock()
		q.running = false
		if len(q.pending) == 0 {
			delete(e.pushQueues, id)
		} else {
			e.maybeDispatchLocked(id, q)
		}
		e.mu.Unlock()
	})
}

// StartDirtyFlusher begins the periodic pass that pushes dirty inodes
// upstream, oldest first.
func (e *Executor) StartDirtyFlusher(
	ctx context.Context,
	interval time.Duration,
	inodes inodestore.Store,
	pusher Pusher) {
	flushCtx, cancel := context.WithCancel(ctx)
	e.stopFlusher = cancel
	e.flusherDone = make(chan struct{})

	// Arm the first tick before returning so the interval counts from here.
	tick := e.clock.After(interval)
	go func() {
		defer close(e.flusherDone)
		for {
			select {
			case <-tick:
				e.flushOnce(flushCtx, inodes, pusher)
				tick = e.clock.After(interval)
			case <-flushCtx.Done():
				return
			}
		}
	}()
}

// StopDirtyFlusher halts the periodic pass. Queued pushes still drain.
func (e *Executor) StopDirtyFlusher() {
	if e.stopFlusher == nil {
		return
	}
	e.stopFlusher()
	<-e.flusherDone
}

const flushBatchSize = 32

func (e *Executor) flushOnce(
	ctx context.Context,
	inodes inodestore.Store,
	pusher Pusher) {
	dirty, err := inodes.NextDirty(ctx, flushBatchSize)
	if err != nil {
		logger.Warnf("dirty flusher: list: %v", err)
		return
	}

	for _, in := range dirty {
		id := in.ID
		e.EnqueuePush(id, func() {
			err := pusher.PushInode(ctx, id)
			switch {
			case err == nil:
			case fserr.Is(err, fserr.KindBusy):
				// A push is already in flight; the next pass retries.
			default:
				logger.Warnf("background push of inode %d: %v", id, err)
			}
		})
	}
}
