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

// Package locker wraps sync.Mutex with optional invariant checking and
// long-hold diagnostics, and provides the per-inode lock set shared by the
// cache manager and the sync engine.
package locker

import (
	"sync"
	"time"

	"github.com/eons-dev/truckeefs/internal/logger"
)

var (
	gEnableInvariantsCheck bool
	gEnableDebugMessages   bool
)

// EnableInvariantsCheck runs the check function on every Lock and Unlock.
func EnableInvariantsCheck() {
	gEnableInvariantsCheck = true
}

// EnableDebugMessages logs a warning when a lock is held longer than expected.
func EnableDebugMessages() {
	gEnableDebugMessages = true
}

const holdWarningThreshold = 5 * time.Second

type Locker interface {
	Lock()
	Unlock()
}

// New creates a locker with the given name for diagnostics. check is run
// while the lock is held when invariant checking is enabled; pass func() {}
// if there is nothing to check.
func New(name string, check func()) Locker {
	return &locker{name: name, check: check}
}

type locker struct {
	mu       sync.Mutex
	name     string
	check    func()
	lockedAt time.Time
}

func (l *locker) Lock() {
	l.mu.Lock()
	l.lockedAt = time.Now()
	if gEnableInvariantsCheck {
		l.check()
	}
}

func (l *locker) Unlock() {
	if gEnableInvariantsCheck {
		l.check()
	}
	if gEnableDebugMessages {
		if held := time.Since(l.lockedAt); held > holdWarningThreshold {
			logger.Warnf("lock %s held for %v", l.name, held)
		}
	}
	l.mu.Unlock()
}

// Set hands out one locker per inode ID. Lockers live as long as the set;
// the population is bounded by the number of inodes seen by the mount.
type Set struct {
	mu      sync.Mutex
	lockers map[int64]Locker
}

func NewSet() *Set {
	return &Set{lockers: make(map[int64]Locker)}
}

// ForInode returns the locker for the given inode ID, creating it if needed.
// The same ID always yields the same locker.
func (s *Set) ForInode(id int64) Locker {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lockers[id]
	if !ok {
		l = New("inode", func() {})
		s.lockers[id] = l
	}
	return l
}
