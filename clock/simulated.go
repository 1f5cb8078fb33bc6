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

package clock

import (
	"sync"
	"time"
)

// SimulatedClock only moves when AdvanceTime or SetTime is called. Pending
// After calls fire when the simulated time reaches their target.
type SimulatedClock struct {
	mu sync.RWMutex

	// GUARDED_BY(mu)
	t time.Time

	// GUARDED_BY(mu)
	waiters []*waiter
}

type waiter struct {
	target time.Time
	ch     chan time.Time
}

func NewSimulatedClock(start time.Time) *SimulatedClock {
	return &SimulatedClock{t: start}
}

func (sc *SimulatedClock) Now() time.Time {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	return sc.t
}

func (sc *SimulatedClock) After(d time.Duration) <-chan time.Time {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	ch := make(chan time.Time, 1)
	target := sc.t.Add(d)

	// Match time.After for non-positive durations: fire immediately.
	if !target.After(sc.t) {
		ch <- sc.t
		return ch
	}

	sc.waiters = append(sc.waiters, &waiter{target: target, ch: ch})
	return ch
}

// SetTime moves the clock to t, firing any After calls it passes.
func (sc *SimulatedClock) SetTime(t time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.t = t
	sc.fireDue()
}

// AdvanceTime moves the clock forward by d, firing any After calls it passes.
func (sc *SimulatedClock) AdvanceTime(d time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.t = sc.t.Add(d)
	sc.fireDue()
}

// LOCKS_REQUIRED(sc.mu)
func (sc *SimulatedClock) fireDue() {
	remaining := sc.waiters[:0]
	for _, w := range sc.waiters {
		if w.target.After(sc.t) {
			remaining = append(remaining, w)
			continue
		}
		w.ch <- sc.t
	}
	sc.waiters = remaining
}
