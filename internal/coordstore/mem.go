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

package coordstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eons-dev/truckeefs/clock"
	"github.com/eons-dev/truckeefs/internal/fserr"
)

// memStore is the in-process Store. Mounts are single-host, so this is the
// default; a networked store is only needed when external observers want to
// see sync activity.
type memStore struct {
	clock clock.Clock

	mu sync.Mutex

	// GUARDED_BY(mu)
	locks map[string]memLock

	// GUARDED_BY(mu)
	counters map[string]int64

	// GUARDED_BY(mu)
	subs map[string][]*memSub

	// GUARDED_BY(mu)
	barriers map[string]*memBarrier

	// GUARDED_BY(mu)
	closed bool
}

type memLock struct {
	token   string
	expires time.Time
}

type memBarrier struct {
	arrived int
	release chan struct{}
}

const subBuffer = 64

type memSub struct {
	store   *memStore
	channel string
	ch      chan Event
	once    sync.Once
}

func (s *memSub) Events() <-chan Event {
	return s.ch
}

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.store.dropSub(s)
		close(s.ch)
	})
	return nil
}

// NewMem creates an in-process coordination store driven by the supplied
// clock.
func NewMem(c clock.Clock) Store {
	return &memStore{
		clock:    c,
		locks:    make(map[string]memLock),
		counters: make(map[string]int64),
		subs:     make(map[string][]*memSub),
		barriers: make(map[string]*memBarrier),
	}
}

var _ Store = &memStore{}

func (s *memStore) Acquire(
	ctx context.Context,
	key string,
	ttl time.Duration) (token string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.locks[key]; ok && s.clock.Now().Before(l.expires) {
		return "", fserr.New(fserr.KindBusy, "coordstore.acquire")
	}

	token = uuid.NewString()
	s.locks[key] = memLock{token: token, expires: s.clock.Now().Add(ttl)}
	return token, nil
}

func (s *memStore) Release(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok || l.token != token {
		return fserr.New(fserr.KindInvalidArg, "coordstore.release")
	}

	delete(s.locks, key)
	return nil
}

func (s *memStore) Refresh(
	ctx context.Context,
	key, token string,
	ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok || l.token != token || !s.clock.Now().Before(l.expires) {
		return fserr.New(fserr.KindInvalidArg, "coordstore.refresh")
	}

	l.expires = s.clock.Now().Add(ttl)
	s.locks[key] = l
	return nil
}

func (s *memStore) CounterIncr(
	ctx context.Context,
	key string,
	delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[key] += delta
	return s.counters[key], nil
}

func (s *memStore) Publish(ctx context.Context, channel string, ev Event) error {
	s.mu.Lock()
	subs := append([]*memSub(nil), s.subs[channel]...)
	s.mu.Unlock()

	for _, sub := range subs {
		// Drop rather than block: a stalled subscriber must not stall
		// publishers.
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return nil
}

func (s *memStore) Subscribe(
	ctx context.Context,
	channel string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fserr.New(fserr.KindInvalidArg, "coordstore.subscribe")
	}

	sub := &memSub{store: s, channel: channel, ch: make(chan Event, subBuffer)}
	s.subs[channel] = append(s.subs[channel], sub)
	return sub, nil
}

func (s *memStore) Barrier(ctx context.Context, key string, n int) error {
	s.mu.Lock()
	b, ok := s.barriers[key]
	if !ok {
		b = &memBarrier{release: make(chan struct{})}
		s.barriers[key] = b
	}
	b.arrived++
	if b.arrived >= n {
		close(b.release)
		delete(s.barriers, key)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	var all []*memSub
	for _, subs := range s.subs {
		all = append(all, subs...)
	}
	s.subs = make(map[string][]*memSub)
	s.closed = true
	s.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

func (s *memStore) dropSub(target *memSub) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subs[target.channel]
	for i, sub := range subs {
		if sub == target {
			s.subs[target.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
