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

// Package coordstore provides ephemeral coordination primitives: TTL-bounded
// advisory locks with ownership tokens, counters, pub/sub event channels,
// and barriers.
//
// Locks are always TTL-bounded so a crashed holder cannot deadlock the
// fleet. Every acquisition must be paired with a scoped release on all exit
// paths; the token prevents releasing a lock stolen after expiry.
package coordstore

import (
	"context"
	"time"
)

// Event is what flows over the pub/sub channels: sync announcements and
// invalidation notices.
type Event struct {
	// Type is one of "pulled", "pushed", "invalidate", "degraded", "barrier".
	Type string `json:"type"`

	InodeID int64 `json:"inode_id,omitempty"`
	Version int64 `json:"version,omitempty"`

	// Detail carries a human-readable diagnostic on degraded events.
	Detail string `json:"detail,omitempty"`
}

// Subscription delivers events for one channel until closed.
type Subscription interface {
	// Events yields events in publication order. The channel closes when
	// the subscription does.
	Events() <-chan Event

	Close() error
}

type Store interface {
	// Acquire takes the named lock for at most ttl, returning an ownership
	// token. Fails with BUSY if the lock is held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)

	// Release drops the lock if token still owns it. Releasing with a
	// stale token is an error and leaves the lock alone.
	Release(ctx context.Context, key, token string) error

	// Refresh extends the TTL of a held lock. Long-running operations call
	// this to keep their exclusivity.
	Refresh(ctx context.Context, key, token string, ttl time.Duration) error

	// CounterIncr adds delta (which may be negative) to the named counter
	// and returns the new value.
	CounterIncr(ctx context.Context, key string, delta int64) (int64, error)

	// Publish sends an event to every subscriber of the channel.
	Publish(ctx context.Context, channel string, ev Event) error

	// Subscribe begins receiving events on the channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Barrier blocks until n parties have arrived at the named barrier, or
	// ctx is done.
	Barrier(ctx context.Context, key string, n int) error

	Close() error
}
