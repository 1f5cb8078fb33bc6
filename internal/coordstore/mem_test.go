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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eons-dev/truckeefs/clock"
	"github.com/eons-dev/truckeefs/internal/fserr"
)

func newMem(t *testing.T) (Store, *clock.SimulatedClock) {
	t.Helper()

	c := clock.NewSimulatedClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	s := NewMem(c)
	t.Cleanup(func() { s.Close() })
	return s, c
}

func TestAcquireConflict(t *testing.T) {
	s, _ := newMem(t)
	ctx := context.Background()

	token, err := s.Acquire(ctx, "push:1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = s.Acquire(ctx, "push:1", time.Minute)
	assert.True(t, fserr.Is(err, fserr.KindBusy))

	// A different key is independent.
	_, err = s.Acquire(ctx, "push:2", time.Minute)
	assert.NoError(t, err)
}

func TestReleaseRequiresToken(t *testing.T) {
	s, _ := newMem(t)
	ctx := context.Background()

	token, err := s.Acquire(ctx, "push:1", time.Minute)
	require.NoError(t, err)

	assert.Error(t, s.Release(ctx, "push:1", "stolen"))
	require.NoError(t, s.Release(ctx, "push:1", token))

	// Released: available again.
	_, err = s.Acquire(ctx, "push:1", time.Minute)
	assert.NoError(t, err)
}

func TestLockExpiry(t *testing.T) {
	s, c := newMem(t)
	ctx := context.Background()

	_, err := s.Acquire(ctx, "push:1", time.Minute)
	require.NoError(t, err)

	c.AdvanceTime(61 * time.Second)

	// Expired: a second holder may take it.
	token2, err := s.Acquire(ctx, "push:1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token2)
}

func TestRefreshExtendsTTL(t *testing.T) {
	s, c := newMem(t)
	ctx := context.Background()

	token, err := s.Acquire(ctx, "push:1", time.Minute)
	require.NoError(t, err)

	c.AdvanceTime(50 * time.Second)
	require.NoError(t, s.Refresh(ctx, "push:1", token, time.Minute))

	c.AdvanceTime(50 * time.Second)

	// Still held thanks to the refresh.
	_, err = s.Acquire(ctx, "push:1", time.Minute)
	assert.True(t, fserr.Is(err, fserr.KindBusy))
}

func TestRefreshExpiredLockFails(t *testing.T) {
	s, c := newMem(t)
	ctx := context.Background()

	token, err := s.Acquire(ctx, "push:1", time.Minute)
	require.NoError(t, err)

	c.AdvanceTime(2 * time.Minute)
	assert.Error(t, s.Refresh(ctx, "push:1", token, time.Minute))
}

func TestCounter(t *testing.T) {
	s, _ := newMem(t)
	ctx := context.Background()

	v, err := s.CounterIncr(ctx, "leases", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.CounterIncr(ctx, "leases", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = s.CounterIncr(ctx, "leases", -3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestPubSub(t *testing.T) {
	s, _ := newMem(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "sync")
	require.NoError(t, err)
	defer sub.Close()

	want := Event{Type: "pushed", InodeID: 7, Version: 3}
	require.NoError(t, s.Publish(ctx, "sync", want))

	select {
	case got := <-sub.Events():
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPubSubClosedSubscriberDoesNotBlockPublish(t *testing.T) {
	s, _ := newMem(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "sync")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	// Publishing after close must not panic or block.
	assert.NoError(t, s.Publish(ctx, "sync", Event{Type: "pulled"}))
}

func TestBarrier(t *testing.T) {
	s, _ := newMem(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const parties = 3
	var wg sync.WaitGroup
	errs := make([]error, parties)

	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Barrier(ctx, "startup", parties)
		}(i)
	}

	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestBarrierContextCancel(t *testing.T) {
	s, _ := newMem(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Barrier(ctx, "lonely", 2) }()

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("barrier did not observe cancellation")
	}
}
