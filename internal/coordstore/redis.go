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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/eons-dev/truckeefs/internal/fserr"
	"github.com/eons-dev/truckeefs/internal/logger"
)

// redisStore backs the coordination primitives with a Redis server: SET NX
// PX for locks, INCRBY for counters, native pub/sub for channels.
type redisStore struct {
	client *redis.Client
	prefix string
}

// Release and Refresh must only act if the caller still owns the lock, which
// takes a compare step; scripts keep compare-and-act atomic server-side.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)
)

// NewRedis connects to the coordination service at the given URL
// (redis://host:port/db).
func NewRedis(url string) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse coord store url: %w", err)
	}

	return &redisStore{
		client: redis.NewClient(opts),
		prefix: "truckeefs:",
	}, nil
}

var _ Store = &redisStore{}

func (s *redisStore) Acquire(
	ctx context.Context,
	key string,
	ttl time.Duration) (token string, err error) {
	token = uuid.NewString()

	ok, err := s.client.SetNX(ctx, s.prefix+"lock:"+key, token, ttl).Result()
	if err != nil {
		return "", fserr.Wrap(fserr.KindBackendUnavailable, "coordstore.acquire", err)
	}
	if !ok {
		return "", fserr.New(fserr.KindBusy, "coordstore.acquire")
	}

	return token, nil
}

func (s *redisStore) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(
		ctx, s.client, []string{s.prefix + "lock:" + key}, token).Int()
	if err != nil {
		return fserr.Wrap(fserr.KindBackendUnavailable, "coordstore.release", err)
	}
	if n == 0 {
		return fserr.New(fserr.KindInvalidArg, "coordstore.release")
	}
	return nil
}

func (s *redisStore) Refresh(
	ctx context.Context,
	key, token string,
	ttl time.Duration) error {
	n, err := refreshScript.Run(
		ctx, s.client,
		[]string{s.prefix + "lock:" + key},
		token, ttl.Milliseconds()).Int()
	if err != nil {
		return fserr.Wrap(fserr.KindBackendUnavailable, "coordstore.refresh", err)
	}
	if n == 0 {
		return fserr.New(fserr.KindInvalidArg, "coordstore.refresh")
	}
	return nil
}

func (s *redisStore) CounterIncr(
	ctx context.Context,
	key string,
	delta int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, s.prefix+"counter:"+key, delta).Result()
	if err != nil {
		return 0, fserr.Wrap(fserr.KindBackendUnavailable, "coordstore.counter_incr", err)
	}
	return v, nil
}

func (s *redisStore) Publish(
	ctx context.Context,
	channel string,
	ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	err = s.client.Publish(ctx, s.prefix+"ch:"+channel, payload).Err()
	return fserr.Wrap(fserr.KindBackendUnavailable, "coordstore.publish", err)
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Event
	cancel context.CancelFunc
}

func (s *redisSub) Events() <-chan Event { return s.ch }

func (s *redisSub) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

func (s *redisStore) Subscribe(
	ctx context.Context,
	channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.prefix+"ch:"+channel)

	// Confirm the subscription before returning so published events are not
	// lost in the window.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fserr.Wrap(fserr.KindBackendUnavailable, "coordstore.subscribe", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{pubsub: pubsub, ch: make(chan Event, subBuffer), cancel: cancel}

	go func() {
		defer close(sub.ch)
		src := pubsub.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.Warnf("coordstore: dropping malformed event: %v", err)
					continue
				}
				select {
				case sub.ch <- ev:
				case <-subCtx.Done():
					return
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return sub, nil
}

func (s *redisStore) Barrier(ctx context.Context, key string, n int) error {
	barrierKey := s.prefix + "counter:barrier:" + key
	channel := "barrier:" + key

	sub, err := s.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	defer sub.Close()

	arrived, err := s.CounterIncr(ctx, "barrier:"+key, 1)
	if err != nil {
		return err
	}

	if arrived >= int64(n) {
		s.client.Del(ctx, barrierKey)
		return s.Publish(ctx, channel, Event{Type: "barrier"})
	}

	select {
	case <-sub.Events():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
