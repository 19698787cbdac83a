// Copyright 2026 Google LLC. All Rights Reserved.
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

package rediscs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/go-cmp/cmp"
	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/util/clock"
	"github.com/google/iothrottle/util/flagsaver"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeRedis holds hashes in memory.
type fakeRedis struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	err    error
	ctx    context.Context
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: make(map[string]map[string]string)}
}

func (r *fakeRedis) WithContext(ctx context.Context) RedisClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
	return r
}

func (r *fakeRedis) HGetAll(key string) *redis.StringStringMapCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make(map[string]string)
	for k, v := range r.hashes[key] {
		ret[k] = v
	}
	return redis.NewStringStringMapResult(ret, r.err)
}

func (r *fakeRedis) HSet(key, field string, value interface{}) *redis.BoolCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hashes[key]
	if !ok {
		h = make(map[string]string)
		r.hashes[key] = h
	}
	_, existed := h[field]
	h[field] = value.(string)
	return redis.NewBoolResult(!existed, r.err)
}

func (r *fakeRedis) HDel(key string, fields ...string) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, f := range fields {
		if _, ok := r.hashes[key][f]; ok {
			delete(r.hashes[key], f)
			n++
		}
	}
	return redis.NewIntResult(n, r.err)
}

func TestPutLoadDelete(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	s := New(client, DefaultKey, time.Second)

	cfgs := []throttle.GroupConfig{
		{Name: "root", Write: throttle.DirConfig{Max: throttle.Rate{BPS: 1 << 30}}},
		{Name: "leaf", Parent: "root", Read: throttle.DirConfig{Low: throttle.Rate{IOPS: 100}}, LatencyTarget: time.Millisecond},
	}
	for _, cfg := range cfgs {
		if err := s.Put(ctx, cfg); err != nil {
			t.Fatalf("Put(%v)=%v", cfg.Name, err)
		}
	}
	if client.ctx != ctx {
		t.Error("client was not bound to the request context")
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load()=%v", err)
	}
	// Sorted by name.
	want := []throttle.GroupConfig{cfgs[1], cfgs[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() diff (-want +got):\n%s", diff)
	}

	// Removing the parent alone leaves an invalid set.
	if err := s.Delete(ctx, "root"); err != nil {
		t.Fatalf("Delete(root)=%v", err)
	}
	if _, err := s.Load(ctx); status.Code(err) != codes.InvalidArgument {
		t.Errorf("Load() without parent=%v; want code %v", err, codes.InvalidArgument)
	}
}

func TestLoadErrors(t *testing.T) {
	client := newFakeRedis()
	client.hashes[DefaultKey] = map[string]string{"a": "read: nope\n"}
	s := New(client, DefaultKey, time.Second)
	if _, err := s.Load(context.Background()); status.Code(err) != codes.InvalidArgument {
		t.Errorf("Load()=%v; want code %v", err, codes.InvalidArgument)
	}

	connErr := errors.New("connection refused")
	client.err = connErr
	if _, err := s.Load(context.Background()); !errors.Is(err, connErr) {
		t.Errorf("Load()=%v; want %v", err, connErr)
	}
}

func TestWatch(t *testing.T) {
	client := newFakeRedis()
	ts := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	s := New(client, DefaultKey, 5*time.Second)
	s.ts = ts
	if err := s.Put(context.Background(), throttle.GroupConfig{Name: "a"}); err != nil {
		t.Fatalf("Put()=%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan []throttle.GroupConfig, 10)
	go s.Watch(ctx, func(cfgs []throttle.GroupConfig) { got <- cfgs })

	if diff := cmp.Diff([]throttle.GroupConfig{{Name: "a"}}, <-got); diff != "" {
		t.Errorf("initial diff (-want +got):\n%s", diff)
	}
	if err := s.Put(context.Background(), throttle.GroupConfig{Name: "b"}); err != nil {
		t.Fatalf("Put()=%v", err)
	}
	deadline := time.After(10 * time.Second)
	for {
		select {
		case cfgs := <-got:
			if diff := cmp.Diff([]throttle.GroupConfig{{Name: "a"}, {Name: "b"}}, cfgs); diff != "" {
				t.Errorf("update diff (-want +got):\n%s", diff)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for the update")
		default:
		}
		if pending := ts.Pending(); len(pending) > 0 {
			ts.Set(pending[0])
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewFromFlags(t *testing.T) {
	flagsaver.Set(t, map[string]string{"redis_addr": ""})
	if _, err := newFromFlags(); err == nil {
		t.Error("newFromFlags() without --redis_addr succeeded; want error")
	}

	// The client connects lazily, so no server is needed.
	flagsaver.Set(t, map[string]string{"redis_addr": "localhost:6379", "redis_config_key": "test:groups"})
	s, err := newFromFlags()
	if err != nil {
		t.Fatalf("newFromFlags()=%v", err)
	}
	defer s.Close()
	if got, want := s.(*Store).key, "test:groups"; got != want {
		t.Errorf("key=%v; want %v", got, want)
	}
}
