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

// Package rediscs is a config store backed by a Redis hash mapping group
// names to their YAML configs. Redis has no change notification the store
// could rely on, so it is polled.
package rediscs

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/throttle/configstore"
	"github.com/google/iothrottle/util/clock"
	"k8s.io/klog/v2"
)

const (
	// StoreName identifies the Redis config store.
	StoreName = "redis"
	// DefaultKey is the hash used unless --redis_config_key says otherwise.
	DefaultKey = "iothrottle:groups"
)

var (
	addr     = flag.String("redis_addr", "", "Address (host:port) of the Redis server. Applicable for config_store=redis.")
	password = flag.String("redis_password", "", "Password of the Redis server.")
	db       = flag.Int("redis_db", 0, "Redis database number.")
	key      = flag.String("redis_config_key", DefaultKey, "Redis hash holding the group configs.")
)

func init() {
	if err := configstore.RegisterProvider(StoreName, newFromFlags); err != nil {
		klog.Fatalf("Failed to register config store %v: %v", StoreName, err)
	}
}

func newFromFlags() (configstore.Store, error) {
	if *addr == "" {
		return nil, fmt.Errorf("can't create redis config store - redis_addr flag is unset")
	}
	client := redis.NewClient(&redis.Options{Addr: *addr, Password: *password, DB: *db})
	klog.Infof("Using Redis config store at %v", *addr)
	return New(client, *key, *configstore.PollInterval), nil
}

// RedisClient is the subset of the Redis client API used by Store. It is
// implemented by *redis.Client, *redis.ClusterClient and *redis.Ring.
type RedisClient interface {
	HGetAll(key string) *redis.StringStringMapCmd
	HSet(key, field string, value interface{}) *redis.BoolCmd
	HDel(key string, fields ...string) *redis.IntCmd
}

// Store reads group configs from a Redis hash.
type Store struct {
	client   RedisClient
	key      string
	interval time.Duration
	ts       clock.TimeSource
}

// New returns a Store reading the hash key and re-reading it every interval.
func New(client RedisClient, key string, interval time.Duration) *Store {
	return &Store{client: client, key: key, interval: interval, ts: clock.System}
}

// Load reads every field of the hash.
func (s *Store) Load(ctx context.Context) ([]throttle.GroupConfig, error) {
	fields, err := withClientContext(ctx, s.client).HGetAll(s.key).Result()
	if err != nil {
		return nil, err
	}
	cfgs := make([]throttle.GroupConfig, 0, len(fields))
	for name, val := range fields {
		cfg, err := configstore.ParseGroup(name, []byte(val))
		if err != nil {
			return nil, fmt.Errorf("%v[%v]: %w", s.key, name, err)
		}
		cfgs = append(cfgs, cfg)
	}
	configstore.SortByName(cfgs)
	if err := throttle.ValidateConfigs(cfgs); err != nil {
		return nil, err
	}
	return cfgs, nil
}

// Watch polls the hash.
func (s *Store) Watch(ctx context.Context, fn func([]throttle.GroupConfig)) error {
	return configstore.PollWatch(ctx, s.ts, s.interval, s.Load, fn)
}

// Put stores the config of one group.
func (s *Store) Put(ctx context.Context, cfg throttle.GroupConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := configstore.MarshalGroup(cfg)
	if err != nil {
		return err
	}
	return withClientContext(ctx, s.client).HSet(s.key, cfg.Name, string(data)).Err()
}

// Delete removes the config of one group.
func (s *Store) Delete(ctx context.Context, name string) error {
	return withClientContext(ctx, s.client).HDel(s.key, name).Err()
}

// Close closes the client if it is one of the Redis clients.
func (s *Store) Close() error {
	switch c := s.client.(type) {
	case *redis.Client:
		return c.Close()
	case *redis.ClusterClient:
		return c.Close()
	case *redis.Ring:
		return c.Close()
	}
	return nil
}

func withClientContext(ctx context.Context, client RedisClient) RedisClient {
	type withContextable interface {
		WithContext(context.Context) RedisClient
	}

	switch c := client.(type) {
	case *redis.Client:
		return c.WithContext(ctx)
	case *redis.ClusterClient:
		return c.WithContext(ctx)
	case *redis.Ring:
		return c.WithContext(ctx)
	case withContextable:
		return c.WithContext(ctx)
	}
	return client
}
