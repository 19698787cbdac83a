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

// Package etcdcs is a config store backed by etcd. Each group is stored
// under its own key, <prefix><name>/config, holding the YAML config of that
// group; changes are pushed through an etcd watch.
package etcdcs

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/throttle/configstore"
	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"
)

const (
	// StoreName identifies the etcd config store.
	StoreName = "etcd"
	// DefaultPrefix is the key prefix used unless --etcd_config_prefix says
	// otherwise.
	DefaultPrefix = "iothrottle/groups/"

	configSuffix = "/config"
)

var (
	// Servers is a flag containing the address(es) of etcd servers.
	Servers = flag.String("etcd_servers", "", "A comma-separated list of etcd servers. Applicable for config_store=etcd.")
	prefix  = flag.String("etcd_config_prefix", DefaultPrefix, "Key prefix of the group configs in etcd.")
)

func init() {
	if err := configstore.RegisterProvider(StoreName, newFromFlags); err != nil {
		klog.Fatalf("Failed to register config store %v: %v", StoreName, err)
	}
}

func newFromFlags() (configstore.Store, error) {
	if *Servers == "" {
		return nil, fmt.Errorf("can't create etcd config store - etcd_servers flag is unset")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(*Servers, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd at %v: %v", *Servers, err)
	}
	klog.Info("Using etcd config store")
	return New(client, *prefix), nil
}

// Client is the subset of the etcd client used by Store. *clientv3.Client
// implements it.
type Client interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

// Store reads group configs from etcd.
type Store struct {
	client Client
	prefix string
}

// New returns a Store reading the keys under prefix.
func New(client Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(name string) string {
	return s.prefix + name + configSuffix
}

// groupName extracts the group name from key, or returns false for keys that
// do not hold a group config.
func (s *Store) groupName(key string) (string, bool) {
	name, ok := strings.CutPrefix(key, s.prefix)
	if !ok {
		return "", false
	}
	name, ok = strings.CutSuffix(name, configSuffix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// Load reads every group config under the prefix.
func (s *Store) Load(ctx context.Context) ([]throttle.GroupConfig, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	cfgs := make([]throttle.GroupConfig, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name, ok := s.groupName(string(kv.Key))
		if !ok {
			klog.V(1).Infof("etcdcs: ignoring key %q", kv.Key)
			continue
		}
		cfg, err := configstore.ParseGroup(name, kv.Value)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", kv.Key, err)
		}
		cfgs = append(cfgs, cfg)
	}
	configstore.SortByName(cfgs)
	if err := throttle.ValidateConfigs(cfgs); err != nil {
		return nil, err
	}
	return cfgs, nil
}

// Watch re-reads the configs whenever a key under the prefix changes.
func (s *Store) Watch(ctx context.Context, fn func([]throttle.GroupConfig)) error {
	// The watch starts before the first read so that no change is missed.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wch := s.client.Watch(ctx, s.prefix, clientv3.WithPrefix())

	var last []throttle.GroupConfig
	seen := false
	reload := func() {
		cfgs, err := s.Load(ctx)
		if err != nil {
			klog.Warningf("etcdcs: load failed, keeping previous configs: %v", err)
			return
		}
		if seen && slices.Equal(cfgs, last) {
			return
		}
		seen, last = true, cfgs
		fn(cfgs)
	}

	reload()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wresp, ok := <-wch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return errors.New("etcdcs: watch channel closed")
			}
			if err := wresp.Err(); err != nil {
				klog.Warningf("etcdcs: watch error: %v", err)
			}
			reload()
		}
	}
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
	_, err = s.client.Put(ctx, s.key(cfg.Name), string(data))
	return err
}

// Delete removes the config of one group.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.Delete(ctx, s.key(name))
	return err
}

// Close closes the client if it can be closed.
func (s *Store) Close() error {
	if c, ok := s.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
