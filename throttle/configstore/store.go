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

// Package configstore supplies group configurations to a throttle.Tree from
// external storage. Implementations live in subpackages and register
// themselves by name; binaries select one with the --config_store flag.
package configstore

import (
	"context"
	"fmt"

	"github.com/google/iothrottle/throttle"
	"k8s.io/klog/v2"
)

// Store is a source of complete sets of group configs.
type Store interface {
	// Load returns the current configs.
	Load(ctx context.Context) ([]throttle.GroupConfig, error)
	// Watch calls fn with the current configs and then with every new set
	// until ctx is done or the store fails permanently. Sets that cannot be
	// read or parsed are logged and skipped. fn is never called
	// concurrently.
	Watch(ctx context.Context, fn func([]throttle.GroupConfig)) error
	// Close releases the resources held by the store.
	Close() error
}

// Applier consumes complete sets of group configs. *throttle.Tree is an
// Applier.
type Applier interface {
	Apply(cfgs []throttle.GroupConfig) error
}

// Reconcile keeps a up to date with s until ctx is done. The initial set of
// configs must load and apply cleanly. Later sets that fail to apply are
// logged; a rejected set leaves the previous one in force.
func Reconcile(ctx context.Context, s Store, a Applier) error {
	cfgs, err := s.Load(ctx)
	if err != nil {
		return fmt.Errorf("initial load: %w", err)
	}
	if err := a.Apply(cfgs); err != nil {
		return fmt.Errorf("initial apply: %w", err)
	}
	klog.Infof("configstore: applied %d group configs", len(cfgs))

	return s.Watch(ctx, func(cfgs []throttle.GroupConfig) {
		if err := a.Apply(cfgs); err != nil {
			klog.Errorf("configstore: failed to apply %d group configs: %v", len(cfgs), err)
			return
		}
		klog.V(1).Infof("configstore: applied %d group configs", len(cfgs))
	})
}
