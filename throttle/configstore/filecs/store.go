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

// Package filecs is a config store backed by a YAML file that is polled for
// changes.
package filecs

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/throttle/configstore"
	"github.com/google/iothrottle/util/clock"
	"k8s.io/klog/v2"
)

// StoreName identifies the file config store.
const StoreName = "file"

var configFile = flag.String("config_file", "", "Path of the YAML group config document. Applicable for config_store=file.")

func init() {
	if err := configstore.RegisterProvider(StoreName, newFromFlags); err != nil {
		klog.Fatalf("Failed to register config store %v: %v", StoreName, err)
	}
}

func newFromFlags() (configstore.Store, error) {
	if *configFile == "" {
		return nil, fmt.Errorf("can't create file config store - config_file flag is unset")
	}
	klog.Infof("Using file config store at %v", *configFile)
	return New(*configFile, *configstore.PollInterval), nil
}

// Store reads group configs from a YAML file.
type Store struct {
	path     string
	interval time.Duration
	ts       clock.TimeSource
}

// New returns a Store reading path and re-reading it every interval.
func New(path string, interval time.Duration) *Store {
	return &Store{path: path, interval: interval, ts: clock.System}
}

// Load reads and parses the file.
func (s *Store) Load(ctx context.Context) ([]throttle.GroupConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	cfgs, err := configstore.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", s.path, err)
	}
	return cfgs, nil
}

// Watch polls the file.
func (s *Store) Watch(ctx context.Context, fn func([]throttle.GroupConfig)) error {
	return configstore.PollWatch(ctx, s.ts, s.interval, s.Load, fn)
}

// Close does nothing.
func (s *Store) Close() error {
	return nil
}
