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

package configstore

import (
	"flag"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// System is a flag specifying which config store is in use.
	System = flag.String("config_store", "file", fmt.Sprintf("Config store to use. One of: %v", stores()))
	// PollInterval is how often stores without change notification are
	// re-read.
	PollInterval = flag.Duration("config_poll_interval", 10*time.Second, "How often polled config stores are re-read.")

	csMu     sync.RWMutex
	csByName map[string]NewStoreFunc
)

// NewStoreFunc is the signature of a function which can be registered to
// provide instances of a config store.
type NewStoreFunc func() (Store, error)

// RegisterProvider registers a function that provides Store instances.
func RegisterProvider(name string, sp NewStoreFunc) error {
	csMu.Lock()
	defer csMu.Unlock()

	if csByName == nil {
		csByName = make(map[string]NewStoreFunc)
	}

	_, exists := csByName[name]
	if exists {
		return fmt.Errorf("config store provider %v already registered", name)
	}
	csByName[name] = sp
	return nil
}

// stores returns the sorted names of the registered config stores.
func stores() []string {
	csMu.RLock()
	defer csMu.RUnlock()
	return keysLocked()
}

// NewStoreFromFlags returns a Store implementation as specified by flag.
func NewStoreFromFlags() (Store, error) {
	return NewStore(*System)
}

// NewStore returns a Store implementation.
func NewStore(name string) (Store, error) {
	csMu.RLock()
	defer csMu.RUnlock()

	f, exists := csByName[name]
	if !exists {
		return nil, fmt.Errorf("unknown config store: %v (registered: %v)", name, keysLocked())
	}
	return f()
}

func keysLocked() []string {
	r := make([]string, 0, len(csByName))
	for k := range csByName {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}
