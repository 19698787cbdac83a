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

// Package flagsaver saves and restores flag values so that tests can change
// flags without leaking the changes into other tests.
//
// Example:
//
//	func TestFoo(t *testing.T) {
//		flagsaver.Set(t, map[string]string{"config_store": "redis"})
//		// Test code that reads the flags.
//	} // Flags are reset to their original values here.
package flagsaver

import (
	"flag"
	"strings"
	"testing"

	"k8s.io/klog/v2"
)

// Stash holds flag values so that they can be restored later.
type Stash struct {
	flags map[string]string
}

// Save captures the current value of every flag except the go test flags.
func Save() *Stash {
	s := Stash{flags: make(map[string]string)}
	flag.VisitAll(func(f *flag.Flag) {
		// log_backtrace_at cannot be set back to its empty default.
		if strings.HasPrefix(f.Name, "test.") || f.Name == "log_backtrace_at" {
			return
		}
		s.flags[f.Name] = f.Value.String()
	})
	return &s
}

// Restore sets every saved flag back to its saved value.
func (s *Stash) Restore() error {
	for name, value := range s.flags {
		if err := flag.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// MustRestore calls Restore and exits on failure: flags left in an
// arbitrary state would break later tests.
func (s *Stash) MustRestore() {
	if err := s.Restore(); err != nil {
		klog.Fatalf("MustRestore(): failed to restore flags: %v", err)
	}
}

// Set saves all flags, sets the given ones and restores the saved values
// when t finishes.
func Set(t testing.TB, values map[string]string) {
	t.Helper()
	s := Save()
	t.Cleanup(s.MustRestore)
	for name, value := range values {
		if err := flag.Set(name, value); err != nil {
			t.Fatalf("flag.Set(%q, %q)=%v", name, value, err)
		}
	}
}
