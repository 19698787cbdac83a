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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegisterProvider(t *testing.T) {
	s := &fakeStore{}
	if err := RegisterProvider("fake", func() (Store, error) { return s, nil }); err != nil {
		t.Fatalf("RegisterProvider(fake)=%v", err)
	}
	if err := RegisterProvider("fake", func() (Store, error) { return nil, nil }); err == nil {
		t.Error("second RegisterProvider(fake) succeeded; want error")
	}
	if err := RegisterProvider("afake", func() (Store, error) { return s, nil }); err != nil {
		t.Fatalf("RegisterProvider(afake)=%v", err)
	}
	if diff := cmp.Diff([]string{"afake", "fake"}, stores()); diff != "" {
		t.Errorf("stores() diff (-want +got):\n%s", diff)
	}

	got, err := NewStore("fake")
	if err != nil {
		t.Fatalf("NewStore(fake)=%v", err)
	}
	if got != Store(s) {
		t.Errorf("NewStore(fake)=%v; want %v", got, s)
	}
	if _, err := NewStore("nope"); err == nil {
		t.Error("NewStore(nope) succeeded; want error")
	}

	defer func(old string) { *System = old }(*System)
	*System = "fake"
	if _, err := NewStoreFromFlags(); err != nil {
		t.Errorf("NewStoreFromFlags()=%v", err)
	}
}
