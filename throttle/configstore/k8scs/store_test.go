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

package k8scs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/util/flagsaver"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

const ns = "default"

func configMap(name, doc string) *v1.ConfigMap {
	return &v1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Data:       map[string]string{DefaultKey: doc},
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	c := fake.NewClientset(
		configMap("groups", "groups:\n- name: a\n  read: {max: {iops: 100}}\n"),
		configMap("broken", "groups:\n- name: a\n- name: a\n"),
		&v1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "empty", Namespace: ns}},
	)

	got, err := New(c.CoreV1(), ns, "groups", DefaultKey).Load(ctx)
	if err != nil {
		t.Fatalf("Load()=%v", err)
	}
	want := []throttle.GroupConfig{{Name: "a", Read: throttle.DirConfig{Max: throttle.Rate{IOPS: 100}}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() diff (-want +got):\n%s", diff)
	}

	if _, err := New(c.CoreV1(), ns, "broken", DefaultKey).Load(ctx); status.Code(err) != codes.InvalidArgument {
		t.Errorf("Load(broken)=%v; want code %v", err, codes.InvalidArgument)
	}
	for _, name := range []string{"empty", "missing"} {
		if _, err := New(c.CoreV1(), ns, name, DefaultKey).Load(ctx); err == nil {
			t.Errorf("Load(%v) succeeded; want error", name)
		}
	}
}

func TestWatch(t *testing.T) {
	c := fake.NewClientset(configMap("groups", "groups:\n- name: a\n"))
	s := New(c.CoreV1(), ns, "groups", DefaultKey)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []throttle.GroupConfig, 10)
	errc := make(chan error, 1)
	go func() {
		errc <- s.Watch(ctx, func(cfgs []throttle.GroupConfig) { got <- cfgs })
	}()
	next := func() []throttle.GroupConfig {
		t.Helper()
		select {
		case cfgs := <-got:
			return cfgs
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for configs")
		}
		return nil
	}

	if diff := cmp.Diff([]throttle.GroupConfig{{Name: "a"}}, next()); diff != "" {
		t.Errorf("initial diff (-want +got):\n%s", diff)
	}

	update := func(name, doc string) {
		t.Helper()
		if _, err := c.CoreV1().ConfigMaps(ns).Update(ctx, configMap(name, doc), metav1.UpdateOptions{}); err != nil {
			t.Fatalf("Update(%v)=%v", name, err)
		}
	}
	// Other ConfigMaps in the namespace are ignored.
	if _, err := c.CoreV1().ConfigMaps(ns).Create(ctx, configMap("other", "groups:\n- name: z\n"), metav1.CreateOptions{}); err != nil {
		t.Fatalf("Create(other)=%v", err)
	}
	// An invalid document is skipped.
	update("groups", "groups:\n- name: b\n  parent: b\n")
	update("groups", "groups:\n- name: a\n- name: b\n  parent: a\n")
	if diff := cmp.Diff([]throttle.GroupConfig{{Name: "a"}, {Name: "b", Parent: "a"}}, next()); diff != "" {
		t.Errorf("update diff (-want +got):\n%s", diff)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Watch()=%v; want %v", err, context.Canceled)
	}
}

func TestNewFromFlagsErrors(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		flags map[string]string
	}{
		{desc: "noNamespace", flags: map[string]string{"config_map_namespace": ""}},
		{desc: "missingKubeconfig", flags: map[string]string{
			"config_map_namespace": "default",
			"kubeconfig":           filepath.Join(t.TempDir(), "missing"),
		}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			flagsaver.Set(t, tc.flags)
			if _, err := newFromFlags(); err == nil {
				t.Error("newFromFlags() succeeded; want error")
			}
		})
	}
}
