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

// Package k8scs is a config store backed by a Kubernetes ConfigMap holding
// a YAML group config document. Changes are pushed through a watch on the
// ConfigMap.
package k8scs

import (
	"context"
	"flag"
	"fmt"
	"slices"

	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/throttle/configstore"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	corev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

const (
	// StoreName identifies the Kubernetes config store.
	StoreName = "k8s"
	// DefaultKey is the ConfigMap data key used unless --config_map_key says
	// otherwise.
	DefaultKey = "groups.yaml"
)

var (
	kubeconfig = flag.String("kubeconfig", "", "Paths to a kubeconfig. Only required if out-of-cluster.")
	namespace  = flag.String("config_map_namespace", "", "Namespace of the group config ConfigMap. Applicable for config_store=k8s.")
	mapName    = flag.String("config_map", "iothrottle-groups", "Name of the group config ConfigMap.")
	mapKey     = flag.String("config_map_key", DefaultKey, "Data key of the group config document within the ConfigMap.")
)

func init() {
	if err := configstore.RegisterProvider(StoreName, newFromFlags); err != nil {
		klog.Fatalf("Failed to register config store %v: %v", StoreName, err)
	}
}

func newFromFlags() (configstore.Store, error) {
	if *namespace == "" {
		return nil, fmt.Errorf("namespace of the config map needs to be configured")
	}
	config, err := clientcmd.BuildConfigFromFlags("", *kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}
	klog.Infof("Using ConfigMap %v/%v as config store", *namespace, *mapName)
	return New(clientset.CoreV1(), *namespace, *mapName, *mapKey), nil
}

// Store reads group configs from one key of a ConfigMap.
type Store struct {
	client    corev1.CoreV1Interface
	namespace string
	name      string
	key       string
}

// New returns a Store reading key of the ConfigMap namespace/name.
func New(client corev1.CoreV1Interface, namespace, name, key string) *Store {
	return &Store{client: client, namespace: namespace, name: name, key: key}
}

func (s *Store) parse(cm *v1.ConfigMap) ([]throttle.GroupConfig, error) {
	data, ok := cm.Data[s.key]
	if !ok {
		return nil, fmt.Errorf("ConfigMap %v/%v has no key %q", s.namespace, s.name, s.key)
	}
	cfgs, err := configstore.Parse([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("ConfigMap %v/%v: %w", s.namespace, s.name, err)
	}
	return cfgs, nil
}

// Load reads the ConfigMap.
func (s *Store) Load(ctx context.Context) ([]throttle.GroupConfig, error) {
	cm, err := s.client.ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return s.parse(cm)
}

// Watch follows changes to the ConfigMap. Deleting it keeps the previous
// configs in force.
func (s *Store) Watch(ctx context.Context, fn func([]throttle.GroupConfig)) error {
	var last []throttle.GroupConfig
	seen := false
	deliver := func(cfgs []throttle.GroupConfig, err error) {
		if err != nil {
			klog.Warningf("k8scs: keeping previous configs: %v", err)
			return
		}
		if seen && slices.Equal(cfgs, last) {
			return
		}
		seen, last = true, cfgs
		fn(cfgs)
	}

	for ctx.Err() == nil {
		watcher, err := s.client.ConfigMaps(s.namespace).Watch(ctx, metav1.ListOptions{
			FieldSelector: fmt.Sprintf("metadata.name=%s", s.name),
		})
		if err != nil {
			return fmt.Errorf("ConfigMap watcher %v/%v failed: %w", s.namespace, s.name, err)
		}
		deliver(s.Load(ctx))
		if err := s.follow(ctx, watcher, deliver); err != nil {
			return err
		}
		klog.V(1).Infof("k8scs: watch of %v/%v ended, restarting", s.namespace, s.name)
	}
	return ctx.Err()
}

// follow consumes watcher until it ends or ctx is done.
func (s *Store) follow(ctx context.Context, watcher watch.Interface, deliver func([]throttle.GroupConfig, error)) error {
	defer watcher.Stop()
	channel := watcher.ResultChan()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-channel:
			if !ok {
				return nil
			}
			cm, ok := event.Object.(*v1.ConfigMap)
			if !ok || cm.Name != s.name {
				continue
			}
			switch event.Type {
			case watch.Added, watch.Modified:
				deliver(s.parse(cm))
			case watch.Deleted:
				klog.Warningf("k8scs: ConfigMap %v/%v deleted, keeping previous configs", s.namespace, s.name)
			}
		}
	}
}

// Close does nothing.
func (s *Store) Close() error {
	return nil
}
