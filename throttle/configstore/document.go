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
	"fmt"
	"time"

	"github.com/google/iothrottle/throttle"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v2"
)

// document is the YAML form of a complete set of group configs:
//
//	groups:
//	- name: tenants
//	  write: {max: {bps: 104857600}}
//	- name: alice
//	  parent: tenants
//	  read: {low: {bps: 1048576}, max: {bps: 10485760, iops: 500}}
//	  latency_target: 10ms
//	  idle_threshold: 1s
type document struct {
	Groups []groupDoc `yaml:"groups"`
}

type groupDoc struct {
	Name          string             `yaml:"name,omitempty"`
	Parent        string             `yaml:"parent,omitempty"`
	Read          throttle.DirConfig `yaml:"read,omitempty"`
	Write         throttle.DirConfig `yaml:"write,omitempty"`
	LatencyTarget string             `yaml:"latency_target,omitempty"`
	IdleThreshold string             `yaml:"idle_threshold,omitempty"`
}

func (g *groupDoc) config() (throttle.GroupConfig, error) {
	cfg := throttle.GroupConfig{Name: g.Name, Parent: g.Parent, Read: g.Read, Write: g.Write}
	var err error
	if cfg.LatencyTarget, err = parseDuration(g.LatencyTarget); err != nil {
		return cfg, fmt.Errorf("latency_target: %v", err)
	}
	if cfg.IdleThreshold, err = parseDuration(g.IdleThreshold); err != nil {
		return cfg, fmt.Errorf("idle_threshold: %v", err)
	}
	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func docFor(cfg throttle.GroupConfig) groupDoc {
	return groupDoc{
		Name:          cfg.Name,
		Parent:        cfg.Parent,
		Read:          cfg.Read,
		Write:         cfg.Write,
		LatencyTarget: formatDuration(cfg.LatencyTarget),
		IdleThreshold: formatDuration(cfg.IdleThreshold),
	}
}

// Parse decodes and validates a YAML document holding a complete set of
// group configs. Unknown fields are rejected.
func Parse(data []byte) ([]throttle.GroupConfig, error) {
	var doc document
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed config document: %v", err)
	}
	cfgs := make([]throttle.GroupConfig, 0, len(doc.Groups))
	for i := range doc.Groups {
		cfg, err := doc.Groups[i].config()
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "groups[%d] (%q): %v", i, doc.Groups[i].Name, err)
		}
		cfgs = append(cfgs, cfg)
	}
	if err := throttle.ValidateConfigs(cfgs); err != nil {
		return nil, err
	}
	return cfgs, nil
}

// ParseGroup decodes and validates the YAML config of a single group whose
// name is known from elsewhere, such as a storage key. A name inside data
// must match.
func ParseGroup(name string, data []byte) (throttle.GroupConfig, error) {
	var g groupDoc
	if err := yaml.UnmarshalStrict(data, &g); err != nil {
		return throttle.GroupConfig{}, status.Errorf(codes.InvalidArgument, "malformed config of group %q: %v", name, err)
	}
	if g.Name != "" && g.Name != name {
		return throttle.GroupConfig{}, status.Errorf(codes.InvalidArgument, "config of group %q names group %q", name, g.Name)
	}
	g.Name = name
	cfg, err := g.config()
	if err != nil {
		return throttle.GroupConfig{}, status.Errorf(codes.InvalidArgument, "group %q: %v", name, err)
	}
	if err := cfg.Validate(); err != nil {
		return throttle.GroupConfig{}, err
	}
	return cfg, nil
}

// Marshal encodes cfgs as a YAML document accepted by Parse.
func Marshal(cfgs []throttle.GroupConfig) ([]byte, error) {
	doc := document{Groups: make([]groupDoc, 0, len(cfgs))}
	for _, cfg := range cfgs {
		doc.Groups = append(doc.Groups, docFor(cfg))
	}
	return yaml.Marshal(&doc)
}

// MarshalGroup encodes a single group config as accepted by ParseGroup.
func MarshalGroup(cfg throttle.GroupConfig) ([]byte, error) {
	g := docFor(cfg)
	return yaml.Marshal(&g)
}
