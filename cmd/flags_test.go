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

package cmd

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestParseFlags(t *testing.T) {
	var store, file string
	flag.StringVar(&store, "store", "", "")
	flag.StringVar(&file, "file", "", "")
	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)

	initialArgs := os.Args[:]
	defer func() { os.Args = initialArgs }()

	for _, test := range []struct {
		desc      string
		contents  string
		env       map[string]string
		cliArgs   []string
		wantErr   string
		wantStore string
		wantFile  string
	}{
		{
			desc:      "one line",
			contents:  "--store etcd --file a.yaml",
			wantStore: "etcd",
			wantFile:  "a.yaml",
		},
		{
			desc:      "one flag per line with continuation",
			contents:  "--store etcd \\\n--file a.yaml\n",
			wantStore: "etcd",
			wantFile:  "a.yaml",
		},
		{
			desc:      "quoted value",
			contents:  "--store=redis --file='my groups.yaml'",
			wantStore: "redis",
			wantFile:  "my groups.yaml",
		},
		{
			desc:      "command line wins",
			contents:  "--store etcd --file a.yaml",
			cliArgs:   []string{"--store", "k8s"},
			wantStore: "k8s",
			wantFile:  "a.yaml",
		},
		{
			desc:      "environment",
			contents:  "--store file --file $GROUPS_FILE",
			env:       map[string]string{"GROUPS_FILE": "/etc/iothrottle/groups file.yaml"},
			wantStore: "file",
			wantFile:  "/etc/iothrottle/groups file.yaml",
		},
		{
			desc:     "unclosed quote",
			contents: "--store 'etcd",
			wantErr:  "flag file has an unclosed quotation",
		},
		{
			desc:     "undefined flag",
			contents: "--store etcd --shards 3",
			wantErr:  "flag provided but not defined: -shards",
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			store, file = "", ""
			os.Args = append(initialArgs[:len(initialArgs):len(initialArgs)], test.cliArgs...)
			for k, v := range test.env {
				t.Setenv(k, v)
			}

			err := parseFlags(test.contents)
			if test.wantErr != "" {
				if err == nil || err.Error() != test.wantErr {
					t.Errorf("parseFlags()=%v; want %q", err, test.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlags()=%v", err)
			}
			if store != test.wantStore || file != test.wantFile {
				t.Errorf("store, file = %q, %q; want %q, %q", store, file, test.wantStore, test.wantFile)
			}
		})
	}
}

func TestParseFlagFileMissing(t *testing.T) {
	if err := ParseFlagFile(filepath.Join(t.TempDir(), "nope.flags")); err == nil {
		t.Error("ParseFlagFile() of a missing file succeeded; want error")
	}
}
