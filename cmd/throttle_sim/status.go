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

package main

import (
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"

	"github.com/google/iothrottle/throttle"
)

// snapshotter returns tree statistics. *throttle.Tree is a snapshotter.
type snapshotter interface {
	Snapshot() throttle.Stats
}

func writeStats(w io.Writer, s throttle.Stats) error {
	fmt.Fprintf(w, "tier: %v  scale: %d  queued: %d read, %d write\n\n", s.Tier, s.Scale, s.ReadQueued, s.WriteQueued)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tPARENT\tREAD BYTES\tREAD IOS\tREAD QUEUED\tWRITE BYTES\tWRITE IOS\tWRITE QUEUED\tJOBS\tBAD\tIDLE\t")
	for _, g := range s.Groups {
		name := g.Name
		if g.Removing {
			name += " (removing)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%v\t\n",
			name, g.Parent,
			g.Read.Bytes, g.Read.IOs, g.Read.Queued,
			g.Write.Bytes, g.Write.IOs, g.Write.Queued,
			g.JobCount, g.BadJobCount, g.Idle)
	}
	return tw.Flush()
}

func statusHandler(s snapshotter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := writeStats(w, s.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
