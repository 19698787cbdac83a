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

// The throttle_sim binary drives a throttling tree with synthetic workload
// streams against a simulated device. Group configs come from a config
// store and are reconciled while the simulation runs; completion latencies
// of the simulated device feed the latency-adaptive tier controller.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/iothrottle/cmd"
	"github.com/google/iothrottle/monitoring/prometheus"
	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/throttle/configstore"
	"github.com/google/iothrottle/util/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	// Register supported config stores.
	_ "github.com/google/iothrottle/throttle/configstore/etcdcs"
	_ "github.com/google/iothrottle/throttle/configstore/filecs"
	_ "github.com/google/iothrottle/throttle/configstore/k8scs"
	_ "github.com/google/iothrottle/throttle/configstore/rediscs"
	_ "github.com/google/iothrottle/throttle/configstore/sqlcs"
)

var (
	httpEndpoint = flag.String("http_endpoint", "localhost:8093", "Endpoint for /metrics and /statusz (host:port, empty means disabled)")
	duration     = flag.Duration("duration", 0, "How long to run; zero runs until interrupted")
	workload     = flag.String("workload", "", "Comma-separated group:dir:size:rate streams, e.g. alice:read:4096:2000")

	deviceClass = flag.String("device", "ssd", "Device class: ssd or hdd")
	slice       = flag.Duration("slice", 0, "Throttling slice; zero uses the device class default")
	bandwidth   = flag.Uint64("device_bandwidth", 200<<20, "Simulated device bandwidth in bytes per second")
	overhead    = flag.Duration("device_overhead", 100*time.Microsecond, "Simulated fixed cost of every job")
	queueDepth  = flag.Int("device_queue_depth", 4, "Number of jobs the simulated device serves at once")

	configFile = flag.String("config", "", "Config file containing flags, file contents can be overridden by command line flags")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *configFile != "" {
		if err := cmd.ParseFlagFile(*configFile); err != nil {
			klog.Exitf("Failed to load flags from config file %q: %s", *configFile, err)
		}
	}

	klog.Info("**** Throttle Simulator Starting ****")
	throttle.InitMetrics(prometheus.MetricFactory{})

	class, err := throttle.ParseDeviceClass(*deviceClass)
	if err != nil {
		klog.Exitf("Bad --device: %v", err)
	}
	streams, err := parseWorkload(*workload)
	if err != nil {
		klog.Exitf("Bad --workload: %v", err)
	}
	store, err := configstore.NewStoreFromFlags()
	if err != nil {
		klog.Exitf("Failed to create config store: %v", err)
	}
	defer store.Close()

	dev := newDevice(clock.System, *bandwidth, *overhead, *queueDepth)
	tree, err := throttle.New(throttle.Options{Device: class, Slice: *slice, Releaser: dev})
	if err != nil {
		klog.Exitf("Failed to create throttling tree: %v", err)
	}
	dev.reporter = tree

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tree.Run(ctx)
		return nil
	})
	g.Go(func() error { return ignoreDone(configstore.Reconcile(ctx, store, tree)) })
	g.Go(func() error { return ignoreDone(dev.Run(ctx)) })
	for _, s := range streams {
		g.Go(func() error { return ignoreDone(s.run(ctx, tree, clock.System)) })
	}
	if *httpEndpoint != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/statusz", statusHandler(tree))
		srv := &http.Server{Addr: *httpEndpoint, Handler: mux}
		g.Go(func() error {
			klog.Infof("HTTP server starting on %v", *httpEndpoint)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil {
		klog.Exitf("Simulator exited with error: %v", err)
	}
	if err := writeStats(os.Stdout, tree.Snapshot()); err != nil {
		klog.Errorf("Failed to write final stats: %v", err)
	}
	klog.Info("Simulation finished")
}

// ignoreDone maps the errors of a cancelled or expired run to nil.
func ignoreDone(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
