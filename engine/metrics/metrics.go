// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package metrics exposes per-process fuzzing-run counters (iterations,
// crashes, timeouts) on an optional HTTP listener, for operators running
// the harness unattended. It plays no part in the run_iteration contract
//; nothing in the core reads these counters to make a
// control-flow decision.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry tracks the diagnostic counters for one Engine instance.
type Registry struct {
	reg *prometheus.Registry

	Iterations *prometheus.CounterVec
	Crashes    prometheus.Counter
	Timeouts   prometheus.Counter
	Hangs      prometheus.Counter

	server *http.Server
}

// New creates a fresh, unregistered-with-the-default-registerer counter
// set, so multiple Engine instances in the same process (e.g. under test)
// don't collide on metric names.
func New() *Registry {
	reg := prometheus.NewRegistry()
	return &Registry{
		reg: reg,
		Iterations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "winaflpt_iterations_total",
			Help: "Completed run_iteration calls, by fault code.",
		}, []string{"fault"}),
		Crashes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "winaflpt_crashes_total",
			Help: "Iterations that ended with FaultCrash.",
		}),
		Timeouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "winaflpt_timeouts_total",
			Help: "Iterations that ended with FaultTimeout.",
		}),
		Hangs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "winaflpt_hangs_total",
			Help: "Debug-event-loop hang detections.",
		}),
	}
}

// Serve starts the metrics HTTP listener on addr, wrapped in gzip
// response compression for compatibility with scrapers behind a slow
// link.
func (r *Registry) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	r.server = &http.Server{Handler: handlers.CompressHandler(mux)}
	go r.server.Serve(ln)
	return nil
}

// Shutdown stops the metrics listener, if one was started.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}
