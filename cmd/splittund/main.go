// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command splittund runs the split-tunnel driver core as a standalone
// daemon: it loads the exclusion image list and interface names from an
// HCL file, brings the driver through STARTED->INITIALIZED->READY,
// discovers the current tunnel/internet addresses, applies the
// configuration, and serves Prometheus metrics while logging every
// dequeued event. Grounded on the teacher's cmd/flywall-sim/main.go
// flag-driven server bootstrap.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/nftables"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/flywall/internal/addrset"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/driver"
	"grimm.is/flywall/internal/eventing"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/metrics"
	"grimm.is/flywall/internal/splitfw"
	"grimm.is/flywall/internal/splitfw/hooks"
	"grimm.is/flywall/internal/splitfw/procmap"
)

func main() {
	configPath := flag.String("config", "/etc/splittund/splittund.hcl", "path to the HCL config file")
	metricsAddr := flag.String("metrics-addr", ":9101", "address to serve Prometheus metrics on")
	bpfObjPath := flag.String("bpf-object", "/usr/lib/splittund/splittund.bpf.o", "path to the compiled cgroup/sock_addr eBPF object")
	cgroupPath := flag.String("cgroup-path", "/sys/fs/cgroup", "cgroup2 mount point the bind/connect programs attach to")
	flag.Parse()

	logger := logging.New(logging.Config{Component: "splittund", Level: logging.LevelInfo, ReportTS: true})
	logging.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	conn, err := nftables.New()
	if err != nil {
		logger.Error("failed to open nftables connection", "error", err)
		os.Exit(1)
	}

	coordinator := splitfw.New(logger, conn)
	core := driver.New(logger, coordinator)

	// The compiled eBPF object is produced by an out-of-scope C build step;
	// its absence is a warning, not a fatal error, since EnableSplitting
	// still installs the nftables filter families without cgroup hooks.
	if objs, closeObjs, err := hooks.LoadObjects(*bpfObjPath); err != nil {
		logger.Warn("eBPF object unavailable, splitting will rely on nftables filters alone", "path", *bpfObjPath, "error", err)
	} else {
		defer closeObjs()

		procMap := procmap.New(objs.VerdictMap)
		hooksMgr := hooks.NewManager(*cgroupPath)
		coordinator.AttachHooks(hooksMgr, procMap, objs.Programs)

		source, err := hooks.NewRingbufSource(objs.EventsMap)
		if err != nil {
			logger.Error("failed to open classification ring buffer", "error", err)
			os.Exit(1)
		}
		reader := hooks.NewEventReader(logger, source, core.ProcessManager())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go reader.Run(ctx)
	}

	splitMetrics := metrics.NewSplitTunnelMetrics(core)
	core.AttachMetrics(splitMetrics)
	splitMetrics.RegisterMetrics()

	if err := core.Initialize(); err != nil {
		logger.Error("failed to initialize driver", "error", err)
		os.Exit(1)
	}
	if err := core.RegisterProcesses(nil); err != nil {
		logger.Error("failed to register initial process set", "error", err)
		os.Exit(1)
	}

	discoverer := addrset.NewDiscoverer(logger, cfg.TunnelInterface, cfg.InternetInterface)
	if addrs, err := discoverer.Discover(); err != nil {
		logger.Warn("address discovery failed, starting with no addresses", "error", err)
	} else if err := core.RegisterIPAddresses(addrs); err != nil {
		logger.Error("failed to register discovered addresses", "error", err)
		os.Exit(1)
	}

	if len(cfg.ExclusionImages) > 0 {
		if err := core.SetConfiguration(cfg.ExclusionImages); err != nil {
			logger.Error("failed to apply exclusion image configuration", "error", err)
			os.Exit(1)
		}
	}

	go serveEvents(logger, core)

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("splittund started", "state", core.GetState().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if err := core.Reset(); err != nil {
		logger.Error("teardown failed", "error", err)
		os.Exit(1)
	}
}

// eventRequest is a CollectionRequest backed by a one-slot channel: when
// the queue is empty Collect pends the request, and the next emitted event
// arrives through Deliver; Cancel (on teardown) closes the channel.
type eventRequest struct{ ch chan eventing.Event }

func (r eventRequest) Deliver(evt eventing.Event) { r.ch <- evt }
func (r eventRequest) Cancel()                    { close(r.ch) }

// serveEvents dequeues events, waiting on a pended request when none is
// queued, and logs each one, standing in for a real control-surface client
// (out of scope per spec.md section 1). It returns once a pended request
// is cancelled.
func serveEvents(logger *logging.Logger, core *driver.Core) {
	for {
		req := eventRequest{ch: make(chan eventing.Event, 1)}
		evt, ok := core.DequeueEvent(req)
		if !ok {
			if evt, ok = <-req.ch; !ok {
				return
			}
		}
		logger.Info("driver event",
			"kind", evt.Kind,
			"pid", evt.Pid,
			"image", evt.ImageName,
			"reason", evt.Reason,
		)
	}
}
