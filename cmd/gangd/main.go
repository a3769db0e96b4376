// Command gangd runs the GANG cluster gang-scheduler coordinator against
// the external job/partition list. The real job source, suspend
// signaler, topology and core counter are cluster collaborators outside
// this module's scope (spec.md 1); this binary wires the in-process
// reference implementations from internal/external so the daemon is
// runnable end to end without a live cluster behind it.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	slurm "github.com/pdesr/slurm"
	"github.com/pdesr/slurm/internal/config"
	"github.com/pdesr/slurm/internal/external"
	"github.com/pdesr/slurm/internal/logging"
	"github.com/pdesr/slurm/internal/promexport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		configPath      = flag.String("config", "", "path to a JSON config file overriding the option table below")
		selectTypeParam = flag.String("select-type-param", "", "gr_type selection (CPU, SOCKET, CORE, MEMORY, CONS_TRES_CPU, CONS_RES_SOCKET, CONS_RES_CORE, CONS_RES_MEMORY; empty = NODE)")
		schedTimeSlice  = flag.Int("sched-time-slice", 0, "timeslice length in seconds (0 = default)")
		fastSchedule    = flag.Bool("fast-schedule", false, "trust advertised per-node counts instead of live counts")
		nodeCount       = flag.Int("node-count", 1, "number of nodes in the cluster resource model")
		metricsAddr     = flag.String("metrics-addr", ":9322", "address to serve /metrics on")
		verbose         = flag.Bool("v", false, "verbose (debug) logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := config.DefaultGang()
	cfg, err := config.LoadGangFile(cfg, *configPath)
	if err != nil {
		logger.Error("failed to load config file", "error", err)
		os.Exit(1)
	}
	if *selectTypeParam != "" {
		cfg.SelectTypeParam = *selectTypeParam
	}
	if *schedTimeSlice != 0 {
		cfg.SchedTimeSlice = *schedTimeSlice
	}
	cfg.FastSchedule = *fastSchedule
	cfg.NodeCount = *nodeCount
	cfg.MetricsAddr = *metricsAddr

	metrics := slurm.NewMetrics()

	jobSource := external.NewStaticJobSource(nil, nil)
	suspender := &external.LoggingSuspendSignaler{}
	cores := external.NewStaticCoreCounter()
	topology := external.StaticTopology{
		CPUsPerNode:    8,
		SocketsPerNode: 2,
		CoresPerSocket: 4,
		Fast:           cfg.FastSchedule,
	}

	sched := slurm.NewScheduler(slurm.GangConfig{
		SelectTypeParam: cfg.SelectTypeParam,
		NodeCount:       cfg.NodeCount,
		TimesliceSecs:   cfg.SchedTimeSlice,
		JobSource:       jobSource,
		Suspender:       suspender,
		Topology:        topology,
		Cores:           cores,
		Logger:          logger,
		Metrics:         metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Init(ctx); err != nil {
		logger.Error("failed to init scheduler", "error", err)
		os.Exit(1)
	}

	prometheus.MustRegister(promexport.New(metrics.ExportSnapshot))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return metricsSrv.Close()
	})
	g.Go(func() error {
		<-gctx.Done()
		sched.Fini()
		return nil
	})

	logger.Info("gangd running", "metrics", cfg.MetricsAddr, "nodes", cfg.NodeCount)
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("gangd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("gangd shut down cleanly")
}
