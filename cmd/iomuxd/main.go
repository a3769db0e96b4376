// Command iomuxd runs the IO-MUX per-node stdio multiplexer daemon: it
// launches one task under a pipe harness and splices its stdout/stderr
// to every client that attaches over a Unix socket, feeding late
// attachers from the replay cache.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	slurm "github.com/pdesr/slurm"
	"github.com/pdesr/slurm/internal/config"
	"github.com/pdesr/slurm/internal/logging"
	"github.com/pdesr/slurm/internal/promexport"
	"github.com/pdesr/slurm/internal/wire"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		configPath    = flag.String("config", "", "path to a JSON config file overriding the option table below")
		nIn           = flag.Int("n-in", 0, "incoming buffer pool size (0 = default)")
		nOut          = flag.Int("n-out", 0, "outgoing buffer pool size (0 = default)")
		cacheCap      = flag.Int("cache-cap", 0, "replay cache capacity in messages (0 = default)")
		bufferedStdio = flag.Bool("buffered-stdio", true, "line-mode framing of task stdout/stderr")
		nodeID        = flag.Uint("node-id", 0, "node id reported in the init frame")
		listenPath    = flag.String("listen", "/tmp/iomuxd.sock", "Unix socket path clients attach to")
		metricsAddr   = flag.String("metrics-addr", ":9321", "address to serve /metrics on")
		verbose       = flag.Bool("v", false, "verbose (debug) logging")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: iomuxd [flags] -- command [args...]")
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := config.DefaultIOMux()
	cfg, err := config.LoadIOMuxFile(cfg, *configPath)
	if err != nil {
		logger.Error("failed to load config file", "error", err)
		os.Exit(1)
	}
	if *nIn != 0 {
		cfg.NIn = *nIn
	}
	if *nOut != 0 {
		cfg.NOut = *nOut
	}
	if *cacheCap != 0 {
		cfg.StdioMaxMsgCache = *cacheCap
	}
	cfg.BufferedStdio = *bufferedStdio
	cfg.NodeID = uint32(*nodeID)
	cfg.ListenAddr = *listenPath
	cfg.MetricsAddr = *metricsAddr

	var credSig [wire.CredSigLen]byte
	if _, err := rand.Read(credSig[:]); err != nil {
		logger.Error("failed to generate credential signature", "error", err)
		os.Exit(1)
	}

	metrics := slurm.NewMetrics()
	coord, err := slurm.NewCoordinator(slurm.IOMuxConfig{
		NIncoming:     cfg.NIn,
		NOutgoing:     cfg.NOut,
		CacheCap:      cfg.StdioMaxMsgCache,
		BufferedStdio: cfg.BufferedStdio,
		NodeID:        cfg.NodeID,
		CredSig:       credSig,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		logger.Error("failed to create coordinator", "error", err)
		os.Exit(1)
	}

	if err := attachTask(coord, args); err != nil {
		logger.Error("failed to attach task", "error", err)
		os.Exit(1)
	}

	listener, err := net.Listen("unix", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.ListenAddr, "error", err)
		os.Exit(1)
	}
	defer os.Remove(cfg.ListenAddr)

	prometheus.MustRegister(promexport.New(metrics.ExportSnapshot))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Reactor().Run(gctx) })
	g.Go(func() error { return acceptLoop(gctx, listener, coord, logger) })
	g.Go(func() error {
		<-gctx.Done()
		listener.Close()
		return metricsSrv.Close()
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return coord.Close()
	})

	logger.Info("iomuxd listening", "socket", cfg.ListenAddr, "metrics", cfg.MetricsAddr)
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("iomuxd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("iomuxd shut down cleanly")
}

// attachTask spawns the multiplexed command behind a pipe harness and
// registers its stdin/stdout/stderr as task 0.
func attachTask(coord *slurm.Coordinator, args []string) error {
	inR, inW, err := os.Pipe()
	if err != nil {
		return err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		return err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		return err
	}
	inR.Close()
	outW.Close()
	errW.Close()

	for _, fd := range []int{int(inW.Fd()), int(outR.Fd()), int(errR.Fd())} {
		if err := unix.SetNonblock(fd, true); err != nil {
			return err
		}
	}

	coord.AttachTask(0, 0, int(inW.Fd()), int(outR.Fd()), int(errR.Fd()))
	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, coord *slurm.Coordinator, logger *logging.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		f, err := uc.File()
		uc.Close()
		if err != nil {
			logger.Warn("failed to extract client fd", "error", err)
			continue
		}
		if err := coord.AttachClient(int(f.Fd())); err != nil {
			logger.Warn("failed to attach client", "error", err)
		}
	}
}
