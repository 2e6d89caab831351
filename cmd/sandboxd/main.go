package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/lager/v3"
	flags "github.com/jessevdk/go-flags"
	"github.com/vito/twentythousandtonnesofcrudeoil"

	sandboxd "github.com/sandboxd/sandboxd"
	"github.com/sandboxd/sandboxd/api"
	"github.com/sandboxd/sandboxd/sandbox"
	"github.com/sandboxd/sandboxd/sandbox/coordinator"
	"github.com/sandboxd/sandboxd/sandbox/filestore"
	"github.com/sandboxd/sandboxd/sandbox/metric"
	"github.com/sandboxd/sandboxd/tracing"
)

func main() {
	var cmd SandboxdCommand

	cmd.Version = func() {
		fmt.Printf("sandboxd %s\n", sandboxd.Version)
		os.Exit(0)
	}

	parser := flags.NewParser(&cmd, flags.HelpFlag|flags.PassDoubleDash)
	parser.NamespaceDelimiter = "-"
	cmd.LessenRequirements(parser)

	twentythousandtonnesofcrudeoil.TheEnvironmentIsPerfectlySafe(parser, "SANDBOXD_")

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}

	logger := lager.NewLogger("sandboxd")
	logger.RegisterSink(lager.NewWriterSink(os.Stdout, lager.INFO))

	if err := run(cmd, logger); err != nil {
		fatal(logger, "run-failed", err)
	}
}

func run(cmd SandboxdCommand, logger lager.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tracingConfig := tracing.Config{Sampling: cmd.Sampling, Metrics: cmd.Metrics}
	_, traceShutdown, err := tracingConfig.TracerProvider(ctx, cmd.Metrics.OTLPAddress, cmd.Metrics.OTLPUseTLS)
	if err != nil {
		return fmt.Errorf("configuring tracer provider: %w", err)
	}
	if traceShutdown != nil {
		defer traceShutdown(context.Background())
	}

	if mp, metricsShutdown, err := cmd.Metrics.MeterProvider(); err != nil {
		return fmt.Errorf("configuring meter provider: %w", err)
	} else if mp != nil {
		tracing.ConfigureMeterProvider(mp)
		defer metricsShutdown(context.Background())
	}
	metric.Init()

	store, err := filestore.New(cmd.FileStoreDir)
	if err != nil {
		return fmt.Errorf("creating file store: %w", err)
	}

	var backend sandbox.Backend
	switch cmd.Backend {
	case "container":
		backend, err = cmd.buildContainerBackend()
	case "cluster":
		backend, err = cmd.buildClusterBackend()
	default:
		return fmt.Errorf("unknown backend %q (must be \"container\" or \"cluster\")", cmd.Backend)
	}
	if err != nil {
		return fmt.Errorf("building %s backend: %w", cmd.Backend, err)
	}

	coord := coordinator.New(store, backend, cmd.MaxTimeoutMS)

	server := api.NewServer(
		logger.Session("api"),
		coord,
		store,
		cmd.MaxUploadMB*1024*1024,
		cmd.MaxOutputBytes,
		cmd.DefaultCPUSeconds,
		cmd.DefaultMemoryMB,
	)

	go runSweeper(ctx, logger, store, cmd.SweepInterval, time.Duration(cmd.UploadTTLSeconds)*time.Second)

	httpServer := &http.Server{
		Addr:    cmd.addr(),
		Handler: server.Router(),
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("listening", lager.Data{"addr": cmd.addr(), "backend": cmd.Backend})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// runSweeper periodically removes file-store records past their TTL until
// ctx is cancelled. A sweep failure is logged and retried on the next tick
// rather than stopping the loop.
func runSweeper(ctx context.Context, logger lager.Logger, store *filestore.Store, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log := logger.Session("file-store-sweep")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Sweep(ctx, maxAge)
			if err != nil {
				log.Error("sweep-failed", err)
				continue
			}
			if n > 0 {
				log.Info("swept", lager.Data{"removed": n})
			}
		}
	}
}

