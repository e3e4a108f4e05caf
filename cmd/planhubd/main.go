// Planhubd serves the shared plan document over HTTP and Server-Sent Events.
//
// The document lives in a NATS JetStream key-value bucket and task updates
// fan out over a NATS subject, so any number of planhubd replicas can run
// against the same NATS cluster. For local use, nats.embedded starts an
// in-process server and store.backend=memory skips NATS entirely.
//
// Configuration is read from ~/.config/planhub/config.yaml (or -config)
// and PLANHUB_* environment variables. See internal/config.
//
// Usage:
//
//	planhubd
//	planhubd -config /etc/planhub/config.yaml
//	PLANHUB_NATS_EMBEDDED=true planhubd
//	planhubd version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planhub/internal/config"
	"github.com/fyrsmithlabs/planhub/internal/logging"
	"github.com/fyrsmithlabs/planhub/internal/telemetry"
	"github.com/fyrsmithlabs/planhub/pkg/eventbus"
	"github.com/fyrsmithlabs/planhub/pkg/plan"
	"github.com/fyrsmithlabs/planhub/pkg/server"
	"github.com/fyrsmithlabs/planhub/pkg/statemgr"
	"github.com/fyrsmithlabs/planhub/pkg/stream"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  planhubd [-config path]   Start the plan hub daemon\n")
			fmt.Fprintf(os.Stderr, "  planhubd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("planhubd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("planhubd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every component and blocks until ctx is cancelled.
//
// Startup order: config, telemetry, logger, NATS and store, event bus,
// state manager, stream gateway, HTTP server. Deferred closes unwind in
// reverse. Returns http.ErrServerClosed on graceful shutdown.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	if h := tel.Health(); h.Degraded {
		zl.Warn("telemetry degraded", zap.String("reason", h.Reason))
	}

	zl.Info("starting planhubd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("nats_embedded", cfg.NATS.Embedded),
		zap.Bool("auth", cfg.Server.AuthSecret.IsSet()))

	deps, err := initDependencies(ctx, cfg, zl)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	template, err := loadTemplate(cfg.Plan.TemplatePath)
	if err != nil {
		return err
	}

	bus, err := eventbus.New(deps.transport, eventbus.Config{
		Channel:           cfg.Plan.Channel,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		ReconnectDelay:    cfg.Stream.ReconnectDelay,
	}, zl)
	if err != nil {
		return fmt.Errorf("creating event bus: %w", err)
	}

	mgr, err := statemgr.NewManager(deps.store, statemgr.Config{
		Key:          cfg.Plan.StateKey,
		MaxAttempts:  cfg.Plan.MaxAttempts,
		RetryBackoff: cfg.Plan.RetryBackoff,
		Template:     template,
	}, zl,
		statemgr.WithPublisher(bus),
		statemgr.WithTracer(tel.Tracer("github.com/fyrsmithlabs/planhub/pkg/statemgr")),
	)
	if err != nil {
		return fmt.Errorf("creating state manager: %w", err)
	}

	// Seed the document before the first client arrives.
	if doc, err := mgr.GetState(ctx); err != nil {
		zl.Warn("initial state read failed", zap.Error(err))
	} else {
		zl.Info("plan document ready",
			zap.String("key", mgr.Key()),
			zap.Int("tasks", doc.TaskCount()))
	}

	srv, err := server.NewServer(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ServiceName:     cfg.Telemetry.ServiceName,
		AuthSecret:      cfg.Server.AuthSecret.Value(),
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
	}, mgr, stream.NewGateway(mgr, bus, zl), zl)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	return srv.Start(ctx)
}

func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	lp := tel.LoggerProvider()
	logCfg.Output.OTEL = lp != nil
	return logging.NewLogger(logCfg, lp)
}

func loadTemplate(path string) (plan.Document, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plan template: %w", err)
	}
	defer f.Close()

	doc, err := plan.LoadTemplate(f)
	if err != nil {
		return nil, fmt.Errorf("loading plan template %s: %w", path, err)
	}
	return doc, nil
}
