// Command agentbridge bridges browser chat clients to a single agent
// child process speaking line-delimited JSON-RPC over stdio. It serves
// the REST + SSE gateway, supervises the agent process, and optionally
// exposes itself through a password-protected reverse tunnel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/agentbridge/internal/agent"
	"github.com/basket/agentbridge/internal/approval"
	"github.com/basket/agentbridge/internal/config"
	"github.com/basket/agentbridge/internal/events"
	"github.com/basket/agentbridge/internal/gateway"
	otelPkg "github.com/basket/agentbridge/internal/otel"
	"github.com/basket/agentbridge/internal/service"
	"github.com/basket/agentbridge/internal/telemetry"
	"github.com/basket/agentbridge/internal/tunnel"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	configPath := flag.String("config", "agentbridge.yaml", "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("agentbridge", Version)
		return
	}

	if flag.Arg(0) == "doctor" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		os.Exit(runDoctorCommand(ctx, *configPath, flag.Args()[1:]))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, levelVar := telemetry.NewLogger(cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "path", *configPath, "fingerprint", cfg.Fingerprint())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	logger.Info("startup phase", "phase", "telemetry_ready", "otel_enabled", cfg.OTel.Enabled)

	eventBus := events.NewBus(logger, cfg.Events.HeartbeatInterval(), metrics)
	defer eventBus.Close()

	// Agent stack: supervisor owns the child process, client correlates
	// RPC over its stdio, router and coordinator consume the inbound side.
	supervisor := agent.NewSupervisor(cfg.Agent, logger, nil)
	client := agent.NewClient(supervisor, logger, agent.ClientOptions{
		Info: agent.ClientInfo{
			Name:    "agentbridge",
			Title:   "Agent Bridge",
			Version: Version,
		},
		RequestTimeout:   cfg.Agent.RequestTimeout(),
		HandshakeTimeout: cfg.Agent.HandshakeTimeout(),
		Metrics:          metrics,
		Events:           eventBus,
	})
	router := agent.NewRouter(eventBus, logger)
	approvals := approval.NewCoordinator(client, eventBus, logger, metrics)
	client.SetHandlers(router, approvals)
	supervisor.Subscribe(client)
	defer client.Close()
	defer supervisor.Stop()

	// Spawn eagerly so the first request does not pay startup latency.
	// A failure here is not fatal: the gateway answers AGENT_NOT_READY
	// and the next request retries the spawn.
	if err := supervisor.EnsureStarted(); err != nil {
		logger.Warn("agent spawn failed at startup", "bin", cfg.Agent.Bin, "error", err)
	}
	logger.Info("startup phase", "phase", "agent_supervised", "bin", cfg.Agent.Bin, "state", supervisor.State().String())

	threads := service.NewThreadService(client, cfg.Agent, cfg.ThreadMessagesPageSize)
	turns := service.NewTurnService(client, cfg.Agent)
	auth := service.NewAuthService(client)

	tunnelSup := tunnel.NewSupervisor(cfg.Tunnel, logger, metrics)
	defer tunnelSup.Shutdown()

	gw := gateway.New(gateway.Config{
		Logger:    logger,
		Server:    cfg.Server,
		Threads:   threads,
		Turns:     turns,
		Auth:      auth,
		Approvals: approvals,
		Events:    eventBus,
		Tunnel:    tunnelSup,
		AgentState: func() string {
			return supervisor.State().String()
		},
	})

	server := &http.Server{
		Addr:    cfg.Server.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.Server.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.Server.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.BindAddr, "events", "/v1/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	watchConfig(ctx, logger, levelVar, *configPath)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first; the deferred supervisor/tunnel teardown then
	// terminates the child processes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// watchConfig re-reads the config on file change and applies the pieces
// that are safe to swap at runtime. Today that is the log level; other
// fields need a restart.
func watchConfig(ctx context.Context, logger *slog.Logger, levelVar *slog.LevelVar, path string) {
	watcher := config.NewWatcher(path, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "path", path, "error", err)
		return
	}
	go func() {
		for range watcher.Events() {
			cfg, err := config.Load(path)
			if err != nil {
				logger.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			level := telemetry.ParseLevel(cfg.LogLevel)
			if levelVar.Level() != level {
				levelVar.Set(level)
				logger.Info("log level changed", "level", cfg.LogLevel)
			}
		}
	}()
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
