// Command taskmcp serves the task store as MCP tools over stdio, or over
// HTTP and WebSocket.
//
// Usage:
//
//	taskmcp [-config taskkit.toml]
//
// Without a config file the server speaks MCP on stdin/stdout and keeps
// tasks in /data/tasks.db. DB_PATH and LOG_LEVEL override the defaults.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vinayprograms/taskkit/bus"
	"github.com/vinayprograms/taskkit/config"
	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/httpapi"
	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/mcp"
	"github.com/vinayprograms/taskkit/policy"
	"github.com/vinayprograms/taskkit/ratelimit"
	"github.com/vinayprograms/taskkit/search"
	"github.com/vinayprograms/taskkit/shutdown"
	"github.com/vinayprograms/taskkit/tasks"
	"github.com/vinayprograms/taskkit/telemetry"
	"github.com/vinayprograms/taskkit/tools"
	"github.com/vinayprograms/taskkit/transport"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a TOML or YAML config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "taskmcp: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.New()
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	log.SetLevel(level)

	coord := shutdown.NewCoordinator(shutdown.Config{
		DefaultTimeout:  cfg.Shutdown.Timeout,
		ContinueOnError: true,
		OnProgress:      shutdown.LogProgress(log.WithComponent("shutdown")),
	})
	// Anything registered so far is released if startup fails.
	abort := func(err error) error {
		_ = coord.ShutdownWithTimeout(cfg.Shutdown.Timeout)
		return err
	}

	ctx := context.Background()

	if cfg.Telemetry.Endpoint != "" {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    cfg.Server.Name,
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       cfg.Telemetry.Protocol,
			Insecure:       cfg.Telemetry.Insecure,
			Debug:          cfg.Telemetry.Debug,
		})
		if err != nil {
			return abort(err)
		}
		coord.RegisterFuncWithPhase("tracing", provider.Shutdown, shutdown.PhaseTelemetry)
	}

	audit, err := telemetry.NewAuditLog(cfg.Telemetry.AuditFile)
	if err != nil {
		return abort(err)
	}
	coord.RegisterWithPhase("audit-log", shutdown.Closer(audit), shutdown.PhaseTelemetry)

	pol := policy.New()
	if cfg.PolicyFile != "" {
		if pol, err = policy.LoadFile(cfg.PolicyFile); err != nil {
			return abort(err)
		}
	}
	if err := checkPaths(cfg, pol); err != nil {
		return abort(err)
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return abort(err)
	}
	// store is rewrapped below; closing the outermost layer closes the rest.
	coord.RegisterFuncWithPhase("store", func(context.Context) error { return store.Close() }, shutdown.PhaseStore)

	var searcher tools.Searcher
	if cfg.Search.Enabled {
		idx, err := search.Open(cfg.Search.IndexPath)
		if err != nil {
			return abort(err)
		}
		indexed := search.NewIndexedStore(store, idx, log)
		store, searcher = indexed, indexed
		if _, err := indexed.Rebuild(ctx); err != nil {
			return abort(err)
		}
	}

	if cfg.Events.Backend != config.EventsNone {
		b, err := openBus(cfg)
		if err != nil {
			return abort(err)
		}
		coord.RegisterWithPhase("event-bus", shutdown.Closer(b), shutdown.PhaseIndex)
		store = tasks.NewNotifyingStore(store, b, cfg.Events.SubjectPrefix, log)
	}

	limiter := ratelimit.NewMemoryLimiter()
	for tool, perMinute := range pol.RateLimits() {
		limiter.SetCapacity(tool, perMinute, time.Minute)
	}
	coord.RegisterWithPhase("rate-limiter", shutdown.Closer(limiter), shutdown.PhaseIndex)

	registry := tools.NewRegistry(
		tools.WithPolicy(pol),
		tools.WithLimiter(limiter),
		tools.WithLogger(log),
		tools.WithAuditLog(audit),
	)
	tools.RegisterTaskTools(registry, store)
	if searcher != nil {
		tools.RegisterSearchTool(registry, searcher)
	}
	server := mcp.NewServer(registry,
		mcp.WithServerInfo(cfg.Server.Name, version),
		mcp.WithLogger(log),
	)

	stop := coord.HandleSignals()
	defer stop()

	start := time.Now()
	failed := make(chan error, 1)
	switch cfg.Server.Transport {
	case config.TransportStdio:
		serveStdio(coord, server, log, failed)
	case config.TransportHTTP:
		serveHTTP(coord, cfg, registry, server, log, failed)
	}

	<-coord.Done()
	log.ServerStop(cfg.Server.Transport, time.Since(start))

	select {
	case err := <-failed:
		return err
	default:
	}
	return coord.Err()
}

// serveStdio speaks MCP on stdin/stdout. EOF on stdin shuts the process down.
func serveStdio(coord *shutdown.Coordinator, server *mcp.Server, log *logging.Logger, failed chan<- error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := transport.NewStdioTransport(os.Stdin, os.Stdout, transport.DefaultConfig())

	served := make(chan error, 1)
	go func() {
		err := server.Serve(ctx, t)
		served <- err
		coord.Trigger()
	}()
	log.ServerStart(config.TransportStdio, "stdin")

	coord.RegisterFuncWithPhase("stdio", func(sctx context.Context) error {
		cancel()
		select {
		case err := <-served:
			if err != nil {
				failed <- err
			}
			return err
		case <-sctx.Done():
			return sctx.Err()
		}
	}, shutdown.PhaseTransports)
}

func serveHTTP(coord *shutdown.Coordinator, cfg *config.Config, registry *tools.Registry, server *mcp.Server, log *logging.Logger, failed chan<- error) {
	hs := httpapi.New(registry, server, httpapi.Options{
		Addr:           cfg.Server.Listen,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         log,
	})
	coord.RegisterWithPhase("http", hs, shutdown.PhaseTransports)

	go func() {
		if err := hs.ListenAndServe(); err != nil {
			log.Error("http_serve_failed", map[string]interface{}{"error": err.Error()})
			failed <- err
			coord.Trigger()
		}
	}()
}

// checkPaths applies the storage path policy to every file the server will
// write.
func checkPaths(cfg *config.Config, pol *policy.Policy) error {
	var paths []string
	if cfg.Store.Driver == config.DriverSQLite && cfg.Store.Path != ":memory:" {
		paths = append(paths, cfg.Store.Path)
	}
	if cfg.Search.Enabled && cfg.Search.IndexPath != "" {
		paths = append(paths, cfg.Search.IndexPath)
	}
	for _, p := range paths {
		if ok, reason := pol.CheckPath(policy.SectionStorage, p); !ok {
			return errors.Forbidden(reason, errors.WithMetadata("path", p))
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (tasks.Store, error) {
	opts := []tasks.Option{
		tasks.WithLogger(log),
		tasks.WithBusyRetries(cfg.Store.BusyRetries),
	}
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		return tasks.OpenPostgres(ctx, cfg.Store.DSN, opts...)
	case config.DriverMemory:
		return tasks.NewMemoryStore(opts...), nil
	default:
		return tasks.OpenSQLite(cfg.Store.Path, opts...)
	}
}

func openBus(cfg *config.Config) (bus.MessageBus, error) {
	if cfg.Events.Backend == config.EventsMemory {
		return bus.NewMemoryBus(bus.DefaultConfig()), nil
	}
	ncfg := bus.DefaultNATSConfig()
	ncfg.URL = cfg.Events.NATSURL
	ncfg.Name = cfg.Server.Name
	if cfg.Events.Stream != "" {
		ncfg.Stream = cfg.Events.Stream
		ncfg.StreamSubjects = []string{cfg.Events.SubjectPrefix + ".>"}
	}
	return bus.NewNATSBus(ncfg)
}
