// =============================================================================
// agentpoolctl — operator CLI for the agentpool bus
// =============================================================================
// An external-collaborator entry point alongside the library itself: the
// library's Session never launches a process or exposes a CLI, but a
// fleet operator still needs a way to peek at the pool root and unstick a
// dead agent row without hand-editing the database.
//
// Usage:
//
//	agentpoolctl start [directory]   # claim an id, print it, stay claimed
//	agentpoolctl status              # print get_status()
//	agentpoolctl kill <id>[,<id>...] # remove agent rows directly
//	agentpoolctl migrate status      # report the schema version
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentpool/agentpool"
	"github.com/agentpool/agentpool/config"
	"github.com/agentpool/agentpool/internal/bootstrap"
	"github.com/agentpool/agentpool/internal/telemetry"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "kill":
		runKill(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func loadConfig(configPath string) *config.Config {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// =============================================================================
// start
// =============================================================================

func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	watch := fs.Bool("watch", true, "Watch the config file and log a notice on change")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	if rest := fs.Args(); len(rest) > 0 {
		cfg.Pool.Root = rest[0]
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	ctx := context.Background()

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init telemetry: %v\n", err)
		os.Exit(1)
	}

	sess, err := agentpool.NewSession(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session: %v\n", err)
		os.Exit(1)
	}

	id, err := sess.Claim(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to claim an id: %v\n", err)
		os.Exit(1)
	}

	if _, err := sess.ServeHTTP(); err != nil {
		logger.Warn("httpapi did not start", zap.Error(err))
	}

	var watcher *config.FileWatcher
	if *watch && *configPath != "" {
		watcher = watchConfigFile(*configPath, logger)
	}

	fmt.Printf("claimed id: %s\n", id)
	fmt.Printf("pool root:  %s\n", cfg.Pool.Root)

	// start launches nothing else by itself — the launcher embedding this
	// session is out of scope here. Stay claimed (heartbeating, eligible
	// for leader election) until interrupted.
	waitForInterrupt()
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Warn("config watcher stop failed", zap.Error(err))
		}
	}
	if err := sess.Close(context.Background()); err != nil {
		logger.Warn("close failed", zap.Error(err))
	}
	if err := providers.Shutdown(context.Background()); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}

// watchConfigFile starts a best-effort watch over the running session's
// config file. The process' services (backend handles, leader/presence
// timers) are all built once at NewSession time and don't expose setters
// for most fields, so a change doesn't get hot-applied — we parse and
// validate it anyway and log loudly, since "the file the operator just
// edited is actually invalid YAML" is worth surfacing immediately rather
// than waiting for the next restart to fail.
func watchConfigFile(path string, logger *zap.Logger) *config.FileWatcher {
	watcher, err := config.NewFileWatcher([]string{path}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
		return nil
	}
	watcher.OnChange(func(evt config.FileEvent) {
		if evt.Op == config.FileOpRemove {
			logger.Warn("config file removed", zap.String("path", evt.Path))
			return
		}
		if _, err := config.NewLoader().WithConfigPath(path).Load(); err != nil {
			logger.Error("config file changed but no longer parses", zap.String("path", evt.Path), zap.Error(err))
			return
		}
		logger.Warn("config file changed on disk; restart this process to apply it",
			zap.String("path", evt.Path), zap.String("op", evt.Op.String()))
	})
	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("config watcher failed to start", zap.Error(err))
		return nil
	}
	return watcher
}

// =============================================================================
// status
// =============================================================================

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := zap.NewNop()

	ctx := context.Background()
	sess, err := agentpool.NewSession(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close(ctx)

	fmt.Println(sess.GetStatus(ctx))
}

// =============================================================================
// kill
// =============================================================================

func runKill(args []string) {
	fs := flag.NewFlagSet("kill", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: agentpoolctl kill <id>[,<id>...]")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	logger := zap.NewNop()

	ctx := context.Background()
	backend, err := bootstrap.OpenBackend(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open pool: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	ids := strings.Split(rest[0], ",")
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := backend.RemovePeer(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to remove %s: %v\n", id, err)
			continue
		}
		fmt.Printf("removed %s\n", id)
	}
}

// =============================================================================
// migrate
// =============================================================================

func runMigrate(args []string) {
	if len(args) == 0 || args[0] != "status" {
		fmt.Fprintln(os.Stderr, "usage: agentpoolctl migrate status")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args[1:])

	cfg := loadConfig(*configPath)
	logger := zap.NewNop()

	ctx := context.Background()
	backend, err := bootstrap.OpenBackend(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open pool: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	version, err := backend.SchemaVersion(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read schema version: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("schema version: %d (compiled-in: %d)\n", version, cfg.Pool.SchemaVersion)
}

// =============================================================================
// version / help
// =============================================================================

func printVersion() {
	fmt.Printf("agentpoolctl %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`agentpoolctl - agentpool bus operator CLI

Usage:
  agentpoolctl <command> [options]

Commands:
  start [directory]   Claim an id and stay claimed until interrupted
  status              Print the current fleet's get_status() rendering
  kill <id>[,<id>...] Remove agent rows directly (stuck-session escape hatch)
  migrate status      Report the pool's schema version
  version             Show version information
  help                Show this help message

Options:
  --config <path>     Path to configuration file (YAML)

Examples:
  agentpoolctl start /tmp/my-pool
  agentpoolctl status --config agentpool.yaml
  agentpoolctl kill 042,017
  agentpoolctl migrate status`)
}

func waitForInterrupt() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	<-sig
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format != "console" {
		zapConfig.Encoding = "json"
	}

	logger, err := zapConfig.Build(zap.AddCaller())
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
