// Package main is the composition root for the service runtime core: it
// reads configuration and environment, wires a Controller from the
// internal/ packages, registers the demo handler set, and runs until a
// shutdown signal arrives. Grounded on the teacher's cmd/semstreams
// panic-recovery main()/run() staging.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/c360/src/internal/config"
	"github.com/c360/src/internal/corelog"
	"github.com/c360/src/internal/lifecycle"
	"github.com/c360/src/internal/metric"
	"github.com/c360/src/internal/tracing"
)

const (
	appName = "src"
	version = "0.1.0"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run() error {
	serviceName := getEnv("OTEL_SERVICE_NAME", appName)

	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyEnvOverrides(&cfg)

	logFile := openLogFile(serviceName)
	var logSink io.Writer = os.Stdout
	if logFile != nil {
		defer logFile.Close()
		logSink = io.MultiWriter(os.Stdout, logFile)
	}

	logger := corelog.New(serviceName, logSink, nil)
	logger.Info("starting service runtime core",
		"version", version,
		"config_path", configPath,
		"nats_url", cfg.NATSURL,
	)

	shutdownTracing, err := tracing.Initialize(serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	metrics := metric.NewRegistry()
	tracer := otel.Tracer(serviceName)
	serviceUID := uuid.New().String()

	controller := lifecycle.New(serviceName, serviceUID, cfg, logger, metrics, tracer)

	watcher, err := config.NewWatcher(configPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	controller.Config = watcher
	watcher.StartWatch()

	registerFn := demoRegistrations(controller)
	if getEnvBool("SKIP_PERFORMANCE_DEMO", false) {
		registerFn = nil
	}

	ctx := context.Background()
	if err := controller.Start(ctx, cfg, registerFn); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	logger.Info("service runtime core running", "service_uid", serviceUID)

	if !getEnvBool("SKIP_PERFORMANCE_DEMO", false) {
		startHeartbeatDemo(controller)
	}

	<-controller.Done()
	logger.Info("service runtime core stopped")
	return nil
}

func applyEnvOverrides(cfg *config.RuntimeConfig) {
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATSURL = url
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.OTLPEndpoint = endpoint
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openLogFile opens logs/<service>_<date>.log for append, creating the logs
// directory if needed. A failure here is not fatal: it returns nil and the
// caller logs to os.Stdout only.
func openLogFile(serviceName string) *os.File {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "%s: warning: could not create logs dir, logging to stdout only: %v\n", appName, err)
		return nil
	}
	path := fmt.Sprintf("logs/%s_%s.log", serviceName, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: warning: could not open log file %s, logging to stdout only: %v\n", appName, path, err)
		return nil
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "True":
		return true
	case "0", "false", "FALSE", "False":
		return false
	default:
		return def
	}
}
