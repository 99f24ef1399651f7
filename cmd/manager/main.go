// Command manager runs the sourcefleet control plane.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/sourcefleet/internal/config"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/common/otel"
)

var build = "develop"

const serviceType = "manager"

func main() {
	// Set the correct number of threads for the service.
	_, _ = maxprocs.Set()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		level      string
	)

	root := &cobra.Command{
		Use:          "manager",
		Short:        "sourcefleet control plane",
		Long:         "Tracks the lifecycle of every source, dispatches commands to agents and watches their heartbeats.",
		Version:      build,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	root.PersistentFlags().StringVar(&level, "log-level", "info", "debug, info, warn or error")

	env := func() (*config.Config, *logger.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		log, err := newLogger(level)
		if err != nil {
			return nil, nil, err
		}
		return cfg, log, nil
	}

	root.AddCommand(
		newServeCmd(env),
		newMigrateCmd(env),
		newPurgeCmd(env),
		newAuditCmd(env),
	)
	return root
}

// envFunc loads configuration and the process logger.
type envFunc func() (*config.Config, *logger.Logger, error)

func parseLevel(s string) (logger.Level, error) {
	switch s {
	case "debug":
		return logger.LevelDebug, nil
	case "info":
		return logger.LevelInfo, nil
	case "warn":
		return logger.LevelWarn, nil
	case "error":
		return logger.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func newLogger(level string) (*logger.Logger, error) {
	minLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	svcName := fmt.Sprintf("MANAGER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
		"build":    build,
	}
	return logger.NewWithMetadata(os.Stdout, minLevel, svcName, traceIDFn, logEvents, metadata), nil
}
