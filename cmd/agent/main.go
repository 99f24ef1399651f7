// Command agent is a reference agent that pulls commands from a sourcefleet
// manager and applies them to in-process collectors.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/sourcefleet/internal/agent"
	"github.com/ahrav/sourcefleet/internal/config"
	"github.com/ahrav/sourcefleet/pkg/common"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/common/otel"
)

var build = "develop"

func main() {
	_, _ = maxprocs.Set()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		ip         string
		cluster    string
		group      string
	)

	cmd := &cobra.Command{
		Use:          "agent",
		Short:        "Pull and apply source commands from a manager",
		Version:      build,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if ip != "" {
				cfg.Agent.IP = ip
			}
			if cluster != "" {
				cfg.Agent.ClusterName = cluster
			}
			if group != "" {
				cfg.Agent.GroupSelector = group
			}
			if cfg.Agent.IP == "" || cfg.Agent.ClusterName == "" {
				return errors.New("agent ip and cluster name are required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&ip, "ip", "", "agent IP reported to the manager")
	cmd.Flags().StringVar(&cluster, "cluster", "", "cluster the agent belongs to")
	cmd.Flags().StringVar(&group, "group", "", "group selector to bind on startup")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }
	svcName := fmt.Sprintf("AGENT-%s", cfg.Agent.IP)
	log := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logger.Events{},
		map[string]string{"app": "agent", "cluster": cfg.Agent.ClusterName, "build": build})

	traceProvider, _, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      "sourcefleet-agent",
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		Host:             cfg.Agent.IP,
		Probability:      cfg.Telemetry.SamplingRatio,
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}
	defer teardown(context.Background())
	tracer := traceProvider.Tracer("sourcefleet-agent")

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.Agent.RequestTimeout,
	}
	limiter := common.NewRateLimiter(cfg.Agent.RequestsPerSecond, cfg.Agent.Burst)
	client := agent.NewClient(cfg.Agent.ManagerURL, httpClient, limiter, tracer)

	a := agent.New(client, agent.NewLocalApplier(), agent.Config{
		IP:                cfg.Agent.IP,
		ClusterName:       cfg.Agent.ClusterName,
		GroupSelector:     cfg.Agent.GroupSelector,
		PollInterval:      cfg.Agent.PollInterval,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
	}, tracer, log)

	log.Info(ctx, "startup", "manager", cfg.Agent.ManagerURL, "build", build)
	return a.Run(ctx)
}
