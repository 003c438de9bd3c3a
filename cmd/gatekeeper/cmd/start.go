package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/inbound/http"
	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/approval"
	auditfile "github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/audit"
	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/idempotency"
	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/notify"
	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/policyfile"
	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/tools"
	"github.com/gatekeeper-sh/gatekeeper/internal/config"
	"github.com/gatekeeper-sh/gatekeeper/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway server",
	Long: `Start the Gatekeeper HTTP server.

The server exposes:
  POST /tool/{name}          submit a tool request envelope
  GET  /approve/{id}         consume a signed approval link
  GET  /deny/{id}            consume a signed denial link
  GET  /health               liveness and policy hash
  GET  /metrics              Prometheus metrics

Examples:
  # Start with environment configuration
  GATEKEEPER_SECRET=... POLICY_PATH=policy.yaml gatekeeper start

  # Start with a specific config file
  gatekeeper --config /etc/gatekeeper/gatekeeper.yaml start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	registry, err := tools.NewRegistry(logger)
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}
	approvals, err := approval.NewStore(cfg.ApprovalsDir(), cfg.BaseURL, cfg.Secret, cfg.ApprovalTTL, logger)
	if err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}
	idem, err := idempotency.NewStore(cfg.IdempotencyDir(), logger)
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(reg)

	// The sink stamps each entry with the policy hash current at write
	// time; the gateway is assigned below, before any request flows.
	var gateway *service.Gateway
	sink, err := auditfile.NewFileSink(cfg.AuditDir(), Version, func() string {
		if gateway == nil {
			return ""
		}
		return gateway.PolicyHash()
	}, logger)
	if err != nil {
		return fmt.Errorf("open audit sink: %w", err)
	}
	defer sink.Close()
	sink.OnDrop = metrics.AuditDropsTotal.Inc

	source := policyfile.NewSource(cfg.PolicyPath, logger)
	gateway, err = service.NewGateway(service.Config{
		Version:     Version,
		DemoMode:    cfg.DemoMode,
		DefaultRole: cfg.DefaultRole,
	}, service.Deps{
		Registry:    registry,
		Policy:      source,
		Tokens:      newTokenService(cfg),
		Approvals:   approvals,
		Idempotency: idem,
		Audit:       sink,
		Notifier:    buildNotifier(cfg, logger),
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	go approvals.RunSweeper(ctx, cfg.SweepInterval)
	if cfg.WatchPolicy {
		go func() {
			if err := source.Watch(ctx, func() {
				if err := gateway.ReloadPolicy(); err != nil {
					logger.Error("policy reload failed, keeping previous snapshot", "error", err)
				}
			}); err != nil {
				logger.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	transport := http.NewTransport(gateway,
		http.WithAddr(cfg.ListenAddr()),
		http.WithLogger(logger),
		http.WithMetrics(metrics, reg),
	)
	logger.Info("gatekeeper starting",
		"version", Version,
		"policy", cfg.PolicyPath,
		"policyHash", gateway.PolicyHash(),
		"provider", cfg.ApprovalProvider,
		"demoMode", cfg.DemoMode,
	)
	return transport.Start(ctx)
}

// buildNotifier selects the approval channel from config. A misconfigured
// remote channel falls back to the console notifier at Load time, because
// Validate rejects slack/runestone without their settings.
func buildNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	switch cfg.ApprovalProvider {
	case "slack":
		return notify.NewSlack(cfg.SlackWebhookURL, logger)
	case "runestone":
		return notify.NewRunestone(cfg.RunestoneAPIURL, cfg.RunestoneAPIKey, logger)
	default:
		return notify.NewLocal(logger)
	}
}
