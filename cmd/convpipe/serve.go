package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"convpipe/internal/api"
	"convpipe/internal/bus"
	"convpipe/internal/channel"
	"convpipe/internal/config"
	"convpipe/internal/cron"
	"convpipe/internal/domain"
)

const (
	shutdownTimeout    = 10 * time.Second
	tenantSummaryJob   = "tenant-summary"
	tenantSummaryLimit = 10 * time.Minute
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline (transports, scheduler, API)",
		Long:  "Starts all enabled transports, the inbound pipeline, the outbound scheduler and the HTTP API. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logClose, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer logClose.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.responder.Healthy(ctx); err != nil {
		logger.Warn("responder provider unhealthy at startup", "err", err)
	}

	sources, webhooks := registerTransports(cfg, a.router)
	if len(a.router.Names()) == 0 {
		return fmt.Errorf("no transport enabled: enable channels.telegram, channels.whatsapp or channels.console")
	}
	a.setDefaultTransport()
	for _, src := range sources {
		go func(src domain.InboundSource) {
			if err := src.Start(ctx, a.inbound); err != nil {
				logger.Error("transport stopped", "transport", src.Name(), "err", err)
			}
		}(src)
	}

	go a.pipeline.Run(ctx, a.inbound)

	if cfg.Scheduler.Enabled {
		go a.scheduler.Run(ctx)
	} else {
		logger.Info("scheduler disabled; scheduled messages will not be delivered")
	}

	if cfg.Events.NATS.Enabled {
		closeNATS, err := startNATS(cfg.Events.NATS, a)
		if err != nil {
			return err
		}
		defer closeNATS()
	}

	runner := cron.New(logger)
	summarizeAll := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, tenantSummaryLimit)
		defer cancel()
		return a.summarizer.SummarizeAllTenants(ctx)
	}
	if err := runner.Set(tenantSummaryJob, cfg.Summary.TenantSchedule, summarizeAll); err != nil {
		return err
	}
	runner.Start(ctx)

	go config.Watch(ctx, cfgPath, func(next *config.Config) {
		logLevel.Set(config.ParseLevel(next.General.LogLevel))
		if err := runner.Set(tenantSummaryJob, next.Summary.TenantSchedule, summarizeAll); err != nil {
			logger.Warn("tenant summary schedule not updated", "err", err)
		}
	}, logger)

	if cfg.API.Enabled {
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Endpoint
		}
		srv := api.New(api.Config{
			Addr:          cfg.API.Addr(),
			APIKey:        cfg.API.APIKey,
			InboundSecret: cfg.API.InboundSecret,
			DefaultTenant: cfg.General.Tenant,
			MetricsPath:   metricsPath,
			Scheduler:     a.scheduler,
			Operator:      a.orchestrator,
			Context:       a.summarizer,
			Tenants:       a.summarizer,
			Conversations: a.store,
			Inbound:       a.inbound,
			Webhooks:      webhooks,
			Logger:        logger,
		})
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("api server error", "err", err)
				stop()
			}
		}()
	} else if len(webhooks) > 0 {
		logger.Warn("whatsapp is enabled but api.enabled is false; webhook deliveries will not be received")
	}

	logger.Info("convpipe started. Press Ctrl+C to stop.", "transports", a.router.Names())

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.Stop()
		for _, src := range sources {
			if err := src.Stop(); err != nil {
				logger.Warn("transport stop", "transport", src.Name(), "err", err)
			}
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// registerTransports builds the enabled transports. Console is registered
// as an outbound sink only; `convpipe chat` reads from it.
func registerTransports(cfg *config.Config, router *channel.Router) ([]domain.InboundSource, map[string]api.WebhookMount) {
	var sources []domain.InboundSource
	webhooks := make(map[string]api.WebhookMount)

	if tc := cfg.Channels.Telegram; tc.Enabled && tc.Token != "" {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:     tc.Token,
			AllowFrom: tc.AllowFrom,
			ParseMode: tc.ParseMode,
			Tenant:    cfg.General.Tenant,
			Logger:    logger,
		})
		if err := tg.Connect(); err != nil {
			logger.Error("telegram unavailable", "err", err)
		} else {
			router.Register(tg)
			sources = append(sources, tg)
		}
	} else {
		logger.Info("telegram channel disabled")
	}

	if wc := cfg.Channels.WhatsApp; wc.Enabled {
		wa := channel.NewWhatsApp(channel.WhatsAppConfig{
			APIBase:       wc.APIBase,
			AccessToken:   wc.AccessToken,
			AppSecret:     wc.AppSecret,
			VerifyToken:   wc.VerifyToken,
			PhoneNumberID: wc.PhoneNumberID,
			Tenant:        cfg.General.Tenant,
			Logger:        logger,
		})
		router.Register(wa)
		sources = append(sources, wa)
		webhooks[wc.WebhookPath] = wa
	}

	if cfg.Channels.Console.Enabled {
		router.Register(channel.NewConsole(channel.ConsoleConfig{Tenant: cfg.General.Tenant, Logger: logger}))
	}
	return sources, webhooks
}

// startNATS forwards internal events to NATS and, when an inbound subject
// is configured, consumes inbound messages from it.
func startNATS(nc config.NATSConfig, a *app) (func(), error) {
	conn, err := bus.ConnectNATS(nc.URL, logger)
	if err != nil {
		return nil, err
	}
	fwd := bus.NewNATSForwarder(conn, nc.SubjectPrefix, logger)
	a.events.On("*", fwd.Handle)
	logger.Info("forwarding events to NATS", "url", nc.URL, "prefix", nc.SubjectPrefix)

	if nc.InboundSubject != "" {
		if _, err := bus.SubscribeInbound(conn, nc.InboundSubject, nc.QueueGroup, a.inbound, logger); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return func() {
		if err := conn.Drain(); err != nil {
			logger.Warn("nats drain", "err", err)
		}
	}, nil
}
