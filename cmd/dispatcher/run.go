package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/notification-dispatcher/internal/bus"
	"github.com/example/notification-dispatcher/internal/config"
	"github.com/example/notification-dispatcher/internal/delivery"
	"github.com/example/notification-dispatcher/internal/factory"
	"github.com/example/notification-dispatcher/internal/logger"
	"github.com/example/notification-dispatcher/internal/metrics"
	"github.com/example/notification-dispatcher/internal/worker"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dispatch worker until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runDispatcher,
	}
}

func runDispatcher(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.NewFromConfig(cfg.App, cfg.Log)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "notification-dispatcher").Logger()

	m := metrics.New()

	dialer, err := factory.Dialer(cfg.Bus, log.With().Str("component", "bus").Logger())
	if err != nil {
		fail("bus init", err)
	}
	session, err := bus.NewSession(dialer, log)
	if err != nil {
		fail("bus init", err)
	}

	transport, err := factory.Transport(cfg.Mail, log.With().Str("component", "mailer").Logger())
	if err != nil {
		fail("mail init", err)
	}
	sender, err := delivery.NewService(transport, cfg.Mail.Sender, log, delivery.WithMetrics(m))
	if err != nil {
		fail("delivery init", err)
	}

	dispatcher, err := worker.NewDispatcher(worker.Config{
		Topic:            cfg.Bus.Topic,
		DrainTimeout:     cfg.Bus.DrainTimeout,
		MsgMaxBytes:      cfg.Dispatch.MsgMaxBytes,
		FilterRecipients: cfg.Dispatch.FilterRecipients,
	}, worker.Dependencies{
		Session: session,
		Sender:  sender,
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		fail("worker init", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	if cfg.Ops.Addr != "" {
		ops := metrics.NewServer(cfg.Ops.Addr, m, dispatcher.Ready, log)
		g.Go(func() error {
			return ops.Run(gctx)
		})
	}

	log.Info().
		Str("bus_driver", cfg.Bus.Driver).
		Str("topic", cfg.Bus.Topic).
		Str("mail_backend", cfg.Mail.Backend).
		Msg("notification dispatcher started")

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("notification dispatcher stopped")
	return nil
}
