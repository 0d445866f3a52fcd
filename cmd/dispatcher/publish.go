package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/notification-dispatcher/internal/bus"
	"github.com/example/notification-dispatcher/internal/config"
	"github.com/example/notification-dispatcher/internal/delivery"
	"github.com/example/notification-dispatcher/internal/factory"
	"github.com/example/notification-dispatcher/internal/logger"
	"github.com/example/notification-dispatcher/internal/models"
)

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a delivery request to the configured topic",
		Long: `Extract every email address found in --to and publish a delivery request
carrying --text to the topic named by BROKER_PUBLIC.

Examples:
  dispatcher publish --to "a@x.com, b@y.com" --text "hello"
  dispatcher publish --to "Ivan <ivan@mail.ru>" --text "расшифровка" --timeout 5s`,
		Args: cobra.NoArgs,
		RunE: runPublish,
	}

	cmd.Flags().String("to", "", "Free text containing recipient addresses")
	cmd.Flags().String("text", "", "Text placed in the email body")
	cmd.Flags().Duration("timeout", 10*time.Second, "Time allowed to connect and publish")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runPublish(cmd *cobra.Command, _ []string) error {
	to, _ := cmd.Flags().GetString("to")
	text, _ := cmd.Flags().GetString("text")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	recipients := delivery.Filter(to)
	if len(recipients) == 0 {
		return errors.New("publish: no email addresses found in --to")
	}

	cfg, err := config.LoadBus()
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	baseLogger, err := logger.NewFromConfig(cfg.App, cfg.Log)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	requestID := uuid.NewString()
	log := baseLogger.With().
		Str("service", "notification-dispatcher").
		Str("request_id", requestID).
		Logger()

	payload, err := models.DeliveryRequest{Recipients: recipients, Body: text}.Encode()
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	dialer, err := factory.Dialer(cfg.Bus, log.With().Str("component", "bus").Logger())
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	session, err := bus.NewSession(dialer, log)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	err = bus.With(ctx, session, func(s *bus.Session) error {
		pub, err := bus.NewPublisher(cfg.Bus.Topic, s)
		if err != nil {
			return err
		}
		return pub.Publish(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	log.Info().
		Str("topic", cfg.Bus.Topic).
		Strs("recipients", recipients).
		Msg("delivery request published")
	fmt.Fprintf(cmd.OutOrStdout(), "published request %s for %d recipient(s) to %s\n", requestID, len(recipients), cfg.Bus.Topic)
	return nil
}
