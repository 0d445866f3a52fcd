// Package factory builds the configured bus dialer and mail transport.
package factory

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/bus"
	"github.com/example/notification-dispatcher/internal/bus/kafkabus"
	"github.com/example/notification-dispatcher/internal/bus/membus"
	"github.com/example/notification-dispatcher/internal/bus/natsbus"
	"github.com/example/notification-dispatcher/internal/common"
	"github.com/example/notification-dispatcher/internal/config"
	"github.com/example/notification-dispatcher/internal/mailer"
)

// Dialer constructs the bus dialer selected by cfg.Driver.
func Dialer(cfg config.BusConfig, logger zerolog.Logger) (bus.Dialer, error) {
	switch cfg.Driver {
	case config.BusDriverNATS:
		d, err := natsbus.NewDialer(cfg.URL, logger)
		if err != nil {
			return nil, common.WrapConfig(fmt.Errorf("factory: nats dialer init: %w", err))
		}
		logger.Info().Str("driver", cfg.Driver).Str("url", cfg.URL).Msg("bus driver initialised")
		return d, nil
	case config.BusDriverKafka:
		d, err := kafkabus.NewDialer(cfg.KafkaBrokers, cfg.KafkaGroup, logger)
		if err != nil {
			return nil, common.WrapConfig(fmt.Errorf("factory: kafka dialer init: %w", err))
		}
		logger.Info().Str("driver", cfg.Driver).Strs("brokers", cfg.KafkaBrokers).Msg("bus driver initialised")
		return d, nil
	case config.BusDriverMemory:
		logger.Warn().Str("driver", cfg.Driver).Msg("bus driver initialised; messages stay inside this process")
		return membus.NewBroker(), nil
	default:
		return nil, common.WrapConfig(fmt.Errorf("factory: unsupported bus driver %q", cfg.Driver))
	}
}

// Transport constructs the mail transport selected by cfg.Backend.
func Transport(cfg config.MailConfig, logger zerolog.Logger) (mailer.Transport, error) {
	switch cfg.Backend {
	case config.MailBackendSMTP:
		t, err := mailer.NewSMTPTransport(cfg, logger)
		if err != nil {
			return nil, common.WrapConfig(fmt.Errorf("factory: smtp transport init: %w", err))
		}
		logger.Info().
			Str("backend", cfg.Backend).
			Str("host", cfg.Host).
			Int("port", cfg.Port).
			Msg("mail transport initialised")
		return t, nil
	case config.MailBackendMock:
		logger.Info().Str("backend", cfg.Backend).Msg("mail transport initialised")
		return mailer.NewMockTransport(logger), nil
	default:
		return nil, common.WrapConfig(fmt.Errorf("factory: unsupported mail backend %q", cfg.Backend))
	}
}
