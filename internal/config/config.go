package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/example/notification-dispatcher/internal/common"
)

// Supported values for the backend selectors.
const (
	MailBackendSMTP = "smtp"
	MailBackendMock = "mock"

	BusDriverNATS   = "nats"
	BusDriverKafka  = "kafka"
	BusDriverMemory = "memory"

	TLSPolicyMandatory     = "mandatory"
	TLSPolicyOpportunistic = "opportunistic"
	TLSPolicyNone          = "none"
)

// Config captures all runtime configuration for the dispatcher. It is built
// once at process start and handed to constructors by value; nothing in the
// module reads the environment after Load returns.
type Config struct {
	App      AppConfig
	Log      LogConfig
	Mail     MailConfig
	Bus      BusConfig
	Dispatch DispatchConfig
	Ops      OpsConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// LogConfig controls the optional rotating log file sink.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// MailConfig stores the outbound SMTP settings.
type MailConfig struct {
	Backend   string
	Host      string
	Port      int
	Username  string
	Password  string
	Sender    string
	TLSPolicy string
	Timeout   time.Duration
}

// Login returns the identity used for SMTP authentication. The sender address
// doubles as the username unless one is configured explicitly.
func (m MailConfig) Login() string {
	if m.Username != "" {
		return m.Username
	}
	return m.Sender
}

// BusConfig defines the message bus endpoint and the topic to consume.
type BusConfig struct {
	Driver       string
	URL          string
	KafkaBrokers []string
	KafkaGroup   string
	Topic        string
	DrainTimeout time.Duration
}

// DispatchConfig tunes the decode-and-send callback.
type DispatchConfig struct {
	FilterRecipients bool
	MsgMaxBytes      int
}

// OpsConfig controls the health and metrics listener. An empty Addr disables it.
type OpsConfig struct {
	Addr string
}

// envSpec is the flat environment layout processed by envconfig.
type envSpec struct {
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	LogFile           string `envconfig:"LOG_FILE"`
	LogFileMaxSizeMB  int    `envconfig:"LOG_FILE_MAX_SIZE_MB" default:"50"`
	LogFileMaxBackups int    `envconfig:"LOG_FILE_MAX_BACKUPS" default:"5"`
	LogFileMaxAgeDays int    `envconfig:"LOG_FILE_MAX_AGE_DAYS" default:"28"`

	EmailBackend   string        `envconfig:"EMAIL_BACKEND" default:"smtp"`
	EmailHost      string        `envconfig:"EMAIL_HOST"`
	EmailPort      int           `envconfig:"EMAIL_PORT" default:"587"`
	EmailUsername  string        `envconfig:"EMAIL_USERNAME"`
	EmailPassword  string        `envconfig:"EMAIL_PASSWORD"`
	EmailSender    string        `envconfig:"EMAIL_SENDER"`
	EmailTLSPolicy string        `envconfig:"EMAIL_TLS_POLICY" default:"mandatory"`
	EmailTimeout   time.Duration `envconfig:"EMAIL_TIMEOUT" default:"30s"`

	BusDriver       string        `envconfig:"BUS_DRIVER" default:"nats"`
	BusURL          string        `envconfig:"BUS_URL" default:"nats://localhost:4222"`
	BusKafkaBrokers []string      `envconfig:"BUS_KAFKA_BROKERS"`
	BusKafkaGroup   string        `envconfig:"BUS_KAFKA_GROUP" default:"notification-dispatcher"`
	BusTopic        string        `envconfig:"BROKER_PUBLIC"`
	BusDrainTimeout time.Duration `envconfig:"BUS_DRAIN_TIMEOUT" default:"10s"`

	FilterRecipients bool `envconfig:"DISPATCH_FILTER_RECIPIENTS" default:"false"`
	MsgMaxBytes      int  `envconfig:"DISPATCH_MSG_MAX_BYTES" default:"1048576"`

	OpsAddr string `envconfig:"OPS_ADDR" default:":8080"`
}

// Load reads the environment (after merging an optional .env file), applies
// defaults and validates everything the worker needs. Every problem found is
// reported in a single error wrapping common.ErrConfig.
func Load() (*Config, error) {
	return load(true)
}

// LoadBus is Load without the mail requirements. It serves tooling that only
// talks to the bus, such as the publish command.
func LoadBus() (*Config, error) {
	return load(false)
}

func load(requireMail bool) (*Config, error) {
	_ = godotenv.Load()

	var spec envSpec
	if err := envconfig.Process("", &spec); err != nil {
		return nil, common.WrapConfig(fmt.Errorf("config: %w", err))
	}

	cfg := &Config{
		App: AppConfig{
			Env:      strings.TrimSpace(spec.AppEnv),
			LogLevel: strings.TrimSpace(spec.LogLevel),
		},
		Log: LogConfig{
			File:       strings.TrimSpace(spec.LogFile),
			MaxSizeMB:  spec.LogFileMaxSizeMB,
			MaxBackups: spec.LogFileMaxBackups,
			MaxAgeDays: spec.LogFileMaxAgeDays,
		},
		Mail: MailConfig{
			Backend:   normalize(spec.EmailBackend),
			Host:      strings.TrimSpace(spec.EmailHost),
			Port:      spec.EmailPort,
			Username:  strings.TrimSpace(spec.EmailUsername),
			Password:  spec.EmailPassword,
			Sender:    strings.TrimSpace(spec.EmailSender),
			TLSPolicy: normalize(spec.EmailTLSPolicy),
			Timeout:   spec.EmailTimeout,
		},
		Bus: BusConfig{
			Driver:       normalize(spec.BusDriver),
			URL:          strings.TrimSpace(spec.BusURL),
			KafkaBrokers: trimAll(spec.BusKafkaBrokers),
			KafkaGroup:   strings.TrimSpace(spec.BusKafkaGroup),
			Topic:        strings.TrimSpace(spec.BusTopic),
			DrainTimeout: spec.BusDrainTimeout,
		},
		Dispatch: DispatchConfig{
			FilterRecipients: spec.FilterRecipients,
			MsgMaxBytes:      spec.MsgMaxBytes,
		},
		Ops: OpsConfig{
			Addr: strings.TrimSpace(spec.OpsAddr),
		},
	}

	v := &validator{}
	v.bus(cfg.Bus)
	if cfg.Dispatch.MsgMaxBytes < 0 {
		v.add("DISPATCH_MSG_MAX_BYTES cannot be negative")
	}
	if requireMail {
		v.mail(cfg.Mail)
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type validator struct {
	errs []string
}

func (v *validator) bus(c BusConfig) {
	if c.Topic == "" {
		v.add("BROKER_PUBLIC is required")
	}
	if c.DrainTimeout <= 0 {
		v.add("BUS_DRAIN_TIMEOUT must be positive")
	}
	switch c.Driver {
	case BusDriverNATS:
		if c.URL == "" {
			v.add("BUS_URL is required for the nats driver")
		}
	case BusDriverKafka:
		if len(c.KafkaBrokers) == 0 {
			v.add("BUS_KAFKA_BROKERS must contain at least one entry for the kafka driver")
		}
		if c.KafkaGroup == "" {
			v.add("BUS_KAFKA_GROUP is required for the kafka driver")
		}
	case BusDriverMemory:
	default:
		v.add(fmt.Sprintf("BUS_DRIVER %q is not supported", c.Driver))
	}
}

func (v *validator) mail(c MailConfig) {
	switch c.Backend {
	case MailBackendSMTP:
		if c.Host == "" {
			v.add("EMAIL_HOST is required")
		}
		if c.Password == "" {
			v.add("EMAIL_PASSWORD is required")
		}
	case MailBackendMock:
	default:
		v.add(fmt.Sprintf("EMAIL_BACKEND %q is not supported", c.Backend))
	}
	if c.Sender == "" {
		v.add("EMAIL_SENDER is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		v.add("EMAIL_PORT must be between 1 and 65535")
	}
	if c.Timeout <= 0 {
		v.add("EMAIL_TIMEOUT must be positive")
	}
	switch c.TLSPolicy {
	case TLSPolicyMandatory, TLSPolicyOpportunistic, TLSPolicyNone:
	default:
		v.add(fmt.Sprintf("EMAIL_TLS_POLICY %q is not supported", c.TLSPolicy))
	}
}

func (v *validator) add(msg string) {
	v.errs = append(v.errs, msg)
}

func (v *validator) err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return common.WrapConfig(fmt.Errorf("config validation failed: %s", strings.Join(v.errs, "; ")))
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
