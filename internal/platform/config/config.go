package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"nip05/pkg/platform/listutil"
)

// Config is the complete process configuration, read from the environment.
type Config struct {
	Server   Server
	Registry Registry
	Ledger   Ledger
	Payment  Payment
	Redis    RedisConfig
	Audit    Audit
	Log      Log

	// AdminKeyHash is a bcrypt hash of the admin API key. Empty disables admin routes.
	AdminKeyHash      string        `env:"ADMIN_API_KEY_HASH"`
	RateLimitDisabled bool          `env:"RATE_LIMIT_DISABLED"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"NIP05_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Registry locates the data directory holding .well-known/nostr.json and fixes the domain it is served under.
type Registry struct {
	Domain     string `env:"DOMAIN"`
	DataDir    string `env:"NIP05_DATA_DIR" envDefault:"data"`
	AmountSats int64  `env:"INVOICE_AMOUNT_SATS" envDefault:"1000"`
}

const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

type Ledger struct {
	Driver       string `env:"LEDGER_DRIVER" envDefault:"sqlite"`
	SQLitePath   string `env:"LEDGER_SQLITE_PATH" envDefault:"data/ledger.db"`
	PostgresURL  string `env:"DATABASE_URL"`
	MaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"10"`

	// PurgeAfter is how long terminal invoices are kept before the sweeper deletes them.
	PurgeAfter time.Duration `env:"INVOICE_PURGE_AFTER" envDefault:"720h"`
}

const (
	ProviderLNbits = "lnbits"
	ProviderMemory = "memory"
)

type Payment struct {
	Provider     string        `env:"PAYMENT_PROVIDER" envDefault:"lnbits"`
	LNbitsURL    string        `env:"LNBITS_URL"`
	LNbitsAPIKey string        `env:"LNBITS_API_KEY"`
	Timeout      time.Duration `env:"PAYMENT_TIMEOUT" envDefault:"10s"`

	// InvoiceExpiry is the provider-side invoice lifetime.
	InvoiceExpiry time.Duration `env:"INVOICE_EXPIRY" envDefault:"5m"`
	// Retention is how long the ledger keeps an unpaid invoice awaiting payment.
	Retention     time.Duration `env:"INVOICE_RETENTION" envDefault:"15m"`
}

// RedisConfig enables the shared rate-limit store. Empty URL keeps limits in memory.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

const (
	AuditLog   = "log"
	AuditKafka = "kafka"
)

type Audit struct {
	Sink         string   `env:"AUDIT_SINK" envDefault:"log"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_AUDIT_TOPIC" envDefault:"nip05.registration.audit"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// FromEnv parses the environment. Call Validate before use.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Registry.Domain = strings.ToLower(strings.TrimSpace(cfg.Registry.Domain))
	cfg.Audit.KafkaBrokers = listutil.Compact(cfg.Audit.KafkaBrokers)
	return cfg, nil
}

// Validate rejects configurations that would start a service that cannot work.
func (c Config) Validate() error {
	if c.Registry.Domain == "" {
		return fmt.Errorf("DOMAIN is required")
	}
	if c.Registry.AmountSats <= 0 {
		return fmt.Errorf("INVOICE_AMOUNT_SATS must be positive")
	}
	if c.Registry.DataDir == "" {
		return fmt.Errorf("NIP05_DATA_DIR is required")
	}

	switch c.Ledger.Driver {
	case LedgerSQLite:
		if c.Ledger.SQLitePath == "" {
			return fmt.Errorf("LEDGER_SQLITE_PATH is required for the sqlite ledger")
		}
	case LedgerPostgres:
		if c.Ledger.PostgresURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres ledger")
		}
	case LedgerMemory:
	default:
		return fmt.Errorf("unknown LEDGER_DRIVER %q", c.Ledger.Driver)
	}

	switch c.Payment.Provider {
	case ProviderLNbits:
		if err := validateHTTPURL(c.Payment.LNbitsURL); err != nil {
			return fmt.Errorf("LNBITS_URL: %w", err)
		}
		if c.Payment.LNbitsAPIKey == "" {
			return fmt.Errorf("LNBITS_API_KEY is required for the lnbits provider")
		}
	case ProviderMemory:
	default:
		return fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.Payment.Provider)
	}
	if c.Payment.Timeout <= 0 {
		return fmt.Errorf("PAYMENT_TIMEOUT must be positive")
	}
	if c.Payment.InvoiceExpiry <= 0 {
		return fmt.Errorf("INVOICE_EXPIRY must be positive")
	}
	// An invoice must never be payable after the ledger expired it.
	if c.Payment.Retention <= c.Payment.InvoiceExpiry {
		return fmt.Errorf("INVOICE_RETENTION (%s) must exceed INVOICE_EXPIRY (%s)",
			c.Payment.Retention, c.Payment.InvoiceExpiry)
	}

	switch c.Audit.Sink {
	case AuditLog:
	case AuditKafka:
		if len(c.Audit.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka audit sink")
		}
		if c.Audit.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_AUDIT_TOPIC is required for the kafka audit sink")
		}
	default:
		return fmt.Errorf("unknown AUDIT_SINK %q", c.Audit.Sink)
	}

	if c.Ledger.PurgeAfter <= c.Payment.Retention {
		return fmt.Errorf("INVOICE_PURGE_AFTER must exceed INVOICE_RETENTION")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
