package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

const envPrefix = "BQ_"

type Config struct {
	Server struct {
		Port string `koanf:"port"`
	} `koanf:"server"`
	LogLevel string `koanf:"log_level"`
	Redis    struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
		TTL      string `koanf:"ttl"`
	} `koanf:"redis"`
	Postgres struct {
		URL string `koanf:"url"`
	} `koanf:"postgres"`
	Quiz struct {
		TTL      string `koanf:"ttl"`
		BankPath string `koanf:"bank_path"`
	} `koanf:"quiz"`
	Match struct {
		PayoutFraction  string `koanf:"payout_fraction"`
		RoundPolicy     string `koanf:"round_policy"`
		QuestionCount   int    `koanf:"question_count"`
		WaitTimeout     string `koanf:"wait_timeout"`
		DisconnectGrace string `koanf:"disconnect_grace"`
		IdleTimeout     string `koanf:"idle_timeout"`
		SweepInterval   string `koanf:"sweep_interval"`
		Retention       string `koanf:"retention"`
		MaxRetries      int    `koanf:"max_retries"`
	} `koanf:"match"`
	Auth struct {
		JWTSecret string `koanf:"jwt_secret"`
	} `koanf:"auth"`
	AMQP struct {
		URL   string `koanf:"url"`
		Queue string `koanf:"queue"`
	} `koanf:"amqp"`
}

// sections are the nested keys; BQ_MATCH_WAIT_TIMEOUT maps to match.wait_timeout.
var sections = []string{"server", "redis", "postgres", "quiz", "match", "auth", "amqp"}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	cfg.Server.Port = "8080"
	cfg.LogLevel = "info"
	cfg.Redis.TTL = "10m"
	cfg.Quiz.TTL = "10m"
	cfg.Match.PayoutFraction = "0.85"
	cfg.Match.RoundPolicy = "any"
	cfg.Match.WaitTimeout = "2m"
	cfg.Match.DisconnectGrace = "30s"
	cfg.Match.IdleTimeout = "5m"
	cfg.Match.SweepInterval = "5s"
	cfg.Match.Retention = "10m"
	cfg.Match.MaxRetries = 5
	cfg.AMQP.Queue = "battlequiz.match_results"
	return cfg
}

// Load layers defaults, the YAML file at path (skipped when absent) and BQ_ env vars.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("load config file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	for _, section := range sections {
		if strings.HasPrefix(s, section+"_") {
			return section + "." + strings.TrimPrefix(s, section+"_")
		}
	}
	return s
}

// Validate rejects values the services cannot run with.
func (c Config) Validate() error {
	fraction, err := c.PayoutFraction()
	if err != nil {
		return err
	}
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("match.payout_fraction must be in (0, 1], got %s", fraction)
	}
	switch c.Match.RoundPolicy {
	case "", "any", "both":
	default:
		return fmt.Errorf("match.round_policy must be any or both, got %q", c.Match.RoundPolicy)
	}
	if c.Match.QuestionCount < 0 {
		return errors.New("match.question_count must not be negative")
	}
	return nil
}

// PayoutFraction parses match.payout_fraction.
func (c Config) PayoutFraction() (decimal.Decimal, error) {
	if c.Match.PayoutFraction == "" {
		return decimal.RequireFromString("0.85"), nil
	}
	d, err := decimal.NewFromString(c.Match.PayoutFraction)
	if err != nil {
		return decimal.Zero, fmt.Errorf("match.payout_fraction: %w", err)
	}
	return d, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
