package notify

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines notification configuration. Values load from yaml when
// ALARM_NOTIFY_CONFIG points at a file, with env fallbacks for deployments
// that configure everything through the environment.
type Config struct {
	WebhookURL        string        `yaml:"webhook_url"`
	Template          string        `yaml:"template"`
	EscalationAfter   time.Duration `yaml:"escalation_after"`
	Cooldown          time.Duration `yaml:"cooldown"`
	DedupeWindow      time.Duration `yaml:"dedupe_window"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	DisableEscalation bool          `yaml:"disable_escalation"`
}

// LoadConfig loads config from yaml or env.
func LoadConfig() (Config, error) {
	cfg := Config{
		WebhookURL:      os.Getenv("ALARM_WEBHOOK_URL"),
		EscalationAfter: getenvDurationDefault("ALARM_ESCALATION_AFTER", 15*time.Minute),
		Cooldown:        getenvDurationDefault("ALARM_NOTIFY_COOLDOWN", 5*time.Minute),
		DedupeWindow:    getenvDurationDefault("ALARM_NOTIFY_DEDUPE_WINDOW", 30*time.Minute),
		RequestTimeout:  getenvDurationDefault("ALARM_NOTIFY_TIMEOUT", 5*time.Second),
	}

	if path := os.Getenv("ALARM_NOTIFY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.DisableEscalation {
		cfg.EscalationAfter = 0
	}
	return cfg, nil
}

// Options translates the config into notifier options.
func (c Config) Options() []Option {
	var opts []Option
	if c.EscalationAfter > 0 {
		opts = append(opts, WithEscalation(c.EscalationAfter))
	}
	if c.Cooldown > 0 {
		opts = append(opts, WithCooldown(c.Cooldown))
	}
	if c.DedupeWindow > 0 {
		opts = append(opts, WithDedupeWindow(c.DedupeWindow))
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, WithRequestTimeout(c.RequestTimeout))
	}
	return opts
}

func getenvDurationDefault(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
