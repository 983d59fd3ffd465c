package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/platform/env"
)

type Config struct {
	WebhookURL string
	Events     []string
	Timeout    time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("NOTIFY_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		WebhookURL: env.String("NOTIFY_WEBHOOK_URL", ""),
		Events:     env.Strings("NOTIFY_EVENTS", []string{string(domain.StatusSucceeded), string(domain.StatusFailed)}),
		Timeout:    timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("NOTIFY_TIMEOUT must be > 0")
	}
	for _, e := range c.Events {
		status := domain.RunStatus(strings.ToUpper(strings.TrimSpace(e)))
		if !status.Terminal() {
			return fmt.Errorf("NOTIFY_EVENTS entry %q is not a terminal status", e)
		}
	}
	return nil
}

// Open returns a webhook notifier when a URL is configured and Nop otherwise.
func Open(cfg Config) (Notifier, error) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return Nop{}, nil
	}
	return NewWebhook(cfg)
}
