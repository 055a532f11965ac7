package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the full knowd daemon configuration.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	StateDir    string `yaml:"state_dir"`

	Mailbox   *MailboxConfig   `yaml:"mailbox,omitempty"`
	Vault     *VaultConfig     `yaml:"vault,omitempty"`
	Knowledge *KnowledgeConfig `yaml:"knowledge,omitempty"`
	Export    *ExportConfig    `yaml:"export,omitempty"`
}

// MailboxConfig configures the incremental mailbox sync loop.
type MailboxConfig struct {
	Name            string        `yaml:"name"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	BootstrapUnread bool          `yaml:"bootstrap_unread"`
	CredentialsFile string        `yaml:"credentials_file"`
	TokenFile       string        `yaml:"token_file"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	Filter          string        `yaml:"filter"` // CEL expression, optional
}

// VaultConfig configures the filesystem note vault watcher.
type VaultConfig struct {
	Path string `yaml:"path"`
}

// KnowledgeConfig configures the vector knowledge store.
type KnowledgeConfig struct {
	DBPath   string         `yaml:"db_path"`
	Embedder EmbedderConfig `yaml:"embedder"`
}

// EmbedderConfig configures the embedding API client.
type EmbedderConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// ExportConfig configures optional outbound event forwarding.
type ExportConfig struct {
	Webhook *WebhookConfig `yaml:"webhook,omitempty"`
	Kafka   *KafkaConfig   `yaml:"kafka,omitempty"`
}

// WebhookConfig configures the HTTP export sink.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// KafkaConfig configures the Kafka export sink.
type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	Topic           string   `yaml:"topic"`
	DeadLetterTopic string   `yaml:"dead_letter_topic,omitempty"`
	TLS             bool     `yaml:"tls"`
	SASLUser        string   `yaml:"sasl_user,omitempty"`
	SASLPassEnv     string   `yaml:"sasl_pass_env,omitempty"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9464"
	}
	if c.StateDir == "" {
		c.StateDir = "./state"
	}
	if c.Mailbox != nil {
		if c.Mailbox.Name == "" {
			c.Mailbox.Name = "mailbox"
		}
		if c.Mailbox.PollInterval <= 0 {
			c.Mailbox.PollInterval = 30 * time.Second
		}
		if c.Mailbox.RateLimitRPS <= 0 {
			c.Mailbox.RateLimitRPS = 5
		}
	}
	if c.Knowledge != nil && c.Knowledge.DBPath == "" {
		c.Knowledge.DBPath = filepath.Join(c.StateDir, "knowd.db")
	}
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.Mailbox == nil && c.Vault == nil {
		return fmt.Errorf("at least one of mailbox or vault must be configured")
	}
	if c.Mailbox != nil {
		if c.Mailbox.CredentialsFile == "" {
			return fmt.Errorf("mailbox.credentials_file is required")
		}
		if c.Mailbox.TokenFile == "" {
			return fmt.Errorf("mailbox.token_file is required")
		}
	}
	if c.Vault != nil && c.Vault.Path == "" {
		return fmt.Errorf("vault.path is required")
	}
	if c.Vault != nil && c.Knowledge == nil {
		return fmt.Errorf("vault requires a knowledge section")
	}
	if c.Knowledge != nil {
		e := c.Knowledge.Embedder
		if e.Endpoint == "" || e.Model == "" {
			return fmt.Errorf("knowledge.embedder endpoint and model are required")
		}
	}
	if c.Export != nil {
		if c.Export.Webhook != nil && c.Export.Webhook.URL == "" {
			return fmt.Errorf("export.webhook.url is required")
		}
		if c.Export.Kafka != nil {
			if len(c.Export.Kafka.Brokers) == 0 {
				return fmt.Errorf("export.kafka.brokers is required")
			}
			if c.Export.Kafka.Topic == "" {
				return fmt.Errorf("export.kafka.topic is required")
			}
		}
	}
	return nil
}

// Watch blocks watching the config file for changes and invokes onChange
// with each successfully reloaded config. It returns when done is closed.
// Reload errors are logged and skipped; the last good config stays active.
func Watch(path string, logger *slog.Logger, done <-chan struct{}, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	logger.Info("watching config file", "path", path)
	base := filepath.Base(path)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			logger.Info("config change detected", "op", event.Op.String())
			cfg, err := Load(path)
			if err != nil {
				logger.Error("config reload failed, keeping previous", "error", err)
				continue
			}
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}
