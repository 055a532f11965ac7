package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const fullConfig = `
log_level: debug
metrics_addr: ":9100"
state_dir: "/tmp/knowd-test"

mailbox:
  name: personal
  poll_interval: 45s
  bootstrap_unread: true
  credentials_file: creds.json
  token_file: token.json
  rate_limit_rps: 2
  filter: 'labels.exists(l, l == "UNREAD")'

vault:
  path: /tmp/notes

knowledge:
  db_path: /tmp/knowd.db
  embedder:
    endpoint: https://embed.example.com/v1
    model: text-embedding-004
    api_key_env: EMBED_KEY

export:
  webhook:
    url: https://hooks.example.com/mail
  kafka:
    brokers: ["localhost:9092"]
    topic: knowd-events
    dead_letter_topic: knowd-dlq
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knowd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log_level: got %q", cfg.LogLevel)
	}
	if cfg.Mailbox.PollInterval != 45*time.Second {
		t.Errorf("poll_interval: got %v", cfg.Mailbox.PollInterval)
	}
	if !cfg.Mailbox.BootstrapUnread {
		t.Error("bootstrap_unread: expected true")
	}
	if cfg.Mailbox.Filter == "" {
		t.Error("filter: expected CEL expression")
	}
	if cfg.Vault.Path != "/tmp/notes" {
		t.Errorf("vault path: got %q", cfg.Vault.Path)
	}
	if cfg.Knowledge.Embedder.Model != "text-embedding-004" {
		t.Errorf("embedder model: got %q", cfg.Knowledge.Embedder.Model)
	}
	if cfg.Export.Kafka.DeadLetterTopic != "knowd-dlq" {
		t.Errorf("dlq topic: got %q", cfg.Export.Kafka.DeadLetterTopic)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mailbox:
  credentials_file: creds.json
  token_file: token.json
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MetricsAddr != ":9464" {
		t.Errorf("metrics_addr default: got %q", cfg.MetricsAddr)
	}
	if cfg.Mailbox.Name != "mailbox" {
		t.Errorf("mailbox name default: got %q", cfg.Mailbox.Name)
	}
	if cfg.Mailbox.PollInterval != 30*time.Second {
		t.Errorf("poll_interval default: got %v", cfg.Mailbox.PollInterval)
	}
	if cfg.Mailbox.RateLimitRPS != 5 {
		t.Errorf("rate_limit default: got %v", cfg.Mailbox.RateLimitRPS)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no sources", `log_level: info`},
		{"mailbox missing credentials", `
mailbox:
  token_file: token.json
`},
		{"vault without knowledge", `
vault:
  path: /tmp/notes
`},
		{"vault missing path", `
vault: {}
knowledge:
  embedder: {endpoint: "https://e", model: "m"}
`},
		{"webhook missing url", `
mailbox: {credentials_file: c, token_file: t}
export:
  webhook: {}
`},
		{"kafka missing topic", `
mailbox: {credentials_file: c, token_file: t}
export:
  kafka:
    brokers: ["localhost:9092"]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "mailbox: [")); err == nil {
		t.Error("expected parse error")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, fullConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	done := make(chan struct{})
	reloaded := make(chan *Config, 1)
	go func() {
		Watch(path, logger, done, func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()
	defer close(done)

	// Give the watcher a moment to install.
	time.Sleep(50 * time.Millisecond)
	updated := fullConfig + "\n# touched\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Mailbox == nil {
			t.Error("reloaded config lost mailbox section")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload observed")
	}
}
