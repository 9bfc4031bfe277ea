package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpang/capture-review/internal/handoff"
	"github.com/fpang/capture-review/internal/store"
)

func TestDefaults(t *testing.T) {
	cfg, err := NewLoader().Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Variant != handoff.VariantRelease || cfg.Target() != handoff.TargetRelease {
		t.Errorf("variant=%q target=%q", cfg.Variant, cfg.Target())
	}
	if cfg.Store.Backend != store.BackendSQLite || cfg.Store.SQLitePath == "" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Forward.Backend != ForwardLog {
		t.Errorf("forward backend = %q", cfg.Forward.Backend)
	}
	if opts := cfg.PollOptions(); opts.Interval != store.DefaultPollInterval || opts.MaxInterval != store.DefaultPollMaxInterval {
		t.Errorf("poll options = %+v", opts)
	}
	if cfg.Remote() {
		t.Error("defaults should not need AWS")
	}
	if cfg.File != "" {
		t.Errorf("no config file expected, got %q", cfg.File)
	}
}

func TestEnvironmentBinding(t *testing.T) {
	tests := []struct {
		envVar string
		value  string
		check  func(Config) bool
	}{
		{"CAPTURE_REVIEW_VARIANT", "debug", func(c Config) bool { return c.Target() == handoff.TargetDebug }},
		{"CAPTURE_REVIEW_STORE_SQLITE_PATH", "/tmp/x.sqlite", func(c Config) bool { return c.Store.SQLitePath == "/tmp/x.sqlite" }},
		{"CAPTURE_REVIEW_STORE_POLL_INTERVAL", "2s", func(c Config) bool { return c.Store.PollInterval == 2*time.Second }},
		{"CAPTURE_REVIEW_HTTP_ADDR", "127.0.0.1:9000", func(c Config) bool { return c.HTTPAddr == "127.0.0.1:9000" }},
		{"CAPTURE_REVIEW_ITEMS_CAMERA_PLACEHOLDER", "true", func(c Config) bool { return c.CameraPlaceholder }},
		{"CAPTURE_REVIEW_HANDOFF_TIMEOUT", "20s", func(c Config) bool { return c.HandoffTimeout == 20*time.Second }},
		{"CAPTURE_REVIEW_HTTP_SECRET_PARAM", "/capture/secret", func(c Config) bool { return c.SecretParam == "/capture/secret" && c.Remote() }},
		{"CAPTURE_REVIEW_FORWARD_BACKEND", "EventBridge", func(c Config) bool { return c.Forward.Backend == ForwardEventBridge && c.Remote() }},
	}
	for _, tt := range tests {
		t.Run(tt.envVar, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.value)
			cfg, err := NewLoader().Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !tt.check(cfg) {
				t.Errorf("%s=%s not applied: %+v", tt.envVar, tt.value, cfg)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "variant: debug\nstore:\n  backend: dynamodb\n  dynamodb:\n    table: media-index\n  poll:\n    interval: 1s\n    max_interval: 30s\nforward:\n  backend: eventbridge\n  eventbridge:\n    bus: capture-bus\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != store.BackendDynamoDB || cfg.Store.DynamoTable != "media-index" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Store.PollMaxInterval != 30*time.Second {
		t.Errorf("max interval = %s", cfg.Store.PollMaxInterval)
	}
	if cfg.Forward.Bus != "capture-bus" || cfg.File != path {
		t.Errorf("forward=%+v file=%q", cfg.Forward, cfg.File)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("CAPTURE_REVIEW_HTTP_ADDR", ":1111")

	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().String("addr", "", "listen address")
	l := NewLoader()
	if err := l.BindFlags(cmd, map[string]string{KeyHTTPAddr: "addr"}); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}

	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":1111" {
		t.Errorf("unset flag must not shadow env, got %q", cfg.HTTPAddr)
	}

	if err := cmd.Flags().Set("addr", ":2222"); err != nil {
		t.Fatal(err)
	}
	cfg, err = l.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":2222" {
		t.Errorf("flag not applied, got %q", cfg.HTTPAddr)
	}

	if err := l.BindFlags(cmd, map[string]string{KeyHTTPAddr: "missing"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
	}{
		{"unknown variant", map[string]any{KeyVariant: "beta"}},
		{"unknown store", map[string]any{KeyStoreBackend: "mysql"}},
		{"fs without dir", map[string]any{KeyStoreBackend: store.BackendFS}},
		{"dynamodb without table", map[string]any{KeyStoreBackend: store.BackendDynamoDB}},
		{"s3 without bucket", map[string]any{KeyStoreBackend: store.BackendS3}},
		{"max below interval", map[string]any{KeyPollInterval: "5s", KeyPollMaxInterval: "1s"}},
		{"unknown forwarder", map[string]any{KeyForwardBackend: "sns"}},
		{"negative handoff timeout", map[string]any{KeyHandoffTimeout: "-1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader()
			for k, v := range tt.set {
				l.Set(k, v)
			}
			if _, err := l.Load(""); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}
