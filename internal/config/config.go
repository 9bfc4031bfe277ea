// Package config loads process configuration from defaults, an optional
// YAML file, CAPTURE_REVIEW_* environment variables, and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fpang/capture-review/internal/handoff"
	"github.com/fpang/capture-review/internal/store"
)

// EnvPrefix prefixes every environment variable; "store.backend" is read
// from CAPTURE_REVIEW_STORE_BACKEND.
const EnvPrefix = "CAPTURE_REVIEW"

// Keys.
const (
	KeyVariant           = "variant"
	KeyStoreBackend      = "store.backend"
	KeySQLitePath        = "store.sqlite.path"
	KeySQLiteWatch       = "store.sqlite.watch_interval"
	KeyDynamoTable       = "store.dynamodb.table"
	KeyS3Bucket          = "store.s3.bucket"
	KeyS3Prefix          = "store.s3.prefix"
	KeyFSDir             = "store.fs.dir"
	KeyPollInterval      = "store.poll.interval"
	KeyPollMaxInterval   = "store.poll.max_interval"
	KeyForwardBackend    = "forward.backend"
	KeyEventBus          = "forward.eventbridge.bus"
	KeyTargetParam       = "forward.target_param"
	KeyHTTPAddr          = "http.addr"
	KeyHTTPSecret        = "http.secret"
	KeySecretParam       = "http.secret_param"
	KeyHandoffTimeout    = "handoff.timeout"
	KeyUnlockWait        = "session.unlock_wait"
	KeyCameraPlaceholder = "items.camera_placeholder"
	KeyDeviceLocked      = "device.locked"
)

// Forward backends.
const (
	ForwardLog         = "log"
	ForwardEventBridge = "eventbridge"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the resolved configuration.
type Config struct {
	Variant    string
	Store      StoreConfig
	Forward    ForwardConfig
	HTTPAddr   string
	HTTPSecret string
	// SecretParam names an SSM SecureString read when HTTPSecret is empty.
	SecretParam string
	// HandoffTimeout bounds a synchronous handoff. Zero leaves it to the
	// caller's deadline.
	HandoffTimeout    time.Duration
	UnlockWait        time.Duration
	CameraPlaceholder bool
	DeviceLocked      bool
	// File is the config file that was read, empty when none was.
	File string
}

// StoreConfig selects and locates the media store.
type StoreConfig struct {
	Backend         string
	SQLitePath      string
	SQLiteWatch     time.Duration
	DynamoTable     string
	S3Bucket        string
	S3Prefix        string
	FSDir           string
	PollInterval    time.Duration
	PollMaxInterval time.Duration
}

// ForwardConfig selects the handoff transport.
type ForwardConfig struct {
	Backend string
	Bus     string
	// TargetParam names an SSM parameter that overrides the target derived
	// from Variant.
	TargetParam string
}

// Target returns the handoff target for the configured variant.
func (c Config) Target() handoff.Target {
	return handoff.TargetFor(c.Variant)
}

// PollOptions returns the poller settings for pull-only backends.
func (c Config) PollOptions() store.PollOptions {
	return store.PollOptions{Interval: c.Store.PollInterval, MaxInterval: c.Store.PollMaxInterval}
}

// Loader wraps a viper instance so commands can bind flags before Load.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader with defaults and environment binding set up.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyVariant, handoff.VariantRelease)
	v.SetDefault(KeyStoreBackend, store.BackendSQLite)
	v.SetDefault(KeySQLitePath, defaultSQLitePath())
	v.SetDefault(KeySQLiteWatch, 250*time.Millisecond)
	v.SetDefault(KeyS3Prefix, store.DefaultS3Prefix)
	v.SetDefault(KeyPollInterval, store.DefaultPollInterval)
	v.SetDefault(KeyPollMaxInterval, store.DefaultPollMaxInterval)
	v.SetDefault(KeyForwardBackend, ForwardLog)
	v.SetDefault(KeyHTTPAddr, ":8080")
	v.SetDefault(KeyUnlockWait, 30*time.Second)
	v.SetDefault(KeyHandoffTimeout, 0)
	v.SetDefault(KeyCameraPlaceholder, false)
	v.SetDefault(KeyDeviceLocked, false)
}

func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "capture-review.sqlite"
	}
	return filepath.Join(home, ".capture-review", "media.sqlite")
}

// BindFlags binds the named flags of cmd to keys. Flags only override the
// other sources when they were set explicitly.
func (l *Loader) BindFlags(cmd *cobra.Command, flags map[string]string) error {
	for key, name := range flags {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(name)
		}
		if f == nil {
			return fmt.Errorf("bind %s: no flag --%s", key, name)
		}
		if err := l.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// Set overrides a key. Used by tests and one-shot commands.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// Load reads path when non-empty, then resolves and validates every key.
func (l *Loader) Load(path string) (Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		l.v.SetConfigType("yaml")
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Debug().Str("path", path).Msg("Config file loaded")
	}

	v := l.v
	cfg := Config{
		Variant: strings.ToLower(v.GetString(KeyVariant)),
		Store: StoreConfig{
			Backend:         strings.ToLower(v.GetString(KeyStoreBackend)),
			SQLitePath:      v.GetString(KeySQLitePath),
			SQLiteWatch:     v.GetDuration(KeySQLiteWatch),
			DynamoTable:     v.GetString(KeyDynamoTable),
			S3Bucket:        v.GetString(KeyS3Bucket),
			S3Prefix:        v.GetString(KeyS3Prefix),
			FSDir:           v.GetString(KeyFSDir),
			PollInterval:    v.GetDuration(KeyPollInterval),
			PollMaxInterval: v.GetDuration(KeyPollMaxInterval),
		},
		Forward: ForwardConfig{
			Backend:     strings.ToLower(v.GetString(KeyForwardBackend)),
			Bus:         v.GetString(KeyEventBus),
			TargetParam: v.GetString(KeyTargetParam),
		},
		HTTPAddr:          v.GetString(KeyHTTPAddr),
		HTTPSecret:        v.GetString(KeyHTTPSecret),
		SecretParam:       v.GetString(KeySecretParam),
		HandoffTimeout:    v.GetDuration(KeyHandoffTimeout),
		UnlockWait:        v.GetDuration(KeyUnlockWait),
		CameraPlaceholder: v.GetBool(KeyCameraPlaceholder),
		DeviceLocked:      v.GetBool(KeyDeviceLocked),
		File:              v.ConfigFileUsed(),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c Config) Validate() error {
	switch c.Variant {
	case handoff.VariantDebug, handoff.VariantRelease:
	default:
		return fmt.Errorf("%w: %s must be debug or release, got %q", ErrInvalid, KeyVariant, c.Variant)
	}

	switch c.Store.Backend {
	case store.BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalid, KeySQLitePath)
		}
	case store.BackendFS:
		if c.Store.FSDir == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalid, KeyFSDir)
		}
	case store.BackendDynamoDB:
		if c.Store.DynamoTable == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalid, KeyDynamoTable)
		}
	case store.BackendS3:
		if c.Store.S3Bucket == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalid, KeyS3Bucket)
		}
	default:
		return fmt.Errorf("%w: unknown %s %q", ErrInvalid, KeyStoreBackend, c.Store.Backend)
	}

	if c.Store.PollInterval <= 0 || c.Store.PollMaxInterval < c.Store.PollInterval {
		return fmt.Errorf("%w: poll interval %s must be positive and at most %s", ErrInvalid, c.Store.PollInterval, c.Store.PollMaxInterval)
	}

	if c.HandoffTimeout < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalid, KeyHandoffTimeout)
	}

	switch c.Forward.Backend {
	case ForwardLog, ForwardEventBridge:
	default:
		return fmt.Errorf("%w: unknown %s %q", ErrInvalid, KeyForwardBackend, c.Forward.Backend)
	}
	return nil
}

// Remote reports whether any configured component needs AWS credentials.
func (c Config) Remote() bool {
	switch c.Store.Backend {
	case store.BackendDynamoDB, store.BackendS3:
		return true
	}
	return c.Forward.Backend == ForwardEventBridge || c.Forward.TargetParam != "" ||
		(c.HTTPSecret == "" && c.SecretParam != "")
}
