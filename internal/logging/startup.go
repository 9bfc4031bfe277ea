package logging

import (
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects process identity, the wired store and forwarder,
// and feature flags, then emits a single structured event describing how
// the process was configured. Troubleshooting a stuck review usually starts
// with this line.
type StartupLogger struct {
	name         string
	commitHash   string
	buildTime    string
	variant      string
	target       string
	initDuration time.Duration

	stores     map[string]string
	forwarders map[string]string
	features   map[string]bool
	config     map[string]string
}

// NewStartupLogger creates a StartupLogger for the given binary name
// (e.g. "capture-review", "handoff-lambda").
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:       name,
		stores:     make(map[string]string),
		forwarders: make(map[string]string),
		features:   make(map[string]bool),
		config:     make(map[string]string),
	}
}

// CommitHash sets the git commit hash baked into the binary at build time.
func (s *StartupLogger) CommitHash(hash string) *StartupLogger {
	s.commitHash = hash
	return s
}

// BuildTime sets the UTC build timestamp baked into the binary at build time.
func (s *StartupLogger) BuildTime(t string) *StartupLogger {
	s.buildTime = t
	return s
}

// Variant records the build variant (debug or release).
func (s *StartupLogger) Variant(v string) *StartupLogger {
	s.variant = v
	return s
}

// Target records the handoff target component.
func (s *StartupLogger) Target(t string) *StartupLogger {
	s.target = t
	return s
}

// Store registers the media store backend and its location
// (table name, bucket, sqlite path, directory).
func (s *StartupLogger) Store(backend, location string) *StartupLogger {
	s.stores[backend] = location
	return s
}

// Forwarder registers the handoff transport and its destination.
func (s *StartupLogger) Forwarder(backend, destination string) *StartupLogger {
	s.forwarders[backend] = destination
	return s
}

// Feature registers a boolean feature flag (e.g. "cameraPlaceholder").
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long initialization took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// EnvOrDefault returns the value of the named environment variable, or
// defaultVal if the variable is empty or unset.
func EnvOrDefault(envVar, defaultVal string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultVal
}

// Log emits a single structured INFO log event with all collected information.
func (s *StartupLogger) Log() {
	evt := log.Info()

	process := zerolog.Dict().
		Str("name", s.name).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", os.Getenv(LevelEnvVar))
	if s.commitHash != "" {
		process = process.Str("commitHash", s.commitHash)
	}
	if s.buildTime != "" {
		process = process.Str("buildTime", s.buildTime)
	}
	if s.variant != "" {
		process = process.Str("variant", s.variant)
	}
	evt = evt.Dict("process", process)

	if s.target != "" {
		evt = evt.Str("target", s.target)
	}
	if len(s.stores) > 0 {
		evt = evt.Dict("stores", dictFromMap(s.stores))
	}
	if len(s.forwarders) > 0 {
		evt = evt.Dict("forwarders", dictFromMap(s.forwarders))
	}
	if len(s.features) > 0 {
		d := zerolog.Dict()
		for _, k := range sortedKeys(s.features) {
			d = d.Bool(k, s.features[k])
		}
		evt = evt.Dict("features", d)
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}
	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Startup complete")
}

// dictFromMap converts a map[string]string into a zerolog.Event (Dict).
func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for _, k := range sortedKeys(m) {
		d = d.Str(k, m[k])
	}
	return d
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
