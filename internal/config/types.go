// Package config decodes and validates the encab YAML document into the
// typed records consumed by the supervisor: EncabConfig, ProgramConfig and
// ExtensionConfig.
package config

import "fmt"

// LogLevel mirrors the severities a program or the core logger may be
// configured at.
type LogLevel string

const (
	LevelCritical LogLevel = "CRITICAL"
	LevelError    LogLevel = "ERROR"
	LevelWarning  LogLevel = "WARNING"
	LevelInfo     LogLevel = "INFO"
	LevelDebug    LogLevel = "DEBUG"
)

func (l LogLevel) valid() bool {
	switch l {
	case LevelCritical, LevelError, LevelWarning, LevelInfo, LevelDebug, "":
		return true
	default:
		return false
	}
}

// MainProgramName is the reserved name of the primary program.
const MainProgramName = "main"

// Common carries the fields shared between EncabConfig and ProgramConfig so
// that EncabConfig can act as a default layer for every program.
type Common struct {
	Environment map[string]*string `yaml:"environment,omitempty"`
	User        *string            `yaml:"user,omitempty"`
	Group       *string            `yaml:"group,omitempty"`
	Umask       *string            `yaml:"umask,omitempty"`
	LogLevel    LogLevel           `yaml:"loglevel,omitempty"`
	Debug       bool               `yaml:"debug,omitempty"`
	JoinTime    *float64           `yaml:"join_time,omitempty"`
}

// ProgramConfig is the normalized, validated configuration for one child
// program. It is immutable once Validate/Normalize has returned.
type ProgramConfig struct {
	Common `yaml:",inline"`

	Name string `yaml:"-"`

	Command []string `yaml:"command,omitempty"`
	Sh      []string `yaml:"sh,omitempty"`

	Directory    string   `yaml:"directory,omitempty"`
	StartupDelay float64  `yaml:"startup_delay,omitempty"`
	RestartDelay *float64 `yaml:"restart_delay,omitempty"`
	ReapZombies  bool     `yaml:"reap_zombies,omitempty"`
}

// EffectiveLogLevel returns Debug-shortcut-aware level, defaulting to INFO.
func (p *ProgramConfig) EffectiveLogLevel() LogLevel {
	if p.Debug {
		return LevelDebug
	}
	if p.LogLevel == "" {
		return LevelInfo
	}
	return p.LogLevel
}

// EffectiveJoinTime returns the configured join_time or the 1.0s default.
func (p *ProgramConfig) EffectiveJoinTime() float64 {
	if p.JoinTime != nil {
		return *p.JoinTime
	}
	return 1.0
}

// IsMain reports whether this is the distinguished main program.
func (p *ProgramConfig) IsMain() bool { return p.Name == MainProgramName }

// UsesShell reports whether the program is sh-style rather than
// command-style.
func (p *ProgramConfig) UsesShell() bool { return len(p.Sh) > 0 }

// ExtensionConfig configures one named extension. Settings is intentionally
// untyped at this layer — extensions interpret it themselves.
type ExtensionConfig struct {
	Enabled  *bool          `yaml:"enabled,omitempty"`
	Module   string         `yaml:"module,omitempty"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// EnabledOr reports the extension's enablement, falling back to def when the
// user did not set it explicitly.
func (e *ExtensionConfig) EnabledOr(def bool) bool {
	if e == nil || e.Enabled == nil {
		return def
	}
	return *e.Enabled
}

// EncabConfig is the global, top-level configuration section.
type EncabConfig struct {
	Common `yaml:",inline"`

	HaltOnExit bool   `yaml:"halt_on_exit,omitempty"`
	LogFormat  string `yaml:"logformat,omitempty"`
	DryRun     bool   `yaml:"dry_run,omitempty"`
}

// DefaultLogFormat is used when EncabConfig.LogFormat is empty.
const DefaultLogFormat = "%-5.5s %s: %s"

// EffectiveLogFormat returns LogFormat or DefaultLogFormat.
func (e *EncabConfig) EffectiveLogFormat() string {
	if e.LogFormat == "" {
		return DefaultLogFormat
	}
	return e.LogFormat
}

// EffectiveLogLevel returns the core's Debug-shortcut-aware level,
// defaulting to INFO.
func (e *EncabConfig) EffectiveLogLevel() LogLevel {
	if e.Debug {
		return LevelDebug
	}
	if e.LogLevel == "" {
		return LevelInfo
	}
	return e.LogLevel
}

// Document is the root of an encab.yml file.
type Document struct {
	Encab      EncabConfig                `yaml:"encab"`
	Extensions map[string]ExtensionConfig `yaml:"extensions,omitempty"`
	Programs   map[string]ProgramConfig   `yaml:"programs,omitempty"`

	// ProgramOrder preserves declaration order, which yaml.v3's map decoding
	// loses; it is filled in by Load from the raw document node.
	ProgramOrder []string `yaml:"-"`

	// ExtensionOrder preserves the declared order of the extensions
	// mapping, used for hook-invocation ordering (spec §4.7: "in declared
	// order").
	ExtensionOrder []string `yaml:"-"`
}

// ValidationError reports a single configuration defect with the offending
// program or extension name, matching the taxonomy of spec §7
// ("Configuration error").
type ValidationError struct {
	Scope   string // "encab", "programs.<name>", "extensions.<name>"
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Scope, e.Message)
}
