// Package extension implements the Extension Host of spec §4.7: hook
// discovery and dispatch for built-in extensions that influence
// validation, configuration, environment, and long-running side
// channels (log tailing).
//
// Style follows the teacher's preference for small concrete types over
// frameworks: a plain interface, a map-backed registry, and an explicit
// ordered dispatch loop rather than a generic plugin-loading mechanism
// (spec §9 design note: "nothing in the core binds to a dynamic-module
// loader").
package extension

import (
	"fmt"

	"github.com/encab/encab/internal/config"
	"github.com/encab/encab/internal/logging"
)

// Handle is the capability passed to Extend; it exposes just enough of
// the Supervisor for a long-running extension task (log_collector) to
// emit log records and know when to stop.
type Handle interface {
	Logger() *logging.Logger
	Done() <-chan struct{}
}

// Extension implements the five hooks of spec §4.7. Each may be a no-op;
// embed Base to get no-op defaults and override only what's needed.
type Extension interface {
	Name() string
	DefaultEnabled() bool
	ValidateExtension(settings map[string]any) error
	Configure(settings map[string]any, log *logging.Logger) error
	UpdateEnvironment(env map[string]*string, programs map[string]config.ProgramConfig) (map[string]*string, error)
	UpdateConfig(doc *config.Document) (*config.Document, error)
	Extend(h Handle) error
}

// Base supplies no-op hook implementations.
type Base struct{}

func (Base) DefaultEnabled() bool { return true }
func (Base) ValidateExtension(map[string]any) error { return nil }
func (Base) Configure(map[string]any, *logging.Logger) error { return nil }
func (Base) UpdateEnvironment(env map[string]*string, _ map[string]config.ProgramConfig) (map[string]*string, error) {
	return env, nil
}
func (Base) UpdateConfig(doc *config.Document) (*config.Document, error) { return doc, nil }
func (Base) Extend(Handle) error                                        { return nil }

// active is one enabled extension plus whether the user explicitly
// requested it (enabled: true), which controls hook-failure severity.
type active struct {
	ext      Extension
	settings map[string]any
	explicit bool
	disabled bool
}

// Host discovers extensions by name and invokes their hooks in the
// config's declared order (spec §4.7: "in declared order").
type Host struct {
	log      *logging.Logger
	registry map[string]Extension
	active   []*active
}

// NewHost returns a Host with the four built-ins registered.
func NewHost(log *logging.Logger) *Host {
	h := &Host{log: log, registry: make(map[string]Extension)}
	h.Register(NewLogSanitizer())
	h.Register(NewStartupScript())
	h.Register(NewValidation())
	h.Register(NewLogCollector())
	return h
}

// Register adds (or replaces) a built-in extension by name.
func (h *Host) Register(ext Extension) {
	h.registry[ext.Name()] = ext
}

// Get returns the registered extension instance by name, or nil if none
// is registered. Used by the Supervisor to reach built-in-specific
// methods (e.g. LogSanitizer.SetSecrets) that aren't part of the common
// Extension hook contract.
func (h *Host) Get(name string) Extension {
	return h.registry[name]
}

// Discover resolves doc.Extensions (in doc.ExtensionNames order) against
// the registry. Only built-ins are available; the module field is not
// read. An unknown name is logged and skipped, unless it is explicitly
// enabled, in which case Discover returns an error.
func (h *Host) Discover(doc *config.Document) error {
	h.active = nil
	for _, name := range doc.ExtensionNames() {
		cfg := doc.Extensions[name]
		ext, ok := h.registry[name]
		if !ok {
			if cfg.Enabled != nil && *cfg.Enabled {
				return fmt.Errorf("extension: %q is not a built-in and no external module loader is available", name)
			}
			h.log.Warnf("encab", "extension %q is unknown; skipping", name)
			continue
		}
		if !cfg.EnabledOr(ext.DefaultEnabled()) {
			continue
		}
		h.active = append(h.active, &active{
			ext:      ext,
			settings: cfg.Settings,
			explicit: cfg.Enabled != nil && *cfg.Enabled,
		})
	}
	return nil
}

// ValidateAll runs validate_extension for every active extension.
func (h *Host) ValidateAll() error {
	return h.runStage("validate_extension", func(a *active) error {
		return a.ext.ValidateExtension(a.settings)
	})
}

// ConfigureAll runs configure for every active extension.
func (h *Host) ConfigureAll() error {
	return h.runStage("configure", func(a *active) error {
		return a.ext.Configure(a.settings, h.log)
	})
}

// UpdateEnvironment runs update_environment for every active extension,
// threading the (possibly mutated) env through in order.
func (h *Host) UpdateEnvironment(env map[string]*string, programs map[string]config.ProgramConfig) (map[string]*string, error) {
	for _, a := range h.active {
		if a.disabled {
			continue
		}
		next, err := a.ext.UpdateEnvironment(env, programs)
		if !h.handleErr(a, "update_environment", err) {
			return nil, err
		}
		if err == nil {
			env = next
		}
	}
	return env, nil
}

// UpdateConfig runs update_config for every active extension, threading
// the (possibly mutated) document through in order.
func (h *Host) UpdateConfig(doc *config.Document) (*config.Document, error) {
	for _, a := range h.active {
		if a.disabled {
			continue
		}
		next, err := a.ext.UpdateConfig(doc)
		if !h.handleErr(a, "update_config", err) {
			return nil, err
		}
		if err == nil {
			doc = next
		}
	}
	return doc, nil
}

// ExtendAll runs extend for every active extension, registering any
// long-running tasks against handle.
func (h *Host) ExtendAll(handle Handle) error {
	return h.runStage("extend", func(a *active) error {
		return a.ext.Extend(handle)
	})
}

// Names returns the names of currently active (non-disabled) extensions,
// used by the Supervisor's dry-run "settings are valid" records.
func (h *Host) Names() []string {
	var out []string
	for _, a := range h.active {
		if !a.disabled {
			out = append(out, a.ext.Name())
		}
	}
	return out
}

func (h *Host) runStage(stage string, fn func(*active) error) error {
	for _, a := range h.active {
		if a.disabled {
			continue
		}
		err := fn(a)
		if !h.handleErr(a, stage, err) {
			return err
		}
	}
	return nil
}

// handleErr applies spec §4.7's failure severity rule: an explicitly
// enabled extension aborts startup on hook failure; a default-enabled
// one disables itself and logs a WARNING. Returns false when the error
// should propagate as a startup abort.
func (h *Host) handleErr(a *active, stage string, err error) bool {
	if err == nil {
		return true
	}
	if a.explicit {
		return false
	}
	a.disabled = true
	h.log.Warnf("encab", "extension %q: %s failed, disabling: %v", a.ext.Name(), stage, err)
	return true
}
