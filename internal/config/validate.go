package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Validate checks the invariants of spec §3 ("Invariants") and returns all
// violations found; an empty slice means the document is valid. Validate
// does not mutate doc — call Normalize afterwards to obtain the resolved
// form used by the supervisor.
func (d *Document) Validate() []*ValidationError {
	var errs []*ValidationError

	if len(d.Programs) > 0 {
		if _, ok := d.Programs[MainProgramName]; !ok {
			errs = append(errs, &ValidationError{
				Scope:   "programs",
				Message: "no program named \"main\"; exactly one is required when programs is non-empty",
			})
		}
	}

	for name, p := range d.Programs {
		scope := "programs." + name
		if len(p.Command) > 0 && len(p.Sh) > 0 {
			errs = append(errs, &ValidationError{Scope: scope, Message: "command and sh are mutually exclusive"})
		}
		if len(p.Command) == 0 && len(p.Sh) == 0 && name != MainProgramName {
			errs = append(errs, &ValidationError{Scope: scope, Message: "must set either command or sh"})
		}
		if p.StartupDelay < 0 {
			errs = append(errs, &ValidationError{Scope: scope, Message: "startup_delay must be non-negative"})
		}
		if p.JoinTime != nil && *p.JoinTime < 0 {
			errs = append(errs, &ValidationError{Scope: scope, Message: "join_time must be non-negative"})
		}
		if p.RestartDelay != nil {
			if *p.RestartDelay < 0 {
				errs = append(errs, &ValidationError{Scope: scope, Message: "restart_delay must be non-negative"})
			}
			if name == MainProgramName {
				errs = append(errs, &ValidationError{Scope: scope, Message: "restart_delay is not valid on main"})
			}
		}
		if !p.LogLevel.valid() {
			errs = append(errs, &ValidationError{Scope: scope, Message: fmt.Sprintf("invalid loglevel %q", p.LogLevel)})
		}
		if _, err := ParseUmask(p.Umask); err != nil {
			errs = append(errs, &ValidationError{Scope: scope, Message: err.Error()})
		}
	}

	if !d.Encab.LogLevel.valid() {
		errs = append(errs, &ValidationError{Scope: "encab", Message: fmt.Sprintf("invalid loglevel %q", d.Encab.LogLevel)})
	}
	if _, err := ParseUmask(d.Encab.Umask); err != nil {
		errs = append(errs, &ValidationError{Scope: "encab", Message: err.Error()})
	}

	return errs
}

// Normalize returns an equivalent document in canonical form: map-ordered
// program names sorted into ProgramOrder when absent (e.g. a
// programmatically constructed Document), and Common defaults copied down
// is intentionally *not* performed here — layering happens in envbuild so
// that re-normalizing an already-normalized document is a no-op (the
// round-trip law of spec §8).
func (d *Document) Normalize() *Document {
	out := *d
	if len(out.ProgramOrder) == 0 && len(out.Programs) > 0 {
		names := make([]string, 0, len(out.Programs))
		for name := range out.Programs {
			names = append(names, name)
		}
		// Deterministic fallback ordering: main last is wrong (main is
		// handled separately by the supervisor), so plain lexical order of
		// whatever names exist is the best available canonical form absent
		// declaration order.
		sortStrings(names)
		out.ProgramOrder = names
	}
	programs := make(map[string]ProgramConfig, len(out.Programs))
	for name, p := range out.Programs {
		p.Name = name
		programs[name] = p
	}
	out.Programs = programs

	if len(out.ExtensionOrder) == 0 && len(out.Extensions) > 0 {
		names := make([]string, 0, len(out.Extensions))
		for name := range out.Extensions {
			names = append(names, name)
		}
		sortStrings(names)
		out.ExtensionOrder = names
	}
	return &out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// ParseUmask accepts an octal integer string ("022"), a "0o"/"0"-prefixed
// octal literal, or nil (meaning inherit) and returns the numeric umask.
func ParseUmask(raw *string) (*int, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	s := strings.TrimSpace(*raw)
	s = strings.TrimPrefix(s, "0o")
	s = strings.TrimPrefix(s, "0O")
	v, err := strconv.ParseInt(s, 8, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid umask %q: %w", *raw, err)
	}
	if v < 0 || v > 0o777 {
		return nil, fmt.Errorf("umask %q out of range 0..0o777", *raw)
	}
	iv := int(v)
	return &iv, nil
}

// HelperNames returns all non-main program names in declared order.
func (d *Document) HelperNames() []string {
	order := d.ProgramOrder
	if len(order) == 0 {
		order = make([]string, 0, len(d.Programs))
		for name := range d.Programs {
			order = append(order, name)
		}
		sortStrings(order)
	}
	out := make([]string, 0, len(order))
	for _, name := range order {
		if name != MainProgramName {
			out = append(out, name)
		}
	}
	return out
}

// ExtensionNames returns all extension names in declared order.
func (d *Document) ExtensionNames() []string {
	order := d.ExtensionOrder
	if len(order) == 0 {
		order = make([]string, 0, len(d.Extensions))
		for name := range d.Extensions {
			order = append(order, name)
		}
		sortStrings(order)
	}
	return order
}
