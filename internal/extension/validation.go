package extension

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/encab/encab/internal/config"
	"github.com/encab/encab/internal/logging"
)

// varConstraint is one declared variable constraint from the validation
// extension's settings (spec §4.7).
type varConstraint struct {
	Name      string
	Required  bool
	Format    string // "string" (default), "float", "int"
	Default   *string
	MinLength *int
	MaxLength *int
	MinValue  *float64
	MaxValue  *float64
	Regex     *regexp.Regexp
	Program   string   // optional: scope to one program
	Programs  []string // optional: scope to a set of programs
}

// Validation implements spec §4.7's validation built-in: checks declared
// environment variables against constraints before the gated programs
// spawn.
type Validation struct {
	Base
	constraints []varConstraint
}

func NewValidation() *Validation { return &Validation{} }

func (v *Validation) Name() string        { return "validation" }
func (v *Validation) DefaultEnabled() bool { return true }

func (v *Validation) ValidateExtension(settings map[string]any) error {
	_, err := parseConstraints(settings)
	return err
}

// Configure parses the declared constraints once; UpdateEnvironment
// applies them once the effective environment is known.
func (v *Validation) Configure(settings map[string]any, _ *logging.Logger) error {
	constraints, err := parseConstraints(settings)
	if err != nil {
		return err
	}
	v.constraints = constraints
	return nil
}

// UpdateEnvironment checks every declared constraint against the
// accumulated environment, applying declared defaults and rejecting
// startup (spec §4.7: "Failures abort startup before spawning the gated
// programs") on the first violation.
func (v *Validation) UpdateEnvironment(env map[string]*string, programs map[string]config.ProgramConfig) (map[string]*string, error) {
	for _, c := range v.constraints {
		if err := checkConstraint(c, env, programs); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// checkConstraint applies c's declared default to the shared global layer
// (the only layer this hook can mutate), then checks the constraint. An
// unscoped constraint (no program/programs) checks the global value
// directly; a scoped one checks the *effective* value seen by each named
// program — global overridden by that program's own Environment, per
// envbuild's layering — since a program's own environment can satisfy (or
// violate) a constraint the global layer alone does not.
func checkConstraint(c varConstraint, env map[string]*string, programs map[string]config.ProgramConfig) error {
	if _, present := env[c.Name]; !present && c.Default != nil {
		d := *c.Default
		env[c.Name] = &d
	}

	scope := constraintScope(c)
	if len(scope) == 0 {
		str, present := effectiveValue(c.Name, env, nil)
		return checkValue(c, str, present)
	}
	for _, name := range scope {
		pc, ok := programs[name]
		if !ok {
			continue
		}
		str, present := effectiveValue(c.Name, env, &pc)
		if err := checkValue(c, str, present); err != nil {
			return fmt.Errorf("validation: program %q: %w", name, err)
		}
	}
	return nil
}

// constraintScope returns the program names c is scoped to, or nil if c
// applies globally (spec §4.7: "scoped by optional program/programs").
func constraintScope(c varConstraint) []string {
	if c.Program == "" && len(c.Programs) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.Programs)+1)
	if c.Program != "" {
		names = append(names, c.Program)
	}
	names = append(names, c.Programs...)
	return names
}

// effectiveValue resolves name the way envbuild would for program pc:
// pc's own Environment overrides the global layer (nil in pc.Environment
// means explicitly unset, per envbuild's nil-removes semantics); pc == nil
// means "global layer only".
func effectiveValue(name string, global map[string]*string, pc *config.ProgramConfig) (string, bool) {
	if pc != nil {
		if v, ok := pc.Environment[name]; ok {
			if v == nil {
				return "", false
			}
			return *v, true
		}
	}
	v, ok := global[name]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

func checkValue(c varConstraint, str string, present bool) error {
	if !present {
		if c.Required {
			return fmt.Errorf("validation: %s is required but not set", c.Name)
		}
		return nil
	}

	if c.MinLength != nil && len(str) < *c.MinLength {
		return fmt.Errorf("validation: %s shorter than min_length %d", c.Name, *c.MinLength)
	}
	if c.MaxLength != nil && len(str) > *c.MaxLength {
		return fmt.Errorf("validation: %s longer than max_length %d", c.Name, *c.MaxLength)
	}
	if c.Regex != nil && !c.Regex.MatchString(str) {
		return fmt.Errorf("validation: %s does not match required pattern", c.Name)
	}

	switch c.Format {
	case "int":
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return fmt.Errorf("validation: %s is not an int: %v", c.Name, err)
		}
		if err := checkRange(c, float64(n)); err != nil {
			return err
		}
	case "float":
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return fmt.Errorf("validation: %s is not a float: %v", c.Name, err)
		}
		if err := checkRange(c, f); err != nil {
			return err
		}
	}
	return nil
}

func checkRange(c varConstraint, v float64) error {
	if c.MinValue != nil && v < *c.MinValue {
		return fmt.Errorf("validation: %s below min_value %v", c.Name, *c.MinValue)
	}
	if c.MaxValue != nil && v > *c.MaxValue {
		return fmt.Errorf("validation: %s above max_value %v", c.Name, *c.MaxValue)
	}
	return nil
}

func parseConstraints(settings map[string]any) ([]varConstraint, error) {
	raw, ok := settings["variables"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, scopeErrValidation("variables must be a list")
	}
	out := make([]varConstraint, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, scopeErrValidation("each variable entry must be a mapping")
		}
		c := varConstraint{Format: "string"}
		if name, ok := m["name"].(string); ok {
			c.Name = name
		} else {
			return nil, scopeErrValidation("variable entry missing name")
		}
		if b, ok := m["required"].(bool); ok {
			c.Required = b
		}
		if f, ok := m["format"].(string); ok {
			c.Format = f
		}
		if d, ok := m["default"].(string); ok {
			c.Default = &d
		}
		if n, ok := intField(m["min_length"]); ok {
			c.MinLength = &n
		}
		if n, ok := intField(m["max_length"]); ok {
			c.MaxLength = &n
		}
		if f, ok := floatField(m["min_value"]); ok {
			c.MinValue = &f
		}
		if f, ok := floatField(m["max_value"]); ok {
			c.MaxValue = &f
		}
		if pat, ok := m["regex"].(string); ok {
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, scopeErrValidation(fmt.Sprintf("invalid regex for %s: %v", c.Name, err))
			}
			c.Regex = re
		}
		if p, ok := m["program"].(string); ok {
			c.Program = p
		}
		if raw, ok := m["programs"]; ok {
			list2, ok := raw.([]any)
			if !ok {
				return nil, scopeErrValidation(fmt.Sprintf("%s: programs must be a list of strings", c.Name))
			}
			for _, v := range list2 {
				s, ok := v.(string)
				if !ok {
					return nil, scopeErrValidation(fmt.Sprintf("%s: programs must be a list of strings", c.Name))
				}
				c.Programs = append(c.Programs, s)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func intField(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func floatField(raw any) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func scopeErrValidation(msg string) error {
	return &config.ValidationError{Scope: "extensions.validation", Message: msg}
}
