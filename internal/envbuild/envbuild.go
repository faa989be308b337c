// Package envbuild composes the effective environment for each program,
// applying the precedence rule of spec §3:
//
//	process environment -> EncabConfig.environment -> extension-provided
//	environment -> ProgramConfig.environment -> CLI override (main only)
package envbuild

import (
	"fmt"
	"sort"
)

// Layer is one named environment overlay in precedence order, lowest
// first. nil values in a layer remove a variable from the accumulated
// result (spec §4.8: "nil values remove a variable").
type Layer struct {
	Name string
	Vars map[string]*string
}

// Build folds layers in order (later layers win) and stringifies every
// surviving value, returning a deterministic []string suitable for
// exec.Cmd.Env.
func Build(layers ...Layer) []string {
	merged := merge(layers...)
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

// BuildMap is Build without stringification to a slice, useful for
// extensions that need to keep editing the result.
func BuildMap(layers ...Layer) map[string]string {
	return merge(layers...)
}

func merge(layers ...Layer) map[string]string {
	acc := make(map[string]string)
	for _, l := range layers {
		for k, v := range l.Vars {
			if v == nil {
				delete(acc, k)
				continue
			}
			acc[k] = *v
		}
	}
	return acc
}

// ProcessLayer wraps os.Environ()-style "K=V" pairs as the lowest-priority
// layer.
func ProcessLayer(environ []string) Layer {
	vars := make(map[string]*string, len(environ))
	for _, kv := range environ {
		k, v := splitKV(kv)
		val := v
		vars[k] = &val
	}
	return Layer{Name: "process", Vars: vars}
}

func splitKV(kv string) (string, string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}

// ConfigLayer converts a config.Common's Environment map (already
// *string, nil meaning remove) into a Layer.
func ConfigLayer(name string, env map[string]*string) Layer {
	return Layer{Name: name, Vars: env}
}

// CLILayer builds the highest-priority override layer applied only to
// main, one variable per "K=V" string; used for parity with the other
// layer constructors even though the CLI override in spec §6 is
// argv-only — kept for extensions that synthesize equivalent overrides.
func CLILayer(kv []string) Layer {
	vars := make(map[string]*string, len(kv))
	for _, pair := range kv {
		k, v := splitKV(pair)
		val := v
		vars[k] = &val
	}
	return Layer{Name: "cli", Vars: vars}
}

// ForProgram computes the effective environment for one program given the
// process environment, the EncabConfig-level defaults, any
// extension-contributed environment (already merged across extensions in
// host invocation order), and the program's own environment block.
func ForProgram(processEnv []string, encabEnv map[string]*string, extEnv map[string]*string, programEnv map[string]*string) []string {
	return Build(
		ProcessLayer(processEnv),
		ConfigLayer("encab", encabEnv),
		ConfigLayer("extension", extEnv),
		ConfigLayer("program", programEnv),
	)
}
