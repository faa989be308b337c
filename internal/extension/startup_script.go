package extension

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"

	"github.com/encab/encab/internal/config"
	"github.com/encab/encab/internal/dotenv"
	"github.com/encab/encab/internal/logging"
)

// StartupScript implements spec §4.7's startup_script built-in: load a
// dotenv file, run shell snippets capturing their stdout as further
// dotenv lines, then run plain shell snippets for side effects only —
// each step inheriting the accumulated environment.
type StartupScript struct {
	Base
	log     *logging.Logger
	built   map[string]*string
	loadenv string
	buildenv []string
	sh       []string
}

func NewStartupScript() *StartupScript { return &StartupScript{} }

func (s *StartupScript) Name() string { return "startup_script" }

func (s *StartupScript) DefaultEnabled() bool { return false }

func (s *StartupScript) ValidateExtension(settings map[string]any) error {
	_, _, _, err := parseStartupSettings(settings)
	return err
}

func (s *StartupScript) Configure(settings map[string]any, log *logging.Logger) error {
	loadenv, buildenv, sh, err := parseStartupSettings(settings)
	if err != nil {
		return err
	}
	s.loadenv, s.buildenv, s.sh, s.log = loadenv, buildenv, sh, log
	return nil
}

// UpdateEnvironment runs the three steps and returns the resulting
// variables merged over env, per the precedence rule of spec §3 (an
// extension-provided layer sits below ProgramConfig.environment).
func (s *StartupScript) UpdateEnvironment(env map[string]*string, _ map[string]config.ProgramConfig) (map[string]*string, error) {
	acc := cloneEnv(env)

	if s.loadenv != "" {
		f, err := os.Open(s.loadenv)
		if err != nil {
			return nil, fmt.Errorf("startup_script: loadenv %s: %w", s.loadenv, err)
		}
		kvs, err := dotenv.Parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("startup_script: loadenv %s: %w", s.loadenv, err)
		}
		applyKVs(acc, kvs)
	}

	for i, snippet := range s.buildenv {
		out, err := runShell(snippet, flattenEnv(acc))
		if err != nil {
			return nil, fmt.Errorf("startup_script: buildenv[%d]: %w", i, err)
		}
		kvs, err := dotenv.Parse(bytes.NewReader(out))
		if err != nil {
			return nil, fmt.Errorf("startup_script: buildenv[%d] output: %w", i, err)
		}
		applyKVs(acc, kvs)
	}

	for i, snippet := range s.sh {
		if _, err := runShell(snippet, flattenEnv(acc)); err != nil {
			return nil, fmt.Errorf("startup_script: sh[%d]: %w", i, err)
		}
	}

	s.built = acc
	return acc, nil
}

func parseStartupSettings(settings map[string]any) (loadenv string, buildenv, sh []string, err error) {
	if v, ok := settings["loadenv"]; ok {
		loadenv, ok = v.(string)
		if !ok {
			return "", nil, nil, scopeErr("loadenv must be a string")
		}
	}
	if buildenv, err = stringList(settings["buildenv"]); err != nil {
		return "", nil, nil, err
	}
	if sh, err = stringList(settings["sh"]); err != nil {
		return "", nil, nil, err
	}
	return loadenv, buildenv, sh, nil
}

func stringList(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, scopeErr("expected a list of strings")
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, scopeErr("expected a list of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func scopeErr(msg string) error {
	return &config.ValidationError{Scope: "extensions.startup_script", Message: msg}
}

func cloneEnv(env map[string]*string) map[string]*string {
	out := make(map[string]*string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func applyKVs(acc map[string]*string, kvs []dotenv.KV) {
	for _, kv := range kvs {
		val := kv.Value
		acc[kv.Key] = &val
	}
}

func flattenEnv(acc map[string]*string) []string {
	out := make([]string, 0, len(acc))
	for k, v := range acc {
		if v == nil {
			continue
		}
		out = append(out, k+"="+*v)
	}
	return out
}

// runShell runs one shell snippet with env and returns its captured
// stdout.
func runShell(snippet string, env []string) ([]byte, error) {
	cmd := exec.Command("/bin/sh", "-c", snippet)
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, out.String())
	}
	return out.Bytes(), nil
}
