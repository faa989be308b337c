package extension

import (
	"path/filepath"
	"strings"

	"github.com/encab/encab/internal/config"
	"github.com/encab/encab/internal/logging"
)

// defaultSecretPatterns are the built-in glob patterns matched against
// environment variable names (spec §4.7: "*KEY*, *SECRET*, *PASSWORD*").
var defaultSecretPatterns = []string{"*KEY*", "*SECRET*", "*PASSWORD*"}

const maskedValue = "******"

// LogSanitizer masks substrings of log output equal to the value of any
// environment variable whose name matches a secret-like pattern.
type LogSanitizer struct {
	Base
	patterns []string
	log      *logging.Logger
}

// NewLogSanitizer returns a LogSanitizer configured with the built-in
// patterns; Configure may extend them via settings.patterns.
func NewLogSanitizer() *LogSanitizer {
	return &LogSanitizer{patterns: append([]string(nil), defaultSecretPatterns...)}
}

func (s *LogSanitizer) Name() string { return "log_sanitizer" }

func (s *LogSanitizer) ValidateExtension(settings map[string]any) error {
	_, err := extraPatterns(settings)
	return err
}

// Configure installs the mask on the shared Logger. It is the one hook
// that needs the environment, which is not yet built at configure time
// (spec §4.4 step 3 runs before step 4); the mask instead closes over
// process environment plus whatever ProgramConfig.Environment values are
// visible to it at call time via SetSecrets, invoked by the Supervisor
// right before spawning once the effective environment is known.
func (s *LogSanitizer) Configure(settings map[string]any, log *logging.Logger) error {
	extra, err := extraPatterns(settings)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, extra...)
	s.log = log
	return nil
}

// SetSecrets installs a Mask on the Logger that redacts the value of any
// environment variable whose name matches one of s.patterns. Called by
// the Supervisor before spawning, with the global environment merged with
// every program's own environment block (spec §8 scenario 5).
func (s *LogSanitizer) SetSecrets(effectiveEnv map[string]string) {
	if s.log == nil {
		return
	}
	var secrets []string
	for name, value := range effectiveEnv {
		if value == "" {
			continue
		}
		for _, pat := range s.patterns {
			if globMatch(pat, name) {
				secrets = append(secrets, value)
				break
			}
		}
	}
	if len(secrets) == 0 {
		s.log.SetMask(nil)
		return
	}
	s.log.SetMask(func(line string) string {
		for _, secret := range secrets {
			line = strings.ReplaceAll(line, secret, maskedValue)
		}
		return line
	})
}

func extraPatterns(settings map[string]any) ([]string, error) {
	raw, ok := settings["patterns"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &config.ValidationError{Scope: "extensions.log_sanitizer", Message: "patterns must be a list of strings"}
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, &config.ValidationError{Scope: "extensions.log_sanitizer", Message: "patterns must be a list of strings"}
		}
		out = append(out, s)
	}
	return out, nil
}

// globMatch reports whether name matches a '*'-wildcard pattern like
// "*SECRET*"; filepath.Match handles the single-wildcard glob syntax
// spec §4.7 uses.
func globMatch(pattern, name string) bool {
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}
