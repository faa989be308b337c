package extension

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/encab/encab/internal/config"
	"github.com/encab/encab/internal/logging"
)

// sourceSpec is one configured log_collector source (spec §4.7).
type sourceSpec struct {
	Name        string
	PathPattern string
	Level       config.LogLevel
	PollEvery   time.Duration
}

// LogCollector implements spec §4.7's log_collector built-in: tails one
// or more files (by literal path or a "%(VAR)e"/"%(fmt)d"-substituted
// pattern re-evaluated each poll) and emits each line through the
// Logger under the source's name.
type LogCollector struct {
	Base
	sources []sourceSpec
	env     map[string]string
}

func NewLogCollector() *LogCollector { return &LogCollector{} }

func (c *LogCollector) Name() string        { return "log_collector" }
func (c *LogCollector) DefaultEnabled() bool { return false }

func (c *LogCollector) ValidateExtension(settings map[string]any) error {
	_, err := parseSources(settings)
	return err
}

func (c *LogCollector) Configure(settings map[string]any, _ *logging.Logger) error {
	sources, err := parseSources(settings)
	if err != nil {
		return err
	}
	c.sources = sources
	return nil
}

func (c *LogCollector) UpdateEnvironment(env map[string]*string, _ map[string]config.ProgramConfig) (map[string]*string, error) {
	c.env = make(map[string]string, len(env))
	for k, v := range env {
		if v != nil {
			c.env[k] = *v
		}
	}
	return env, nil
}

// Extend starts one tailer goroutine per configured source, each using
// fsnotify to wake on writes/renames/creates of the resolved path
// (grounded on the pack's log_collector dependency,
// github.com/fsnotify/fsnotify, per SPEC_FULL.md's DOMAIN STACK table).
func (c *LogCollector) Extend(h Handle) error {
	for _, src := range c.sources {
		go tailSource(src, c.env, h)
	}
	return nil
}

func tailSource(src sourceSpec, env map[string]string, h Handle) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		h.Logger().Errorf("encab", "log_collector[%s]: cannot start watcher: %v", src.Name, err)
		return
	}
	defer watcher.Close()

	var f *os.File
	var reader *bufio.Reader
	var lastPath string

	poll := func() {
		path := resolvePattern(src.PathPattern, env)
		if path != lastPath {
			if f != nil {
				f.Close()
				watcher.Remove(lastPath)
			}
			f, err = os.Open(path)
			if err != nil {
				return
			}
			f.Seek(0, io.SeekEnd)
			reader = bufio.NewReader(f)
			_ = watcher.Add(path)
			lastPath = path
		}
		if reader == nil {
			return
		}
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				h.Logger().Log(src.Name, src.Level, strings.TrimSuffix(line, "\n"))
			}
			if err != nil {
				break
			}
		}
	}

	interval := src.PollEvery
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.Done():
			return
		case <-ticker.C:
			poll()
		case <-watcher.Events:
			poll()
		case err := <-watcher.Errors:
			if err != nil {
				h.Logger().Errorf("encab", "log_collector[%s]: %v", src.Name, err)
			}
		}
	}
}

var varRefPattern = regexp.MustCompile(`%\(([A-Za-z_][A-Za-z0-9_]*)\)e`)
var strftimeRefPattern = regexp.MustCompile(`%\(([^)]*)\)d`)

// resolvePattern substitutes "%(VAR)e" with env[VAR] and "%(fmt)d" with
// time.Now() formatted per a Go reference-time layout, re-evaluated on
// every poll (spec §4.7).
func resolvePattern(pattern string, env map[string]string) string {
	out := varRefPattern.ReplaceAllStringFunc(pattern, func(m string) string {
		name := varRefPattern.FindStringSubmatch(m)[1]
		return env[name]
	})
	out = strftimeRefPattern.ReplaceAllStringFunc(out, func(m string) string {
		layout := strftimeRefPattern.FindStringSubmatch(m)[1]
		return time.Now().Format(layout)
	})
	return filepath.Clean(out)
}

func parseSources(settings map[string]any) ([]sourceSpec, error) {
	raw, ok := settings["sources"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, scopeErrCollector("sources must be a list")
	}
	out := make([]sourceSpec, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, scopeErrCollector("each source entry must be a mapping")
		}
		spec := sourceSpec{Level: config.LevelInfo}
		if name, ok := m["name"].(string); ok {
			spec.Name = name
		} else {
			return nil, scopeErrCollector("source entry missing name")
		}
		if p, ok := m["path_pattern"].(string); ok {
			spec.PathPattern = p
		} else {
			return nil, scopeErrCollector(fmt.Sprintf("source %s missing path_pattern", spec.Name))
		}
		if lvl, ok := m["loglevel"].(string); ok {
			spec.Level = config.LogLevel(lvl)
		}
		out = append(out, spec)
	}
	return out, nil
}

func scopeErrCollector(msg string) error {
	return &config.ValidationError{Scope: "extensions.log_collector", Message: msg}
}
