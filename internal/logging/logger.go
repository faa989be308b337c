// Package logging multiplexes per-program output into the single tagged
// log stream described in spec §4.1/§6: one writer, line-serialized
// records, a configurable "%-5.5s %s: %s" style format.
//
// Severity ordering and TTY detection reuse the same stack the teacher
// wires up through logport (rs/zerolog, mattn/go-isatty,
// mattn/go-colorable); the line formatter itself is hand-rolled because
// logformat is a literal positional format string, a contract none of
// zerolog's writers (JSON or ConsoleWriter's field-ordering) are built to
// honor directly — see DESIGN.md.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/encab/encab/internal/config"
)

// Record is one logical log line produced by the core or a child program.
type Record struct {
	Wall    time.Time
	Mono    time.Duration // elapsed since logger start, monotonic
	Program string
	Level   config.LogLevel
	Message string
}

func zerologLevel(l config.LogLevel) zerolog.Level {
	switch l {
	case config.LevelDebug:
		return zerolog.DebugLevel
	case config.LevelInfo, "":
		return zerolog.InfoLevel
	case config.LevelWarning:
		return zerolog.WarnLevel
	case config.LevelError:
		return zerolog.ErrorLevel
	case config.LevelCritical:
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

func levelTag(l config.LogLevel) string {
	if l == "" {
		return string(config.LevelInfo)
	}
	return string(l)
}

// Mask transforms a formatted message before it is written, used by the
// log_sanitizer extension to redact secrets. It must be safe to call
// concurrently.
type Mask func(line string) string

// Logger serializes Records from every task (Supervisor, Child Runners,
// extensions) onto one underlying writer. Per spec §5, the sink is mutated
// only via message send and drained by a single task.
type Logger struct {
	lineFormat string
	out        io.Writer
	color      bool
	start      time.Time

	records chan Record
	done    chan struct{}

	maskMu sync.RWMutex
	mask   Mask

	levelMu sync.RWMutex
	levels  map[string]zerolog.Level

	// diag is a structured zerolog logger for the rare case the core must
	// report a fatal error that cannot itself go through the line sink
	// (e.g. the sink's own writer has failed).
	diag zerolog.Logger
}

// New creates a Logger writing formatted lines to w (normally os.Stdout).
// format follows spec §6 ("%-5.5s %s: %s" style, tokens level/program/
// message in that order).
func New(w io.Writer, format string) *Logger {
	if format == "" {
		format = config.DefaultLogFormat
	}
	colorOut := w
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		colorOut = colorable.NewColorable(f)
	}
	l := &Logger{
		lineFormat: format,
		out:        colorOut,
		color:      useColor,
		start:      time.Now(),
		records:    make(chan Record, 256),
		done:       make(chan struct{}),
		levels:     make(map[string]zerolog.Level),
		diag:       zerolog.New(colorOut).With().Timestamp().Logger(),
	}
	go l.drain()
	return l
}

// Diag exposes the structured fallback logger for fatal supervisor errors
// that must be reported even if the record sink itself cannot be trusted.
func (l *Logger) Diag() *zerolog.Logger { return &l.diag }

// SetLevel configures the minimum severity emitted for a given program tag
// (the core's own records use the "encab" tag). Tags without a level set
// here default to INFO.
func (l *Logger) SetLevel(program string, level config.LogLevel) {
	l.levelMu.Lock()
	defer l.levelMu.Unlock()
	l.levels[program] = zerologLevel(level)
}

// SetMask installs (or clears, with nil) the log_sanitizer redaction hook.
func (l *Logger) SetMask(m Mask) {
	l.maskMu.Lock()
	defer l.maskMu.Unlock()
	l.mask = m
}

func (l *Logger) threshold(program string) zerolog.Level {
	l.levelMu.RLock()
	defer l.levelMu.RUnlock()
	if lvl, ok := l.levels[program]; ok {
		return lvl
	}
	return zerolog.InfoLevel
}

// Log enqueues one record for program at level with message. It never
// blocks the caller beyond the channel buffer; callers on a task's only
// suspension point (per §5) may rely on this being fire-and-forget until
// the buffer is full.
func (l *Logger) Log(program string, level config.LogLevel, message string) {
	if zerologLevel(level) < l.threshold(program) {
		return
	}
	l.records <- Record{
		Wall:    time.Now(),
		Mono:    time.Since(l.start),
		Program: program,
		Level:   level,
		Message: message,
	}
}

// Debugf/Infof/Warnf/Errorf/Criticalf are convenience wrappers tagging
// messages against a program name.
func (l *Logger) Debugf(program, format string, args ...any) {
	l.Log(program, config.LevelDebug, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(program, format string, args ...any) {
	l.Log(program, config.LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(program, format string, args ...any) {
	l.Log(program, config.LevelWarning, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(program, format string, args ...any) {
	l.Log(program, config.LevelError, fmt.Sprintf(format, args...))
}

func (l *Logger) Criticalf(program, format string, args ...any) {
	l.Log(program, config.LevelCritical, fmt.Sprintf(format, args...))
}

func (l *Logger) drain() {
	defer close(l.done)
	for rec := range l.records {
		line := l.format(rec)
		l.maskMu.RLock()
		mask := l.mask
		l.maskMu.RUnlock()
		if mask != nil {
			line = mask(line)
		}
		fmt.Fprintln(l.out, line)
	}
}

func (l *Logger) format(rec Record) string {
	// rec.Message is substituted as a %s argument, never re-parsed as a
	// format string, so a literal '%' in a child's output is safe as-is.
	return fmt.Sprintf(l.lineFormat, levelTag(rec.Level), rec.Program, rec.Message)
}

// Drain blocks until every record enqueued before the call has been
// written, then stops the sink. Call once, during final teardown.
func (l *Logger) Drain() {
	close(l.records)
	<-l.done
}
