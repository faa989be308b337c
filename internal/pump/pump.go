// Package pump implements the Log Pump of spec §4.1: it reads one child
// descriptor and turns its byte stream into line-delimited log records,
// handling partial final lines, oversized lines, and non-UTF-8 input.
package pump

import (
	"bufio"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/encab/encab/internal/config"
)

// MaxLineBytes is the implementation-defined cap on a single logical line
// (spec §4.1 requires at least 64 KiB); lines longer than this are split,
// with the continuation treated as part of the same record stream.
const MaxLineBytes = 64 * 1024

// Sink receives each decoded line. Emit must not block for long: the Pump
// is one of the suspension points enumerated in spec §5 and must not hold
// state across a blocking sink call.
type Sink interface {
	Emit(program string, level config.LogLevel, line string)
}

// Pump reads r line-by-line, tagging every record with program and level,
// until r returns EOF or a read error.
type Pump struct {
	program string
	level   config.LogLevel
	sink    Sink
}

// New returns a Pump that will tag emitted records with program/level and
// forward them to sink.
func New(program string, level config.LogLevel, sink Sink) *Pump {
	return &Pump{program: program, level: level, sink: sink}
}

// Run reads from r until EOF or error, splitting on '\n'. A read error
// other than EOF is reported through errSink (normally the Logger, at
// ERROR) and then the pump returns; per spec §4.1 this is a log-loss
// event, not treated as a child failure by the caller.
func (p *Pump) Run(r io.Reader, errSink Sink) {
	br := bufio.NewReaderSize(r, 4096)
	var pending []byte

	for {
		chunk, err := br.ReadBytes('\n')
		complete := len(chunk) > 0 && chunk[len(chunk)-1] == '\n'
		if complete {
			chunk = chunk[:len(chunk)-1]
		}
		pending = append(pending, chunk...)

		// Split off full-cap chunks as they accumulate, even mid-line,
		// so an unterminated stream can't grow pending without bound.
		for len(pending) > MaxLineBytes {
			p.emit(pending[:MaxLineBytes])
			pending = pending[MaxLineBytes:]
		}
		if complete && len(pending) > 0 {
			p.emit(pending)
			pending = pending[:0]
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				// Writer end closed: any buffered partial line is flushed
				// as a final record (spec §4.1 edge case).
				if len(pending) > 0 {
					p.emit(pending)
				}
				return
			}
			if errSink != nil {
				errSink.Emit(p.program, config.LevelError, "log pump read error: "+err.Error())
			}
			return
		}
	}
}

func (p *Pump) emit(line []byte) {
	p.sink.Emit(p.program, p.level, decode(line))
}

// decode converts raw bytes to a UTF-8 string, substituting
// utf8.RuneError for invalid sequences rather than dropping input (spec
// §4.1: "Non-UTF-8 bytes are decoded with replacement; no input is
// dropped").
func decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}
