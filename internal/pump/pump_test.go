package pump

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/encab/encab/internal/config"
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Emit(program string, level config.LogLevel, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func TestPumpSplitsOnNewline(t *testing.T) {
	sink := &recordingSink{}
	p := New("main", config.LevelInfo, sink)
	p.Run(strings.NewReader("one\ntwo\nthree\n"), nil)

	want := []string{"one", "two", "three"}
	if len(sink.lines) != len(want) {
		t.Fatalf("got %v, want %v", sink.lines, want)
	}
	for i := range want {
		if sink.lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, sink.lines[i], want[i])
		}
	}
}

func TestPumpFlushesUnterminatedFinalLine(t *testing.T) {
	sink := &recordingSink{}
	p := New("main", config.LevelInfo, sink)
	p.Run(strings.NewReader("complete\nno newline at end"), nil)

	want := []string{"complete", "no newline at end"}
	if len(sink.lines) != len(want) || sink.lines[1] != want[1] {
		t.Fatalf("got %v, want %v", sink.lines, want)
	}
}

func TestPumpSplitsOversizedLine(t *testing.T) {
	sink := &recordingSink{}
	p := New("main", config.LevelInfo, sink)
	long := strings.Repeat("a", MaxLineBytes+100)
	p.Run(strings.NewReader(long+"\n"), nil)

	if len(sink.lines) != 2 {
		t.Fatalf("expected 2 records from an oversized line, got %d", len(sink.lines))
	}
	if len(sink.lines[0]) != MaxLineBytes {
		t.Fatalf("first chunk len = %d, want %d", len(sink.lines[0]), MaxLineBytes)
	}
	if len(sink.lines[1]) != 100 {
		t.Fatalf("second chunk len = %d, want 100", len(sink.lines[1]))
	}
}

func TestPumpReplacesInvalidUTF8(t *testing.T) {
	sink := &recordingSink{}
	p := New("main", config.LevelInfo, sink)
	p.Run(bytes.NewReader([]byte{'o', 'k', 0xff, 0xfe, '\n'}), nil)

	if len(sink.lines) != 1 {
		t.Fatalf("expected 1 record, got %d", len(sink.lines))
	}
	if !strings.Contains(sink.lines[0], "ok") {
		t.Fatalf("expected valid prefix preserved, got %q", sink.lines[0])
	}
	if strings.Contains(sink.lines[0], "\xff") {
		t.Fatalf("expected invalid bytes to be replaced, got %q", sink.lines[0])
	}
}

func TestPumpReadErrorReportsToErrSink(t *testing.T) {
	sink := &recordingSink{}
	errSink := &recordingSink{}
	p := New("main", config.LevelInfo, sink)
	p.Run(&failingReader{failAfter: 1}, errSink)

	if len(errSink.lines) != 1 {
		t.Fatalf("expected one error record, got %v", errSink.lines)
	}
}

type failingReader struct {
	failAfter int
	reads     int
}

func (f *failingReader) Read(p []byte) (int, error) {
	f.reads++
	if f.reads > f.failAfter {
		return 0, errIntentional
	}
	n := copy(p, []byte("partial"))
	return n, nil
}

var errIntentional = errIntentionalType{}

type errIntentionalType struct{}

func (errIntentionalType) Error() string { return "intentional read failure" }
