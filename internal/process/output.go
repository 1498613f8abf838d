package process

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Output sources.
const (
	SourceStdout = "stdout"
	SourceStderr = "stderr"
)

// maxLineBytes splits pathological lines (progress bars without newlines)
// so a single write cannot grow memory without bound.
const maxLineBytes = 64 * 1024

// Line is one captured line of process output.
type Line struct {
	Source string    `json:"source"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// OutputHandler receives output lines from the subprocess.
type OutputHandler interface {
	HandleLine(source, line string)
}

// OutputHandlerFunc adapts a function to OutputHandler.
type OutputHandlerFunc func(source, line string)

func (f OutputHandlerFunc) HandleLine(source, line string) { f(source, line) }

// OutputBuffer keeps the most recent lines of output.
type OutputBuffer struct {
	mu    sync.RWMutex
	lines []Line
	head  int
	count int
	total int
}

// NewOutputBuffer creates a ring keeping the last size lines.
func NewOutputBuffer(size int) *OutputBuffer {
	if size < 1 {
		size = 1
	}
	return &OutputBuffer{lines: make([]Line, size)}
}

// Add appends line, dropping the oldest when full.
func (b *OutputBuffer) Add(line Line) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines[b.head] = line
	b.head = (b.head + 1) % len(b.lines)
	if b.count < len(b.lines) {
		b.count++
	}
	b.total++
}

// Lines returns the retained lines, oldest first.
func (b *OutputBuffer) Lines() []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Line, b.count)
	start := (b.head - b.count + len(b.lines)) % len(b.lines)
	for i := range b.count {
		out[i] = b.lines[(start+i)%len(b.lines)]
	}
	return out
}

// Dropped is how many lines were evicted to stay within capacity.
func (b *OutputBuffer) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total - b.count
}

// String renders retained lines as "[stderr] text" rows for failure
// reports.
func (b *OutputBuffer) String() string {
	lines := b.Lines()
	var sb strings.Builder
	if dropped := b.Dropped(); dropped > 0 {
		sb.WriteString("... ")
		sb.WriteString(strconv.Itoa(dropped))
		sb.WriteString(" earlier lines omitted\n")
	}
	for _, l := range lines {
		sb.WriteString("[")
		sb.WriteString(l.Source)
		sb.WriteString("] ")
		sb.WriteString(l.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// lineWriter splits a byte stream into lines. exec.Cmd drives each
// instance from a single copying goroutine.
type lineWriter struct {
	source string
	emit   func(source, text string)
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.source, strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLineBytes {
		w.emit(w.source, string(w.buf[:maxLineBytes]))
		w.buf = w.buf[maxLineBytes:]
	}
	return len(p), nil
}

// flush emits a trailing line that had no newline.
func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(w.source, strings.TrimRight(string(w.buf), "\r"))
		w.buf = nil
	}
}
