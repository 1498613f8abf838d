package process

import (
	"strings"
	"testing"
)

func TestOutputBufferKeepsNewest(t *testing.T) {
	b := NewOutputBuffer(3)
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		b.Add(Line{Source: SourceStdout, Text: text})
	}

	lines := b.Lines()
	if len(lines) != 3 || lines[0].Text != "c" || lines[2].Text != "e" {
		t.Fatalf("Lines = %v, want c,d,e", lines)
	}
	if b.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", b.Dropped())
	}
	if s := b.String(); !strings.HasPrefix(s, "... 2 earlier lines omitted\n[stdout] c\n") {
		t.Errorf("String = %q", s)
	}
}

func TestOutputBufferEmpty(t *testing.T) {
	b := NewOutputBuffer(0)
	if len(b.Lines()) != 0 || b.String() != "" {
		t.Errorf("empty buffer rendered %q", b.String())
	}
}

func TestLineWriter(t *testing.T) {
	var got []string
	w := &lineWriter{source: SourceStderr, emit: func(_, text string) { got = append(got, text) }}

	w.Write([]byte("Loading mo"))
	w.Write([]byte("del\r\nInitializing\n\nServer"))
	if len(got) != 3 {
		t.Fatalf("before flush got %q", got)
	}
	w.flush()

	want := []string{"Loading model", "Initializing", "", "Server"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLineWriterSplitsLongLines(t *testing.T) {
	var got []string
	w := &lineWriter{source: SourceStdout, emit: func(_, text string) { got = append(got, text) }}

	w.Write([]byte(strings.Repeat("x", maxLineBytes+10)))
	w.flush()

	if len(got) != 2 || len(got[0]) != maxLineBytes || len(got[1]) != 10 {
		t.Errorf("split into %d chunks", len(got))
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{"python api/server.py", []string{"python", "api/server.py"}, false},
		{`  ollama   pull "artifish/llama3.2-uncensored" `, []string{"ollama", "pull", "artifish/llama3.2-uncensored"}, false},
		{`sh -c 'echo "hi there"'`, []string{"sh", "-c", `echo "hi there"`}, false},
		{`path\ with\ spaces/python -u`, []string{"path with spaces/python", "-u"}, false},
		{`echo ""`, []string{"echo", ""}, false},
		{"", nil, false},
		{`echo "unterminated`, nil, true},
		{`echo \`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCommand(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if strings.Join(got, "\x00") != strings.Join(tt.want, "\x00") || len(got) != len(tt.want) {
				t.Errorf("ParseCommand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSpecFromCommandLine(t *testing.T) {
	spec, err := SpecFromCommandLine("modelserver", "python3 -u api/server.py")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Command != "python3" || len(spec.Args) != 2 || spec.ID != "modelserver" {
		t.Errorf("spec = %+v", spec)
	}
	if _, err := SpecFromCommandLine("x", "   "); err == nil {
		t.Error("blank command line should fail")
	}
}
