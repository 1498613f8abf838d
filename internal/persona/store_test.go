package persona

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writePersona(t *testing.T, dir, file, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListAndGet(t *testing.T) {
	dir := t.TempDir()
	writePersona(t, dir, "Sherlock.chr", "You are Sherlock Holmes.\n")
	writePersona(t, dir, "ada.chr", "You are Ada Lovelace.")
	writePersona(t, dir, "notes.txt", "ignored")
	if err := os.Mkdir(filepath.Join(dir, "sub.chr"), 0o755); err != nil {
		t.Fatal(err)
	}

	s := NewStore(dir)
	names, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "ada" || names[1] != "Sherlock" {
		t.Errorf("List = %v", names)
	}

	p, err := s.Get("Sherlock.chr")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "Sherlock" || p.Prompt != "You are Sherlock Holmes." {
		t.Errorf("Get = %+v", p)
	}
}

func TestDefaultPersona(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing"))

	names, err := s.List()
	if err != nil || len(names) != 1 || names[0] != DefaultName {
		t.Errorf("List = %v, %v", names, err)
	}
	p, err := s.Get(DefaultName)
	if err != nil || p.Prompt != DefaultPrompt {
		t.Errorf("Get default = %+v, %v", p, err)
	}
}

func TestGetErrors(t *testing.T) {
	dir := t.TempDir()
	writePersona(t, dir, "blank.chr", "   \n")
	s := NewStore(dir)

	if _, err := s.Get("nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing persona err = %v", err)
	}
	for _, bad := range []string{"", "..", "../etc/passwd", `a\b`} {
		if _, err := s.Get(bad); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Get(%q) err = %v, want ErrInvalidName", bad, err)
		}
	}
	if p, err := s.Get("blank"); err != nil || p.Prompt != DefaultPrompt {
		t.Errorf("blank persona = %+v, %v", p, err)
	}
}
