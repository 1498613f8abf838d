// Package persona reads persona system prompts from a directory of
// <name>.chr files.
package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	Extension     = ".chr"
	DefaultName   = "ALTER EGO"
	DefaultPrompt = "You are a program called ALTER EGO."
)

var (
	ErrNotFound    = errors.New("persona not found")
	ErrInvalidName = errors.New("invalid persona name")
)

// Persona is a named system prompt.
type Persona struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// Store is read-only; files are re-read on every call so edits made
// outside the app show up without a restart.
type Store struct {
	dir string
}

// NewStore creates a store over the .chr files in dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the persona directory.
func (s *Store) Dir() string { return s.dir }

// List returns persona names sorted case-insensitively. An empty or
// missing directory yields the default persona.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list personas: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), Extension) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	if len(names) == 0 {
		return []string{DefaultName}, nil
	}

	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names, nil
}

// Get reads one persona. The name may carry the .chr extension.
func (s *Store) Get(name string) (Persona, error) {
	name = strings.TrimSpace(name)
	if strings.EqualFold(filepath.Ext(name), Extension) {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return Persona{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name+Extension))
	if errors.Is(err, fs.ErrNotExist) {
		if name == DefaultName {
			return Persona{Name: DefaultName, Prompt: DefaultPrompt}, nil
		}
		return Persona{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Persona{}, fmt.Errorf("read persona %s: %w", name, err)
	}

	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return Persona{Name: name, Prompt: prompt}, nil
}
