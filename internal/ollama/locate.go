package ollama

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Locator finds the Ollama executable and model manifests. The function
// fields exist so tests can fake the filesystem.
type Locator struct {
	LookPath func(string) (string, error)
	Stat     func(string) (os.FileInfo, error)
	GOOS     string
	Home     string
	// Bundled is the executable shipped next to the app on Windows.
	Bundled string
}

// NewLocator creates a locator for the current OS and user.
func NewLocator() *Locator {
	home, _ := os.UserHomeDir()
	return &Locator{
		LookPath: exec.LookPath,
		Stat:     os.Stat,
		GOOS:     runtime.GOOS,
		Home:     home,
		Bundled:  filepath.Join("api", "Ollama", "ollama.exe"),
	}
}

// Find resolves the executable: the configured path when set, then PATH,
// then the usual install locations for the platform.
func (l *Locator) Find(configured string) (string, error) {
	if configured != "" {
		if _, err := l.Stat(configured); err != nil {
			return "", fmt.Errorf("configured ollama executable %s: %w", configured, err)
		}
		return configured, nil
	}

	if path, err := l.LookPath("ollama"); err == nil {
		return path, nil
	}

	candidates := l.candidates()
	for _, p := range candidates {
		if _, err := l.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("ollama not found in PATH or %s", strings.Join(candidates, ", "))
}

func (l *Locator) candidates() []string {
	if l.GOOS == "windows" {
		paths := []string{}
		if l.Bundled != "" {
			paths = append(paths, l.Bundled)
		}
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			paths = append(paths, filepath.Join(local, "Programs", "Ollama", "ollama.exe"))
		}
		return paths
	}

	paths := []string{"/usr/local/bin/ollama", "/usr/bin/ollama", "/opt/ollama/ollama"}
	if l.Home != "" {
		paths = append(paths, filepath.Join(l.Home, ".local", "bin", "ollama"))
	}
	if l.GOOS == "darwin" {
		paths = append(paths, "/Applications/Ollama.app/Contents/Resources/ollama")
	}
	return paths
}

// ManifestPath is where `ollama pull` records a model, e.g.
// ~/.ollama/models/manifests/registry.ollama.ai/library/llama3/latest.
func (l *Locator) ManifestPath(model string) string {
	name, tag := model, "latest"
	if i := strings.LastIndex(model, ":"); i > strings.LastIndex(model, "/") {
		name, tag = model[:i], model[i+1:]
	}

	host, rest := "registry.ollama.ai", name
	parts := strings.Split(name, "/")
	switch {
	case len(parts) == 1:
		rest = "library/" + name
	case len(parts) >= 3 && strings.ContainsAny(parts[0], ".:"):
		host, rest = parts[0], strings.Join(parts[1:], "/")
	}

	root := os.Getenv("OLLAMA_MODELS")
	if root == "" {
		root = filepath.Join(l.Home, ".ollama", "models")
	}
	return filepath.Join(root, "manifests", host, filepath.FromSlash(rest), tag)
}

// HasManifest reports whether the model's manifest is on disk.
func (l *Locator) HasManifest(model string) bool {
	info, err := l.Stat(l.ManifestPath(model))
	if err != nil {
		return false
	}
	return !info.IsDir()
}
