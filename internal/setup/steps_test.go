package setup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/alterego/internal/process"
	"github.com/smazurov/alterego/internal/readiness"
)

type fakeExec struct {
	mu   sync.Mutex
	cmds []string
	fail map[string]error
}

func (f *fakeExec) Run(_ context.Context, cmd Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd.String())
	return f.fail[cmd.String()]
}

func (f *fakeExec) Start(cmd Command) (*process.Handle, error) {
	return nil, errors.New("start not supported by fakeExec: " + cmd.String())
}

func (f *fakeExec) Stop(*process.Handle) {}

func (f *fakeExec) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

type fakeOllama struct {
	running bool
	models  map[string]bool
}

func (f *fakeOllama) CheckRunning(context.Context) error {
	if !f.running {
		return errors.New("ollama is not running")
	}
	return nil
}

func (f *fakeOllama) HasModel(_ context.Context, name string) (bool, error) {
	if !f.running {
		return false, errors.New("ollama is not running")
	}
	return f.models[name], nil
}

func (f *fakeOllama) Prober() readiness.Prober {
	return readiness.ProberFunc(func(context.Context) (readiness.Outcome, error) { return readiness.Ready, nil })
}

type dirInfo struct{ dir bool }

func (d dirInfo) Name() string       { return "x" }
func (d dirInfo) Size() int64        { return 0 }
func (d dirInfo) Mode() fs.FileMode  { return 0o755 }
func (d dirInfo) ModTime() time.Time { return time.Time{} }
func (d dirInfo) IsDir() bool        { return d.dir }
func (d dirInfo) Sys() any           { return nil }

// fakeOS resolves only the named binaries and paths.
func fakeOS(goos string, bins []string, paths ...string) BuilderOption {
	onPath := map[string]bool{}
	for _, b := range bins {
		onPath[b] = true
	}
	exists := map[string]bool{}
	for _, p := range paths {
		exists[p] = true
	}
	return WithOS(
		func(name string) (string, error) {
			if onPath[name] {
				return "/usr/bin/" + name, nil
			}
			return "", exec.ErrNotFound
		},
		func(p string) (os.FileInfo, error) {
			if exists[p] {
				return dirInfo{dir: true}, nil
			}
			return nil, os.ErrNotExist
		},
		goos, "/home/user",
	)
}

func stepIDs(steps []Step) string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return strings.Join(ids, ",")
}

func findStep(t *testing.T, steps []Step, id string) Step {
	t.Helper()
	for _, s := range steps {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("no step %q in %s", id, stepIDs(steps))
	return Step{}
}

func TestStepsForConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"system ollama", Config{RuntimeStrategy: StrategySystem, Backend: BackendOllama},
			"python-runtime,pip,requirements,ollama-runtime,ollama-model,emotion-model,embedding-model"},
		{"embedded openai", Config{RuntimeStrategy: StrategyEmbedded, Backend: "openai"},
			"python-runtime,pip,emotion-model,embedding-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(tt.cfg, &fakeExec{}, &fakeOllama{}, fakeOS("linux", nil))
			if got := stepIDs(b.Steps()); got != tt.want {
				t.Errorf("steps = %s, want %s", got, tt.want)
			}
		})
	}

	b := NewBuilder(Config{Backend: BackendOllama}, &fakeExec{}, &fakeOllama{}, fakeOS("linux", nil))
	if model := findStep(t, b.Steps(), StepOllamaModel); !model.NonFatal {
		t.Error("ollama-model must be non-fatal")
	}
}

func TestPythonRuntimeResolvesInterpreter(t *testing.T) {
	b := NewBuilder(Config{}, &fakeExec{}, &fakeOllama{}, fakeOS("linux", []string{"python3"}))
	if b.Python() != "python3" {
		t.Errorf("default Python() = %q", b.Python())
	}

	ok, err := findStep(t, b.Steps(), StepPythonRuntime).Check(context.Background())
	if !ok || err != nil {
		t.Fatalf("check = %v, %v", ok, err)
	}
	if b.Python() != "/usr/bin/python3" {
		t.Errorf("Python() = %q, want resolved python3", b.Python())
	}
}

func TestPythonRuntimeRemediation(t *testing.T) {
	fx := &fakeExec{}
	b := NewBuilder(Config{}, fx, &fakeOllama{}, fakeOS("linux", []string{"apt-get"}))

	if err := findStep(t, b.Steps(), StepPythonRuntime).Remediate(context.Background()); err != nil {
		t.Fatalf("Remediate: %v", err)
	}
	want := []string{"sudo apt-get update", "sudo apt-get install -y python3 python3-pip"}
	if got := fx.commands(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %q, want %q", got, want)
	}
}

func TestPythonRuntimeRemediationFallsBack(t *testing.T) {
	fx := &fakeExec{fail: map[string]error{"sudo apt-get update": errors.New("exit code 100")}}
	b := NewBuilder(Config{}, fx, &fakeOllama{}, fakeOS("linux", []string{"apt-get", "dnf"}))

	if err := findStep(t, b.Steps(), StepPythonRuntime).Remediate(context.Background()); err != nil {
		t.Fatalf("Remediate: %v", err)
	}
	if got := fx.commands(); got[len(got)-1] != "sudo dnf install -y python3 python3-pip" {
		t.Errorf("commands = %q, want dnf fallback", got)
	}
}

func TestPythonRuntimeRemediationUnsupported(t *testing.T) {
	b := NewBuilder(Config{}, &fakeExec{}, &fakeOllama{}, fakeOS("plan9", nil))
	err := findStep(t, b.Steps(), StepPythonRuntime).Remediate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "install it manually") {
		t.Errorf("err = %v", err)
	}

	b = NewBuilder(Config{}, &fakeExec{}, &fakeOllama{}, fakeOS("darwin", nil))
	err = findStep(t, b.Steps(), StepPythonRuntime).Remediate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "brew") {
		t.Errorf("err = %v, want missing package manager", err)
	}
}

func TestEmbeddedPython(t *testing.T) {
	embedded := filepath.Join("Python", "embedded", "python.exe")
	cfg := Config{RuntimeStrategy: StrategyEmbedded, EmbeddedPython: embedded}

	missing := NewBuilder(cfg, &fakeExec{}, &fakeOllama{}, fakeOS("windows", nil))
	step := findStep(t, missing.Steps(), StepPythonRuntime)
	if ok, err := step.Check(context.Background()); ok || err == nil {
		t.Errorf("missing embedded python: check = %v, %v", ok, err)
	}
	if step.Remediate != nil {
		t.Error("embedded python has no automatic remediation")
	}

	present := NewBuilder(cfg, &fakeExec{}, &fakeOllama{}, fakeOS("windows", nil, embedded))
	if ok, _ := findStep(t, present.Steps(), StepPythonRuntime).Check(context.Background()); !ok {
		t.Error("embedded python not found")
	}
	if present.Python() != embedded {
		t.Errorf("Python() = %q", present.Python())
	}
}

func TestPipCheckAndRemediate(t *testing.T) {
	fx := &fakeExec{fail: map[string]error{"python3 -m pip --version": errors.New("No module named pip")}}
	b := NewBuilder(Config{}, fx, &fakeOllama{}, fakeOS("linux", nil))
	step := findStep(t, b.Steps(), StepPip)

	if ok, _ := step.Check(context.Background()); ok {
		t.Error("pip check passed despite failure")
	}
	if err := step.Remediate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fx.commands(); got[1] != "python3 -m ensurepip --upgrade" {
		t.Errorf("commands = %q", got)
	}
}

func TestRequirementsStamp(t *testing.T) {
	dir := t.TempDir()
	req := filepath.Join(dir, "requirements.txt")
	fx := &fakeExec{}
	b := NewBuilder(Config{Requirements: req}, fx, &fakeOllama{}, fakeOS("linux", nil))
	step := findStep(t, b.Steps(), StepRequirements)
	ctx := context.Background()

	if ok, err := step.Check(ctx); !ok || err != nil {
		t.Fatalf("missing requirements file should pass: %v, %v", ok, err)
	}

	if err := os.WriteFile(req, []byte("flask\ntransformers\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, _ := step.Check(ctx); ok {
		t.Fatal("unstamped requirements reported installed")
	}
	if err := step.Remediate(ctx); err != nil {
		t.Fatal(err)
	}
	if got := fx.commands(); len(got) != 1 || got[0] != "python3 -m pip install --upgrade -r "+req {
		t.Errorf("commands = %q", got)
	}
	if ok, _ := step.Check(ctx); !ok {
		t.Error("requirements not satisfied after install")
	}

	if err := os.WriteFile(req, []byte("flask\ntransformers\ntorch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, _ := step.Check(ctx); ok {
		t.Error("changed requirements still reported installed")
	}
}

func TestRequirementsInstallFailureLeavesNoStamp(t *testing.T) {
	dir := t.TempDir()
	req := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(req, []byte("flask\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	fx := &fakeExec{fail: map[string]error{"python3 -m pip install --upgrade -r " + req: errors.New("exit code 1")}}
	b := NewBuilder(Config{Requirements: req}, fx, &fakeOllama{}, fakeOS("linux", nil))
	step := findStep(t, b.Steps(), StepRequirements)

	if err := step.Remediate(context.Background()); err == nil {
		t.Fatal("expected pip failure")
	}
	if _, err := os.Stat(filepath.Join(dir, ".requirements.sha256")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stamp written after failed install: %v", err)
	}
}

func TestHFModelSteps(t *testing.T) {
	cache := filepath.Join("/home/user", ".cache", "huggingface", "hub")
	cfg := Config{HFCache: "~/.cache/huggingface/hub", InstallDir: "install"}
	fx := &fakeExec{}

	b := NewBuilder(cfg, fx, &fakeOllama{}, fakeOS("linux", nil, filepath.Join(cache, embeddingModelDir)))
	steps := b.Steps()
	ctx := context.Background()

	if ok, _ := findStep(t, steps, StepEmbeddingModel).Check(ctx); !ok {
		t.Error("cached embedding model not detected")
	}
	emotion := findStep(t, steps, StepEmotionModel)
	if ok, _ := emotion.Check(ctx); ok {
		t.Error("missing emotion model reported cached")
	}
	if err := emotion.Remediate(ctx); err != nil {
		t.Fatal(err)
	}
	if got := fx.commands(); len(got) != 1 || got[0] != "python3 "+filepath.Join("install", "emotionpipe.py") {
		t.Errorf("commands = %q", got)
	}
}

func TestOllamaModelWithRunningServer(t *testing.T) {
	t.Setenv("OLLAMA_MODELS", "")
	fx := &fakeExec{}
	api := &fakeOllama{running: true, models: map[string]bool{}}
	b := NewBuilder(Config{Backend: BackendOllama, OllamaModel: "artifish/llama3.2-uncensored"}, fx, api,
		fakeOS("linux", []string{"ollama"}))
	step := findStep(t, b.Steps(), StepOllamaModel)

	if ok, _ := step.Check(context.Background()); ok {
		t.Fatal("missing model reported installed")
	}
	if err := step.Remediate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fx.commands(); len(got) != 1 || got[0] != "/usr/bin/ollama pull artifish/llama3.2-uncensored" {
		t.Errorf("commands = %q, want only the pull", got)
	}

	api.models["artifish/llama3.2-uncensored"] = true
	if ok, _ := step.Check(context.Background()); !ok {
		t.Error("pulled model not detected")
	}
}

type fakeService struct {
	err   error
	units []string
}

func (f *fakeService) EnsureActive(_ context.Context, unit string) error {
	f.units = append(f.units, unit)
	return f.err
}

func TestOllamaModelStartsService(t *testing.T) {
	t.Setenv("OLLAMA_MODELS", "")
	fx := &fakeExec{}
	svc := &fakeService{}
	b := NewBuilder(Config{Backend: BackendOllama, OllamaModel: "llama3"}, fx, &fakeOllama{},
		fakeOS("linux", []string{"ollama"}), WithServiceStarter(svc))
	step := findStep(t, b.Steps(), StepOllamaModel)

	if err := step.Remediate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(svc.units) != 1 || svc.units[0] != OllamaUnit {
		t.Errorf("units = %v", svc.units)
	}
	if got := fx.commands(); len(got) != 1 || got[0] != "/usr/bin/ollama pull llama3" {
		t.Errorf("commands = %q, want only the pull", got)
	}
}

func TestOllamaModelServiceUnavailable(t *testing.T) {
	t.Setenv("OLLAMA_MODELS", "")
	svc := &fakeService{err: errors.New("systemd unit not found")}
	b := NewBuilder(Config{Backend: BackendOllama, OllamaModel: "llama3"}, &fakeExec{}, &fakeOllama{},
		fakeOS("linux", []string{"ollama"}), WithServiceStarter(svc))
	step := findStep(t, b.Steps(), StepOllamaModel)

	// Falls back to a temporary server, which fakeExec cannot start.
	err := step.Remediate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "ollama serve") {
		t.Errorf("err = %v, want the temporary server start attempt", err)
	}
}

func TestOllamaRuntimeConfiguredMissing(t *testing.T) {
	b := NewBuilder(Config{Backend: BackendOllama, OllamaPath: "/opt/custom/ollama"}, &fakeExec{}, &fakeOllama{},
		fakeOS("linux", []string{"ollama", "curl"}))
	step := findStep(t, b.Steps(), StepOllamaRuntime)

	if ok, _ := step.Check(context.Background()); ok {
		t.Error("missing configured executable passed")
	}
	if err := step.Remediate(context.Background()); err == nil {
		t.Error("configured path must not be silently replaced by an install")
	}
}

func TestExpandHome(t *testing.T) {
	tests := []struct{ in, want string }{
		{"~", "/h"},
		{"~/.cache/hub", filepath.Join("/h", ".cache/hub")},
		{"/abs/path", "/abs/path"},
		{"rel/~/x", "rel/~/x"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in, "/h"); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
