package setup

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// installOption is one package manager and the commands it needs.
type installOption struct {
	manager  string
	commands [][]string
}

var pythonInstallers = map[string][]installOption{
	"darwin": {
		{manager: "brew", commands: [][]string{{"brew", "install", "python"}}},
	},
	"linux": {
		{manager: "apt-get", commands: [][]string{
			{"sudo", "apt-get", "update"},
			{"sudo", "apt-get", "install", "-y", "python3", "python3-pip"},
		}},
		{manager: "dnf", commands: [][]string{{"sudo", "dnf", "install", "-y", "python3", "python3-pip"}}},
	},
	"windows": {
		{manager: "winget", commands: [][]string{
			{"winget", "install", "--id", "Python.Python.3.11", "--exact", "--accept-source-agreements", "--accept-package-agreements"},
		}},
	},
}

var ollamaInstallers = map[string][]installOption{
	"darwin": {
		{manager: "brew", commands: [][]string{{"brew", "install", "ollama"}}},
	},
	"linux": {
		{manager: "curl", commands: [][]string{{"sh", "-c", "curl -fsSL https://ollama.com/install.sh | sh"}}},
	},
	"windows": {
		{manager: "winget", commands: [][]string{
			{"winget", "install", "--id", "Ollama.Ollama", "--exact", "--accept-source-agreements", "--accept-package-agreements"},
		}},
	},
}

// install runs the first option whose package manager is on PATH.
func (b *Builder) install(ctx context.Context, step, what string, table map[string][]installOption) error {
	options := table[b.goos]
	if len(options) == 0 {
		return fmt.Errorf("automatic %s install is not supported on %s; please install it manually", what, b.goos)
	}

	var tried []string
	var errs []error
	for _, opt := range options {
		if _, err := b.lookPath(opt.manager); err != nil {
			tried = append(tried, opt.manager)
			continue
		}
		err := b.runAll(ctx, step, opt.commands)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", opt.manager, err))
	}

	if len(errs) == 0 {
		return fmt.Errorf("no package manager found to install %s (tried %s)", what, strings.Join(tried, ", "))
	}
	return errors.Join(errs...)
}

func (b *Builder) runAll(ctx context.Context, step string, commands [][]string) error {
	for _, argv := range commands {
		if err := b.exec.Run(ctx, Command{Step: step, Name: argv[0], Args: argv[1:]}); err != nil {
			return err
		}
	}
	return nil
}
