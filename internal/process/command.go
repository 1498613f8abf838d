package process

import (
	"errors"
	"strings"
)

// ParseCommand splits a configured command line into argv. Single and
// double quotes group words and a backslash escapes the next rune.
func ParseCommand(command string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		quote   rune
		escape  bool
		inWord  bool
	)

	for _, r := range strings.TrimSpace(command) {
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case r == '\\':
			escape = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				args = append(args, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}

	if quote != 0 {
		return nil, errors.New("unclosed quote in command")
	}
	if escape {
		return nil, errors.New("trailing backslash in command")
	}
	if inWord {
		args = append(args, current.String())
	}
	return args, nil
}

// SpecFromCommandLine builds a Spec from a single configured command line.
func SpecFromCommandLine(id, line string) (Spec, error) {
	argv, err := ParseCommand(line)
	if err != nil {
		return Spec{}, err
	}
	if len(argv) == 0 {
		return Spec{}, errors.New("empty command")
	}
	return Spec{ID: id, Command: argv[0], Args: argv[1:]}, nil
}
