// Package config loads application options from a TOML file, ALTEREGO_*
// environment variables and command-line flags, and watches the file for
// runtime tuning changes.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/alterego/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every `env` tag.
const EnvPrefix = "ALTEREGO_"

// binding ties one settable struct field to its sources.
type binding struct {
	field   reflect.Value
	flag    string
	tomlKey string
	envKey  string
}

// LoadConfig fills the struct pointed to by opts. Precedence is CLI flags
// explicitly set on cmd, then environment, then the TOML file named by the
// struct's Config field, then whatever defaults opts already holds.
// A missing config file is not an error; a malformed one is.
func LoadConfig(opts any, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: expected pointer to struct, got %T", opts)
	}
	v = v.Elem()

	changed := make(map[string]bool)
	if cmd != nil {
		mark := func(f *pflag.Flag) {
			if f.Changed {
				changed[f.Name] = true
			}
		}
		cmd.Flags().VisitAll(mark)
		cmd.PersistentFlags().VisitAll(mark)
	}

	var configPath string
	var bindings []binding
	t := v.Type()
	for i := range t.NumField() {
		sf := t.Field(i)
		if sf.Name == "Config" && sf.Type.Kind() == reflect.String {
			configPath = v.Field(i).String()
		}
		b := binding{
			field:   v.Field(i),
			flag:    fieldNameToFlag(sf.Name),
			tomlKey: sf.Tag.Get("toml"),
			envKey:  sf.Tag.Get("env"),
		}
		if changed[b.flag] || !b.field.CanSet() {
			continue
		}
		bindings = append(bindings, b)
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err == nil {
			var doc map[string]any
			if err := toml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", configPath, err)
			}
			for _, b := range bindings {
				if b.tomlKey == "" {
					continue
				}
				if value := getNestedValue(doc, b.tomlKey); value != nil {
					setFieldValue(b.field, value)
				}
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", configPath, err)
		}
	}

	for _, b := range bindings {
		if b.envKey == "" {
			continue
		}
		if value, ok := os.LookupEnv(EnvPrefix + b.envKey); ok && value != "" {
			setFieldValueFromString(b.field, value)
		}
	}

	return nil
}

// ReloadConfig returns a copy of base with the full precedence applied
// again: flags set on the command line, then ALTEREGO_* env, then the file,
// then flag defaults. Keys removed from the file fall back to their defaults.
func ReloadConfig[T any](base T, cmd *cobra.Command) (T, error) {
	opts := base
	v := reflect.ValueOf(&opts).Elem()
	if v.Kind() != reflect.Struct {
		return base, fmt.Errorf("config: expected struct, got %T", base)
	}

	if cmd != nil {
		t := v.Type()
		for i := range t.NumField() {
			sf := t.Field(i)
			if sf.Tag.Get("toml") == "" || !v.Field(i).CanSet() {
				continue
			}
			f := lookupFlag(cmd, fieldNameToFlag(sf.Name))
			if f == nil || f.Changed {
				continue
			}
			def := f.DefValue
			if v.Field(i).Kind() == reflect.Slice {
				def = strings.Trim(def, "[]")
			}
			setFieldValueFromString(v.Field(i), def)
		}
	}

	if path := v.FieldByName("Config"); path.IsValid() && path.Kind() == reflect.String && path.String() != "" {
		if _, err := os.Stat(path.String()); err != nil {
			return base, err
		}
	}
	if err := LoadConfig(&opts, cmd); err != nil {
		return base, err
	}
	return opts, nil
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f
	}
	return cmd.PersistentFlags().Lookup(name)
}

// fieldNameToFlag converts "WarmupMaxAttempts" to "warmup-max-attempts" and
// keeps acronyms together ("ModelserverURL" to "modelserver-url"), matching
// the flag names humacli derives.
func fieldNameToFlag(fieldName string) string {
	rs := []rune(fieldName)
	var out []rune
	for i, r := range rs {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(rs[i-1])
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if prevLower || (unicode.IsUpper(rs[i-1]) && nextLower) {
				out = append(out, '-')
			}
		}
		out = append(out, unicode.ToLower(r))
	}
	return string(out)
}

// getNestedValue resolves a dotted path like "warmup.interval".
func getNestedValue(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current[parts[len(parts)-1]]
}

func setFieldValue(field reflect.Value, value any) {
	switch field.Kind() {
	case reflect.String:
		switch s := value.(type) {
		case string:
			field.SetString(s)
		case int64:
			field.SetString(strconv.FormatInt(s, 10))
		case []any:
			// TOML arrays map onto comma-separated string options.
			parts := make([]string, 0, len(s))
			for _, item := range s {
				if str, ok := item.(string); ok {
					parts = append(parts, str)
				}
			}
			field.SetString(strings.Join(parts, ","))
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		switch i := value.(type) {
		case int64:
			field.SetInt(i)
		case int:
			field.SetInt(int64(i))
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return
		}
		arr, ok := value.([]any)
		if !ok {
			return
		}
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		field.Set(reflect.ValueOf(out))
	}
}

// setFieldValueFromString parses an environment value; slices are
// comma-separated.
func setFieldValueFromString(field reflect.Value, value string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		if b, err := strconv.ParseBool(value); err == nil {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			field.SetInt(i)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		field.Set(reflect.ValueOf(out))
	}
}

// LoadLoggingConfig reads the [logging] table. Keys other than level and
// format are per-module levels. Missing or unreadable files yield defaults.
func LoadLoggingConfig(configPath string) logging.Config {
	cfg := logging.Config{Level: "info", Format: "text", Modules: make(map[string]string)}
	if configPath == "" {
		return cfg
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg
	}

	var raw struct {
		Logging map[string]any `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return cfg
	}

	for key, value := range raw.Logging {
		switch v := value.(type) {
		case string:
			switch key {
			case "level":
				cfg.Level = v
			case "format":
				cfg.Format = v
			default:
				cfg.Modules[key] = v
			}
		case map[string]any:
			// [logging.modules] table
			for module, level := range v {
				if s, ok := level.(string); ok {
					cfg.Modules[module] = s
				}
			}
		}
	}
	return cfg
}
