// Package environment loads configuration from .env files, an optional YAML
// config file and environment variables.
//
// Keys are the environment variable names (AWX_SERVER, CACHE_TTL, ...).  The
// same key may appear in lower case in the config file; an environment
// variable always wins over the file.  Required values return an error rather
// than calling os.Exit.
package environment

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Options controls where a Loader looks for values.
type Options struct {
	// EnvFiles are loaded with godotenv before anything is read.  Missing
	// files are skipped; existing variables are not overwritten.
	EnvFiles []string
	// ConfigFile is an optional YAML file.  Empty means none.
	ConfigFile string
}

// Loader reads layered configuration values.
type Loader struct {
	v *viper.Viper
}

// New builds a Loader.  A ConfigFile that is named but unreadable is an
// error; missing .env files are not.
func New(opts Options) (*Loader, error) {
	for _, f := range opts.EnvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("environment: load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("environment: read %s: %w", opts.ConfigFile, err)
		}
	}
	return &Loader{v: v}, nil
}

// FromEnv returns a Loader backed only by the process environment.
func FromEnv() *Loader {
	v := viper.New()
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Set overrides a key, taking precedence over file and environment.
// Command-line flags use this.
func (l *Loader) Set(name string, value any) { l.v.Set(name, value) }

func (l *Loader) raw(name string) string {
	return strings.TrimSpace(l.v.GetString(name))
}

// String returns the value and whether it was set at all.
func (l *Loader) String(name string) (string, bool) {
	if v, ok := os.LookupEnv(name); ok {
		return v, true
	}
	if !l.v.IsSet(name) {
		return "", false
	}
	return l.v.GetString(name), true
}

// StringOr returns the value, or defaultValue if unset or empty.
func (l *Loader) StringOr(name, defaultValue string) string {
	if v := l.raw(name); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the value or an error if it is unset or empty.
func (l *Loader) RequiredString(name string) (string, error) {
	v := l.raw(name)
	if v == "" {
		return "", fmt.Errorf("required setting %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the value with strconv.ParseBool.  Unparseable values fall
// back to defaultValue.
func (l *Loader) BoolOr(name string, defaultValue bool) bool {
	v := l.raw(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the value as a decimal integer.
func (l *Loader) IntOr(name string, defaultValue int) int {
	v := l.raw(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// DurationOr parses the value as a time.Duration ("30s", "5m").  A bare
// integer is taken as seconds, matching how CACHE_TTL and SYNC_TIMEOUT have
// always been written.
func (l *Loader) DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := l.raw(name)
	if v == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// StringSliceOr returns a list from a comma-separated string or a YAML
// sequence, trimming each element and dropping empties.
func (l *Loader) StringSliceOr(name string, defaultValue []string) []string {
	var parts []string
	if s, ok := os.LookupEnv(name); ok {
		parts = strings.Split(s, ",")
	} else {
		for _, item := range l.v.GetStringSlice(name) {
			parts = append(parts, strings.Split(item, ",")...)
		}
	}
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
