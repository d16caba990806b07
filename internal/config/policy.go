package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/roomsync/internal/model"
)

// Policy is the per-category timer policy loaded from the policy file.
//
//	default_duration: 30m
//	timers:
//	  medicine:
//	    enabled: true
//	    duration: ${MEDICINE_TIMER:-45m}
type Policy struct {
	DefaultDuration time.Duration                    `yaml:"default_duration"`
	Timers          map[model.Category]CategoryTimer `yaml:"timers"`
}

// CategoryTimer configures the auto-start timer of one category.
type CategoryTimer struct {
	Enabled  bool          `yaml:"enabled"`
	Duration time.Duration `yaml:"duration"` // falls back to default_duration
}

// DefaultPolicy enables the medicine timer only.
func DefaultPolicy(d time.Duration) *Policy {
	return &Policy{
		DefaultDuration: d,
		Timers: map[model.Category]CategoryTimer{
			model.CategoryMedicine: {Enabled: true},
		},
	}
}

// LoadPolicy reads and parses a YAML policy file, expanding env vars.
// An empty path yields DefaultPolicy(fallback).
func LoadPolicy(path string, fallback time.Duration) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(fallback), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	p, err := ParsePolicy(raw, fallback)
	if err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy parses a YAML policy from bytes.
func ParsePolicy(data []byte, fallback time.Duration) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if p.DefaultDuration <= 0 {
		p.DefaultDuration = fallback
	}
	for cat, t := range p.Timers {
		if !cat.Valid() {
			return nil, fmt.Errorf("unknown category %q", cat)
		}
		if t.Duration < 0 {
			return nil, fmt.Errorf("category %q: negative duration", cat)
		}
	}
	return &p, nil
}

// TimerFor reports whether the category's timer is enabled and its duration.
func (p *Policy) TimerFor(category model.Category) (time.Duration, bool) {
	t, ok := p.Timers[category]
	if !ok || !t.Enabled {
		return 0, false
	}
	d := t.Duration
	if d <= 0 {
		d = p.DefaultDuration
	}
	return d, d > 0
}

// envVarPattern matches ${VAR_NAME}, ${VAR_NAME:-default} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars expand to the inline default or empty.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		def := ""
		if i := strings.Index(name, ":-"); i >= 0 {
			name, def = name[:i], name[i+2:]
		}
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		return def
	})
}
