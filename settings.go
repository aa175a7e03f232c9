package agentpipe

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the on-disk connection configuration. It covers the
// subprocess command, framing limits, timeouts, and declarative hook
// registrations whose callbacks are resolved by name against a
// registry supplied by the caller.
type Settings struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`

	MaxBufferSize int  `yaml:"max_buffer_size"`
	StrictDecode  bool `yaml:"strict_decode"`

	RequestTimeoutSec    float64 `yaml:"request_timeout_sec"`
	InitializeTimeoutSec float64 `yaml:"initialize_timeout_sec"`
	PermissionTimeoutSec float64 `yaml:"permission_timeout_sec"`

	Hooks []HookSetting `yaml:"hooks"`
}

// HookSetting is one declarative hook registration.
type HookSetting struct {
	Event      string   `yaml:"event"`
	Matcher    string   `yaml:"matcher"`
	TimeoutSec float64  `yaml:"timeout_sec"`
	Callbacks  []string `yaml:"callbacks"`
}

// LoadSettings reads and parses a YAML settings file. A missing file
// returns nil, nil so callers can fall back to code-level options.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("read settings: %w", err)
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	return &settings, nil
}

// Options converts the settings into connection options, resolving
// hook callback names against the registry. Unknown callback names are
// an error: a settings file referencing a callback the program never
// registered is a configuration bug, not something to skip silently.
// A nil receiver (missing settings file) yields no options, so
// LoadSettings output feeds straight in.
func (s *Settings) Options(callbacks map[string]HookFunc) ([]Option, error) {
	if s == nil {
		return nil, nil
	}

	opts := make([]Option, 0, 8)

	if s.Command != "" {
		opts = append(opts, WithCommand(s.Command, s.Args...))
	}

	if s.Dir != "" {
		opts = append(opts, WithDir(s.Dir))
	}

	if s.MaxBufferSize > 0 {
		opts = append(opts, WithMaxBufferSize(s.MaxBufferSize))
	}

	if s.StrictDecode {
		opts = append(opts, WithStrictDecode(true))
	}

	if s.RequestTimeoutSec > 0 {
		opts = append(opts, WithRequestTimeout(secondsToDuration(s.RequestTimeoutSec)))
	}

	if s.InitializeTimeoutSec > 0 {
		opts = append(opts, WithInitializeTimeout(secondsToDuration(s.InitializeTimeoutSec)))
	}

	if s.PermissionTimeoutSec > 0 {
		opts = append(opts, WithPermissionTimeout(secondsToDuration(s.PermissionTimeoutSec)))
	}

	for _, h := range s.Hooks {
		reg := HookRegistration{
			Event:   HookEvent(h.Event),
			Matcher: h.Matcher,
			Timeout: secondsToDuration(h.TimeoutSec),
		}

		for _, name := range h.Callbacks {
			fn, ok := callbacks[name]
			if !ok {
				return nil, fmt.Errorf("settings reference unknown hook callback %q", name)
			}

			reg.Callbacks = append(reg.Callbacks, fn)
		}

		opts = append(opts, WithHooks(reg))
	}

	return opts, nil
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
