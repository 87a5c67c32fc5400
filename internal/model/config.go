package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultName          = "queue"
	DefaultConsumers     = 3
	DefaultQueueCapacity = 256
	DefaultTick          = time.Second
	DefaultForwardTmout  = 5 * time.Second
	DefaultShell         = "/bin/sh"
)

// Config is the queue configuration. Zero values are replaced by defaults
// in LoadConfig, command line flags take precedence over the file.
type Config struct {
	// Name is the channel identity, artifacts are named <name>-<euid>.{pid,q}
	Name string `yaml:"name"`
	// RunDir holds the pid marker and the submission channel
	RunDir         string            `yaml:"run_dir"`
	Consumers      int               `yaml:"consumers"`
	QueueCapacity  int               `yaml:"queue_capacity"`
	Tick           time.Duration     `yaml:"tick"`
	ForwardTimeout time.Duration     `yaml:"forward_timeout"`
	Persistent     bool              `yaml:"persistent"`
	Verbose        bool              `yaml:"verbose"`
	Shell          string            `yaml:"shell"`
	ShellArgs      []string          `yaml:"shell_args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() Config {
	return Config{
		Name:           DefaultName,
		RunDir:         DefaultRunDir(),
		Consumers:      DefaultConsumers,
		QueueCapacity:  DefaultQueueCapacity,
		Tick:           DefaultTick,
		ForwardTimeout: DefaultForwardTmout,
		Shell:          DefaultShell,
		ShellArgs:      []string{"-c"},
	}
}

// DefaultRunDir returns the shared memory directory, or /tmp when there is
// none. It does not depend on the environment, so every invocation of the
// same user finds the same artifacts.
func DefaultRunDir() string {
	for _, d := range []string{"/run/shm", "/dev/shm"} {
		if info, err := os.Stat(d); err == nil && info.IsDir() {
			return d
		}
	}
	return "/tmp"
}

// LoadConfig decodes YAML from r, fills in defaults for missing fields and
// validates the result.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding yaml: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithDefaults returns a copy of c where zero values are replaced by defaults.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.RunDir == "" {
		c.RunDir = def.RunDir
	}
	if c.Consumers == 0 {
		c.Consumers = def.Consumers
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.Tick == 0 {
		c.Tick = def.Tick
	}
	if c.ForwardTimeout == 0 {
		c.ForwardTimeout = def.ForwardTimeout
	}
	if c.Shell == "" {
		c.Shell = def.Shell
	}
	if c.ShellArgs == nil {
		c.ShellArgs = def.ShellArgs
	}
	return c
}

// Validate reports all invalid fields at once.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" || filepath.Base(c.Name) != c.Name {
		errs = append(errs, fmt.Errorf("name %q: %w", c.Name, ErrInvalidConfig))
	}
	if c.RunDir == "" {
		errs = append(errs, fmt.Errorf("run_dir is empty: %w", ErrInvalidConfig))
	}
	if c.Consumers < 1 {
		errs = append(errs, fmt.Errorf("consumers %d must be positive: %w", c.Consumers, ErrInvalidConfig))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue_capacity %d must be positive: %w", c.QueueCapacity, ErrInvalidConfig))
	}
	if c.Tick <= 0 {
		errs = append(errs, fmt.Errorf("tick %s must be positive: %w", c.Tick, ErrInvalidConfig))
	}
	if c.ForwardTimeout < 0 {
		errs = append(errs, fmt.Errorf("forward_timeout %s is negative: %w", c.ForwardTimeout, ErrInvalidConfig))
	}
	if c.Shell == "" {
		errs = append(errs, fmt.Errorf("shell is empty: %w", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// Environ returns the process environment extended by c.Env.
func (c Config) Environ() []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}
