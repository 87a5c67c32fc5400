package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/queue/internal/model"
	"github.com/CZERTAINLY/queue/internal/owner"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
name: builds
run_dir: /tmp/q
consumers: 8
queue_capacity: 16
tick: 250ms
forward_timeout: 2s
persistent: true
shell: /bin/bash
shell_args: ["-lc"]
env:
  LC_ALL: C
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "builds", cfg.Name)
	require.Equal(t, "/tmp/q", cfg.RunDir)
	require.Equal(t, 8, cfg.Consumers)
	require.Equal(t, 16, cfg.QueueCapacity)
	require.Equal(t, 250*time.Millisecond, cfg.Tick)
	require.Equal(t, 2*time.Second, cfg.ForwardTimeout)
	require.True(t, cfg.Persistent)
	require.False(t, cfg.Verbose)
	require.Equal(t, "/bin/bash", cfg.Shell)
	require.Equal(t, []string{"-lc"}, cfg.ShellArgs)
	require.Equal(t, map[string]string{"LC_ALL": "C"}, cfg.Env)
	require.Contains(t, cfg.Environ(), "LC_ALL=C")
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	def := model.DefaultConfig()
	require.Equal(t, def, cfg)
	require.Equal(t, model.DefaultConsumers, cfg.Consumers)
	require.Equal(t, model.DefaultQueueCapacity, cfg.QueueCapacity)
	require.Equal(t, time.Second, cfg.Tick)
	require.Equal(t, []string{"-c"}, cfg.ShellArgs)
}

func TestLoadConfig_ShellWithoutArgs(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("shell: /bin/sh\n"))
	require.NoError(t, err)
	require.Equal(t, "/bin/sh", cfg.Shell)
	require.Equal(t, []string{"-c"}, cfg.ShellArgs)
}

func TestDefaultRunDir_IgnoresEnvironment(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	t.Setenv("TMPDIR", t.TempDir())
	first := model.DefaultRunDir()
	rec := owner.NewRegistry(first, model.DefaultName).Record()

	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("TMPDIR", "")
	require.Equal(t, first, model.DefaultRunDir())
	require.Equal(t, rec, owner.NewRegistry(model.DefaultRunDir(), model.DefaultName).Record())
	require.Contains(t, []string{"/run/shm", "/dev/shm", "/tmp"}, first)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"unknown field", "consumer: 3\n", "field consumer not found"},
		{"negative consumers", "consumers: -1\n", "consumers -1 must be positive"},
		{"bad name", "name: ../etc\n", `name "../etc"`},
		{"bad duration", "tick: soon\n", "decoding yaml"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tt.given))
			require.Error(t, err)
			require.ErrorContains(t, err, tt.then)
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.Consumers = 0
	cfg.QueueCapacity = -2
	err := cfg.Validate()
	require.ErrorIs(t, err, model.ErrInvalidConfig)
	require.ErrorContains(t, err, "consumers 0")
	require.ErrorContains(t, err, "queue_capacity -2")
}
