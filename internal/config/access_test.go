package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mattjoyce/simrig/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPath(t *testing.T) {
	cfg := Defaults()
	cfg.TestBenches = []sim.TestBench{{Name: "led_tb", Sources: []string{"rtl/led.sv"}}}

	tests := []struct {
		name    string
		path    string
		want    any
		wantErr bool
	}{
		{
			name: "root field",
			path: "default_tool",
			want: "questa",
		},
		{
			name: "nested tool field",
			path: "tools.icarus.compiler",
			want: "iverilog",
		},
		{
			name: "duration is rendered as string",
			path: "timeouts.grace",
			want: "5s",
		},
		{
			name:    "invalid path",
			path:    "workspace.missing",
			wantErr: true,
		},
		{
			name:    "path through scalar",
			path:    "default_tool.name",
			wantErr: true,
		},
		{
			name: "type:name addressing",
			path: "testbench:led_tb",
			want: cfg.TestBenches[0],
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.GetPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestGetEntity(t *testing.T) {
	cfg := Defaults()
	cfg.TestBenches = []sim.TestBench{{Name: "tb_a"}, {Name: "tb_b"}}

	t.Run("single testbench", func(t *testing.T) {
		got, err := cfg.GetEntity("testbench:tb_b")
		assert.NoError(t, err)
		assert.Equal(t, cfg.TestBenches[1], got)
	})

	t.Run("wildcard testbenches", func(t *testing.T) {
		got, err := cfg.GetEntity("testbench:*")
		assert.NoError(t, err)
		assert.Equal(t, cfg.TestBenches, got)
	})

	t.Run("tool", func(t *testing.T) {
		got, err := cfg.GetEntity("tool:verilator")
		assert.NoError(t, err)
		assert.Equal(t, cfg.Tools.Verilator, got)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := cfg.GetEntity("tool:vcs")
		assert.ErrorIs(t, err, sim.ErrConfiguration)
	})

	t.Run("unknown testbench", func(t *testing.T) {
		_, err := cfg.GetEntity("testbench:missing")
		assert.Error(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := cfg.GetEntity("plugin:echo")
		assert.Error(t, err)
	})
}

func TestSetPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, DefaultFileName)
	initialYAML := `
default_tool: questa
tools:
  icarus:
    compiler: iverilog
`
	require.NoError(t, os.WriteFile(configPath, []byte(initialYAML), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	t.Run("set root field", func(t *testing.T) {
		require.NoError(t, cfg.SetPath("default_tool", "icarus", true))

		reloaded, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "icarus", reloaded.DefaultTool)
	})

	t.Run("set tool field via entity", func(t *testing.T) {
		require.NoError(t, cfg.SetPath("tool:verilator.viewer", "surfer", true))

		reloaded, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "surfer", reloaded.Tools.Verilator.Viewer)
	})

	t.Run("invalid value is rolled back", func(t *testing.T) {
		err := cfg.SetPath("default_tool", "vcs", true)
		assert.Error(t, err)

		reloaded, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "icarus", reloaded.DefaultTool)
	})

	t.Run("entity without field", func(t *testing.T) {
		assert.Error(t, cfg.SetPath("tool:icarus", "x", false))
	})
}
