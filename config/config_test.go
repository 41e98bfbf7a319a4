package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"

	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/transfer"
)

// load runs a throwaway app so flags are parsed the way main parses them
func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	t.Setenv("BLUELINK_DIR", t.TempDir())

	cfg := NewConfig()
	var loadErr error
	app := &cli.App{
		Name:  "bluelink",
		Flags: Flags(),
		Action: func(cliCtx *cli.Context) error {
			// merge all global flags under the root namespace
			cliCtx.Command.Name = "global"
			loadErr = cfg.Load(koanf.New("."), cliCtx)
			return nil
		},
	}
	if err := app.Run(append([]string{"bluelink"}, args...)); err != nil {
		t.Fatalf("Failed to run app: %v", err)
	}
	return cfg, loadErr
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if err := cfg.ValidateValues(); err != nil {
		t.Fatalf("Defaults failed validation: %v", err)
	}
	if cfg.Path() != "" {
		t.Errorf("Expected no config file, got %s", cfg.Path())
	}
	if cfg.Values.Name != "bluelink" || cfg.Values.UnitSize != 512 {
		t.Errorf("Unexpected defaults %+v", cfg.Values)
	}
	if cfg.Values.Mode != transfer.FlowControlled {
		t.Errorf("Expected flow-controlled mode, got %s", cfg.Values.Mode)
	}
}

func TestLoadFlags(t *testing.T) {
	cfg, err := load(t, "--name", "Zed", "--transfer-mode", "tight", "--retry-delay", "5ms", "--log-level", "debug")
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if err := cfg.ValidateValues(); err != nil {
		t.Fatalf("Failed to validate: %v", err)
	}
	if cfg.Values.Name != "Zed" {
		t.Errorf("Expected name Zed, got %q", cfg.Values.Name)
	}
	if cfg.Values.Mode != transfer.TightLoop {
		t.Errorf("Expected tight loop, got %s", cfg.Values.Mode)
	}
	if cfg.Values.RetryDelay != 5*time.Millisecond {
		t.Errorf("Expected 5ms retry delay, got %s", cfg.Values.RetryDelay)
	}
	if cfg.Values.Level != logger.DEBUG {
		t.Errorf("Expected DEBUG level, got %d", cfg.Values.Level)
	}
	if got := cfg.Values.TransferConfig().RetryDelay; got != 5*time.Millisecond {
		t.Errorf("Expected transfer config to carry retry delay, got %s", got)
	}
}

func TestLoadFileThenFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bluelink.conf")
	conf := `{
  # hjson allows comments
  name: FromFile
  unit-size: 185
  handoff-network: none
}`
	if err := os.WriteFile(path, []byte(conf), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := load(t, "--config", path, "--name", "FromFlag")
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if cfg.Path() != path {
		t.Errorf("Expected config path %s, got %s", path, cfg.Path())
	}
	if cfg.Values.Name != "FromFlag" {
		t.Errorf("Expected flag to win, got %q", cfg.Values.Name)
	}
	if cfg.Values.UnitSize != 185 {
		t.Errorf("Expected unit size from file, got %d", cfg.Values.UnitSize)
	}
	n, err := cfg.Values.Handoff()
	if err != nil || n != nil {
		t.Errorf("Expected handoff disabled, got %v (%v)", n, err)
	}
}

func TestValidateValues(t *testing.T) {
	tests := []struct {
		name   string
		modify func(v *Values)
	}{
		{"empty name", func(v *Values) { v.Name = "  " }},
		{"multi-line name", func(v *Values) { v.Name = "a\nb" }},
		{"bad level", func(v *Values) { v.LogLevel = "LOUD" }},
		{"unit size too small", func(v *Values) { v.UnitSize = 10 }},
		{"unit size too large", func(v *Values) { v.UnitSize = 4096 }},
		{"bad mode", func(v *Values) { v.TransferMode = "sideways" }},
		{"negative retries", func(v *Values) { v.MaxRetries = -1 }},
		{"zero delay", func(v *Values) { v.RetryDelay = 0 }},
		{"bad network", func(v *Values) { v.HandoffNetwork = "carrier-pigeon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Defaults()
			tt.modify(&v)
			if err := v.validateValues(); err == nil {
				t.Errorf("Expected validation error")
			}
		})
	}
}

func TestHandoffNetwork(t *testing.T) {
	t.Setenv("BLUELINK_DIR", t.TempDir())

	v := Defaults()
	v.HandoffNetwork = "unix"
	n, err := v.Handoff()
	if err != nil {
		t.Fatalf("Failed to build unix network: %v", err)
	}
	if n == nil {
		t.Fatalf("Expected a network")
	}
}
