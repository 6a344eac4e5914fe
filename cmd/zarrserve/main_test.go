package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"
)

type reading struct {
	Sensor int32   `parquet:"sensor"`
	Value  float64 `parquet:"value"`
}

// writeConfig writes a Parquet file and a configuration serving it, with
// listen set to listen. It returns the configuration path.
func writeConfig(t *testing.T, listen string) string {
	t.Helper()
	dir := t.TempDir()

	data := filepath.Join(dir, "readings.parquet")
	f, err := os.Create(data)
	if err != nil {
		t.Fatal(err)
	}
	w := parquet.NewGenericWriter[reading](f)
	if _, err := w.Write([]reading{{1, 0.5}, {2, 1.5}}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := fmt.Sprintf(`listen: %q
logging:
  level: warn
datasets:
  - name: readings
    dimension: obs
    source:
      path: %s
`, listen, data)
	path := filepath.Join(dir, "zarrserve.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// resetFlags restores the package-level flag values after the test.
func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		configPath, listenAddr, logLevel = "zarrserve.yaml", "", ""
		logger = nil
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})
}

func TestCheckCommand(t *testing.T) {
	resetFlags(t)
	path := writeConfig(t, ":9000")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"check", "--config", path})
	if err := rootCmd.ExecuteContext(t.Context()); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if got, want := out.String(), "readings: 2 variables\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCheckCommand_MissingSource(t *testing.T) {
	resetFlags(t)
	path := filepath.Join(t.TempDir(), "zarrserve.yaml")
	if err := os.WriteFile(path, []byte("datasets:\n  - name: empty\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rootCmd.SetArgs([]string{"check", "--config", path})
	err := rootCmd.ExecuteContext(t.Context())
	if err == nil || !strings.Contains(err.Error(), "source requires path or s3") {
		t.Errorf("expected source validation error, got %v", err)
	}
}

func TestLoadConfig_FlagsOverrideFileAndEnv(t *testing.T) {
	resetFlags(t)
	t.Setenv("ZARRSERVE_LISTEN", ":7000")
	configPath = writeConfig(t, ":9000")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":7000" {
		t.Errorf("env override: got listen %q, want %q", cfg.Listen, ":7000")
	}
	if logger.Core().Enabled(zap.InfoLevel) {
		t.Error("file log level warn should disable info")
	}

	listenAddr, logLevel = "127.0.0.1:8080", "debug"
	cfg, err = loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:8080" {
		t.Errorf("flag override: got listen %q, want %q", cfg.Listen, "127.0.0.1:8080")
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Error("--log-level debug should enable debug logging")
	}
}

func TestServeCommand_ListenFlag(t *testing.T) {
	resetFlags(t)
	// The file's address cannot be listened on; the flag must win.
	path := writeConfig(t, "not-an-address")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	rootCmd.SetArgs([]string{"serve", "--config", path, "--listen", "127.0.0.1:0"})
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	listenAddr = ""
	rootCmd.SetArgs([]string{"serve", "--config", path})
	if err := rootCmd.ExecuteContext(ctx); err == nil {
		t.Error("expected listen error for the file's address")
	}
}
