package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/swarmgrid/substrate/internal/errs"
)

func TestDefaultsAreLoadable(t *testing.T) {
	cfg, err := Load("", Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Defaults()
	if cfg != want {
		t.Fatalf("Load(\"\", {}) = %+v, want Defaults() %+v", cfg, want)
	}
}

func TestLoadFileMissingFileIsNotAnError(t *testing.T) {
	p, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if p.DatabaseURL != nil {
		t.Fatalf("expected a zero-value Overrides, got %+v", p)
	}
}

func TestLoadFileTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `databaseUrl = "file:///tmp/swarm.db"
streamAddr = ":9999"
workerCount = 8
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if p.DatabaseURL == nil || *p.DatabaseURL != "file:///tmp/swarm.db" {
		t.Fatalf("DatabaseURL = %v", p.DatabaseURL)
	}
	if p.WorkerCount == nil || *p.WorkerCount != 8 {
		t.Fatalf("WorkerCount = %v", p.WorkerCount)
	}
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "databaseUrl: file:///tmp/swarm.db\nstreamToken: shh\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if p.DatabaseURL == nil || *p.DatabaseURL != "file:///tmp/swarm.db" {
		t.Fatalf("DatabaseURL = %v", p.DatabaseURL)
	}
	if p.StreamToken == nil || *p.StreamToken != "shh" {
		t.Fatalf("StreamToken = %v", p.StreamToken)
	}
}

func TestLoadFileUnsupportedExtensionIsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	if err := os.WriteFile(path, []byte("x=1"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := LoadFile(path)
	if !errs.IsInvalid(err) {
		t.Fatalf("LoadFile err = %v, want Invalid", err)
	}
}

func TestFromEnvReadsPrefixedVars(t *testing.T) {
	t.Setenv("SWARM_DATABASE_URL", "file:///env.db")
	t.Setenv("SWARM_WORKER_COUNT", "16")

	p, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if p.DatabaseURL == nil || *p.DatabaseURL != "file:///env.db" {
		t.Fatalf("DatabaseURL = %v", p.DatabaseURL)
	}
	if p.WorkerCount == nil || *p.WorkerCount != 16 {
		t.Fatalf("WorkerCount = %v", p.WorkerCount)
	}
}

func TestFromEnvInvalidIntIsInvalid(t *testing.T) {
	t.Setenv("SWARM_WORKER_COUNT", "not-a-number")
	_, err := FromEnv()
	if !errs.IsInvalid(err) {
		t.Fatalf("FromEnv err = %v, want Invalid", err)
	}
}

func TestLoadLayersFileThenEnvThenOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`streamAddr = ":7000"`+"\n"+`workerCount = 2`+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SWARM_WORKER_COUNT", "5")

	explicitAddr := ":9000"
	cfg, err := Load(path, Overrides{StreamAddr: &explicitAddr})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StreamAddr != ":9000" {
		t.Fatalf("StreamAddr = %q, want explicit override to win", cfg.StreamAddr)
	}
	if cfg.WorkerCount != 5 {
		t.Fatalf("WorkerCount = %d, want env layer (5) to beat file layer (2)", cfg.WorkerCount)
	}
}

func TestLoadRejectsEmptyDatabaseURL(t *testing.T) {
	empty := ""
	_, err := Load("", Overrides{DatabaseURL: &empty})
	if !errs.IsInvalid(err) {
		t.Fatalf("Load err = %v, want Invalid", err)
	}
}
