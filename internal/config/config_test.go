package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 6400 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Storage.CheckpointDistance != 64*1024*1024 {
		t.Errorf("checkpoint_distance = %d", cfg.Storage.CheckpointDistance)
	}
	if cfg.Storage.CompactionThreshold != 10 || cfg.Storage.ImageCreationThreshold != 3 {
		t.Errorf("compaction knobs = %d/%d",
			cfg.Storage.CompactionThreshold, cfg.Storage.ImageCreationThreshold)
	}
	if cfg.WALSource.Addr != "" {
		t.Errorf("wal source enabled by default: %q", cfg.WALSource.Addr)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	raw := `
node:
  id: node-7
  data_dir: /tmp/ps
http-server:
  port: 9900
storage:
  checkpoint_distance: 1024
  gc_horizon: 2048
  compaction_period: 5s
`
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node.ID != "node-7" || cfg.Server.Port != 9900 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Storage.CheckpointDistance != 1024 || cfg.Storage.GCHorizon != 2048 {
		t.Errorf("storage overrides not applied: %+v", cfg.Storage)
	}
	if cfg.Storage.CompactionPeriod != 5*time.Second {
		t.Errorf("compaction_period = %s", cfg.Storage.CompactionPeriod)
	}
	// Untouched fields keep their defaults.
	if cfg.Storage.CompactionThreshold != 10 {
		t.Errorf("default lost: compaction_threshold = %d", cfg.Storage.CompactionThreshold)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("node: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed yaml accepted")
	}
}

func TestWriteDefaultRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Default() {
		t.Errorf("written defaults do not load back identically: %+v", cfg)
	}
}
