package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"authority-tree/config"
	"authority-tree/models"
	"authority-tree/tree"
)

func TestShippedConfigBuildsGenesis(t *testing.T) {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ceremony.Timeout != 30*time.Second {
		t.Fatalf("ceremony timeout %v", cfg.Ceremony.Timeout)
	}
	if cfg.SnapshotPolicy().Retention != models.RetainPrune {
		t.Fatalf("retention %v", cfg.SnapshotPolicy().Retention)
	}

	g, err := cfg.TreeGenesis()
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if g.MinCooldown != uint64((72 * time.Hour).Seconds()) {
		t.Fatalf("min cooldown %d", g.MinCooldown)
	}
	s, err := tree.NewState(g)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if node, ok := s.RecoveryNode(); !ok || node != 1 {
		t.Fatalf("recovery node %d %v", node, ok)
	}

	share, ok, err := cfg.Share()
	if err != nil || !ok {
		t.Fatalf("share: %v %v", ok, err)
	}
	leaf, _ := s.Leaf(models.LeafID(cfg.Identity.LeafID))
	if share.Signer != cfg.Identity.LeafID || leaf == nil {
		t.Fatalf("identity does not match a genesis leaf")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

const minimal = `
storage:
  engine: pebble
genesis:
  branches:
    - index: 0
      policy: any
  leaves:
    - id: 1
      role: device
      under: 0
      public_key: "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"
`

func TestDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("AUTHTREE_SERVER_PORT", "9191")
	cfg, err := config.Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Fatalf("port %d, want env override 9191", cfg.Server.Port)
	}
	if cfg.Storage.Engine != "pebble" || cfg.Snapshot.HighWaterMark != 1000 || cfg.Recovery.ClockSkew != 5*time.Minute {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, ok, _ := cfg.Share(); ok {
		t.Fatalf("share derived without an identity")
	}
	if _, err := cfg.TreeGenesis(); err != nil {
		t.Fatalf("genesis: %v", err)
	}
}

func TestLoadRejectsBadSettings(t *testing.T) {
	bad := map[string]string{
		"engine":    "storage:\n  engine: rocksdb\ngenesis:\n  branches: [{index: 0, policy: any}]\n",
		"retention": "snapshot:\n  retention: forever\ngenesis:\n  branches: [{index: 0, policy: any}]\n",
		"genesis":   "server:\n  port: 8080\n",
		"skew":      "recovery:\n  clock_skew: 0s\ngenesis:\n  branches: [{index: 0, policy: any}]\n",
	}
	for name, body := range bad {
		if _, err := config.Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: bad config accepted", name)
		}
	}

	cfg, err := config.Load(writeConfig(t, "genesis:\n  branches: [{index: 0, policy: \"threshold(4,3)\"}]\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := cfg.TreeGenesis(); err == nil {
		t.Fatalf("invalid policy accepted")
	}
}
