package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_RepoConfig(t *testing.T) {
	tu, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu != Defaults() {
		t.Fatalf("shipped tuning drifted from defaults: %+v", tu)
	}
	s := tu.MonitorSettings()
	if s.TickInterval != time.Second || !s.TrackCores || !s.TrackGenerators || !s.TrackThrusters {
		t.Fatalf("settings=%+v", s)
	}
	if tu.GracePeriod() != 15*time.Second || tu.Settle() != 2*time.Second || tu.UpdateInterval() != 100*time.Millisecond {
		t.Fatalf("durations grace=%s settle=%s update=%s", tu.GracePeriod(), tu.Settle(), tu.UpdateInterval())
	}
}

func TestLoad_OverlayKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("track_generators: false\ngrace_period_ms: 500\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.TrackGenerators || tu.GracePeriodMs != 500 {
		t.Fatalf("overlay not applied: %+v", tu)
	}
	if !tu.TrackCores || tu.TickIntervalMs != 1000 || tu.BlocksConfig != "BlocksConfig.ecf" {
		t.Fatalf("defaults lost: %+v", tu)
	}
}

func TestLoad_Errors(t *testing.T) {
	if tu, err := Load(""); err != nil || tu != Defaults() {
		t.Fatalf("empty path: %+v %v", tu, err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	cases := map[string]string{
		"bad yaml":       "tick_interval_ms: [",
		"zero tick":      "tick_interval_ms: 0",
		"slow update":    "update_interval_ms: 5000",
		"negative grace": "grace_period_ms: -1",
		"no blocks":      "blocks_config: ''",
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "tuning.yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
