package tuning

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"autolevel.ai/internal/sim/monitor"
)

type Tuning struct {
	BlocksConfig string `yaml:"blocks_config"`

	TickIntervalMs   int `yaml:"tick_interval_ms"`
	UpdateIntervalMs int `yaml:"update_interval_ms"`
	GracePeriodMs    int `yaml:"grace_period_ms"`
	SettleMs         int `yaml:"settle_ms"`

	TrackCores      bool `yaml:"track_cores"`
	TrackGenerators bool `yaml:"track_generators"`
	TrackThrusters  bool `yaml:"track_thrusters"`
}

func Defaults() Tuning {
	return Tuning{
		BlocksConfig:     "BlocksConfig.ecf",
		TickIntervalMs:   1000,
		UpdateIntervalMs: 100,
		GracePeriodMs:    15000,
		SettleMs:         2000,
		TrackCores:       true,
		TrackGenerators:  true,
		TrackThrusters:   true,
	}
}

// Load overlays the YAML file at path on Defaults. An empty path returns the
// defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if strings.TrimSpace(t.BlocksConfig) == "" {
		return fmt.Errorf("blocks_config is required")
	}
	if t.TickIntervalMs <= 0 {
		return fmt.Errorf("tick_interval_ms must be > 0")
	}
	if t.UpdateIntervalMs <= 0 {
		return fmt.Errorf("update_interval_ms must be > 0")
	}
	if t.UpdateIntervalMs > t.TickIntervalMs {
		return fmt.Errorf("update_interval_ms (%d) exceeds tick_interval_ms (%d)", t.UpdateIntervalMs, t.TickIntervalMs)
	}
	if t.GracePeriodMs < 0 || t.SettleMs < 0 {
		return fmt.Errorf("grace_period_ms and settle_ms must be >= 0")
	}
	return nil
}

func (t Tuning) TickInterval() time.Duration   { return ms(t.TickIntervalMs) }
func (t Tuning) UpdateInterval() time.Duration { return ms(t.UpdateIntervalMs) }
func (t Tuning) GracePeriod() time.Duration    { return ms(t.GracePeriodMs) }
func (t Tuning) Settle() time.Duration         { return ms(t.SettleMs) }

// MonitorSettings is the immutable per-monitor view of t.
func (t Tuning) MonitorSettings() monitor.Settings {
	return monitor.Settings{
		TrackCores:      t.TrackCores,
		TrackGenerators: t.TrackGenerators,
		TrackThrusters:  t.TrackThrusters,
		TickInterval:    t.TickInterval(),
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
