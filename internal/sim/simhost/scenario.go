package simhost

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"autolevel.ai/internal/sim/monitor"
	"autolevel.ai/internal/sim/scan"
)

// Scenario describes the simulated world: the host's block id mapping and the
// partitions with the structures loaded at startup.
type Scenario struct {
	BlockIDs   map[string]int  `yaml:"block_ids"`
	Partitions []PartitionSpec `yaml:"partitions"`

	// StorageOffset shifts structure coordinates into block storage. It
	// defaults to scan.DefaultOffset.
	StorageOffset *scan.Vec3i `yaml:"storage_offset,omitempty"`
}

type PartitionSpec struct {
	Name     string       `yaml:"name"`
	Entities []EntitySpec `yaml:"entities"`
}

type EntitySpec struct {
	ID      int    `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Faction string `yaml:"faction" json:"faction"`
	Core    string `yaml:"core" json:"core"`
	// Powered defaults to true.
	Powered *bool `yaml:"powered,omitempty" json:"powered,omitempty"`

	// Orientation in degrees.
	Yaw   float32 `yaml:"yaw" json:"yaw"`
	Pitch float32 `yaml:"pitch" json:"pitch"`
	Roll  float32 `yaml:"roll" json:"roll"`

	Blocks []BlockSpec `yaml:"blocks" json:"blocks"`
}

// BlockSpec places one block at At, or fills the box From..To when To is set.
type BlockSpec struct {
	Block string      `yaml:"block" json:"block"`
	At    scan.Vec3i  `yaml:"at" json:"at"`
	To    *scan.Vec3i `yaml:"to,omitempty" json:"to,omitempty"`
}

func LoadScenario(path string) (Scenario, error) {
	var sc Scenario
	b, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	if err := yaml.Unmarshal(b, &sc); err != nil {
		return sc, fmt.Errorf("worlds.yaml: %w", err)
	}
	sc.Normalize()
	if err := sc.Validate(); err != nil {
		return sc, fmt.Errorf("worlds.yaml: %w", err)
	}
	return sc, nil
}

func (sc *Scenario) Normalize() {
	if sc.BlockIDs == nil {
		sc.BlockIDs = map[string]int{}
	}
	if sc.StorageOffset == nil {
		off := scan.Vec3i(scan.DefaultOffset)
		sc.StorageOffset = &off
	}
	for i := range sc.Partitions {
		p := &sc.Partitions[i]
		p.Name = strings.TrimSpace(p.Name)
		for j := range p.Entities {
			e := &p.Entities[j]
			e.Name = strings.TrimSpace(e.Name)
			if e.Type == "" {
				e.Type = "CV"
			}
			if e.Faction == "" {
				e.Faction = "Zirax"
			}
			if e.Core == "" {
				e.Core = "NPC"
			}
		}
		sort.SliceStable(p.Entities, func(a, b int) bool { return p.Entities[a].ID < p.Entities[b].ID })
	}
}

func (sc Scenario) Validate() error {
	seenPart := map[string]bool{}
	seenID := map[int]string{}
	for _, p := range sc.Partitions {
		if p.Name == "" {
			return fmt.Errorf("partition with empty name")
		}
		if seenPart[p.Name] {
			return fmt.Errorf("duplicate partition: %s", p.Name)
		}
		seenPart[p.Name] = true
		for _, e := range p.Entities {
			if prev, ok := seenID[e.ID]; ok {
				return fmt.Errorf("entity id %d in %s already used in %s", e.ID, p.Name, prev)
			}
			seenID[e.ID] = p.Name
			if err := sc.validateEntity(e); err != nil {
				return fmt.Errorf("%s: entity %d: %w", p.Name, e.ID, err)
			}
		}
	}
	return nil
}

func (sc Scenario) validateEntity(e EntitySpec) error {
	if e.ID <= 0 {
		return fmt.Errorf("id must be > 0")
	}
	if _, err := monitor.ParseEntityType(e.Type); err != nil {
		return err
	}
	if _, err := monitor.ParseFactionGroup(e.Faction); err != nil {
		return err
	}
	if _, err := monitor.ParseCoreType(e.Core); err != nil {
		return err
	}
	for _, b := range e.Blocks {
		if _, ok := sc.BlockIDs[b.Block]; !ok {
			return fmt.Errorf("block %q has no id in block_ids", b.Block)
		}
	}
	return nil
}
