package monitor

import (
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl32"

	"autolevel.ai/internal/protocol"
	"autolevel.ai/internal/sim/scan"
)

type EntityType int

const (
	EntityUnknown EntityType = iota
	EntityPlayer
	EntityBA
	EntityCV
	EntitySV
	EntityHV
	EntityProxy
)

var entityTypeNames = []string{"Unknown", "Player", "BA", "CV", "SV", "HV", "Proxy"}

func (t EntityType) String() string { return enumName(entityTypeNames, int(t)) }

func ParseEntityType(s string) (EntityType, error) {
	i, err := parseEnum(entityTypeNames, "entity type", s)
	return EntityType(i), err
}

type FactionGroup int

const (
	FactionFaction FactionGroup = iota
	FactionPlayer
	FactionZirax
	FactionPredator
	FactionPrey
	FactionAdmin
	FactionAlien
	FactionPolaris
	FactionNoFaction
)

var factionNames = []string{"Faction", "Player", "Zirax", "Predator", "Prey", "Admin", "Alien", "Polaris", "NoFaction"}

func (g FactionGroup) String() string { return enumName(factionNames, int(g)) }

func ParseFactionGroup(s string) (FactionGroup, error) {
	i, err := parseEnum(factionNames, "faction group", s)
	return FactionGroup(i), err
}

type CoreType int

const (
	CoreNone CoreType = iota
	CorePlayer
	CoreAdmin
	CoreAlien
	CoreAlienAdmin
	CoreNPC
	CoreNPCAdmin
	CoreNoFaction
	CoreNoData
)

var coreNames = []string{"None", "Player", "Admin", "Alien", "AlienAdmin", "NPC", "NPCAdmin", "NoFaction", "NoData"}

func (c CoreType) String() string { return enumName(coreNames, int(c)) }

func ParseCoreType(s string) (CoreType, error) {
	i, err := parseEnum(coreNames, "core type", s)
	return CoreType(i), err
}

func enumName(names []string, i int) string {
	if i < 0 || i >= len(names) {
		return fmt.Sprintf("Unknown(%d)", i)
	}
	return names[i]
}

func parseEnum(names []string, what, s string) (int, error) {
	s = strings.TrimSpace(s)
	for i, n := range names {
		if strings.EqualFold(n, s) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", what, s)
}

// Structure is a refreshed snapshot of an entity's blocks and aggregate state.
type Structure interface {
	scan.Volume
	CoreType() CoreType
	Powered() bool
}

// Entity is the host's live handle to one structure.
type Entity interface {
	ID() int
	Name() string
	Type() EntityType
	Faction() FactionGroup

	// Refresh forces the host to rebuild the structural snapshot.
	Refresh() error
	// Structure returns the last refreshed snapshot, nil if there is none.
	Structure() Structure

	MoveStop() error
	Rotation() (mgl32.Quat, error)
	SetRotation(q mgl32.Quat) error
}

// Partition is one independently ticked region of the world.
type Partition interface {
	Name() string
	Entities() []Entity
}

type EventSink interface {
	Emit(ev protocol.EntityEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev protocol.EntityEvent)

func (f EventSinkFunc) Emit(ev protocol.EntityEvent) { f(ev) }

func describe(e Entity) string {
	core := CoreNoData
	if s := e.Structure(); s != nil {
		core = s.CoreType()
	}
	return fmt.Sprintf("%s:%s:%s:%s:%d", e.Name(), e.Type(), e.Faction(), core, e.ID())
}
