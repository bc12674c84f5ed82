// Package monitor tracks NPC vehicles inside one partition and reports the
// moment one of them stops being able to fly: core gone, power gone, or no
// thrusters left.
//
// A Monitor is not safe for concurrent use. The host drives it from its
// update callback; load/unload notifications must be delivered from the same
// goroutine (multiworld.Manager serialises them).
package monitor

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"autolevel.ai/internal/protocol"
	"autolevel.ai/internal/sim/classify"
	"autolevel.ai/internal/sim/scan"
)

var errNoStructure = errors.New("no structure data")

// Settings is fixed for the lifetime of a Monitor.
type Settings struct {
	TrackCores      bool
	TrackGenerators bool
	TrackThrusters  bool
	TickInterval    time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		TrackCores:      true,
		TrackGenerators: true,
		TrackThrusters:  true,
		TickInterval:    time.Second,
	}
}

type State int

const (
	StateUnseen State = iota
	StateTracked
	StateIgnored
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateTracked:
		return "tracked"
	case StateIgnored:
		return "ignored"
	case StateDisabled:
		return "disabled"
	default:
		return "unseen"
	}
}

type Config struct {
	Partition Partition
	Index     *classify.Index
	IDs       scan.IDTable
	Settings  Settings
	Sink      EventSink
	// OnDisabled runs after the DISABLED event is emitted.
	OnDisabled func(e Entity, ev protocol.EntityEvent)
	Logger     *log.Logger
}

type tracked struct {
	entity Entity
	since  uint64
}

type Monitor struct {
	name       string
	part       Partition
	index      *classify.Index
	scanner    *scan.Scanner
	settings   Settings
	sink       EventSink
	onDisabled func(Entity, protocol.EntityEvent)
	log        *log.Logger

	tracked  map[int]*tracked
	ignored  map[int]struct{}
	disabled map[int]struct{}

	tick     uint64
	lastTick time.Time
	now      time.Time
}

func New(cfg Config) (*Monitor, error) {
	if cfg.Partition == nil {
		return nil, fmt.Errorf("monitor: nil partition")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("monitor: nil classification index")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Monitor{
		name:       cfg.Partition.Name(),
		part:       cfg.Partition,
		index:      cfg.Index,
		scanner:    scan.New(cfg.IDs, cfg.Index),
		settings:   cfg.Settings,
		sink:       cfg.Sink,
		onDisabled: cfg.OnDisabled,
		log:        logger,
		tracked:    map[int]*tracked{},
		ignored:    map[int]struct{}{},
		disabled:   map[int]struct{}{},
	}, nil
}

func (m *Monitor) Name() string { return m.name }

// Load starts the session: the tick clock begins at now and every entity
// already present is evaluated once.
func (m *Monitor) Load(now time.Time) {
	m.lastTick = now
	m.now = now
	m.log.Printf("[%s] loading partition", m.name)
	m.discoverAll()
}

// Unload drops every tracked entity. The monitor is not reused afterwards.
func (m *Monitor) Unload() {
	m.tracked = map[int]*tracked{}
}

// EntityLoaded evaluates a freshly loaded entity.
func (m *Monitor) EntityLoaded(e Entity, now time.Time) {
	m.now = now
	m.discover(e)
}

// EntityUnloaded stops tracking id. It reports whether id was tracked.
func (m *Monitor) EntityUnloaded(id int, now time.Time) bool {
	t, ok := m.tracked[id]
	if !ok {
		return false
	}
	delete(m.tracked, id)
	m.now = now
	m.log.Printf("[%s] entity unloaded, no longer tracking %s:%d", m.name, t.entity.Name(), id)
	m.emit(protocol.EventUnloaded, id, t.entity.Name(), "")
	return true
}

// Update runs a tick when more than one tick interval has passed since the
// previous one. A late tick runs once and resets the clock.
func (m *Monitor) Update(now time.Time) bool {
	if now.Sub(m.lastTick) <= m.settings.TickInterval {
		return false
	}
	m.Tick(now)
	return true
}

// Tick re-runs discovery, then checks every tracked entity for disablement.
func (m *Monitor) Tick(now time.Time) {
	m.now = now
	m.discoverAll()

	var gone []int
	for _, id := range m.TrackedIDs() {
		t := m.tracked[id]
		reason, err := m.disabledReason(t.entity)
		if err != nil {
			m.log.Printf("[%s] disabled check skipped for %s:%d: %v", m.name, t.entity.Name(), id, err)
			continue
		}
		if reason == "" {
			continue
		}
		m.log.Printf("[%s] %s is disabled (%s), tracked since tick %d", m.name, describe(t.entity), reason, t.since)
		ev := m.emit(protocol.EventDisabled, id, t.entity.Name(), reason)
		gone = append(gone, id)
		m.disabled[id] = struct{}{}
		if m.onDisabled != nil {
			m.onDisabled(t.entity, ev)
		}
	}
	for _, id := range gone {
		delete(m.tracked, id)
	}
	m.tick++
	m.lastTick = now
}

func (m *Monitor) State(id int) State {
	if _, ok := m.tracked[id]; ok {
		return StateTracked
	}
	if _, ok := m.ignored[id]; ok {
		return StateIgnored
	}
	if _, ok := m.disabled[id]; ok {
		return StateDisabled
	}
	return StateUnseen
}

func (m *Monitor) TrackedIDs() []int {
	ids := make([]int, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

type Stats struct {
	Tick         uint64 `json:"tick"`
	Tracked      int    `json:"tracked"`
	Ignored      int    `json:"ignored"`
	Disabled     int    `json:"disabled"`
	CellsScanned uint64 `json:"cells_scanned"`
}

func (m *Monitor) Stats() Stats {
	return Stats{
		Tick:         m.tick,
		Tracked:      len(m.tracked),
		Ignored:      len(m.ignored),
		Disabled:     len(m.disabled),
		CellsScanned: m.scanner.CellsVisited(),
	}
}

func (m *Monitor) discoverAll() {
	ents := m.part.Entities()
	sort.Slice(ents, func(i, j int) bool { return ents[i].ID() < ents[j].ID() })
	for _, e := range ents {
		m.discover(e)
	}
}

func (m *Monitor) discover(e Entity) {
	id := e.ID()
	if m.State(id) != StateUnseen || !eligible(e) {
		return
	}
	if err := e.Refresh(); err != nil {
		m.log.Printf("[%s] refresh %s:%d failed: %v", m.name, e.Name(), id, err)
		return
	}
	reason := m.invalidReason(e)
	if reason == "" {
		m.log.Printf("[%s] tracking entity %s", m.name, describe(e))
		m.tracked[id] = &tracked{entity: e, since: m.tick}
		m.emit(protocol.EventTracked, id, e.Name(), "")
		return
	}
	s := e.Structure()
	if e.Type() != EntityProxy && s != nil && s.CoreType() != CoreNoData {
		m.log.Printf("[%s] ignoring entity %s (%s)", m.name, describe(e), reason)
		m.ignored[id] = struct{}{}
		m.emit(protocol.EventIgnored, id, e.Name(), reason)
	}
}

func eligible(e Entity) bool {
	g := e.Faction()
	return e.Type() == EntityCV && g != FactionPlayer && g != FactionAdmin
}

func (m *Monitor) invalidReason(e Entity) string {
	s := e.Structure()
	if s == nil {
		return protocol.ReasonBadCore
	}
	if c := s.CoreType(); c != CoreNPC && c != CoreNoFaction {
		return protocol.ReasonBadCore
	}
	if !s.Powered() {
		return protocol.ReasonUnpowered
	}
	blocks := m.scanner.Blocks(s)
	if !blocks.Any(m.index.IsThruster) {
		return protocol.ReasonNoThrusters
	}
	if !blocks.Any(m.index.IsGenerator) {
		return protocol.ReasonNoGenerators
	}
	return ""
}

func (m *Monitor) disabledReason(e Entity) (string, error) {
	if err := e.Refresh(); err != nil {
		return "", err
	}
	s := e.Structure()
	if s == nil {
		return "", errNoStructure
	}
	if m.settings.TrackCores && s.CoreType() == CoreNone {
		return protocol.ReasonCoreRemoved, nil
	}
	if m.settings.TrackGenerators && !s.Powered() {
		return protocol.ReasonUnpowered, nil
	}
	if !m.settings.TrackThrusters && !m.settings.TrackGenerators {
		return "", nil
	}
	blocks := m.scanner.Blocks(s)
	if m.settings.TrackThrusters && !blocks.Any(m.index.IsThruster) {
		return protocol.ReasonNoThrusters, nil
	}
	// The generator check consults the thruster table. Kept as shipped;
	// see DESIGN.md before changing it.
	if m.settings.TrackGenerators && !blocks.Any(m.index.IsThruster) {
		return protocol.ReasonNoGenerators, nil
	}
	return "", nil
}

func (m *Monitor) emit(kind string, id int, name, reason string) protocol.EntityEvent {
	ev := protocol.NewEntityEvent(kind, m.name, id, name, reason, m.tick, m.now)
	if m.sink != nil {
		m.sink.Emit(ev)
	}
	return ev
}
