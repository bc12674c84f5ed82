// Package simhost is an in-memory stand-in for the game host: partitions,
// structures with per-cell block storage, motion control and a chat channel.
// It drives the monitors the same way the real host does, through load and
// unload notifications.
package simhost

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"autolevel.ai/internal/sim/monitor"
	"autolevel.ai/internal/sim/scan"
)

var ErrUnknownEntity = errors.New("simhost: unknown entity")

// Listener receives the host's lifecycle notifications.
type Listener interface {
	PartitionLoaded(p monitor.Partition, now time.Time) error
	PartitionUnloading(name string, now time.Time) error
	EntityLoaded(partition string, e monitor.Entity, now time.Time) error
	EntityUnloaded(partition string, id int, now time.Time) error
}

type ChatLine struct {
	Partition string `json:"partition"`
	Text      string `json:"text"`
	AtMS      int64  `json:"at_ms"`
}

// World owns every partition. All live entity state is guarded by mu.
// Listener callbacks are made without mu held.
type World struct {
	mu     sync.Mutex
	ids    map[string]int
	offset scan.Offset
	parts  map[string]*Partition
	chat   []ChatLine
	onChat func(ChatLine)
	l      Listener
	log    *log.Logger
	now    func() time.Time
}

func NewWorld(sc Scenario, logger *log.Logger) (*World, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	sc.Normalize()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	w := &World{
		ids:    map[string]int{},
		offset: scan.Offset(*sc.StorageOffset),
		parts:  map[string]*Partition{},
		log:    logger,
		now:    time.Now,
	}
	for name, id := range sc.BlockIDs {
		w.ids[name] = id
	}
	for _, ps := range sc.Partitions {
		p := &Partition{w: w, name: ps.Name, ents: map[int]*Entity{}}
		for _, es := range ps.Entities {
			e, err := w.newEntity(ps.Name, es)
			if err != nil {
				return nil, fmt.Errorf("%s: entity %d: %w", ps.Name, es.ID, err)
			}
			p.ents[e.id] = e
		}
		w.parts[ps.Name] = p
	}
	return w, nil
}

// Subscribe sets the lifecycle listener. It must be called before Start.
func (w *World) Subscribe(l Listener) { w.l = l }

// OnChat registers a hook that sees every announcement.
func (w *World) OnChat(fn func(ChatLine)) {
	w.mu.Lock()
	w.onChat = fn
	w.mu.Unlock()
}

// Start announces every partition to the listener.
func (w *World) Start(now time.Time) error {
	var errs []error
	for _, name := range w.PartitionNames() {
		p := w.partition(name)
		if p == nil || w.l == nil {
			continue
		}
		if err := w.l.PartitionLoaded(p, now); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// BlockMapping returns the host's block name -> id table.
func (w *World) BlockMapping() (map[string]int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.ids))
	for k, v := range w.ids {
		out[k] = v
	}
	return out, nil
}

func (w *World) Announce(partition, text string) error {
	w.mu.Lock()
	line := ChatLine{Partition: partition, Text: text, AtMS: w.now().UnixMilli()}
	w.chat = append(w.chat, line)
	fn := w.onChat
	w.mu.Unlock()
	w.log.Printf("[%s] chat: %s", partition, text)
	if fn != nil {
		fn(line)
	}
	return nil
}

func (w *World) Chat() []ChatLine {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ChatLine(nil), w.chat...)
}

func (w *World) PartitionNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.parts))
	for name := range w.parts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (w *World) partition(name string) *Partition {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.parts[name]
}

// Entity returns the live entity id in partition.
func (w *World) Entity(partition string, id int) (*Entity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entityLocked(partition, id)
}

func (w *World) entityLocked(partition string, id int) (*Entity, error) {
	p := w.parts[partition]
	if p == nil {
		return nil, fmt.Errorf("%w: partition %s not loaded", ErrUnknownEntity, partition)
	}
	e := p.ents[id]
	if e == nil {
		return nil, fmt.Errorf("%w: %s:%d", ErrUnknownEntity, partition, id)
	}
	return e, nil
}

// Views returns the admin view of every entity in partition, sorted by id.
func (w *World) Views(partition string) ([]EntityView, error) {
	w.mu.Lock()
	p := w.parts[partition]
	if p == nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: partition %s not loaded", ErrUnknownEntity, partition)
	}
	ents := make([]*Entity, 0, len(p.ents))
	for _, e := range p.ents {
		ents = append(ents, e)
	}
	w.mu.Unlock()

	sort.Slice(ents, func(i, j int) bool { return ents[i].id < ents[j].id })
	out := make([]EntityView, 0, len(ents))
	for _, e := range ents {
		out = append(out, e.View())
	}
	return out, nil
}

// Lookup is Entity typed for the monitor packages.
func (w *World) Lookup(partition string, id int) (monitor.Entity, error) {
	e, err := w.Entity(partition, id)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (w *World) mutate(partition string, id int, fn func(e *Entity) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.entityLocked(partition, id)
	if err != nil {
		return err
	}
	return fn(e)
}

func (w *World) SetPowered(partition string, id int, powered bool) error {
	return w.mutate(partition, id, func(e *Entity) error {
		e.powered = powered
		return nil
	})
}

func (w *World) SetCore(partition string, id int, core monitor.CoreType) error {
	return w.mutate(partition, id, func(e *Entity) error {
		e.core = core
		return nil
	})
}

// RemoveBlocks clears every cell holding block name and returns how many
// cells were cleared.
func (w *World) RemoveBlocks(partition string, id int, name string) (int, error) {
	n := 0
	err := w.mutate(partition, id, func(e *Entity) error {
		bid, ok := w.ids[name]
		if !ok {
			return fmt.Errorf("unknown block %q", name)
		}
		for p, v := range e.cells {
			if v == bid {
				delete(e.cells, p)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (w *World) SetRotation(partition string, id int, q mgl32.Quat) error {
	return w.mutate(partition, id, func(e *Entity) error {
		e.rot = q.Normalize()
		return nil
	})
}

// Spawn loads a new entity into partition and notifies the listener.
func (w *World) Spawn(partition string, spec EntitySpec, now time.Time) error {
	w.mu.Lock()
	p := w.parts[partition]
	if p == nil {
		w.mu.Unlock()
		return fmt.Errorf("%w: partition %s not loaded", ErrUnknownEntity, partition)
	}
	for _, other := range w.parts {
		if _, dup := other.ents[spec.ID]; dup {
			w.mu.Unlock()
			return fmt.Errorf("entity id %d already in use", spec.ID)
		}
	}
	sc := Scenario{BlockIDs: w.ids, Partitions: []PartitionSpec{{Name: partition, Entities: []EntitySpec{spec}}}}
	sc.Normalize()
	if err := sc.Validate(); err != nil {
		w.mu.Unlock()
		return err
	}
	e, err := w.newEntity(partition, sc.Partitions[0].Entities[0])
	if err != nil {
		w.mu.Unlock()
		return err
	}
	p.ents[e.id] = e
	w.mu.Unlock()

	w.log.Printf("[%s] spawned %s:%d", partition, e.name, e.id)
	if w.l != nil {
		return w.l.EntityLoaded(partition, e, now)
	}
	return nil
}

// UnloadEntity removes the entity from its partition and notifies the
// listener.
func (w *World) UnloadEntity(partition string, id int, now time.Time) error {
	w.mu.Lock()
	e, err := w.entityLocked(partition, id)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	delete(w.parts[partition].ents, id)
	e.loaded = false
	w.mu.Unlock()

	if w.l != nil {
		return w.l.EntityUnloaded(partition, id, now)
	}
	return nil
}

// UnloadPartition notifies the listener, then drops the partition.
func (w *World) UnloadPartition(name string, now time.Time) error {
	if w.partition(name) == nil {
		return fmt.Errorf("%w: partition %s not loaded", ErrUnknownEntity, name)
	}
	var err error
	if w.l != nil {
		err = w.l.PartitionUnloading(name, now)
	}
	w.mu.Lock()
	if p := w.parts[name]; p != nil {
		for _, e := range p.ents {
			e.loaded = false
		}
	}
	delete(w.parts, name)
	w.mu.Unlock()
	return err
}

// Partition is one simulated playfield.
type Partition struct {
	w    *World
	name string
	ents map[int]*Entity
}

func (p *Partition) Name() string { return p.name }

func (p *Partition) Entities() []monitor.Entity {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	out := make([]monitor.Entity, 0, len(p.ents))
	for _, e := range p.ents {
		out = append(out, e)
	}
	return out
}
