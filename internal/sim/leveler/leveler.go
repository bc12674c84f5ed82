// Package leveler runs the reaction to a disabled vessel: announce, wait out
// the grace period, stop the vessel, let it settle, then clear its pitch and
// roll.
//
// Every pending reaction is plain state (stage + deadline) advanced from the
// host's update callback, so nothing sleeps and unloads cancel immediately.
package leveler

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"autolevel.ai/internal/protocol"
	"autolevel.ai/internal/sim/monitor"
)

var ErrTargetGone = errors.New("leveler: target gone")

type Stage string

const (
	StageGrace  Stage = "GRACE"
	StageSettle Stage = "SETTLE"
)

type Key struct {
	Partition string `json:"partition"`
	ID        int    `json:"id"`
}

// Action is one pending reaction.
type Action struct {
	Key       Key       `json:"key"`
	Name      string    `json:"name"`
	Stage     Stage     `json:"stage"`
	Deadline  time.Time `json:"deadline"`
	Scheduled time.Time `json:"scheduled"`
}

// Announcer broadcasts a message to the players of one partition.
type Announcer interface {
	Announce(partition, text string) error
}

// Lookup returns the live handle of an entity. It fails when the entity is
// no longer loaded.
type Lookup func(partition string, id int) (monitor.Entity, error)

type Config struct {
	Grace  time.Duration
	Settle time.Duration

	Lookup    Lookup
	Announcer Announcer
	Sink      monitor.EventSink
	Logger    *log.Logger
}

type Scheduler struct {
	grace  time.Duration
	settle time.Duration
	lookup Lookup
	ann    Announcer
	sink   monitor.EventSink
	log    *log.Logger

	pending map[Key]*Action

	leveled   uint64
	cancelled uint64
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Lookup == nil {
		return nil, fmt.Errorf("leveler: nil lookup")
	}
	if cfg.Grace < 0 || cfg.Settle < 0 {
		return nil, fmt.Errorf("leveler: negative delay (grace=%s settle=%s)", cfg.Grace, cfg.Settle)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{
		grace:   cfg.Grace,
		settle:  cfg.Settle,
		lookup:  cfg.Lookup,
		ann:     cfg.Announcer,
		sink:    cfg.Sink,
		log:     logger,
		pending: map[Key]*Action{},
	}, nil
}

// Schedule queues the reaction for a freshly disabled entity and announces it.
// A second call for the same entity while one is pending is a no-op.
func (s *Scheduler) Schedule(partition string, e monitor.Entity, now time.Time) bool {
	k := Key{Partition: partition, ID: e.ID()}
	if _, ok := s.pending[k]; ok {
		return false
	}
	s.pending[k] = &Action{
		Key:       k,
		Name:      e.Name(),
		Stage:     StageGrace,
		Deadline:  now.Add(s.grace),
		Scheduled: now,
	}
	s.announce(partition, fmt.Sprintf("%s has been disabled and will be auto-rotated in %s.", e.Name(), s.grace))
	return true
}

// Cancel drops the pending reaction for (partition, id).
func (s *Scheduler) Cancel(partition string, id int, reason string, now time.Time) bool {
	a, ok := s.pending[Key{Partition: partition, ID: id}]
	if !ok {
		return false
	}
	s.drop(a, reason, now)
	return true
}

// CancelPartition drops every reaction pending in partition and returns how
// many were dropped.
func (s *Scheduler) CancelPartition(partition string, reason string, now time.Time) int {
	n := 0
	for _, a := range s.sorted() {
		if a.Key.Partition != partition {
			continue
		}
		s.drop(a, reason, now)
		n++
	}
	return n
}

// Advance runs every action whose deadline has passed. With a zero settle
// interval an action can go from grace to leveled in one call.
func (s *Scheduler) Advance(now time.Time) {
	for _, a := range s.sorted() {
		for s.pending[a.Key] == a && !now.Before(a.Deadline) {
			if err := s.step(a, now); err != nil {
				s.log.Printf("[%s] reaction for %s:%d dropped at %s: %v", a.Key.Partition, a.Name, a.Key.ID, a.Stage, err)
				reason := protocol.ReasonTargetGone
				if !errors.Is(err, ErrTargetGone) {
					reason = err.Error()
				}
				s.drop(a, reason, now)
			}
		}
	}
}

func (s *Scheduler) step(a *Action, now time.Time) error {
	e, err := s.lookup(a.Key.Partition, a.Key.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTargetGone, err)
	}
	switch a.Stage {
	case StageGrace:
		if err := e.MoveStop(); err != nil {
			return fmt.Errorf("%w: stop: %v", ErrTargetGone, err)
		}
		a.Stage = StageSettle
		a.Deadline = now.Add(s.settle)
		return nil
	case StageSettle:
		q, err := e.Rotation()
		if err != nil {
			return fmt.Errorf("%w: rotation: %v", ErrTargetGone, err)
		}
		if err := e.SetRotation(Level(q)); err != nil {
			return fmt.Errorf("%w: set rotation: %v", ErrTargetGone, err)
		}
		delete(s.pending, a.Key)
		s.leveled++
		s.log.Printf("[%s] leveled %s:%d", a.Key.Partition, a.Name, a.Key.ID)
		s.announce(a.Key.Partition, fmt.Sprintf("%s has been auto-rotated.", a.Name))
		s.emit(protocol.EventLeveled, a, "", now)
		return nil
	default:
		return fmt.Errorf("unknown stage %q", a.Stage)
	}
}

func (s *Scheduler) drop(a *Action, reason string, now time.Time) {
	delete(s.pending, a.Key)
	s.cancelled++
	s.emit(protocol.EventCancelled, a, reason, now)
}

func (s *Scheduler) announce(partition, text string) {
	if s.ann == nil {
		return
	}
	if err := s.ann.Announce(partition, text); err != nil {
		s.log.Printf("[%s] announce failed: %v", partition, err)
	}
}

func (s *Scheduler) emit(kind string, a *Action, reason string, now time.Time) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(protocol.NewEntityEvent(kind, a.Key.Partition, a.Key.ID, a.Name, reason, 0, now))
}

func (s *Scheduler) sorted() []*Action {
	out := make([]*Action, 0, len(s.pending))
	for _, a := range s.pending {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Partition != out[j].Key.Partition {
			return out[i].Key.Partition < out[j].Key.Partition
		}
		return out[i].Key.ID < out[j].Key.ID
	})
	return out
}

// Pending returns a copy of the pending actions ordered by partition and id.
func (s *Scheduler) Pending() []Action {
	src := s.sorted()
	out := make([]Action, len(src))
	for i, a := range src {
		out[i] = *a
	}
	return out
}

func (s *Scheduler) PendingIn(partition string) int {
	n := 0
	for k := range s.pending {
		if k.Partition == partition {
			n++
		}
	}
	return n
}

type Stats struct {
	Pending   int    `json:"pending"`
	Leveled   uint64 `json:"leveled"`
	Cancelled uint64 `json:"cancelled"`
}

func (s *Scheduler) Stats() Stats {
	return Stats{Pending: len(s.pending), Leveled: s.leveled, Cancelled: s.cancelled}
}
