package multiworld

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"autolevel.ai/internal/protocol"
	"autolevel.ai/internal/sim/catalogs"
	"autolevel.ai/internal/sim/classify"
	"autolevel.ai/internal/sim/leveler"
	"autolevel.ai/internal/sim/monitor"
	"autolevel.ai/internal/sim/scan"
	"autolevel.ai/internal/sim/tuning"
)

const (
	ModName    = "AutoLevel"
	ModVersion = "0.1"

	stateVersion = 1
)

var ErrInert = errors.New("multiworld: module inert")

// Host is what the manager needs from the game host beyond the partitions it
// is handed.
type Host interface {
	BlockMapping() (map[string]int, error)
	Announce(partition, text string) error
}

type Options struct {
	Tuning tuning.Tuning
	// ConfigDir resolves a relative Tuning.BlocksConfig.
	ConfigDir string
	Sink      monitor.EventSink
	Logger    *log.Logger
	// StateFile, when set, receives a debounced JSON status snapshot.
	StateFile string
}

// Manager owns one monitor per loaded partition and the shared leveler. Every
// method is safe for concurrent use; host callbacks are serialised under mu.
type Manager struct {
	mu sync.Mutex

	host     Host
	tuning   tuning.Tuning
	sink     monitor.EventSink
	log      *log.Logger
	inertErr error

	catalog *catalogs.BlockCatalog
	index   *classify.Index

	parts    map[string]monitor.Partition
	monitors map[string]*monitor.Monitor
	lev      *leveler.Scheduler
	panics   map[string]uint64
	now      time.Time

	stateFile       string
	persistDebounce time.Duration
	persistCh       chan struct{}
	persistFlush    chan chan struct{}
	persistStop     chan struct{}
	persistWG       sync.WaitGroup
	closeOnce       sync.Once
}

// NewManager loads the block configuration. When it cannot, the manager is
// inert: no monitors start, status and chat queries still answer.
func NewManager(host Host, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	m := &Manager{
		host:            host,
		tuning:          opts.Tuning,
		sink:            opts.Sink,
		log:             logger,
		parts:           map[string]monitor.Partition{},
		monitors:        map[string]*monitor.Monitor{},
		panics:          map[string]uint64{},
		stateFile:       opts.StateFile,
		persistDebounce: 200 * time.Millisecond,
		persistCh:       make(chan struct{}, 1),
		persistFlush:    make(chan chan struct{}, 8),
		persistStop:     make(chan struct{}),
	}
	if err := m.init(opts); err != nil {
		m.inertErr = err
		m.log.Printf("%s %s inert: %v", ModName, ModVersion, err)
	}
	m.persistWG.Add(1)
	go m.persistLoop()
	return m
}

func (m *Manager) init(opts Options) error {
	if err := opts.Tuning.Validate(); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	path := opts.Tuning.BlocksConfig
	if !filepath.IsAbs(path) {
		path = filepath.Join(opts.ConfigDir, path)
	}
	cat, err := catalogs.Load(path)
	if err != nil {
		return err
	}
	lev, err := leveler.New(leveler.Config{
		Grace:     opts.Tuning.GracePeriod(),
		Settle:    opts.Tuning.Settle(),
		Lookup:    m.lookupLocked,
		Announcer: m.host,
		Sink:      monitor.EventSinkFunc(m.emit),
		Logger:    m.log,
	})
	if err != nil {
		return err
	}
	m.catalog = cat
	m.index = classify.Build(cat)
	m.lev = lev
	m.log.Printf("%s %s loaded %d blocks (%d thrusters, %d generators) digest=%s",
		ModName, ModVersion, cat.Len(), m.index.ClassSize(classify.Thruster), m.index.ClassSize(classify.Generator), cat.Digest)
	return nil
}

// Inert returns the reason the manager is inert, nil when it is active.
func (m *Manager) Inert() error { return m.inertErr }

// Catalog and Index are nil when the manager is inert.
func (m *Manager) Catalog() *catalogs.BlockCatalog { return m.catalog }
func (m *Manager) Index() *classify.Index          { return m.index }

func (m *Manager) PartitionLoaded(p monitor.Partition, now time.Time) error {
	if m.inertErr != nil {
		return ErrInert
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	name := p.Name()
	if _, ok := m.monitors[name]; ok {
		return fmt.Errorf("partition %s already loaded", name)
	}
	byName, err := m.host.BlockMapping()
	if err != nil {
		return fmt.Errorf("partition %s: block mapping: %w", name, err)
	}
	mon, err := monitor.New(monitor.Config{
		Partition: p,
		Index:     m.index,
		IDs:       scan.NewIDTable(byName),
		Settings:  m.tuning.MonitorSettings(),
		Sink:      monitor.EventSinkFunc(m.emit),
		OnDisabled: func(e monitor.Entity, ev protocol.EntityEvent) {
			m.lev.Schedule(name, e, m.now)
		},
		Logger: m.log,
	})
	if err != nil {
		return err
	}
	// A partition whose load faults is not registered; the host may retry.
	if err := m.safe(name, func() { mon.Load(now) }); err != nil {
		return err
	}
	m.parts[name] = p
	m.monitors[name] = mon
	return nil
}

func (m *Manager) PartitionUnloading(name string, now time.Time) error {
	if m.inertErr != nil {
		return ErrInert
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	mon, ok := m.monitors[name]
	if !ok {
		return fmt.Errorf("partition %s not loaded", name)
	}
	if n := m.lev.CancelPartition(name, protocol.ReasonPartitionUnloaded, now); n > 0 {
		m.log.Printf("[%s] cancelled %d pending reactions", name, n)
	}
	mon.Unload()
	delete(m.monitors, name)
	delete(m.parts, name)
	m.log.Printf("[%s] partition unloaded", name)
	m.schedulePersist()
	return nil
}

func (m *Manager) EntityLoaded(partition string, e monitor.Entity, now time.Time) error {
	if m.inertErr != nil {
		return ErrInert
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	mon, ok := m.monitors[partition]
	if !ok {
		return fmt.Errorf("partition %s not loaded", partition)
	}
	return m.safe(partition, func() { mon.EntityLoaded(e, now) })
}

func (m *Manager) EntityUnloaded(partition string, id int, now time.Time) error {
	if m.inertErr != nil {
		return ErrInert
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	mon, ok := m.monitors[partition]
	if !ok {
		return fmt.Errorf("partition %s not loaded", partition)
	}
	m.lev.Cancel(partition, id, protocol.ReasonEntityUnloaded, now)
	return m.safe(partition, func() { mon.EntityUnloaded(id, now) })
}

// Update is the host's update callback: every monitor whose tick is due runs
// it, then pending reactions advance. A fault in one partition is logged and
// the others still run.
func (m *Manager) Update(now time.Time) {
	if m.inertErr != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	for _, name := range m.partitionNamesLocked() {
		mon := m.monitors[name]
		if err := m.safe(name, func() { mon.Update(now) }); err != nil {
			m.log.Printf("[%s] update: %v", name, err)
		}
	}
	if err := m.safe("leveler", func() { m.lev.Advance(now) }); err != nil {
		m.log.Printf("leveler: %v", err)
	}
}

// Run calls Update every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("run: interval must be > 0")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			m.Update(now)
		}
	}
}

func (m *Manager) safe(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.panics[name]++
			err = fmt.Errorf("panic in %s: %v", name, r)
			m.log.Printf("[%s] recovered: %v", name, r)
		}
	}()
	fn()
	return nil
}

func (m *Manager) emit(ev protocol.EntityEvent) {
	if m.sink != nil {
		m.sink.Emit(ev)
	}
	m.schedulePersist()
}

func (m *Manager) lookupLocked(partition string, id int) (monitor.Entity, error) {
	p := m.parts[partition]
	if p == nil {
		return nil, fmt.Errorf("partition %s not loaded", partition)
	}
	for _, e := range p.Entities() {
		if e.ID() == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("entity %d not in %s", id, partition)
}

func (m *Manager) partitionNamesLocked() []string {
	out := make([]string, 0, len(m.monitors))
	for name := range m.monitors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) PartitionNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.partitionNamesLocked()
}

// HandleChat answers a server chat message. It reports whether the message
// was a command this module handles.
func (m *Manager) HandleChat(text string) (string, bool) {
	if !strings.Contains(strings.ToLower(text), "!mods") {
		return "", false
	}
	return ModName + " v" + ModVersion, true
}

type PartitionStatus struct {
	Name    string        `json:"name"`
	Stats   monitor.Stats `json:"stats"`
	Pending int           `json:"pending"`
	Panics  uint64        `json:"panics,omitempty"`
}

type Status struct {
	Version    int               `json:"version"`
	Mod        string            `json:"mod"`
	ModVersion string            `json:"mod_version"`
	Inert      bool              `json:"inert"`
	InertError string            `json:"inert_error,omitempty"`
	Digest     string            `json:"blocks_digest,omitempty"`
	Blocks     int               `json:"blocks"`
	Thrusters  int               `json:"thrusters"`
	Generators int               `json:"generators"`
	Partitions []PartitionStatus `json:"partitions"`
	Leveler    leveler.Stats     `json:"leveler"`
	Pending    []leveler.Action  `json:"pending,omitempty"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Version:    stateVersion,
		Mod:        ModName,
		ModVersion: ModVersion,
		Partitions: []PartitionStatus{},
	}
	if m.inertErr != nil {
		st.Inert = true
		st.InertError = m.inertErr.Error()
		return st
	}
	st.Digest = m.catalog.Digest
	st.Blocks = m.catalog.Len()
	st.Thrusters = m.index.ClassSize(classify.Thruster)
	st.Generators = m.index.ClassSize(classify.Generator)
	for _, name := range m.partitionNamesLocked() {
		st.Partitions = append(st.Partitions, PartitionStatus{
			Name:    name,
			Stats:   m.monitors[name].Stats(),
			Pending: m.lev.PendingIn(name),
			Panics:  m.panics[name],
		})
	}
	st.Leveler = m.lev.Stats()
	st.Pending = m.lev.Pending()
	return st
}

// EntityState reports the monitor state of id in partition.
func (m *Manager) EntityState(partition string, id int) (monitor.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[partition]
	if !ok {
		return monitor.StateUnseen, false
	}
	return mon.State(id), true
}

func (m *Manager) schedulePersist() {
	if m.stateFile == "" {
		return
	}
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop() {
	defer m.persistWG.Done()
	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
	}
	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}
		select {
		case <-m.persistStop:
			stopTimer()
			m.persistNow()
			return
		case <-m.persistCh:
			if timer == nil {
				timer = time.NewTimer(m.persistDebounce)
			}
		case ack := <-m.persistFlush:
			stopTimer()
			m.persistNow()
			if ack != nil {
				close(ack)
			}
		case <-timerCh:
			timer = nil
			m.persistNow()
		}
	}
}

// Close stops the state writer after a final write.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.persistStop)
		m.persistWG.Wait()
	})
}

// FlushState writes the status snapshot now and waits for it.
func (m *Manager) FlushState(ctx context.Context) error {
	if m.stateFile == "" {
		return nil
	}
	ack := make(chan struct{})
	select {
	case m.persistFlush <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) persistNow() {
	if m.stateFile == "" {
		return
	}
	b, _ := json.MarshalIndent(m.Status(), "", "  ")
	_ = os.MkdirAll(filepath.Dir(m.stateFile), 0o755)
	tmp := m.stateFile + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		m.log.Printf("state write: %v", err)
		return
	}
	if err := os.Rename(tmp, m.stateFile); err != nil {
		m.log.Printf("state rename: %v", err)
	}
}
