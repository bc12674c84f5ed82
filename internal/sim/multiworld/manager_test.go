package multiworld

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"autolevel.ai/internal/protocol"
	"autolevel.ai/internal/sim/monitor"
	"autolevel.ai/internal/sim/scan"
	"autolevel.ai/internal/sim/simhost"
	"autolevel.ai/internal/sim/tuning"
)

const configDir = "../../../configs"

type eventLog struct {
	mu  sync.Mutex
	evs []protocol.EntityEvent
}

func (l *eventLog) Emit(ev protocol.EntityEvent) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *eventLog) find(kind string, id int) []protocol.EntityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []protocol.EntityEvent
	for _, ev := range l.evs {
		if ev.Kind == kind && ev.EntityID == id {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	w   *simhost.World
	mgr *Manager
	evs *eventLog
	t0  time.Time
}

func newFixture(t *testing.T, tu tuning.Tuning, stateFile string) *fixture {
	t.Helper()
	sc, err := simhost.LoadScenario(filepath.Join(configDir, "worlds.yaml"))
	if err != nil {
		t.Fatalf("scenario: %v", err)
	}
	return newScenarioFixture(t, sc, tu, stateFile)
}

func newScenarioFixture(t *testing.T, sc simhost.Scenario, tu tuning.Tuning, stateFile string) *fixture {
	t.Helper()
	w, err := simhost.NewWorld(sc, nil)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	evs := &eventLog{}
	mgr := NewManager(w, Options{Tuning: tu, ConfigDir: configDir, Sink: evs, StateFile: stateFile})
	t.Cleanup(mgr.Close)
	w.Subscribe(mgr)
	f := &fixture{w: w, mgr: mgr, evs: evs, t0: time.Unix(1700000000, 0)}
	if err := w.Start(f.t0); err != nil && mgr.Inert() == nil {
		t.Fatalf("start: %v", err)
	}
	return f
}

func (f *fixture) at(d time.Duration) time.Time { return f.t0.Add(d) }

func (f *fixture) state(t *testing.T, partition string, id int) monitor.State {
	t.Helper()
	st, ok := f.mgr.EntityState(partition, id)
	if !ok {
		t.Fatalf("partition %s not loaded", partition)
	}
	return st
}

func TestManager_DiscoveryOnStart(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), "")
	want := map[int]monitor.State{
		1001: monitor.StateTracked,
		1002: monitor.StateTracked,
		1003: monitor.StateIgnored,
		1004: monitor.StateUnseen,
	}
	for id, st := range want {
		if got := f.state(t, "Akua", id); got != st {
			t.Fatalf("Akua:%d state=%s want=%s", id, got, st)
		}
	}
	if got := f.state(t, "Omicron", 2001); got != monitor.StateTracked {
		t.Fatalf("Omicron:2001 state=%s", got)
	}
	if got := f.state(t, "Omicron", 2002); got != monitor.StateIgnored {
		t.Fatalf("Omicron:2002 state=%s", got)
	}
	if ev := f.evs.find(protocol.EventIgnored, 2002); len(ev) != 1 || ev[0].Reason != protocol.ReasonUnpowered {
		t.Fatalf("ignored event for 2002=%+v", ev)
	}
	st := f.mgr.Status()
	if st.Inert || len(st.Partitions) != 2 || st.Partitions[0].Stats.Tracked != 2 {
		t.Fatalf("status=%+v", st)
	}
}

func TestManager_DisableThenLevel(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), "")
	if err := f.w.SetPowered("Akua", 1001, false); err != nil {
		t.Fatalf("set powered: %v", err)
	}
	f.mgr.Update(f.at(500 * time.Millisecond))
	if len(f.evs.find(protocol.EventDisabled, 1001)) != 0 {
		t.Fatalf("disabled before the tick interval elapsed")
	}
	disabledAt := 1500 * time.Millisecond
	f.mgr.Update(f.at(disabledAt))
	dis := f.evs.find(protocol.EventDisabled, 1001)
	if len(dis) != 1 || dis[0].Reason != protocol.ReasonUnpowered || dis[0].Partition != "Akua" {
		t.Fatalf("disabled=%+v", dis)
	}
	chat := f.w.Chat()
	if len(chat) != 1 || chat[0].Text != "Zirax Patrol has been disabled and will be auto-rotated in 15s." {
		t.Fatalf("chat=%+v", chat)
	}

	e, _ := f.w.Entity("Akua", 1001)
	f.mgr.Update(f.at(disabledAt + 14*time.Second))
	if !e.Moving() {
		t.Fatalf("stopped before the grace period ended")
	}
	f.mgr.Update(f.at(disabledAt + 15*time.Second))
	if e.Moving() {
		t.Fatalf("not stopped after the grace period")
	}
	f.mgr.Update(f.at(disabledAt + 17*time.Second))
	v := e.View()
	if abs(v.Pitch) > 0.01 || abs(v.Roll) > 0.01 {
		t.Fatalf("not level: pitch=%v roll=%v", v.Pitch, v.Roll)
	}
	if len(f.evs.find(protocol.EventLeveled, 1001)) != 1 {
		t.Fatalf("missing LEVELED event")
	}
	chat = f.w.Chat()
	if chat[len(chat)-1].Text != "Zirax Patrol has been auto-rotated." {
		t.Fatalf("chat=%+v", chat)
	}

	// Disabled is terminal: restoring power does not re-track it.
	_ = f.w.SetPowered("Akua", 1001, true)
	f.mgr.Update(f.at(disabledAt + 30*time.Second))
	if got := f.state(t, "Akua", 1001); got != monitor.StateDisabled {
		t.Fatalf("state=%s want disabled", got)
	}
}

func TestManager_UnloadCancelsReaction(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), "")
	if _, err := f.w.RemoveBlocks("Omicron", 2001, "ThrusterMSRound"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_ = f.w.SetCore("Akua", 1002, monitor.CoreNone)
	f.mgr.Update(f.at(2 * time.Second))
	if ev := f.evs.find(protocol.EventDisabled, 2001); len(ev) != 1 || ev[0].Reason != protocol.ReasonNoThrusters {
		t.Fatalf("2001 disabled=%+v", ev)
	}
	if ev := f.evs.find(protocol.EventDisabled, 1002); len(ev) != 1 || ev[0].Reason != protocol.ReasonCoreRemoved {
		t.Fatalf("1002 disabled=%+v", ev)
	}
	if st := f.mgr.Status(); st.Leveler.Pending != 2 {
		t.Fatalf("pending=%d want=2", st.Leveler.Pending)
	}

	carrier, _ := f.w.Entity("Omicron", 2001)
	if err := f.w.UnloadEntity("Omicron", 2001, f.at(3*time.Second)); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if ev := f.evs.find(protocol.EventCancelled, 2001); len(ev) != 1 || ev[0].Reason != protocol.ReasonEntityUnloaded {
		t.Fatalf("cancelled=%+v", ev)
	}
	if err := f.w.UnloadPartition("Akua", f.at(4*time.Second)); err != nil {
		t.Fatalf("unload partition: %v", err)
	}
	if ev := f.evs.find(protocol.EventCancelled, 1002); len(ev) != 1 || ev[0].Reason != protocol.ReasonPartitionUnloaded {
		t.Fatalf("cancelled=%+v", ev)
	}
	// Akua:1001 was tracked and goes with the partition without an event.
	if ev := f.evs.find(protocol.EventUnloaded, 1001); len(ev) != 0 {
		t.Fatalf("unexpected unload event=%+v", ev)
	}

	f.mgr.Update(f.at(time.Minute))
	if !carrier.Moving() {
		t.Fatalf("cancelled reaction still stopped the carrier")
	}
	if names := f.mgr.PartitionNames(); len(names) != 1 || names[0] != "Omicron" {
		t.Fatalf("partitions=%v", names)
	}
}

func TestManager_SpawnedEntityIsDiscovered(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), "")
	spec := simhost.EntitySpec{
		ID:   5000,
		Name: "Late Arrival",
		Blocks: []simhost.BlockSpec{
			{Block: "CoreNPC"},
			{Block: "ThrusterMSRoundSlant", At: scan.Vec3i{Z: -1}},
			{Block: "GeneratorMST2", At: scan.Vec3i{Y: 1}},
		},
	}
	if err := f.w.Spawn("Omicron", spec, f.at(time.Second)); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if got := f.state(t, "Omicron", 5000); got != monitor.StateTracked {
		t.Fatalf("state=%s want tracked", got)
	}
	if len(f.evs.find(protocol.EventTracked, 5000)) != 1 {
		t.Fatalf("missing TRACKED event")
	}
}

func TestManager_DiscoveryFollowsHostStorageOffset(t *testing.T) {
	for _, off := range []scan.Vec3i{{}, {X: 7, Y: -40, Z: 3}} {
		sc, err := simhost.LoadScenario(filepath.Join(configDir, "worlds.yaml"))
		if err != nil {
			t.Fatalf("scenario: %v", err)
		}
		sc.StorageOffset = &off
		f := newScenarioFixture(t, sc, tuning.Defaults(), "")
		for _, id := range []int{1001, 1002} {
			if got := f.state(t, "Akua", id); got != monitor.StateTracked {
				t.Fatalf("offset %+v: Akua:%d state=%s want tracked", off, id, got)
			}
		}
		_ = f.w.SetPowered("Akua", 1001, false)
		f.mgr.Update(f.at(2 * time.Second))
		if ev := f.evs.find(protocol.EventDisabled, 1001); len(ev) != 1 || ev[0].Reason != protocol.ReasonUnpowered {
			t.Fatalf("offset %+v: disabled=%+v", off, ev)
		}
	}
}

// faultyPartition answers the first healthy calls to Entities, then panics.
type faultyPartition struct {
	healthy int
	calls   int
}

func (p *faultyPartition) Name() string { return "Broken" }

func (p *faultyPartition) Entities() []monitor.Entity {
	p.calls++
	if p.calls > p.healthy {
		panic("host exploded")
	}
	return nil
}

func TestManager_PartitionFaultIsIsolated(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), "")
	if err := f.mgr.PartitionLoaded(&faultyPartition{healthy: 1}, f.t0); err != nil {
		t.Fatalf("load: %v", err)
	}
	_ = f.w.SetPowered("Omicron", 2001, false)
	f.mgr.Update(f.at(2 * time.Second))
	if len(f.evs.find(protocol.EventDisabled, 2001)) != 1 {
		t.Fatalf("healthy partition did not tick next to a faulty one")
	}
	f.mgr.Update(f.at(4 * time.Second))
	var broken PartitionStatus
	for _, p := range f.mgr.Status().Partitions {
		if p.Name == "Broken" {
			broken = p
		}
	}
	if broken.Panics != 2 {
		t.Fatalf("broken partition panics=%d want=2", broken.Panics)
	}
}

func TestManager_FaultyLoadIsNotRegistered(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), "")
	if err := f.mgr.PartitionLoaded(&faultyPartition{}, f.t0); err == nil {
		t.Fatalf("expected load fault to surface")
	}
	if _, ok := f.mgr.EntityState("Broken", 1); ok {
		t.Fatalf("half-loaded partition is registered")
	}
	for _, name := range f.mgr.PartitionNames() {
		if name == "Broken" {
			t.Fatalf("partitions=%v", f.mgr.PartitionNames())
		}
	}
	// The host may retry once the fault is gone.
	if err := f.mgr.PartitionLoaded(&faultyPartition{healthy: 1}, f.at(time.Second)); err != nil {
		t.Fatalf("reload after fault: %v", err)
	}
	if _, ok := f.mgr.EntityState("Broken", 1); !ok {
		t.Fatalf("retried partition not registered")
	}
}

func TestManager_InertWithoutBlockConfig(t *testing.T) {
	tu := tuning.Defaults()
	tu.BlocksConfig = "missing.ecf"
	f := newFixture(t, tu, "")
	if f.mgr.Inert() == nil {
		t.Fatalf("expected inert manager")
	}
	if err := f.w.Start(f.t0); !errors.Is(err, ErrInert) {
		t.Fatalf("start err=%v want ErrInert", err)
	}
	f.mgr.Update(f.at(time.Hour))
	st := f.mgr.Status()
	if !st.Inert || !strings.Contains(st.InertError, "missing.ecf") || len(st.Partitions) != 0 {
		t.Fatalf("status=%+v", st)
	}
	if reply, ok := f.mgr.HandleChat("!mods"); !ok || reply != "AutoLevel v0.1" {
		t.Fatalf("reply=%q ok=%v", reply, ok)
	}
}

func TestManager_HandleChat(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), "")
	if reply, ok := f.mgr.HandleChat("anyone know the !MODS here?"); !ok || reply != ModName+" v"+ModVersion {
		t.Fatalf("reply=%q ok=%v", reply, ok)
	}
	if _, ok := f.mgr.HandleChat("hello"); ok {
		t.Fatalf("plain chat handled")
	}
}

func TestManager_StateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "status.json")
	f := newFixture(t, tuning.Defaults(), path)
	if err := f.mgr.FlushState(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var st Status
	if err := json.Unmarshal(b, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.Version != stateVersion || st.Mod != ModName || len(st.Partitions) != 2 || st.Blocks == 0 {
		t.Fatalf("state=%+v", st)
	}
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mgr.Run(ctx, 5*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if err := f.mgr.Run(context.Background(), 0); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}

func abs(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}
