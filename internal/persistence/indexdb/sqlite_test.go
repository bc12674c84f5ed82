package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"autolevel.ai/internal/protocol"
	"autolevel.ai/internal/sim/catalogs"
	"autolevel.ai/internal/sim/classify"
	"autolevel.ai/internal/sim/tuning"
)

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index", "autolevel.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.Emit(protocol.NewEntityEvent(protocol.EventTracked, "P", 1, "", "", 0, time.Now()))
	s.Emit(protocol.NewEntityEvent(protocol.EventTracked, "P", 2, "", "", 0, time.Now()))
	s.Emit(protocol.NewEntityEvent(protocol.EventTracked, "P", 3, "", "", 0, time.Now()))

	st := s.Stats()
	if st.DropEventTotal != 2 {
		t.Fatalf("DropEventTotal=%d want=2", st.DropEventTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_EventsRoundTrip(t *testing.T) {
	idx := openTestIndex(t)
	base := time.Unix(1700000000, 0)
	idx.Emit(protocol.NewEntityEvent(protocol.EventTracked, "Akua", 1001, "Zirax Patrol", "", 0, base))
	idx.Emit(protocol.NewEntityEvent(protocol.EventTracked, "Omicron", 2001, "Drone Carrier", "", 0, base))
	idx.Emit(protocol.NewEntityEvent(protocol.EventDisabled, "Akua", 1001, "Zirax Patrol", protocol.ReasonUnpowered, 4, base.Add(4*time.Second)))
	if err := idx.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if st := idx.Stats(); st.WrittenTotal != 3 || st.FailedTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}

	ctx := context.Background()
	all, err := idx.RecentEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 3 || all[0].Kind != protocol.EventDisabled {
		t.Fatalf("events=%+v", all)
	}
	if all[0].Type != protocol.TypeEntityEvent || all[0].Reason != protocol.ReasonUnpowered || all[0].Tick != 4 {
		t.Fatalf("newest event=%+v", all[0])
	}

	akua, err := idx.RecentEvents(ctx, EventFilter{Partition: "Akua", Kind: "tracked"})
	if err != nil {
		t.Fatalf("filtered: %v", err)
	}
	if len(akua) != 1 || akua[0].EntityID != 1001 {
		t.Fatalf("filtered=%+v", akua)
	}
	one, err := idx.RecentEvents(ctx, EventFilter{EntityID: 2001, Limit: 1})
	if err != nil || len(one) != 1 || one[0].Partition != "Omicron" {
		t.Fatalf("by entity=%+v err=%v", one, err)
	}
}

func TestSQLiteIndex_Classifications(t *testing.T) {
	cat, err := catalogs.Load("../../../configs/BlocksConfig.ecf")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	cls := classify.Build(cat)
	idx := openTestIndex(t)
	if err := idx.UpsertClassifications(cat, cls, tuning.Defaults()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Running it twice replaces rather than duplicates.
	if err := idx.UpsertClassifications(cat, cls, tuning.Defaults()); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	ctx := context.Background()
	thr, err := idx.ClassMembers(ctx, classify.Thruster)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	want := cls.ByClass(classify.Thruster)
	if len(thr) != len(want) {
		t.Fatalf("thrusters=%v want=%v", thr, want)
	}
	for i := range want {
		if thr[i] != want[i] {
			t.Fatalf("thrusters=%v want=%v", thr, want)
		}
	}

	got, err := idx.ClassesOf(ctx, "ThrusterMSDirectional")
	if err != nil {
		t.Fatalf("classes: %v", err)
	}
	exp, _ := cls.Classes("ThrusterMSDirectional")
	if len(got) != len(exp) || got[0] != exp[0] {
		t.Fatalf("classes=%v want=%v", got, exp)
	}

	d, err := idx.CatalogDigest(ctx, "blocks_config")
	if err != nil || d != cat.Digest {
		t.Fatalf("digest=%q err=%v want=%q", d, err, cat.Digest)
	}
}

func TestSQLiteIndex_ClosedIsNoop(t *testing.T) {
	idx := openTestIndex(t)
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	idx.Emit(protocol.NewEntityEvent(protocol.EventTracked, "P", 1, "", "", 0, time.Now()))
	if err := idx.Flush(context.Background()); err != nil {
		t.Fatalf("flush after close: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := OpenSQLite(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
