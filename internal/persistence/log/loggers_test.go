package log

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autolevel.ai/internal/protocol"
	"autolevel.ai/internal/sim/simhost"
)

func TestEventLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	var writeErrs []error
	l := NewEventLogger(dir, func(err error) { writeErrs = append(writeErrs, err) })
	at := time.Unix(1700000000, 0)
	l.Emit(protocol.NewEntityEvent(protocol.EventTracked, "Akua", 1001, "Zirax Patrol", "", 0, at))
	l.Emit(protocol.NewEntityEvent(protocol.EventDisabled, "Akua", 1001, "Zirax Patrol", protocol.ReasonUnpowered, 3, at))
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(writeErrs) != 0 {
		t.Fatalf("write errors: %v", writeErrs)
	}

	files, err := Files(filepath.Join(dir, "events"), "events")
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	var got []protocol.EntityEvent
	if err := ReadEvents(files[0], func(ev protocol.EntityEvent) error {
		got = append(got, ev)
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[1].Kind != protocol.EventDisabled || got[1].Reason != protocol.ReasonUnpowered || got[1].Tick != 3 {
		t.Fatalf("events=%+v", got)
	}
}

func TestJSONLZstdWriter_HourlyRotation(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "events")
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	if err := w.Write(protocol.NewEntityEvent(protocol.EventTracked, "P", 1, "", "", 0, clock)); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := w.Write(protocol.NewEntityEvent(protocol.EventTracked, "P", 2, "", "", 0, clock)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	files, _ := Files(dir, "events")
	if len(files) != 2 || filepath.Base(files[0]) != "events-2026-03-01-10.jsonl.zst" || filepath.Base(files[1]) != "events-2026-03-01-11.jsonl.zst" {
		t.Fatalf("files=%v", files)
	}

	// Reopening the same hour appends a second frame to the file.
	clock = clock.Add(time.Minute)
	if err := w.Write(protocol.NewEntityEvent(protocol.EventTracked, "P", 3, "", "", 0, clock)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()
	n := 0
	if err := ReadEvents(files[1], func(protocol.EntityEvent) error { n++; return nil }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 2 {
		t.Fatalf("events in second file=%d want=2", n)
	}
}

func TestReadEvents_StopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLogger(dir, nil)
	for i := 0; i < 3; i++ {
		l.Emit(protocol.NewEntityEvent(protocol.EventTracked, "P", i, "", "", 0, time.Now()))
	}
	_ = l.Close()
	files, _ := Files(filepath.Join(dir, "events"), "events")
	stop := errors.New("stop")
	n := 0
	err := ReadEvents(files[0], func(protocol.EntityEvent) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Fatalf("err=%v n=%d", err, n)
	}
	if err := ReadEvents(filepath.Join(dir, "missing.jsonl.zst"), nil); !os.IsNotExist(err) {
		t.Fatalf("missing file err=%v", err)
	}
}

func TestChatLogger(t *testing.T) {
	dir := t.TempDir()
	l := NewChatLogger(dir)
	if err := l.WriteChat(simhost.ChatLine{Partition: "Akua", Text: "hi", AtMS: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = l.Close()
	files, _ := Files(filepath.Join(dir, "chat"), "chat")
	if len(files) != 1 {
		t.Fatalf("files=%v", files)
	}
}
