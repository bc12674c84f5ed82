package main

import (
	"fmt"

	"autolevel.ai/internal/protocol"
)

type entityKey struct {
	partition string
	id        int
}

// verifier checks that each entity's event history is a legal walk of the
// monitor and reaction state machines.
type verifier struct {
	last   map[entityKey]string
	seen   map[string]bool
	counts map[string]int
	errs   []string
}

func newVerifier() *verifier {
	return &verifier{
		last:   map[entityKey]string{},
		seen:   map[string]bool{},
		counts: map[string]int{},
	}
}

func (v *verifier) add(ev protocol.EntityEvent) {
	v.counts[ev.Kind]++
	if ev.EventID != "" {
		if v.seen[ev.EventID] {
			v.fail(ev, "duplicate event id")
			return
		}
		v.seen[ev.EventID] = true
	}

	k := entityKey{ev.Partition, ev.EntityID}
	prev := v.last[k]
	switch ev.Kind {
	case protocol.EventTracked, protocol.EventIgnored:
		// A fresh discovery; partition reloads start a new session without
		// an unload event.
	case protocol.EventDisabled:
		if prev != protocol.EventTracked {
			v.fail(ev, "DISABLED after %q", prev)
		}
	case protocol.EventUnloaded:
		if prev != protocol.EventTracked {
			v.fail(ev, "UNLOADED after %q", prev)
		}
	case protocol.EventLeveled, protocol.EventCancelled:
		if prev != protocol.EventDisabled {
			v.fail(ev, "%s after %q", ev.Kind, prev)
		}
	default:
		v.fail(ev, "unknown kind %q", ev.Kind)
		return
	}
	v.last[k] = ev.Kind
}

func (v *verifier) fail(ev protocol.EntityEvent, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	v.errs = append(v.errs, fmt.Sprintf("%s:%d %s (event %s at %d)", ev.Partition, ev.EntityID, msg, ev.EventID, ev.AtMS))
}

// pending lists entities whose last event is DISABLED: reactions that were
// still running when the log ends.
func (v *verifier) pending() []entityKey {
	var out []entityKey
	for k, kind := range v.last {
		if kind == protocol.EventDisabled {
			out = append(out, k)
		}
	}
	return out
}
