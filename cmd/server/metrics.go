package main

import (
	"fmt"
	"io"

	"autolevel.ai/internal/persistence/indexdb"
	"autolevel.ai/internal/sim/multiworld"
	"autolevel.ai/internal/transport/observer"
)

// writeMetrics renders the minimal Prometheus exposition format.
func writeMetrics(w io.Writer, st multiworld.Status, idx *indexdb.SQLiteIndex, obs observer.Stats) {
	inert := 0
	if st.Inert {
		inert = 1
	}
	fmt.Fprintf(w, "# HELP autolevel_inert 1 when the block configuration could not be loaded.\n")
	fmt.Fprintf(w, "# TYPE autolevel_inert gauge\n")
	fmt.Fprintf(w, "autolevel_inert{version=%q} %d\n", st.ModVersion, inert)

	fmt.Fprintf(w, "# HELP autolevel_blocks Block definitions by class table.\n")
	fmt.Fprintf(w, "# TYPE autolevel_blocks gauge\n")
	fmt.Fprintf(w, "autolevel_blocks{table=%q} %d\n", "all", st.Blocks)
	fmt.Fprintf(w, "autolevel_blocks{table=%q} %d\n", "thruster", st.Thrusters)
	fmt.Fprintf(w, "autolevel_blocks{table=%q} %d\n", "generator", st.Generators)

	fmt.Fprintf(w, "# HELP autolevel_entities Monitored entities by state.\n")
	fmt.Fprintf(w, "# TYPE autolevel_entities gauge\n")
	for _, p := range st.Partitions {
		fmt.Fprintf(w, "autolevel_entities{partition=%q,state=%q} %d\n", p.Name, "tracked", p.Stats.Tracked)
		fmt.Fprintf(w, "autolevel_entities{partition=%q,state=%q} %d\n", p.Name, "ignored", p.Stats.Ignored)
		fmt.Fprintf(w, "autolevel_entities{partition=%q,state=%q} %d\n", p.Name, "disabled", p.Stats.Disabled)
	}

	fmt.Fprintf(w, "# HELP autolevel_monitor_ticks_total Monitor ticks run.\n")
	fmt.Fprintf(w, "# TYPE autolevel_monitor_ticks_total counter\n")
	for _, p := range st.Partitions {
		fmt.Fprintf(w, "autolevel_monitor_ticks_total{partition=%q} %d\n", p.Name, p.Stats.Tick)
	}

	fmt.Fprintf(w, "# HELP autolevel_cells_scanned_total Structure cells visited by scans.\n")
	fmt.Fprintf(w, "# TYPE autolevel_cells_scanned_total counter\n")
	for _, p := range st.Partitions {
		fmt.Fprintf(w, "autolevel_cells_scanned_total{partition=%q} %d\n", p.Name, p.Stats.CellsScanned)
	}

	fmt.Fprintf(w, "# HELP autolevel_partition_panics_total Recovered faults per partition.\n")
	fmt.Fprintf(w, "# TYPE autolevel_partition_panics_total counter\n")
	for _, p := range st.Partitions {
		fmt.Fprintf(w, "autolevel_partition_panics_total{partition=%q} %d\n", p.Name, p.Panics)
	}

	fmt.Fprintf(w, "# HELP autolevel_reactions_pending Disablement reactions waiting on a deadline.\n")
	fmt.Fprintf(w, "# TYPE autolevel_reactions_pending gauge\n")
	fmt.Fprintf(w, "autolevel_reactions_pending %d\n", st.Leveler.Pending)

	fmt.Fprintf(w, "# HELP autolevel_reactions_total Finished reactions by outcome.\n")
	fmt.Fprintf(w, "# TYPE autolevel_reactions_total counter\n")
	fmt.Fprintf(w, "autolevel_reactions_total{outcome=%q} %d\n", "leveled", st.Leveler.Leveled)
	fmt.Fprintf(w, "autolevel_reactions_total{outcome=%q} %d\n", "cancelled", st.Leveler.Cancelled)

	fmt.Fprintf(w, "# HELP autolevel_observer_sessions Connected event stream observers.\n")
	fmt.Fprintf(w, "# TYPE autolevel_observer_sessions gauge\n")
	fmt.Fprintf(w, "autolevel_observer_sessions %d\n", obs.Sessions)

	fmt.Fprintf(w, "# HELP autolevel_observer_messages_total Messages queued to observers.\n")
	fmt.Fprintf(w, "# TYPE autolevel_observer_messages_total counter\n")
	fmt.Fprintf(w, "autolevel_observer_messages_total{result=%q} %d\n", "published", obs.Published)
	fmt.Fprintf(w, "autolevel_observer_messages_total{result=%q} %d\n", "dropped", obs.Dropped)

	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(w, "# HELP autolevel_index_queue_depth Current index writer queue depth.\n")
	fmt.Fprintf(w, "# TYPE autolevel_index_queue_depth gauge\n")
	fmt.Fprintf(w, "autolevel_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(w, "# HELP autolevel_index_queue_capacity Index writer queue capacity.\n")
	fmt.Fprintf(w, "# TYPE autolevel_index_queue_capacity gauge\n")
	fmt.Fprintf(w, "autolevel_index_queue_capacity %d\n", s.QueueCapacity)

	fmt.Fprintf(w, "# HELP autolevel_index_events_total Events handed to the index writer by result.\n")
	fmt.Fprintf(w, "# TYPE autolevel_index_events_total counter\n")
	fmt.Fprintf(w, "autolevel_index_events_total{result=%q} %d\n", "written", s.WrittenTotal)
	fmt.Fprintf(w, "autolevel_index_events_total{result=%q} %d\n", "failed", s.FailedTotal)
	fmt.Fprintf(w, "autolevel_index_events_total{result=%q} %d\n", "dropped", s.DropEventTotal)
}
