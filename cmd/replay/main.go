package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"autolevel.ai/internal/persistence/indexdb"
	logs "autolevel.ai/internal/persistence/log"
	"autolevel.ai/internal/protocol"
	"autolevel.ai/internal/sim/catalogs"
	"autolevel.ai/internal/sim/classify"
	"autolevel.ai/internal/sim/tuning"
)

// replay reads the compressed event log, verifies every entity history and
// optionally rebuilds the sqlite index from it.
func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory")
		eventsDir = flag.String("events", "", "events dir containing events-*.jsonl.zst (default: <data>/events)")
		configDir = flag.String("configs", "./configs", "config directory (used with -reindex)")
		reindex   = flag.Bool("reindex", false, "rebuild the sqlite index from the log")
		dbPath    = flag.String("db", "", "index path for -reindex (default: <data>/index/autolevel.sqlite)")
	)
	flag.Parse()

	dir := strings.TrimSpace(*eventsDir)
	if dir == "" {
		dir = filepath.Join(*dataDir, "events")
	}
	files, err := logs.Files(dir, "events")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", dir)
		os.Exit(1)
	}

	var idx *indexdb.SQLiteIndex
	if *reindex {
		path := strings.TrimSpace(*dbPath)
		if path == "" {
			path = filepath.Join(*dataDir, "index", "autolevel.sqlite")
		}
		idx, err = openReindex(path, *configDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "reindex:", err)
			os.Exit(1)
		}
		defer idx.Close()
	}

	v := newVerifier()
	var n int
	for _, path := range files {
		err := logs.ReadEvents(path, func(ev protocol.EntityEvent) error {
			v.add(ev)
			n++
			if idx == nil {
				return nil
			}
			idx.Emit(ev)
			// Keep the writer queue short; Emit drops when it is full.
			if n%4096 == 0 {
				return flush(idx)
			}
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}
	if idx != nil {
		if err := flush(idx); err != nil {
			fmt.Fprintln(os.Stderr, "flush:", err)
			os.Exit(1)
		}
		st := idx.Stats()
		fmt.Printf("reindexed: written=%s failed=%d dropped=%d\n", humanize.Comma(int64(st.WrittenTotal)), st.FailedTotal, st.DropEventTotal)
	}

	kinds := make([]string, 0, len(v.counts))
	for k := range v.counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("  %-9s %s\n", k, humanize.Comma(int64(v.counts[k])))
	}
	if p := v.pending(); len(p) > 0 {
		fmt.Printf("reactions still pending at end of log: %d\n", len(p))
	}
	if len(v.errs) > 0 {
		for _, e := range v.errs {
			fmt.Fprintln(os.Stderr, "invalid:", e)
		}
		fmt.Fprintf(os.Stderr, "replay failed: %d of %s events invalid\n", len(v.errs), humanize.Comma(int64(n)))
		os.Exit(1)
	}
	fmt.Printf("replay ok: %s events in %d files\n", humanize.Comma(int64(n)), len(files))
}

func openReindex(path, configDir string) (*indexdb.SQLiteIndex, error) {
	tune, err := tuning.Load(filepath.Join(configDir, "tuning.yaml"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	blocks := tune.BlocksConfig
	if !filepath.IsAbs(blocks) {
		blocks = filepath.Join(configDir, blocks)
	}
	cat, err := catalogs.Load(blocks)
	if err != nil {
		return nil, err
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := idx.UpsertClassifications(cat, classify.Build(cat), tune); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return idx, nil
}

func flush(idx *indexdb.SQLiteIndex) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return idx.Flush(ctx)
}
