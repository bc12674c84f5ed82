package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	logs "autolevel.ai/internal/persistence/log"
	"autolevel.ai/internal/protocol"
)

// logCmd replays the compressed event log, the source of truth the index is
// built from.
func logCmd(args []string) {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	partition := fs.String("partition", "", "partition filter")
	kind := fs.String("kind", "", "event kind filter")
	entityID := fs.Int("entity", 0, "entity id filter")
	asJSON := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)

	files, err := logs.Files(filepath.Join(*dataDir, "events"), "events")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	want := strings.ToUpper(strings.TrimSpace(*kind))

	var (
		n     int
		bytes uint64
	)
	for _, f := range files {
		if st, err := os.Stat(f); err == nil {
			bytes += uint64(st.Size())
		}
		err := logs.ReadEvents(f, func(ev protocol.EntityEvent) error {
			if *partition != "" && ev.Partition != *partition {
				return nil
			}
			if want != "" && ev.Kind != want {
				return nil
			}
			if *entityID != 0 && ev.EntityID != *entityID {
				return nil
			}
			n++
			if *asJSON {
				printJSON(ev)
				return nil
			}
			at := time.UnixMilli(ev.AtMS).UTC()
			fmt.Printf("%s [%s] %-9s %s:%d %s\n", at.Format(time.RFC3339), ev.Partition, ev.Kind, ev.EntityName, ev.EntityID, ev.Reason)
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
	}
	if !*asJSON {
		fmt.Fprintf(os.Stderr, "%s events from %d files (%s)\n", humanize.Comma(int64(n)), len(files), humanize.Bytes(bytes))
	}
}
