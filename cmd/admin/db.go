package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type eventRow struct {
	EventID    string `db:"event_id" json:"event_id"`
	Kind       string `db:"kind" json:"kind"`
	Partition  string `db:"partition" json:"partition"`
	EntityID   int    `db:"entity_id" json:"entity_id"`
	EntityName string `db:"entity_name" json:"entity_name"`
	Reason     string `db:"reason" json:"reason,omitempty"`
	Tick       int64  `db:"tick" json:"tick"`
	AtMS       int64  `db:"at_ms" json:"at_ms"`
}

type catalogRow struct {
	Name      string `db:"name" json:"name"`
	Digest    string `db:"digest" json:"digest"`
	UpdatedAt string `db:"updated_at" json:"updated_at"`
}

// dbCmd queries the sqlite index the server writes under <data>/index.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/autolevel.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	partition := fs.String("partition", "", "partition filter (events)")
	kind := fs.String("kind", "", "event kind filter (events)")
	entityID := fs.Int("entity", 0, "entity id filter (events)")
	class := fs.String("class", "", "class name (classes)")
	asJSON := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)

	q := "events"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "autolevel.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}

	switch q {
	case "events":
		var (
			where []string
			qargs []any
		)
		if *partition != "" {
			where = append(where, `"partition" = ?`)
			qargs = append(qargs, *partition)
		}
		if *kind != "" {
			where = append(where, "kind = ?")
			qargs = append(qargs, strings.ToUpper(*kind))
		}
		if *entityID != 0 {
			where = append(where, "entity_id = ?")
			qargs = append(qargs, *entityID)
		}
		stmt := `SELECT event_id, kind, "partition", entity_id, entity_name, reason, tick, at_ms FROM events`
		if len(where) > 0 {
			stmt += " WHERE " + strings.Join(where, " AND ")
		}
		stmt += " ORDER BY at_ms DESC, rowid DESC LIMIT ?"
		qargs = append(qargs, *limit)

		var rows []eventRow
		if err := db.Select(&rows, stmt, qargs...); err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			if *asJSON {
				printJSON(r)
				continue
			}
			at := time.UnixMilli(r.AtMS)
			fmt.Printf("%s (%s) [%s] %-9s %s:%d %s\n",
				at.UTC().Format(time.RFC3339), humanize.Time(at), r.Partition, r.Kind, r.EntityName, r.EntityID, r.Reason)
		}

	case "classes":
		if strings.TrimSpace(*class) == "" {
			var rows []struct {
				Class string `db:"class" json:"class"`
				N     int64  `db:"n" json:"members"`
			}
			if err := db.Select(&rows, `SELECT class, COUNT(*) AS n FROM classifications GROUP BY class ORDER BY class`); err != nil {
				fmt.Fprintln(os.Stderr, "query:", err)
				os.Exit(1)
			}
			for _, r := range rows {
				if *asJSON {
					printJSON(r)
					continue
				}
				fmt.Printf("%-24s %s\n", r.Class, humanize.Comma(r.N))
			}
			return
		}
		var blocks []string
		if err := db.Select(&blocks, `SELECT block FROM classifications WHERE class = ? ORDER BY block`, *class); err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		if *asJSON {
			printJSON(map[string]any{"class": *class, "blocks": blocks})
			return
		}
		fmt.Println(strings.Join(blocks, "\n"))

	case "catalogs":
		var rows []catalogRow
		if err := db.Select(&rows, `SELECT name, digest, updated_at FROM catalogs ORDER BY name`); err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			if *asJSON {
				printJSON(r)
				continue
			}
			when := r.UpdatedAt
			if t, err := time.Parse(time.RFC3339Nano, r.UpdatedAt); err == nil {
				when = humanize.Time(t)
			}
			fmt.Printf("%-16s %s  %s\n", r.Name, shortDigest(r.Digest), when)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown query %q (events|classes|catalogs)\n", q)
		os.Exit(2)
	}
}
