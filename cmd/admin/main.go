package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "classes":
			classesCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "log":
			logCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "chat":
			chatCmd(os.Args[2:])
			return
		case "entity":
			entityCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the runtime files under the data directory.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	var files []string
	err := filepath.WalkDir(*dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	sort.Strings(files)
	var total uint64
	for _, f := range files {
		st, err := os.Stat(f)
		if err != nil {
			continue
		}
		total += uint64(st.Size())
		rel, _ := filepath.Rel(*dataDir, f)
		fmt.Printf("%-48s %10s  %s\n", rel, humanize.Bytes(uint64(st.Size())), humanize.Time(st.ModTime()))
	}
	fmt.Printf("%d files, %s\n", len(files), humanize.Bytes(total))
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
