package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"autolevel.ai/internal/sim/catalogs"
	"autolevel.ai/internal/sim/classify"
	"autolevel.ai/internal/sim/tuning"
)

// classesCmd resolves the block configuration offline. With -block it prints
// one block's classes; otherwise every class and its members.
func classesCmd(args []string) {
	fs := flag.NewFlagSet("classes", flag.ExitOnError)
	configDir := fs.String("configs", "./configs", "config directory")
	blocksPath := fs.String("blocks", "", "block configuration (default: blocks_config from <configs>/tuning.yaml)")
	block := fs.String("block", "", "print the classes of this block only")
	class := fs.String("class", "", "print the members of this class only")
	asJSON := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*blocksPath)
	if path == "" {
		tune, err := tuning.Load(filepath.Join(*configDir, "tuning.yaml"))
		if err != nil && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "tuning:", err)
			os.Exit(1)
		}
		path = tune.BlocksConfig
		if !filepath.IsAbs(path) {
			path = filepath.Join(*configDir, path)
		}
	}

	cat, err := catalogs.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	idx := classify.Build(cat)

	if name := strings.TrimSpace(*block); name != "" {
		classes, ok := idx.Classes(name)
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown block %q\n", name)
			os.Exit(2)
		}
		if *asJSON {
			printJSON(map[string]any{"block": name, "classes": classes})
			return
		}
		fmt.Printf("%s: %s\n", name, strings.Join(classes, ", "))
		return
	}

	names := idx.ClassNames()
	if c := strings.TrimSpace(*class); c != "" {
		names = []string{c}
	}
	if *asJSON {
		out := make(map[string][]string, len(names))
		for _, c := range names {
			out[c] = idx.ByClass(c)
		}
		printJSON(out)
		return
	}
	for _, c := range names {
		members := idx.ByClass(c)
		fmt.Printf("%s (%s): %s\n", c, humanize.Comma(int64(len(members))), strings.Join(members, ", "))
	}
	fmt.Printf("%s blocks, %s classes, digest %s\n",
		humanize.Comma(int64(cat.Len())), humanize.Comma(int64(len(idx.ClassNames()))), shortDigest(cat.Digest))
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
