package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/state"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func chatCmd(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	partition := fs.String("partition", "", "partition that receives the reply (optional)")
	text := fs.String("text", "!mods", "server channel message")
	_ = fs.Parse(args)

	postJSON(*baseURL, "/admin/v1/chat", map[string]any{"partition": *partition, "text": *text})
}

// entityCmd pokes one simulated entity, e.g.
//
//	admin entity -partition Akua -id 1001 -action powered -powered=false
func entityCmd(args []string) {
	fs := flag.NewFlagSet("entity", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	partition := fs.String("partition", "", "partition")
	id := fs.Int("id", 0, "entity id")
	action := fs.String("action", "", "powered|core|remove_block|rotate|unload|unload_partition")
	powered := fs.Bool("powered", true, "power state (action powered)")
	core := fs.String("core", "", "core type (action core)")
	block := fs.String("block", "", "block name (action remove_block)")
	yaw := fs.Float64("yaw", 0, "yaw degrees (action rotate)")
	pitch := fs.Float64("pitch", 0, "pitch degrees (action rotate)")
	roll := fs.Float64("roll", 0, "roll degrees (action rotate)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*partition) == "" || strings.TrimSpace(*action) == "" {
		fmt.Fprintln(os.Stderr, "missing -partition or -action")
		os.Exit(2)
	}
	body := map[string]any{
		"partition": *partition,
		"id":        *id,
		"action":    *action,
	}
	switch *action {
	case "powered":
		body["powered"] = *powered
	case "core":
		body["core"] = *core
	case "remove_block":
		body["block"] = *block
	case "rotate":
		body["yaw"], body["pitch"], body["roll"] = *yaw, *pitch, *roll
	}
	postJSON(*baseURL, "/admin/v1/entity", body)
}

func postJSON(baseURL, path string, body any) {
	raw, _ := json.Marshal(body)
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Post(u, "application/json", bytes.NewReader(raw))
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
