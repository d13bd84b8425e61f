package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AnythingTechPro/Syndicate/internal/replay"
)

func main() {
	path := flag.String("path", "", "Path to a replay bundle directory or its manifest.json")
	list := flag.String("list", "", "List every bundle under this replay root instead of dumping one")
	flag.Parse()

	var payload interface{}
	switch {
	case *list != "":
		entries, err := replay.List(*list)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		payload = entries
	case *path != "":
		dir := *path
		if filepath.Base(dir) == "manifest.json" {
			dir = filepath.Dir(dir)
		}
		bundle, err := replay.ReadBundle(dir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		payload = bundle
	default:
		fmt.Fprintln(os.Stderr, "either -path or -list is required")
		os.Exit(1)
	}

	//1.- Render as JSON so callers can pipe the output elsewhere.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}
