// Command lavatrace-inspect prints the sidecar metadata of a packed trace
// archive without replaying it: dictionary size, frame count, per-thread
// stream sizes, and feature usage, for quick triage of a capture.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/lavatrace/lavatrace/internal/archive"
	"github.com/lavatrace/lavatrace/internal/sidecar"
)

func main() {
	path := flag.String("archive", "", "path to a .lvt trace archive")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: lavatrace-inspect --archive <path>")
		os.Exit(2)
	}

	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	ar, err := archive.Open(path)
	if err != nil {
		return err
	}
	defer ar.Close()

	fmt.Printf("archive: %s\n", path)
	fmt.Printf("entries:\n")
	for _, e := range ar.Entries() {
		fmt.Printf("  %-24s %10d bytes @ %d\n", e.Name, e.Length, e.Position)
	}

	if meta, ok := loadJSON[sidecar.Metadata](ar, "metadata.json"); ok {
		fmt.Printf("\napp: %s v%d, engine %s\n", meta.AppName, meta.AppVersion, meta.EngineName)
		fmt.Printf("device: %s (driver %s)\n", meta.DeviceName, meta.DriverVersion)
		fmt.Printf("frames: %d, calls: %d, threads: %d\n", meta.FrameCount, meta.CallCount, meta.ThreadCount)
		if len(meta.ObservedFeatures) > 0 {
			fmt.Printf("features used: %v\n", meta.ObservedFeatures)
		}
	}

	if dict, ok := loadJSON[sidecar.Dictionary](ar, "dictionary.json"); ok {
		fmt.Printf("dictionary entries: %d\n", len(dict))
	}

	if limits, ok := loadJSON[sidecar.Limits](ar, "limits.json"); ok {
		fmt.Printf("limits: %+v\n", limits)
	}

	return nil
}

func loadJSON[T any](ar *archive.Reader, name string) (T, bool) {
	var out T
	r, _, _, err := ar.OpenInside(name)
	if err != nil {
		return out, false
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, false
	}
	return out, true
}
