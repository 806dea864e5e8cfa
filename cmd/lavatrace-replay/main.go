// Command lavatrace-replay replays a packed GPU API trace archive,
// reconstructing the captured application's object and memory state on the
// current host.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/lavatrace/lavatrace/internal/config"
	"github.com/lavatrace/lavatrace/internal/logging"
	"github.com/lavatrace/lavatrace/internal/replay"
	"github.com/lavatrace/lavatrace/internal/sidecar"
	"github.com/lavatrace/lavatrace/internal/stream"
)

func main() {
	configPath := flag.String("config", "/etc/lavatrace/replay.yaml", "path to replay config file")
	flag.Parse()

	cfg, err := config.LoadReplayConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(logging.RoleReplay, cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := run(cfg, logger.With("component", "lavatrace-replay")); err != nil {
		logger.Error("replay failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.ReplayConfig, logger *slog.Logger) error {
	ar, err := replay.OpenArchive(cfg.Archive.Path)
	if err != nil {
		return err
	}
	defer ar.Close()

	dictEntry, ok := ar.Lookup("dictionary.json")
	if !ok {
		return fmt.Errorf("archive missing dictionary.json")
	}
	dictReader, _, _, err := ar.OpenInside(dictEntry.Name)
	if err != nil {
		return err
	}
	var rawDict sidecar.Dictionary
	if err := json.NewDecoder(dictReader).Decode(&rawDict); err != nil {
		return fmt.Errorf("parsing dictionary.json: %w", err)
	}
	names := make(map[uint16]string, len(rawDict))
	for name, id := range rawDict {
		names[id] = name
	}

	logger.Info("opened trace archive", "path", cfg.Archive.Path, "functions", len(names))

	codec, err := stream.NewCodec(codecFromName(cfg.Stream.Compression), cfg.Stream.CompressionLevel)
	if err != nil {
		return err
	}

	dict := replay.Dictionary{Names: names, Decoders: registerDecoders()}
	coord := replay.New(dict, logger)

	var threads []*replay.ThreadReader
	for i := 0; ; i++ {
		entryName := fmt.Sprintf("thread_%d.bin", i)
		e, ok := ar.Lookup(entryName)
		if !ok {
			break
		}
		sr, _, _, err := ar.OpenInside(e.Name)
		if err != nil {
			return err
		}
		r := stream.NewReader(sr, stream.ReaderConfig{Codec: codec, ReadaheadChunks: cfg.Stream.ReadaheadChunks, Logger: logger})
		threads = append(threads, coord.AttachThread(r))
	}
	if len(threads) == 0 {
		return fmt.Errorf("archive contains no per-thread packet streams")
	}

	done := make(chan struct{}, len(threads))
	for _, tr := range threads {
		tr := tr
		go func() {
			coord.Run(tr)
			done <- struct{}{}
		}()
	}
	for range threads {
		<-done
	}

	if err := coord.Err(); err != nil {
		return err
	}
	logger.Info("replay complete", "threads", len(threads))
	return nil
}

// registerDecoders returns the per-function decode table. The real Vulkan
// call bodies live in the API-layer integration that forwards calls to the
// driver; this binary ships the protocol scaffolding with an empty decoder
// table, so any VULKAN_API_CALL packet in the archive ends the replay with
// an unknown-function error.
func registerDecoders() map[string]replay.DecodeFunc {
	return map[string]replay.DecodeFunc{}
}

func codecFromName(name string) stream.Algorithm {
	if name == "gzip" {
		return stream.AlgorithmGzip
	}
	return stream.AlgorithmZstd
}
