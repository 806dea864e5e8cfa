// Command lavatrace-capture-harness drives the capture coordinator as a
// standalone process instead of an in-process API-layer hook: useful for
// regression capture runs against a synthetic call sequence, and for
// exercising the archive-upload and scheduling knobs end to end.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lavatrace/lavatrace/internal/archive"
	"github.com/lavatrace/lavatrace/internal/archiveupload"
	"github.com/lavatrace/lavatrace/internal/capture"
	"github.com/lavatrace/lavatrace/internal/config"
	"github.com/lavatrace/lavatrace/internal/feature"
	"github.com/lavatrace/lavatrace/internal/logging"
	"github.com/lavatrace/lavatrace/internal/model"
	"github.com/lavatrace/lavatrace/internal/sidecar"
	"github.com/lavatrace/lavatrace/internal/stream"
	"github.com/lavatrace/lavatrace/internal/wire"
)

func main() {
	configPath := flag.String("config", "/etc/lavatrace/capture.yaml", "path to capture config file")
	flag.Parse()

	cfg, err := config.LoadCaptureConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(logging.RoleCapture, cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()
	logger = logger.With("component", "lavatrace-capture-harness")

	if cfg.Schedule == "" {
		if err := runOnce(cfg, logger); err != nil {
			logger.Error("capture run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Schedule, func() {
		if err := runOnce(cfg, logger); err != nil {
			logger.Error("scheduled capture run failed", "error", err)
		}
	}); err != nil {
		logger.Error("invalid schedule", "schedule", cfg.Schedule, "error", err)
		os.Exit(1)
	}
	logger.Info("capture harness scheduled", "schedule", cfg.Schedule)
	c.Run()
}

// runOnce drives a single capture session over a synthetic call sequence,
// finalizes the archive, and optionally uploads it.
func runOnce(cfg *config.CaptureConfig, logger *slog.Logger) (runErr error) {
	const component = "lavatrace-capture-harness"
	sessionID := fmt.Sprintf("session-%d", time.Now().UnixNano())
	sessionLogger, sessionCloser, sessionLogPath, err := logging.NewSessionLogger(logger, cfg.Logging.SessionLogDir, component, sessionID)
	if err != nil {
		return fmt.Errorf("opening session log: %w", err)
	}
	if sessionLogPath != "" {
		sessionLogger.Info("session log opened", "path", sessionLogPath)
	}
	logger = sessionLogger

	var coord *capture.Coordinator
	defer func() {
		sessionCloser.Close()
		failed := runErr != nil || (coord != nil && coord.Diag().Failed())
		if err := logging.FinalizeSessionLog(cfg.Logging.SessionLogDir, component, sessionID, failed); err != nil {
			logger.Warn("finalizing session log", "error", err)
		}
	}()

	codec, err := stream.NewCodec(codecFromName(cfg.Stream.Compression), cfg.Stream.CompressionLevel)
	if err != nil {
		return err
	}

	coord = capture.New(logger)

	var buf bytes.Buffer
	w := stream.NewWriter(&buf, stream.WriterConfig{
		ChunkSize:   int(cfg.Stream.ChunkSizeRaw),
		Codec:       codec,
		BytesPerSec: cfg.Stream.BytesPerSec,
		Logger:      logger,
	})
	tw := coord.NewThreadWriter(w)

	const bufferHandle = uint64(1)
	memObj := model.NewMemoryObject(bufferHandle, 4096)
	memObj.Index = coord.NextObjectIndex()
	boundObj := &model.BoundObject{Kind: model.KindBuffer, Backing: bufferHandle, Size: 4096}
	boundObj.Index = coord.NextObjectIndex()

	tw.Call("vkCreateBuffer", func(tw *capture.ThreadWriter) {
		tw.WriteHandle(wire.Handle{Index: 1, OriginatingThread: wire.NullThread})
		label := tw.Scratch().CopyString("harness-buffer")
		tw.WriteString(label)
	})

	cs := model.ChangeSource{Thread: uint32(tw.ThreadID()), Call: tw.CallNumber()}
	memObj.Transition(model.StateCreated, cs)
	boundObj.Transition(model.StateBound, cs)
	coord.RegisterMemoryObject(bufferHandle, 0, memObj)
	coord.RegisterBoundObject(bufferHandle, 0, boundObj)

	coord.Features().Request(feature.BufferDeviceAddress)
	coord.Features().Observe(feature.BufferDeviceAddress)

	payload := []byte("lavatrace-harness-payload")
	live := make([]byte, memObj.AllocationSize)
	copy(live, payload)
	memObj.EnsureShadow()
	memObj.Exposed.Add(0, uint64(len(payload))-1)
	deviceHandle := wire.Handle{Index: 0, OriginatingThread: wire.NullThread}
	objHandle := wire.Handle{Index: boundObj.Index, OriginatingThread: wire.NullThread}
	tw.FlushMemory(deviceHandle, objHandle, memObj, wire.PacketBufferUpdate, live)

	coord.NewFrame()
	tw.Call("vkQueueSubmit", nil)
	coord.NewFrame()

	if err := w.Close(); err != nil {
		return fmt.Errorf("closing thread stream: %w", err)
	}

	ar, err := archive.Create(cfg.Output.Path)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	if _, err := ar.Append("thread_0.bin", &buf); err != nil {
		return fmt.Errorf("appending thread stream: %w", err)
	}

	dictJSON, err := json.Marshal(coord.Dictionary())
	if err != nil {
		return fmt.Errorf("marshaling dictionary: %w", err)
	}
	if _, err := ar.AppendBytes("dictionary.json", dictJSON); err != nil {
		return fmt.Errorf("appending dictionary.json: %w", err)
	}

	meta := sidecar.Metadata{
		FormatVersion:     1,
		FrameCount:        coord.Frames()[len(coord.Frames())-1].GlobalFrame + 1,
		ThreadCount:       coord.ThreadCount(),
		RequestedFeatures: coord.Features().RequestedNamed(),
		ObservedFeatures:  coord.Features().AdjustNamed(),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	if _, err := ar.AppendBytes("metadata.json", metaJSON); err != nil {
		return fmt.Errorf("appending metadata.json: %w", err)
	}

	limitsJSON, err := json.Marshal(coord.Limits())
	if err != nil {
		return fmt.Errorf("marshaling limits: %w", err)
	}
	if _, err := ar.AppendBytes("limits.json", limitsJSON); err != nil {
		return fmt.Errorf("appending limits.json: %w", err)
	}

	trackingJSON, err := json.Marshal(coord.Tracking())
	if err != nil {
		return fmt.Errorf("marshaling tracking: %w", err)
	}
	if _, err := ar.AppendBytes("tracking.json", trackingJSON); err != nil {
		return fmt.Errorf("appending tracking.json: %w", err)
	}

	if err := ar.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	logger.Info("capture archive written", "path", cfg.Output.Path)

	if cfg.Output.S3.Bucket != "" {
		target := archiveupload.Target{
			Bucket:          cfg.Output.S3.Bucket,
			Key:             cfg.Output.S3.Key,
			Region:          cfg.Output.S3.Region,
			AccessKeyID:     cfg.Output.S3.AccessKeyID,
			SecretAccessKey: cfg.Output.S3.SecretAccessKey,
			Endpoint:        cfg.Output.S3.Endpoint,
		}
		if err := archiveupload.Upload(context.Background(), target, cfg.Output.Path); err != nil {
			return fmt.Errorf("uploading archive: %w", err)
		}
		logger.Info("capture archive uploaded", "bucket", target.Bucket, "key", target.Key)
	}
	return nil
}

func codecFromName(name string) stream.Algorithm {
	if name == "gzip" {
		return stream.AlgorithmGzip
	}
	return stream.AlgorithmZstd
}
