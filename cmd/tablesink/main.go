package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/encoding/json"
	log "github.com/sirupsen/logrus"

	"github.com/tablesink/tablesink/committer"
	"github.com/tablesink/tablesink/pipeline"
	"github.com/tablesink/tablesink/schemagen"
	"github.com/tablesink/tablesink/storage"
	"github.com/tablesink/tablesink/tablelog"
	"github.com/tablesink/tablesink/writer"
)

func getEnvDefault(name, def string) string {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	return s
}

func main() {
	switch format := getEnvDefault("LOG_FORMAT", "color"); format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.WithField("format", format).Fatal("invalid LOG_FORMAT (expected 'json', 'text', or 'color')")
	}

	lvl, err := log.ParseLevel(getEnvDefault("LOG_LEVEL", "info"))
	if err != nil {
		log.WithFields(log.Fields{"level": lvl, "error": err}).Fatal("unrecognized log level")
	}
	log.SetLevel(lvl)

	if len(os.Args) < 2 {
		log.Fatal("usage: tablesink <spec|run> [config.json]")
	}

	var ctx, _ = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	switch os.Args[1] {
	case "spec":
		schema, err := schemagen.GenerateSchema("Tablesink Config", config{}).MarshalJSON()
		if err != nil {
			log.WithField("error", err).Fatal("generating config schema")
		}
		fmt.Println(string(schema))
	case "run":
		if len(os.Args) < 3 {
			log.Fatal("usage: tablesink run <config.json>")
		}
		if err := run(ctx, os.Args[2]); err != nil {
			log.WithField("error", err).Fatal("run failed")
		}
	default:
		log.WithField("command", os.Args[1]).Fatal("unknown command (expected 'spec' or 'run')")
	}
}

func run(ctx context.Context, configPath string) error {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	var cfg config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var store storage.Store
	if cfg.S3 != nil {
		if store, err = storage.NewS3Store(ctx, *cfg.S3); err != nil {
			return err
		}
	} else {
		if store, err = storage.NewLocalStore(cfg.Table); err != nil {
			return err
		}
	}

	var tlog tablelog.Log
	if cfg.Log.Backend == "sqlite" {
		sl, err := tablelog.NewSQLiteLog(ctx, cfg.Log.Path)
		if err != nil {
			return err
		}
		defer sl.Close()
		tlog = sl
	} else {
		if tlog, err = tablelog.NewFileLog(cfg.Table); err != nil {
			return err
		}
	}

	snapshotDir := cfg.SnapshotDir
	if snapshotDir == "" {
		snapshotDir = filepath.Join(cfg.Table, "_snapshots")
	}
	snapshots, err := pipeline.NewSnapshotStore(snapshotDir)
	if err != nil {
		return err
	}

	// Resume checkpoint numbering after the last checkpoint this job
	// committed, so a restarted run can never reuse a committed id.
	nextCheckpoint := uint64(1)
	if last, found, err := tlog.TxnVersion(ctx, cfg.JobID); err != nil {
		return fmt.Errorf("reading last committed checkpoint: %w", err)
	} else if found {
		nextCheckpoint = last + 1
		log.WithFields(log.Fields{"job": cfg.JobID, "lastCommitted": last}).Info("resuming job")
	}

	var assigner writer.BucketAssigner
	if col := cfg.BucketColumn; col >= 0 {
		assigner = writer.BucketAssignerFunc(func(row []any) string {
			if col >= len(row) {
				return ""
			}
			return fmt.Sprintf("bucket=%v", row[col])
		})
	}

	n := cfg.parallelism()
	writers := make([]*writer.Writer, n)
	committers := make([]*committer.Committer, n)
	for i := 0; i < n; i++ {
		wcfg := writer.Config{
			JobID:             cfg.JobID,
			WriterID:          i,
			Format:            cfg.format(),
			Compression:       cfg.Compression,
			FileSizeLimit:     cfg.FileSizeLimit,
			RollInterval:      cfg.rollInterval(),
			FlushOnCheckpoint: cfg.S3 != nil || cfg.Compression,
		}

		// A restarted job resumes each writer from the state persisted at its
		// last committed checkpoint, if one exists.
		var states []writer.BucketState
		if nextCheckpoint > 1 {
			if states, err = restoredWriterState(snapshots, nextCheckpoint-1, i); err != nil {
				return err
			}
		}

		if writers[i], err = writer.RestoreWriter(ctx, wcfg, store, assigner, states); err != nil {
			return err
		}
		committers[i] = committer.NewCommitter(store)
	}

	coord, err := pipeline.NewCoordinator(
		writers,
		committers,
		committer.NewGlobalCommitter(tlog, cfg.JobID),
		snapshots,
	)
	if err != nil {
		return err
	}

	return consume(ctx, cfg, coord, writers, &nextCheckpoint)
}

// restoredWriterState loads the bucket states persisted for one writer at the
// job's last committed checkpoint. A missing snapshot means the writer starts
// fresh; any other failure is fatal, since a corrupt or incompatible state
// blob cannot be distinguished from lost checkpointed content.
func restoredWriterState(snapshots *pipeline.SnapshotStore, checkpointID uint64, writerID int) ([]writer.BucketState, error) {
	states, err := snapshots.WriterState(checkpointID, writerID)
	if err == nil {
		return states, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return nil, fmt.Errorf("restoring writer %d state: %w", writerID, err)
}

// consume reads one JSON array of values per stdin line, routes each row to
// a writer instance by hashing the raw row bytes, and checkpoints the
// pipeline on the configured interval and once more at end of input.
func consume(ctx context.Context, cfg config, coord *pipeline.Coordinator, writers []*writer.Writer, nextCheckpoint *uint64) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	interval := cfg.checkpointInterval()
	lastCheckpoint := time.Now()
	var rows uint64

	checkpoint := func() error {
		id := *nextCheckpoint
		if err := coord.RunCheckpoint(ctx, id); err != nil {
			return fmt.Errorf("checkpoint %d: %w", id, err)
		}
		*nextCheckpoint = id + 1
		lastCheckpoint = time.Now()
		return nil
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var row []any
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return fmt.Errorf("parsing input row %d: %w", rows+1, err)
		}

		idx := 0
		if len(writers) > 1 {
			idx = int(xxhash.Sum64(scanner.Bytes()) % uint64(len(writers)))
		}
		if err := writers[idx].Write(ctx, row); err != nil {
			return err
		}
		rows++

		if time.Since(lastCheckpoint) >= interval {
			if err := checkpoint(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	if err := checkpoint(); err != nil {
		return err
	}

	log.WithFields(log.Fields{"rows": rows, "checkpoints": *nextCheckpoint - 1}).Info("input drained and committed")
	return nil
}
