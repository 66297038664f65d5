package main

import (
	"fmt"
	"time"

	"github.com/tablesink/tablesink/encode"
	"github.com/tablesink/tablesink/storage"
)

type logConfig struct {
	Backend string `json:"backend,omitempty" jsonschema:"title=Backend,description=Table log backend to commit versions to.,enum=file,enum=sqlite,default=file" jsonschema_extras:"order=0"`
	Path    string `json:"path,omitempty" jsonschema:"title=Path,description=Path of the SQLite database when using the sqlite backend." jsonschema_extras:"order=1"`
}

func (c logConfig) Validate() error {
	switch c.Backend {
	case "", "file":
		return nil
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("missing 'path' for the sqlite log backend")
		}
		return nil
	default:
		return fmt.Errorf("unknown log backend %q", c.Backend)
	}
}

type config struct {
	JobID       string `json:"jobId" jsonschema:"title=Job ID,description=Identifier of the logical job. Must stay stable across restarts for exactly-once commits." jsonschema_extras:"order=0"`
	Table       string `json:"table" jsonschema:"title=Table Directory,description=Directory holding the table's data files and log." jsonschema_extras:"order=1"`
	SnapshotDir string `json:"snapshotDir,omitempty" jsonschema:"title=Snapshot Directory,description=Directory for checkpoint snapshots. Defaults to <table>/_snapshots." jsonschema_extras:"order=2"`

	Format      string `json:"format,omitempty" jsonschema:"title=Format,description=Bulk file format for part files.,enum=jsonl,enum=csv,default=jsonl" jsonschema_extras:"order=3"`
	Compression bool   `json:"compression,omitempty" jsonschema:"title=Compression,description=Compress part files with gzip." jsonschema_extras:"order=4"`

	Parallelism        int    `json:"parallelism,omitempty" jsonschema:"title=Parallelism,description=Number of parallel writer/committer pairs. Defaults to 1 if blank." jsonschema_extras:"order=5"`
	BucketColumn       int    `json:"bucketColumn,omitempty" jsonschema:"title=Bucket Column,description=Index of the record column that selects the output bucket. -1 writes all records to a single bucket.,default=-1" jsonschema_extras:"order=6"`
	FileSizeLimit      int64  `json:"fileSizeLimit,omitempty" jsonschema:"title=File Size Limit,description=Approximate maximum size of part files in bytes. Defaults to 134217728 (128 MiB) if blank." jsonschema_extras:"order=7"`
	RollInterval       string `json:"rollInterval,omitempty" jsonschema:"title=Roll Interval,description=Maximum time a part file may stay open. Must be a valid Go duration string.,default=15m" jsonschema_extras:"order=8"`
	CheckpointInterval string `json:"checkpointInterval,omitempty" jsonschema:"title=Checkpoint Interval,description=Interval between checkpoints. Must be a valid Go duration string.,default=30s" jsonschema_extras:"order=9"`

	Log logConfig         `json:"log,omitempty" jsonschema:"title=Table Log" jsonschema_extras:"order=10"`
	S3  *storage.S3Config `json:"s3,omitempty" jsonschema:"title=S3,description=Write part files to an S3 bucket instead of the local table directory." jsonschema_extras:"order=11"`
}

func (c config) Validate() error {
	var requiredProperties = [][]string{
		{"jobId", c.JobID},
		{"table", c.Table},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}

	if c.Format != "" {
		if err := encode.Format(c.Format).Validate(); err != nil {
			return err
		}
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism '%d' cannot be negative", c.Parallelism)
	}
	if c.FileSizeLimit < 0 {
		return fmt.Errorf("fileSizeLimit '%d' cannot be negative", c.FileSizeLimit)
	}
	if c.RollInterval != "" {
		if _, err := time.ParseDuration(c.RollInterval); err != nil {
			return fmt.Errorf("invalid rollInterval: %w", err)
		}
	}
	if c.CheckpointInterval != "" {
		if _, err := time.ParseDuration(c.CheckpointInterval); err != nil {
			return fmt.Errorf("invalid checkpointInterval: %w", err)
		}
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if c.S3 != nil {
		if err := c.S3.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func (c config) format() encode.Format {
	if c.Format == "" {
		return encode.FormatJSONL
	}
	return encode.Format(c.Format)
}

func (c config) parallelism() int {
	if c.Parallelism == 0 {
		return 1
	}
	return c.Parallelism
}

func (c config) rollInterval() time.Duration {
	if c.RollInterval == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.RollInterval)
	return d
}

func (c config) checkpointInterval() time.Duration {
	if c.CheckpointInterval == "" {
		return 30 * time.Second
	}
	d, _ := time.ParseDuration(c.CheckpointInterval)
	return d
}
