package tablelog

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/segmentio/encoding/json"
	log "github.com/sirupsen/logrus"
)

const commitTimeLayout = "2006-01-02T15:04:05.000Z"

// SQLiteLog is a table log kept in a SQLite database. The version column is
// the primary key, so inserting a commit for an already claimed version fails
// with a constraint violation, which provides the compare-and-swap append.
type SQLiteLog struct {
	db *stdsql.DB
}

var _ Log = (*SQLiteLog)(nil)

func NewSQLiteLog(ctx context.Context, path string) (*SQLiteLog, error) {
	db, err := stdsql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS table_log (
			version       INTEGER PRIMARY KEY,
			job_id        TEXT NOT NULL,
			checkpoint_id INTEGER NOT NULL,
			committed_at  TEXT NOT NULL,
			actions       TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table_log table: %w", err)
	}

	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Close() error { return l.db.Close() }

func (l *SQLiteLog) CurrentVersion(ctx context.Context) (int64, error) {
	var current int64
	if err := l.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), -1) FROM table_log;",
	).Scan(&current); err != nil {
		return 0, fmt.Errorf("querying current version: %w (%w)", err, ErrUnreachable)
	}

	return current, nil
}

func (l *SQLiteLog) Append(ctx context.Context, c Commit) error {
	if c.Version < 0 {
		return fmt.Errorf("invalid version %d", c.Version)
	}

	actions, err := json.Marshal(c.Actions)
	if err != nil {
		return fmt.Errorf("marshalling actions: %w", err)
	}

	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO table_log (version, job_id, checkpoint_id, committed_at, actions)
		VALUES (?, ?, ?, ?, ?);
	`, c.Version, c.JobID, c.CheckpointID, c.CommittedAt.UTC().Format(commitTimeLayout), string(actions)); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("version %d already committed: %w", c.Version, ErrConflict)
		}
		return fmt.Errorf("inserting version %d: %w (%w)", c.Version, err, ErrUnreachable)
	}

	log.WithFields(log.Fields{
		"version":    c.Version,
		"checkpoint": c.CheckpointID,
		"actions":    len(c.Actions),
	}).Info("appended table log version")

	return nil
}

func (l *SQLiteLog) TxnVersion(ctx context.Context, jobID string) (uint64, bool, error) {
	var checkpointID uint64
	err := l.db.QueryRowContext(ctx, `
		SELECT checkpoint_id FROM table_log
		WHERE job_id = ?
		ORDER BY checkpoint_id DESC
		LIMIT 1;
	`, jobID).Scan(&checkpointID)
	if errors.Is(err, stdsql.ErrNoRows) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("querying txn version: %w (%w)", err, ErrUnreachable)
	}

	return checkpointID, true, nil
}

func (l *SQLiteLog) Read(ctx context.Context, version int64) (Commit, error) {
	var c Commit
	var committedAt string
	var actions string

	err := l.db.QueryRowContext(ctx, `
		SELECT version, job_id, checkpoint_id, committed_at, actions
		FROM table_log WHERE version = ?;
	`, version).Scan(&c.Version, &c.JobID, &c.CheckpointID, &committedAt, &actions)
	if errors.Is(err, stdsql.ErrNoRows) {
		return Commit{}, fmt.Errorf("version %d: %w", version, ErrNotFound)
	} else if err != nil {
		return Commit{}, fmt.Errorf("reading version %d: %w (%w)", version, err, ErrUnreachable)
	}

	if err := json.Unmarshal([]byte(actions), &c.Actions); err != nil {
		return Commit{}, fmt.Errorf("unmarshalling actions of version %d: %w", version, err)
	}
	if c.CommittedAt, err = parseCommitTime(committedAt); err != nil {
		return Commit{}, fmt.Errorf("parsing committed_at of version %d: %w", version, err)
	}

	return c, nil
}

func parseCommitTime(s string) (time.Time, error) {
	return time.Parse(commitTimeLayout, s)
}
