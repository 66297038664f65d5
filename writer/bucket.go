package writer

import (
	"context"
	"fmt"
	"path"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tablesink/tablesink/committable"
	"github.com/tablesink/tablesink/encode"
	"github.com/tablesink/tablesink/storage"
)

// bucketWriter tracks one bucket's open part file and the closed files that
// have not yet been handed off at a checkpoint.
type bucketWriter struct {
	id          string
	partCounter uint64

	// Open part file, nil when none is open. Part files are created lazily
	// on the first record routed to the bucket.
	file      storage.File
	enc       encode.StreamEncoder
	tmpPath   string
	finalPath string
	opened    time.Time

	// restored is the byte size carried over from a resumed in-progress
	// file; the encoder only counts bytes written in this session.
	restored int64
	rowCount int64

	// Closed part files awaiting the next PrepareCommit.
	pending []committable.PendingFile
}

// size returns the bucket's current part file size in bytes, including any
// resumed prefix.
func (b *bucketWriter) size() int64 {
	if b.enc == nil {
		return b.restored
	}
	return b.restored + int64(b.enc.Written())
}

func (b *bucketWriter) openPart(ctx context.Context, w *Writer) error {
	name := fmt.Sprintf("part-%s-%05d%s", w.session, b.partCounter, w.cfg.Format.Extension(w.cfg.Compression))
	b.partCounter++

	b.finalPath = path.Join(b.id, name)
	b.tmpPath = path.Join(b.id, "."+name+".inprogress")

	f, err := w.store.Create(ctx, b.tmpPath)
	if err != nil {
		return fmt.Errorf("creating part file: %w", err)
	}

	enc, err := encode.NewEncoder(w.cfg.Format, f, w.cfg.Compression)
	if err != nil {
		f.Close()
		return err
	}

	b.file = f
	b.enc = enc
	b.opened = time.Now()
	b.restored = 0
	b.rowCount = 0

	log.WithFields(log.Fields{"bucket": b.id, "path": b.tmpPath}).Debug("opened part file")
	return nil
}

// closePart finishes the open part file and queues it as a closed pending
// file for the next checkpoint hand-off.
func (b *bucketWriter) closePart() error {
	if b.file == nil {
		return nil
	}

	if err := b.enc.Close(); err != nil {
		return fmt.Errorf("closing part file: %w", err)
	}

	b.pending = append(b.pending, committable.PendingFile{
		BucketID:  b.id,
		TmpPath:   b.tmpPath,
		FinalPath: b.finalPath,
		Size:      b.size(),
		RowCount:  b.rowCount,
	})

	log.WithFields(log.Fields{
		"bucket": b.id,
		"path":   b.tmpPath,
		"rows":   b.rowCount,
		"bytes":  b.size(),
	}).Debug("closed part file")

	b.file = nil
	b.enc = nil
	b.restored = 0
	b.rowCount = 0

	return nil
}
