// Package encode provides the bulk-format encoders that turn rows into part
// file bytes. The set of supported formats is closed: a format is selected at
// construction time rather than through any open-ended registry.
package encode

import (
	"fmt"
	"io"
)

// StreamEncoder encodes rows of data to a particular format, writing the
// result to a stream.
type StreamEncoder interface {
	// Encode writes a single row.
	Encode(row []any) error

	// Written returns the number of bytes written to the underlying stream
	// so far.
	Written() int

	// Flush pushes any buffered bytes to the underlying stream so that
	// Written reflects a consistent cut of the file.
	Flush() error

	// Resumable reports whether the stream can be truncated to a flushed cut
	// and continued with a fresh encoder. Compressed streams are not
	// resumable because a truncated stream lacks its trailer.
	Resumable() bool

	// Close flushes and closes the encoder and the underlying stream.
	Close() error
}

// Format identifies a bulk file format.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// Validate returns an error for unknown formats.
func (f Format) Validate() error {
	switch f {
	case FormatJSONL, FormatCSV:
		return nil
	default:
		return fmt.Errorf("unknown format %q", f)
	}
}

// Extension returns the file extension for the format, accounting for
// compression.
func (f Format) Extension(compressed bool) string {
	ext := "." + string(f)
	if compressed {
		ext += ".gz"
	}
	return ext
}

// NewEncoder constructs a StreamEncoder for the format. w is closed when the
// encoder is closed.
func NewEncoder(f Format, w io.WriteCloser, compressed bool) (StreamEncoder, error) {
	switch f {
	case FormatJSONL:
		var opts []JSONOption
		if !compressed {
			opts = append(opts, WithJSONDisableCompression())
		}
		return NewJSONEncoder(w, opts...), nil
	case FormatCSV:
		var opts []CSVOption
		if !compressed {
			opts = append(opts, WithCSVDisableCompression())
		}
		return NewCSVEncoder(w, opts...), nil
	default:
		return nil, fmt.Errorf("unknown format %q", f)
	}
}

// countingWriteCloser tracks the count of bytes written to the underlying
// writer, which for compressed streams is the count after compression.
type countingWriteCloser struct {
	written int
	w       io.WriteCloser
}

func (c *countingWriteCloser) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		return 0, fmt.Errorf("countingWriteCloser writing to w: %w", err)
	}
	c.written += n

	return n, nil
}

func (c *countingWriteCloser) Close() error {
	return c.w.Close()
}
