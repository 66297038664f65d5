package encode

import (
	"compress/flate"
	"fmt"
	"io"

	"github.com/klauspost/pgzip"
	"github.com/segmentio/encoding/json"
)

// JSON generally compresses well at minimum compression levels. Higher levels
// of compression will usually take a lot more CPU while not providing much
// space savings.
const jsonCompressionLevel = flate.BestSpeed

type jsonConfig struct {
	disableCompression bool
}

type JSONOption func(*jsonConfig)

func WithJSONDisableCompression() JSONOption {
	return func(cfg *jsonConfig) {
		cfg.disableCompression = true
	}
}

// JSONEncoder writes rows as newline-delimited JSON arrays of values.
type JSONEncoder struct {
	w   io.Writer // set to `gz` for compressed writes or `cwc` if compression is disabled
	cwc *countingWriteCloser
	gz  *pgzip.Writer
	buf []byte
}

var _ StreamEncoder = (*JSONEncoder)(nil)

// NewJSONEncoder creates a JSONEncoder from w. w is closed when the encoder
// is closed.
func NewJSONEncoder(w io.WriteCloser, opts ...JSONOption) *JSONEncoder {
	var cfg jsonConfig
	for _, o := range opts {
		o(&cfg)
	}

	e := &JSONEncoder{
		cwc: &countingWriteCloser{w: w},
	}

	if !cfg.disableCompression {
		gz, err := pgzip.NewWriterLevel(e.cwc, jsonCompressionLevel)
		if err != nil {
			// Only possible if compressionLevel is not valid.
			panic("invalid compression level for gzip.NewWriterLevel")
		}
		e.gz = gz
		e.w = gz
	} else {
		e.w = e.cwc
	}

	return e
}

func (e *JSONEncoder) Encode(row []any) (err error) {
	e.buf = e.buf[:0]

	e.buf = append(e.buf, '[')
	for idx, v := range row {
		if e.buf, err = json.Append(e.buf, v, json.TrustRawMessage); err != nil {
			return fmt.Errorf("encoding JSON array value: %w", err)
		}
		if idx != len(row)-1 {
			e.buf = append(e.buf, ',')
		}
	}
	e.buf = append(e.buf, ']', '\n')

	if _, err := e.w.Write(e.buf); err != nil {
		return fmt.Errorf("writing row bytes: %w", err)
	}

	return nil
}

func (e *JSONEncoder) Written() int { return e.cwc.written }

func (e *JSONEncoder) Flush() error {
	if e.gz != nil {
		if err := e.gz.Flush(); err != nil {
			return fmt.Errorf("flushing gzip writer: %w", err)
		}
	}
	return nil
}

// Resumable reports true only for uncompressed output: a flushed uncompressed
// stream ends exactly at a row boundary, while a truncated gzip stream is
// missing its footer.
func (e *JSONEncoder) Resumable() bool { return e.gz == nil }

// Close closes the underlying gzip writer if compression is enabled, flushing
// its data and writing the GZIP footer. It also closes the underlying
// io.WriteCloser.
func (e *JSONEncoder) Close() error {
	if e.gz != nil {
		if err := e.gz.Close(); err != nil {
			return fmt.Errorf("closing gzip writer: %w", err)
		}
	}

	if err := e.cwc.Close(); err != nil {
		return fmt.Errorf("closing counting writer: %w", err)
	}
	return nil
}
