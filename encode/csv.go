package encode

import (
	"compress/flate"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
)

const csvCompressionLevel = flate.BestSpeed

type csvConfig struct {
	disableCompression bool
}

type CSVOption func(*csvConfig)

func WithCSVDisableCompression() CSVOption {
	return func(cfg *csvConfig) {
		cfg.disableCompression = true
	}
}

// CSVEncoder writes rows as comma-separated values, quoting strings that
// contain delimiters, quotes, or newlines.
type CSVEncoder struct {
	w   io.Writer
	cwc *countingWriteCloser
	gz  *pgzip.Writer
	buf []byte
}

var _ StreamEncoder = (*CSVEncoder)(nil)

// NewCSVEncoder creates a CSVEncoder from w. w is closed when the encoder is
// closed.
func NewCSVEncoder(w io.WriteCloser, opts ...CSVOption) *CSVEncoder {
	var cfg csvConfig
	for _, o := range opts {
		o(&cfg)
	}

	e := &CSVEncoder{
		cwc: &countingWriteCloser{w: w},
	}

	if !cfg.disableCompression {
		gz, err := pgzip.NewWriterLevel(e.cwc, csvCompressionLevel)
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

func (e *CSVEncoder) Encode(row []any) error {
	e.buf = e.buf[:0]

	for n, v := range row {
		if n > 0 {
			e.buf = append(e.buf, ',')
		}

		switch value := v.(type) {
		case nil:
			// Empty field.
		case string:
			e.buf = appendCSVString(e.buf, value)
		case []byte:
			e.buf = appendCSVString(e.buf, string(value))
		case json.RawMessage:
			e.buf = appendCSVString(e.buf, string(value))
		case bool:
			e.buf = strconv.AppendBool(e.buf, value)
		case int:
			e.buf = strconv.AppendInt(e.buf, int64(value), 10)
		case int64:
			e.buf = strconv.AppendInt(e.buf, value, 10)
		case uint64:
			e.buf = strconv.AppendUint(e.buf, value, 10)
		case float64:
			e.buf = strconv.AppendFloat(e.buf, value, 'f', -1, 64)
		default:
			return fmt.Errorf("unsupported CSV value type %T", v)
		}
	}
	e.buf = append(e.buf, '\n')

	if _, err := e.w.Write(e.buf); err != nil {
		return fmt.Errorf("writing row bytes: %w", err)
	}

	return nil
}

func appendCSVString(buf []byte, s string) []byte {
	if !strings.ContainsAny(s, ",\"\r\n") {
		return append(buf, s...)
	}

	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			buf = append(buf, '"', '"')
		} else {
			buf = append(buf, s[i])
		}
	}
	return append(buf, '"')
}

func (e *CSVEncoder) Written() int { return e.cwc.written }

func (e *CSVEncoder) Flush() error {
	if e.gz != nil {
		if err := e.gz.Flush(); err != nil {
			return fmt.Errorf("flushing gzip writer: %w", err)
		}
	}
	return nil
}

func (e *CSVEncoder) Resumable() bool { return e.gz == nil }

func (e *CSVEncoder) Close() error {
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
