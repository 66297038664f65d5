package encode

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// nopWriteCloser adapts a bytes.Buffer into the io.WriteCloser the encoders
// take ownership of.
type nopWriteCloser struct {
	*bytes.Buffer
	closed bool
}

func (w *nopWriteCloser) Close() error {
	w.closed = true
	return nil
}

func gunzip(t *testing.T, b []byte) []byte {
	t.Helper()
	r, err := gzip.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return out
}

func TestFormatValidate(t *testing.T) {
	require.NoError(t, FormatJSONL.Validate())
	require.NoError(t, FormatCSV.Validate())
	require.Error(t, Format("parquet").Validate())
	require.Error(t, Format("").Validate())
}

func TestFormatExtension(t *testing.T) {
	require.Equal(t, ".jsonl", FormatJSONL.Extension(false))
	require.Equal(t, ".jsonl.gz", FormatJSONL.Extension(true))
	require.Equal(t, ".csv", FormatCSV.Extension(false))
	require.Equal(t, ".csv.gz", FormatCSV.Extension(true))
}

func TestJSONEncoder(t *testing.T) {
	buf := &nopWriteCloser{Buffer: &bytes.Buffer{}}
	enc := NewJSONEncoder(buf, WithJSONDisableCompression())

	require.NoError(t, enc.Encode([]any{"hello", 1, true, nil}))
	require.NoError(t, enc.Encode([]any{3.5}))
	require.NoError(t, enc.Encode([]any{}))

	require.True(t, enc.Resumable())
	require.NoError(t, enc.Close())
	require.True(t, buf.closed)

	want := "[\"hello\",1,true,null]\n[3.5]\n[]\n"
	require.Equal(t, want, buf.String())
	require.Equal(t, len(want), enc.Written())
}

func TestJSONEncoderCompressed(t *testing.T) {
	buf := &nopWriteCloser{Buffer: &bytes.Buffer{}}
	enc := NewJSONEncoder(buf)

	require.NoError(t, enc.Encode([]any{"hello", 1}))
	require.False(t, enc.Resumable())
	require.NoError(t, enc.Close())

	require.Equal(t, "[\"hello\",1]\n", string(gunzip(t, buf.Bytes())))
	require.Equal(t, buf.Len(), enc.Written())
}

func TestJSONEncoderWrittenAfterFlush(t *testing.T) {
	buf := &nopWriteCloser{Buffer: &bytes.Buffer{}}
	enc := NewJSONEncoder(buf, WithJSONDisableCompression())

	require.NoError(t, enc.Encode([]any{1}))
	require.NoError(t, enc.Flush())

	// An uncompressed flushed cut ends exactly at the row boundary, which is
	// what makes truncate-and-resume possible.
	require.Equal(t, buf.Len(), enc.Written())
	require.Equal(t, "[1]\n", buf.String())
}

func TestCSVEncoder(t *testing.T) {
	buf := &nopWriteCloser{Buffer: &bytes.Buffer{}}
	enc := NewCSVEncoder(buf, WithCSVDisableCompression())

	require.NoError(t, enc.Encode([]any{"plain", int64(42), true, 1.25, nil}))
	require.NoError(t, enc.Encode([]any{`quote "me"`, "comma, inc.", "line\nbreak"}))
	require.NoError(t, enc.Encode([]any{[]byte("bytes"), uint64(7)}))

	require.NoError(t, enc.Close())

	want := "plain,42,true,1.25,\n" +
		"\"quote \"\"me\"\"\",\"comma, inc.\",\"line\nbreak\"\n" +
		"bytes,7\n"
	require.Equal(t, want, buf.String())
	require.Equal(t, len(want), enc.Written())
}

func TestCSVEncoderRejectsUnsupportedType(t *testing.T) {
	buf := &nopWriteCloser{Buffer: &bytes.Buffer{}}
	enc := NewCSVEncoder(buf, WithCSVDisableCompression())

	require.Error(t, enc.Encode([]any{struct{}{}}))
}

func TestCSVEncoderCompressed(t *testing.T) {
	buf := &nopWriteCloser{Buffer: &bytes.Buffer{}}
	enc := NewCSVEncoder(buf)

	require.NoError(t, enc.Encode([]any{"a", 1}))
	require.False(t, enc.Resumable())
	require.NoError(t, enc.Close())

	require.Equal(t, "a,1\n", string(gunzip(t, buf.Bytes())))
}

func TestNewEncoderSelectsFormat(t *testing.T) {
	for _, f := range []Format{FormatJSONL, FormatCSV} {
		buf := &nopWriteCloser{Buffer: &bytes.Buffer{}}
		enc, err := NewEncoder(f, buf, false)
		require.NoError(t, err)
		require.True(t, enc.Resumable())

		buf = &nopWriteCloser{Buffer: &bytes.Buffer{}}
		enc, err = NewEncoder(f, buf, true)
		require.NoError(t, err)
		require.False(t, enc.Resumable())
	}

	_, err := NewEncoder(Format("parquet"), &nopWriteCloser{Buffer: &bytes.Buffer{}}, false)
	require.Error(t, err)
}
