package committable

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCommittable() Committable {
	return Committable{
		JobID:        "job-1",
		CheckpointID: 42,
		File: PendingFile{
			BucketID:   "date=2024-01-01",
			TmpPath:    "date=2024-01-01/.part-abc-00001.jsonl.inprogress",
			FinalPath:  "date=2024-01-01/part-abc-00001.jsonl",
			Size:       1024,
			RowCount:   17,
			InProgress: false,
		},
	}
}

func TestCommittableRoundTrip(t *testing.T) {
	want := testCommittable()

	got, err := DeserializeCommittable(SerializeCommittable(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFinalizedFilesRoundTrip(t *testing.T) {
	want := []FinalizedFile{
		{
			Path:     "date=2024-01-01/part-abc-00001.jsonl",
			Size:     2048,
			RowCount: 34,
			ModTime:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			Path:     "date=2024-01-02/part-abc-00002.jsonl",
			Size:     512,
			RowCount: 8,
			ModTime:  time.Date(2024, 1, 2, 6, 30, 0, 0, time.UTC),
		},
	}

	got, err := DeserializeFinalizedFiles(SerializeFinalizedFiles(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFinalizedFilesRoundTripEmpty(t *testing.T) {
	got, err := DeserializeFinalizedFiles(SerializeFinalizedFiles(nil))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCommitBatchRoundTrip(t *testing.T) {
	want := CommitBatch{
		JobID:        "job-1",
		CheckpointID: 7,
		Files: []FinalizedFile{
			{
				Path:     "b1/part-abc-00001.jsonl",
				Size:     100,
				RowCount: 3,
				ModTime:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			},
		},
	}

	got, err := DeserializeCommitBatch(SerializeCommitBatch(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDeserializeRejectsCorruptMagic(t *testing.T) {
	b := SerializeCommittable(testCommittable())

	// Flipping any byte of the magic prefix must produce a corrupt data error,
	// never a partial parse.
	for i := 0; i < 4; i++ {
		corrupted := append([]byte(nil), b...)
		corrupted[i] ^= 0xff

		_, err := DeserializeCommittable(corrupted)
		require.ErrorIs(t, err, ErrCorruptData)
	}
}

func TestDeserializeRejectsUnknownVersion(t *testing.T) {
	b := SerializeCommitBatch(CommitBatch{JobID: "job-1", CheckpointID: 1})

	// A future encoder would bump the version integer; an old decoder must
	// refuse it rather than misread the payload.
	binary.BigEndian.PutUint32(b[4:8], 999)

	_, err := DeserializeCommitBatch(b)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDeserializeRejectsTruncatedBuffer(t *testing.T) {
	b := SerializeCommittable(testCommittable())

	for _, n := range []int{0, 3, 7, len(b) / 2, len(b) - 1} {
		_, err := DeserializeCommittable(b[:n])
		require.ErrorIs(t, err, ErrCorruptData, "truncated to %d bytes", n)
	}
}
