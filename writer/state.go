package writer

import (
	"fmt"
	"time"

	"github.com/tablesink/tablesink/committable"
)

// BucketState is the resumable state of one bucket of one writer instance,
// captured at a checkpoint and restored after a restart. It is exclusively
// owned by its writer instance and never shared.
type BucketState struct {
	BucketID    string
	PartCounter uint64

	// InProgress describes the part file that was open when the checkpoint
	// was taken, or nil if the bucket had none.
	InProgress *InProgressFile
}

// InProgressFile records the consistent cut of an open part file: everything
// up to Size bytes and RowCount rows is durable checkpointed content, and
// anything beyond it is discarded on resume.
type InProgressFile struct {
	TmpPath   string
	FinalPath string
	Size      int64
	RowCount  int64
	CreatedAt time.Time
}

const (
	bucketStateMagic   = 0x8f2c1a54
	bucketStateVersion = 1
)

// SerializeBucketStates encodes one writer's bucket states for persistence
// by the checkpointing mechanism.
func SerializeBucketStates(states []BucketState) []byte {
	a := committable.NewAppender()
	a.Uint32(bucketStateMagic)
	a.Uint32(bucketStateVersion)

	a.Uint32(uint32(len(states)))
	for _, st := range states {
		a.String(st.BucketID)
		a.Uint64(st.PartCounter)
		a.Bool(st.InProgress != nil)
		if ip := st.InProgress; ip != nil {
			a.String(ip.TmpPath)
			a.String(ip.FinalPath)
			a.Int64(ip.Size)
			a.Int64(ip.RowCount)
			a.Time(ip.CreatedAt)
		}
	}

	return a.Bytes()
}

// DeserializeBucketStates decodes a blob produced by SerializeBucketStates.
func DeserializeBucketStates(b []byte) ([]BucketState, error) {
	r := committable.NewReader(b)

	magic := r.Uint32()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if magic != bucketStateMagic {
		return nil, fmt.Errorf("%w: unexpected magic number %08X", committable.ErrCorruptData, magic)
	}

	version := r.Uint32()
	if err := r.Err(); err != nil {
		return nil, err
	}

	switch version {
	case 1:
		return deserializeBucketStatesV1(r)
	default:
		return nil, fmt.Errorf("%w: bucket state version %d", committable.ErrUnsupportedVersion, version)
	}
}

func deserializeBucketStatesV1(r *committable.Reader) ([]BucketState, error) {
	n := r.Uint32()
	if err := r.Err(); err != nil {
		return nil, err
	}

	states := make([]BucketState, 0, n)
	for i := uint32(0); i < n; i++ {
		var st BucketState
		st.BucketID = r.String()
		st.PartCounter = r.Uint64()
		if r.Bool() {
			var ip InProgressFile
			ip.TmpPath = r.String()
			ip.FinalPath = r.String()
			ip.Size = r.Int64()
			ip.RowCount = r.Int64()
			ip.CreatedAt = r.Time()
			st.InProgress = &ip
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
		states = append(states, st)
	}

	return states, nil
}
