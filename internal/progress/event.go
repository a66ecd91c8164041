package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart      Stage = "JOB_START"
	StageJobPaused     Stage = "JOB_PAUSED"
	StageJobResumed    Stage = "JOB_RESUMED"
	StageJobEnumerated Stage = "JOB_ENUMERATED"
	StageItemDone      Stage = "ITEM_DONE"
	StageJobDone       Stage = "JOB_DONE"
	StageJobError      Stage = "JOB_ERROR"
)

// ItemResult classifies a finished item.
type ItemResult string

// Item results carried by StageItemDone events.
const (
	ItemOK       ItemResult = "ok"
	ItemNotFound ItemResult = "not_found"
	ItemFailed   ItemResult = "failed"
)

// Event captures a single component of export progress.
type Event struct {
	// JobID uniquely identifies a job using the 16-byte UUID form.
	JobID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or item milestone occurred.
	Stage Stage
	// Owner is the remote username; set on JOB_START.
	Owner string
	// ItemID is the remote post id for ITEM_DONE.
	ItemID int64
	// Result classifies an ITEM_DONE event.
	Result ItemResult
	// Items is the size of the starred list for JOB_ENUMERATED.
	Items int
	// Bytes is the attachment size downloaded for an item, or the archive
	// size for JOB_DONE.
	Bytes int64
	// Dur captures item latency or total job runtime.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text or a
	// checksum.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobPaused, StageJobResumed, StageJobDone, StageJobError:
	case StageJobEnumerated:
		if e.Items < 0 {
			return errors.New("enumerated item count must be >= 0")
		}
	case StageItemDone:
		if e.ItemID == 0 {
			return errors.New("item done requires item id")
		}
		switch e.Result {
		case ItemOK, ItemNotFound, ItemFailed:
		default:
			return fmt.Errorf("unknown item result %q", e.Result)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID for repositories.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// JobIDBytes parses a job id string. Ids that are not UUIDs yield false and
// are not reported.
func JobIDBytes(jobID string) ([16]byte, bool) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return [16]byte{}, false
	}
	return UUIDToBytes(id), true
}
