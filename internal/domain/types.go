package domain

import (
	"sort"
	"time"
)

// PartitionID identifies one partition of the location topic.
type PartitionID uint32

// LocationUpdate is one GPS report for a driver.
//
// Sequence is zero until the publisher assigns it; once assigned the value is
// treated as immutable and travels through the wire format unchanged.
type LocationUpdate struct {
	DriverID  string
	Latitude  float64
	Longitude float64
	Timestamp time.Time
	Sequence  uint64
}

// Checkpoint is the committed consumer position of a partition.
//
// Offset is the last fully handled log offset. Sequences holds the highest
// sequence delivered per driver at that offset, so duplicate suppression
// survives restarts. Timestamps holds the report time of that same update.
//
// A commit may carry only the drivers that changed since the previous one.
// Trackers merge both maps with the stored state, keeping the larger value.
type Checkpoint struct {
	Partition   PartitionID
	Offset      int64
	Sequences   map[string]uint64
	Timestamps  map[string]time.Time
	CommittedAt time.Time
}

// Next returns the offset a consumer resumes from.
func (c Checkpoint) Next() int64 {
	return c.Offset + 1
}

// Clone returns a deep copy of the checkpoint.
func (c Checkpoint) Clone() Checkpoint {
	out := c
	out.Sequences = make(map[string]uint64, len(c.Sequences))
	for k, v := range c.Sequences {
		out.Sequences[k] = v
	}
	out.Timestamps = make(map[string]time.Time, len(c.Timestamps))
	for k, v := range c.Timestamps {
		out.Timestamps[k] = v
	}
	return out
}

// Drivers returns every driver named in Sequences or Timestamps, sorted.
func (c Checkpoint) Drivers() []string {
	out := make([]string, 0, len(c.Sequences))
	for d := range c.Sequences {
		out = append(out, d)
	}
	for d := range c.Timestamps {
		if _, ok := c.Sequences[d]; !ok {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}
