package raftengine

import "time"

// OffsetCommitCommand is the replicated form of a partition checkpoint.
type OffsetCommitCommand struct {
	Group          uint32            `json:"group"`
	Offset         int64             `json:"offset"`
	Sequences      map[string]uint64 `json:"sequences,omitempty"`
	DriverTimesNs  map[string]int64  `json:"driver_times_ns,omitempty"`
	TimestampUTCNs int64             `json:"timestamp_utc_ns"`
	AckToken       string            `json:"ack_token,omitempty"`
}

func (c *OffsetCommitCommand) FillTimestamp() {
	if c.TimestampUTCNs == 0 {
		c.TimestampUTCNs = time.Now().UTC().UnixNano()
	}
}
