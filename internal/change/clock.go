package change

import "time"

// Clock supplies change timestamps in unix milliseconds.
type Clock interface {
	Now() int64
}

// WallClock reads the system clock.
type WallClock struct{}

// Now returns the current time in unix milliseconds.
func (WallClock) Now() int64 {
	return time.Now().UnixMilli()
}

// NextStamp computes the stamp of a local write that supersedes prev.
//
// The timestamp never goes backwards for a record: a node that already holds
// a change stamped in its future (clock skew between nodes) still produces a
// winning local write.
func NextStamp(clock Clock, nodeID string, prev Stamp, exists bool) Stamp {
	ts := clock.Now()
	next := Stamp{Timestamp: ts, Version: 1, NodeID: nodeID}
	if !exists {
		return next
	}
	if prev.Timestamp >= ts {
		next.Timestamp = prev.Timestamp + 1
	}
	next.Version = prev.Version + 1
	return next
}
