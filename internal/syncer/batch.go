package syncer

import (
	"encoding/json"

	"github.com/roach88/meshsync/internal/change"
)

// batchEnvelope is the encoded size of an empty batch: {"changes":[]}.
var batchEnvelope = len(`{"changes":[]}`)

// fitBatch returns how many leading changes fit in one encoded batch of at
// most maxBytes. The first change always fits, so an oversized entry is sent
// on its own instead of holding back everything after it. A non-positive
// maxBytes disables the bound.
func fitBatch(changes []change.Change, maxBytes int) int {
	if maxBytes <= 0 {
		return len(changes)
	}
	size := batchEnvelope
	for i, c := range changes {
		b, err := json.Marshal(c)
		if err != nil {
			return max(i, 1)
		}
		size += len(b)
		if i > 0 {
			size++ // separating comma
		}
		if size > maxBytes && i > 0 {
			return i
		}
	}
	return len(changes)
}
