package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs hands out predictable UUID-shaped record ids, for tests that
// exercise id generation without asserting on random UUIDv7 values.
type SequentialIDs struct {
	mu  sync.Mutex
	seq int64
}

// Next returns the next id, starting at ...0001.
func (g *SequentialIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return FixedID(g.seq)
}

// FixedID formats n as a version 7 UUID with a zero timestamp.
func FixedID(n int64) string {
	return fmt.Sprintf("00000000-0000-7000-8000-%012x", n)
}
