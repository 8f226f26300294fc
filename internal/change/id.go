package change

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NodeIDPrefix keeps node ids out of the record id space.
const NodeIDPrefix = "node-"

// ErrInvalidRecordID is returned for record ids that are not UUIDs.
var ErrInvalidRecordID = errors.New("record id must be a UUID")

// NewRecordID returns a time-sortable UUIDv7 for a new replicated record.
//
// Panics if UUID generation fails (should never happen in practice).
func NewRecordID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewNodeID returns a fresh node identity.
func NewNodeID() string {
	return NodeIDPrefix + uuid.Must(uuid.NewRandom()).String()
}

// ValidateRecordID rejects ids that are not globally unique.
// Locally auto-incremented ids ("1", "2", ...) fail here on purpose.
func ValidateRecordID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRecordID, id)
	}
	return nil
}

// IsNodeID reports whether id looks like a node identity.
func IsNodeID(id string) bool {
	rest, ok := strings.CutPrefix(id, NodeIDPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
