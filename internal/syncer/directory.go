package syncer

import (
	"context"

	"github.com/roach88/meshsync/internal/directory"
)

// Directory lists live peers. *directory.Client implements it.
type Directory interface {
	Services(ctx context.Context) ([]directory.Service, error)
}

// StaticDirectory is a fixed peer list, used when no directory service is
// configured.
type StaticDirectory []directory.Service

// Services returns the list.
func (d StaticDirectory) Services(context.Context) ([]directory.Service, error) {
	out := make([]directory.Service, len(d))
	copy(out, d)
	return out, nil
}
