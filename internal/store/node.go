package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const nodeIDKey = "node_id"

// EnsureNodeID returns the persisted node identity, generating and storing
// one with gen on first use. The identity survives restarts.
func (s *Store) EnsureNodeID(ctx context.Context, gen func() string) (string, error) {
	var id string
	err := s.WithTx(ctx, func(tx *Tx) error {
		err := tx.tx.QueryRowContext(ctx,
			`SELECT value FROM node_meta WHERE key = ?`, nodeIDKey).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read node id: %w", err)
		}

		id = gen()
		if id == "" {
			return errors.New("generated empty node id")
		}
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT INTO node_meta (key, value) VALUES (?, ?)`, nodeIDKey, id); err != nil {
			return fmt.Errorf("write node id: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// NodeID returns the persisted node identity or ErrNotFound.
func (s *Store) NodeID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM node_meta WHERE key = ?`, nodeIDKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read node id: %w", err)
	}
	return id, nil
}
