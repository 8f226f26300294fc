package store

import (
	"context"
	"fmt"
	"time"
)

// RememberPeers records that the given peers took part in a round. Known
// peers are never dropped: entries stay pending until each of them has
// acknowledged, even while a peer is missing from the directory.
func (s *Store) RememberPeers(ctx context.Context, peerIDs []string) error {
	if len(peerIDs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return s.WithTx(ctx, func(tx *Tx) error {
		stmt, err := tx.tx.PrepareContext(ctx, `
			INSERT INTO sync_peers (peer_id, first_seen, last_seen)
			VALUES (?, ?, ?)
			ON CONFLICT(peer_id) DO UPDATE SET last_seen = excluded.last_seen
		`)
		if err != nil {
			return fmt.Errorf("remember peers: prepare: %w", err)
		}
		defer stmt.Close()

		for _, id := range peerIDs {
			if _, err := stmt.ExecContext(ctx, id, now, now); err != nil {
				return fmt.Errorf("remember peer %s: %w", id, err)
			}
		}
		return nil
	})
}

// KnownPeers returns every remembered peer id, sorted.
func (s *Store) KnownPeers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer_id FROM sync_peers ORDER BY peer_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	peers := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		peers = append(peers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers: %w", err)
	}
	return peers, nil
}
