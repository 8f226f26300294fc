package store

import (
	"context"
	"slices"
	"testing"
)

func TestKnownPeers_EmptyIsNotNil(t *testing.T) {
	s := createTestStore(t)

	peers, err := s.KnownPeers(context.Background())
	if err != nil {
		t.Fatalf("KnownPeers() failed: %v", err)
	}
	if peers == nil || len(peers) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", peers)
	}
}

func TestRememberPeers_IdempotentAndSorted(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.RememberPeers(ctx, []string{"node-c", "node-b"}); err != nil {
		t.Fatalf("RememberPeers() failed: %v", err)
	}
	if err := s.RememberPeers(ctx, []string{"node-b"}); err != nil {
		t.Fatalf("RememberPeers() again failed: %v", err)
	}

	peers, err := s.KnownPeers(ctx)
	if err != nil {
		t.Fatalf("KnownPeers() failed: %v", err)
	}
	if want := []string{"node-b", "node-c"}; !slices.Equal(peers, want) {
		t.Errorf("KnownPeers() = %v, want %v", peers, want)
	}
}

func TestRememberPeers_SurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/peers.db"
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.RememberPeers(ctx, []string{"node-b"}); err != nil {
		t.Fatalf("RememberPeers() failed: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	peers, err := s.KnownPeers(ctx)
	if err != nil {
		t.Fatalf("KnownPeers() failed: %v", err)
	}
	if !slices.Equal(peers, []string{"node-b"}) {
		t.Errorf("KnownPeers() after reopen = %v", peers)
	}
}
