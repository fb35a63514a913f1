package network

import (
	"path/filepath"
	"testing"
)

func TestParseMultiaddrs(t *testing.T) {
	addrs, err := parseMultiaddrs([]string{"/ip4/127.0.0.1/tcp/4001", " ", ""})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(addrs) != 1 {
		t.Fatalf("expected one address, got %d", len(addrs))
	}
	if _, err := parseMultiaddrs([]string{"not-a-multiaddr"}); err == nil {
		t.Fatal("expected error for invalid multiaddr")
	}
}

func TestIdentityKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")
	first, err := loadOrCreateIdentityKey(path)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	second, err := loadOrCreateIdentityKey(path)
	if err != nil {
		t.Fatalf("reload key: %v", err)
	}
	if !first.Equals(second) {
		t.Fatal("reloaded key differs from the stored one")
	}
}
