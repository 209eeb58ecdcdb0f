package sharedstate_test

import (
	"testing"

	"groupwire/internal/gcrypto"
	"groupwire/internal/sharedstate"
)

func founder(t *testing.T) (pub, priv []byte) {
	t.Helper()
	pub, priv, err := gcrypto.GenKeypair()
	if err != nil {
		t.Fatalf("genkeypair: %v", err)
	}
	return pub, priv
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv := founder(t)
	s := sharedstate.SharedState{
		Version:       1,
		FounderPubKey: pub,
		GroupName:     []byte("test group"),
		MaxPeers:      100,
	}
	s.Sign(priv)
	if !s.Verify() {
		t.Fatalf("expected signature to verify")
	}
}

func TestValidateRejectsStaleVersion(t *testing.T) {
	pub, priv := founder(t)
	var hash [32]byte
	current := sharedstate.SharedState{Version: 5, FounderPubKey: pub, ModListHash: hash}
	current.Sign(priv)

	next := sharedstate.SharedState{Version: 5, FounderPubKey: pub, ModListHash: hash}
	next.Sign(priv)

	if err := next.Validate(current, true); err != sharedstate.ErrStaleVersion {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
}

func TestValidateRejectsWrongFounder(t *testing.T) {
	pub, priv := founder(t)
	otherPub, _ := founder(t)
	var hash [32]byte
	current := sharedstate.SharedState{Version: 1, FounderPubKey: pub, ModListHash: hash}
	current.Sign(priv)

	next := sharedstate.SharedState{Version: 2, FounderPubKey: otherPub, ModListHash: hash}
	next.Sign(priv)

	if err := next.Validate(current, true); err != sharedstate.ErrNotFounder {
		t.Fatalf("expected ErrNotFounder, got %v", err)
	}
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	pub, priv := founder(t)
	var hash [32]byte
	s := sharedstate.SharedState{Version: 1, FounderPubKey: pub, ModListHash: hash}
	s.Sign(priv)
	s.MaxPeers = 9999

	if err := s.Validate(sharedstate.SharedState{}, false); err != sharedstate.ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}
