package persist_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"groupwire/internal/moderation"
	"groupwire/internal/persist"
	"groupwire/internal/sharedstate"
	"groupwire/internal/topic"
)

func sample() persist.Snapshot {
	return persist.Snapshot{
		ChatID:      bytes.Repeat([]byte{0x01}, 32),
		SelfSigPub:  bytes.Repeat([]byte{0x02}, 32),
		SelfSigPriv: bytes.Repeat([]byte{0x03}, 64),
		SelfEncPub:  bytes.Repeat([]byte{0x04}, 32),
		SelfEncPriv: bytes.Repeat([]byte{0x05}, 32),
		SharedState: sharedstate.SharedState{
			Version:       3,
			FounderPubKey: bytes.Repeat([]byte{0x06}, 32),
			GroupName:     []byte("test group"),
			MaxPeers:      50,
			Signature:     bytes.Repeat([]byte{0x07}, 64),
		},
		Topic: topic.Topic{
			Version:      2,
			Text:         []byte("current topic"),
			SetterPubKey: bytes.Repeat([]byte{0x08}, 32),
			Signature:    bytes.Repeat([]byte{0x09}, 64),
		},
		ModList: moderation.ModeratorList{
			Version: 1,
			Entries: []moderation.ModEntry{{SigPubKey: bytes.Repeat([]byte{0x0a}, 32)}},
		},
		Self: persist.SelfInfo{Nick: []byte("alice"), Role: moderation.RoleFounder, Status: 1},
		SavedPeers: []persist.SavedPeer{
			{SigPubKey: bytes.Repeat([]byte{0x0b}, 32), EncPubKey: bytes.Repeat([]byte{0x0c}, 32), LastAddr: "1.2.3.4:33445"},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := sample()
	got, err := persist.Decode(persist.Encode(s))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.ChatID, s.ChatID) {
		t.Fatalf("chat id mismatch")
	}
	if got.SharedState.Version != s.SharedState.Version {
		t.Fatalf("shared state version mismatch")
	}
	if got.Topic.Version != s.Topic.Version {
		t.Fatalf("topic version mismatch")
	}
	if len(got.ModList.Entries) != 1 {
		t.Fatalf("mod list entries mismatch")
	}
	if len(got.SavedPeers) != 1 || got.SavedPeers[0].LastAddr != "1.2.3.4:33445" {
		t.Fatalf("saved peers mismatch: %+v", got.SavedPeers)
	}
	if string(got.Self.Nick) != "alice" || got.Self.Role != moderation.RoleFounder {
		t.Fatalf("self info mismatch: %+v", got.Self)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "group.save")
	s := sample()
	if err := persist.Save(path, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := persist.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got.ChatID, s.ChatID) {
		t.Fatalf("chat id mismatch after save/load")
	}
}

func TestDecodeTruncatedReturnsError(t *testing.T) {
	if _, err := persist.Decode([]byte{0x00, 0x01}); err != persist.ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
