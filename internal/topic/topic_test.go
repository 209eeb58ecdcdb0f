package topic_test

import (
	"bytes"
	"testing"

	"groupwire/internal/gcrypto"
	"groupwire/internal/moderation"
	"groupwire/internal/topic"
)

func newSignedTopic(t *testing.T, version uint32, text string) (topic.Topic, []byte) {
	t.Helper()
	pub, priv, err := gcrypto.GenKeypair()
	if err != nil {
		t.Fatalf("genkeypair: %v", err)
	}
	tp := topic.Topic{Version: version, Text: []byte(text), SetterPubKey: pub}
	tp.Sign(priv)
	return tp, priv
}

func TestValidateAcceptsFreshSignedTopic(t *testing.T) {
	tp, _ := newSignedTopic(t, 1, "hello")
	if err := topic.Validate(tp, topic.Topic{}, false, moderation.RoleUser, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsStaleVersion(t *testing.T) {
	current, _ := newSignedTopic(t, 5, "old")
	next, _ := newSignedTopic(t, 4, "new")
	if err := topic.Validate(next, current, true, moderation.RoleFounder, false); err != topic.ErrStaleVersion {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
}

// TestValidateBreaksVersionTieBySignature covers two moderators
// incrementing from the same base version near-simultaneously: the one
// whose signature sorts lexicographically smaller loses the tie and the
// other's update is accepted, regardless of arrival order.
func TestValidateBreaksVersionTieBySignature(t *testing.T) {
	a, _ := newSignedTopic(t, 5, "from a")
	b, _ := newSignedTopic(t, 5, "from b")
	for bytes.Equal(a.Signature, b.Signature) {
		b, _ = newSignedTopic(t, 5, "from b")
	}

	lo, hi := a, b
	if bytes.Compare(lo.Signature, hi.Signature) > 0 {
		lo, hi = hi, lo
	}

	if err := topic.Validate(hi, lo, true, moderation.RoleFounder, false); err != nil {
		t.Fatalf("higher signature should win the tie: %v", err)
	}
	if err := topic.Validate(lo, hi, true, moderation.RoleFounder, false); err != topic.ErrStaleVersion {
		t.Fatalf("lower signature should lose the tie, got %v", err)
	}
}

func TestValidateEnforcesLockAgainstSetterRole(t *testing.T) {
	tp, _ := newSignedTopic(t, 1, "locked change")
	if err := topic.Validate(tp, topic.Topic{}, false, moderation.RoleUser, true); err != topic.ErrLockedForRole {
		t.Fatalf("expected ErrLockedForRole for user under lock, got %v", err)
	}
	if err := topic.Validate(tp, topic.Topic{}, false, moderation.RoleModerator, true); err != nil {
		t.Fatalf("expected moderator to set locked topic, got %v", err)
	}
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	tp, _ := newSignedTopic(t, 1, "hello")
	tp.Text = []byte("tampered")
	if err := topic.Validate(tp, topic.Topic{}, false, moderation.RoleUser, false); err != topic.ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}
