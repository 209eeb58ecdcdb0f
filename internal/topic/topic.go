// Package topic implements the group's topic: a versioned, signed string
// gated by SharedState.TopicLock and the setter's role, grounded on the
// same founder-signed-record shape as internal/sharedstate and on the
// teacher's stateless Validate(context) pattern.
package topic

import (
	"bytes"
	"encoding/binary"
	"errors"

	"groupwire/internal/gcrypto"
	"groupwire/internal/moderation"
)

const maxTopicLen = 512

// Topic is the current signed topic string. SetterPubKey identifies who
// last set it, used to re-derive whether the setter was still permitted to
// at the time of signing.
type Topic struct {
	Version      uint32
	Text         []byte
	SetterPubKey []byte
	Signature    []byte
}

var (
	ErrTopicTooLong  = errors.New("topic: text too long")
	ErrStaleVersion  = errors.New("topic: version not newer than current")
	ErrBadSignature  = errors.New("topic: signature invalid")
	ErrLockedForRole = errors.New("topic: locked to moderators and founder")
)

func (t Topic) signedBody() []byte {
	buf := make([]byte, 0, 4+len(t.Text)+len(t.SetterPubKey))
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], t.Version)
	buf = append(buf, vb[:]...)
	buf = append(buf, t.Text...)
	buf = append(buf, t.SetterPubKey...)
	return buf
}

func (t *Topic) Sign(setterPriv []byte) {
	t.Signature = gcrypto.Sign(setterPriv, gcrypto.SHA256(t.signedBody()))
}

func (t Topic) Verify() bool {
	if len(t.SetterPubKey) != gcrypto.PubKeySize {
		return false
	}
	return gcrypto.Verify(t.SetterPubKey, gcrypto.SHA256(t.signedBody()), t.Signature)
}

// CanSet reports whether a peer holding setterRole may set the topic when
// locked is the group's current TopicLock state. Unlocked groups allow any
// User or above; locked groups require Moderator or Founder.
func CanSet(setterRole moderation.Role, locked bool) error {
	if locked {
		if setterRole < moderation.RoleModerator {
			return ErrLockedForRole
		}
		return nil
	}
	if setterRole < moderation.RoleUser {
		return ErrLockedForRole
	}
	return nil
}

// Accepts reports whether next should replace current: a strictly newer
// version always wins; on a version tie (two setters incrementing from the
// same base near-simultaneously), the topic carrying the lexicographically
// larger signature wins, so every peer that sees both converges on the
// same winner without further coordination.
func Accepts(next, current Topic, hasCurrent bool) bool {
	if !hasCurrent {
		return true
	}
	if next.Version != current.Version {
		return next.Version > current.Version
	}
	return bytes.Compare(next.Signature, current.Signature) > 0
}

// Validate checks a freshly received Topic against the currently accepted
// one and the setter's role at the time of validation. The setter must
// currently hold sufficient role under the group's present lock state.
// The engine calls it once, when a received update is applied; updates are
// not queued, so no update is re-validated after a later lock toggle.
func Validate(next, current Topic, hasCurrent bool, setterRole moderation.Role, locked bool) error {
	if len(next.Text) > maxTopicLen {
		return ErrTopicTooLong
	}
	if !Accepts(next, current, hasCurrent) {
		return ErrStaleVersion
	}
	if !next.Verify() {
		return ErrBadSignature
	}
	return CanSet(setterRole, locked)
}
