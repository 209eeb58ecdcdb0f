// Package sharedstate implements the group's SharedState: the founder-signed
// record of group-wide configuration that every peer gossips and converges
// on by version number, keyed to the current ModeratorList by a hash
// invariant — grounded on the teacher's state.Validate(laplacian) shape
// (internal/state/state.go), generalized from a conservation-law check to a
// version/hash-gate check, and on the field ordering of toxcore's
// save_pack_state_values/save_pack_state_bin.
package sharedstate

import (
	"encoding/binary"
	"errors"

	"groupwire/internal/gcrypto"
)

type PrivacyState byte

const (
	PrivacyPublic  PrivacyState = 0
	PrivacyPrivate PrivacyState = 1
)

type VoiceState byte

const (
	VoiceAll       VoiceState = 0
	VoiceModerator VoiceState = 1
	VoiceFounder   VoiceState = 2
)

// SharedState is the founder-signed configuration record. ModListHash ties
// it to a specific ModeratorList snapshot: a SharedState update is only
// valid against the ModeratorList whose hash matches this field.
type SharedState struct {
	Version       uint32
	FounderPubKey []byte
	GroupName     []byte
	PrivacyState  PrivacyState
	MaxPeers      uint16
	Password      []byte
	ModListHash   [32]byte
	TopicLock     bool
	VoiceState    VoiceState
	Signature     []byte
}

const maxGroupNameLen = 48
const maxPasswordLen = 32

var (
	ErrGroupNameTooLong = errors.New("sharedstate: group name too long")
	ErrPasswordTooLong  = errors.New("sharedstate: password too long")
	ErrStaleVersion     = errors.New("sharedstate: version not newer than current")
	ErrBadSignature     = errors.New("sharedstate: signature invalid")
	ErrNotFounder       = errors.New("sharedstate: signer is not the founder")
)

// signedBody returns the canonical byte encoding over which the founder's
// signature is computed and verified, in the teacher/group_pack field
// order: version, founder key, name, privacy, maxpeers, password,
// mod-list hash, topic lock, voice state.
func (s SharedState) signedBody() []byte {
	out := make([]byte, 0, 4+len(s.FounderPubKey)+2+len(s.GroupName)+1+2+2+len(s.Password)+32+1+1)
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], s.Version)
	out = append(out, vb[:]...)
	out = append(out, s.FounderPubKey...)
	var nl [2]byte
	binary.BigEndian.PutUint16(nl[:], uint16(len(s.GroupName)))
	out = append(out, nl[:]...)
	out = append(out, s.GroupName...)
	out = append(out, byte(s.PrivacyState))
	var mp [2]byte
	binary.BigEndian.PutUint16(mp[:], s.MaxPeers)
	out = append(out, mp[:]...)
	var pl [2]byte
	binary.BigEndian.PutUint16(pl[:], uint16(len(s.Password)))
	out = append(out, pl[:]...)
	out = append(out, s.Password...)
	out = append(out, s.ModListHash[:]...)
	lock := byte(0)
	if s.TopicLock {
		lock = 1
	}
	out = append(out, lock, byte(s.VoiceState))
	return out
}

// Sign fills in Signature using the founder's private key. The caller must
// ensure FounderPubKey matches the key deriving founderPriv.
func (s *SharedState) Sign(founderPriv []byte) {
	s.Signature = gcrypto.Sign(founderPriv, gcrypto.SHA256(s.signedBody()))
}

// Verify checks the founder's signature over the canonical body.
func (s SharedState) Verify() bool {
	if len(s.FounderPubKey) != gcrypto.PubKeySize {
		return false
	}
	return gcrypto.Verify(s.FounderPubKey, gcrypto.SHA256(s.signedBody()), s.Signature)
}

// Validate checks a freshly received SharedState against the currently
// accepted one, following the teacher's stateless Validate(externalContext)
// shape. It deliberately does not compare s.ModListHash against the
// currently accepted ModeratorList: a new SharedState is gossiped before
// the MOD_LIST it names (spec.md §4.4), so its hash legitimately points at
// a moderator list this peer has not received yet — that comparison is
// applyModList's job once the referenced list actually arrives.
func (s SharedState) Validate(current SharedState, hasCurrent bool) error {
	if len(s.GroupName) > maxGroupNameLen {
		return ErrGroupNameTooLong
	}
	if len(s.Password) > maxPasswordLen {
		return ErrPasswordTooLong
	}
	if hasCurrent {
		if !bytesEqual(s.FounderPubKey, current.FounderPubKey) {
			return ErrNotFounder
		}
		if s.Version <= current.Version {
			return ErrStaleVersion
		}
	}
	if !s.Verify() {
		return ErrBadSignature
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
