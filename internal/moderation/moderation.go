// Package moderation implements the group's role lattice, ModeratorList and
// SanctionsList: Founder > Moderator > User > Observer, the founder-signed
// list of moderators, and the signed ban/observer sanctions that demote
// individual peers — grounded on the LRU+TTL+JSONL bookkeeping pattern
// shared by internal/peer/revoke.go, invite.go and member.go, adapted from
// per-connection dedup state to per-group governance state.
package moderation

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"

	"groupwire/internal/gcrypto"
)

type Role byte

const (
	RoleObserver Role = 0
	RoleUser     Role = 1
	RoleModerator Role = 2
	RoleFounder  Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleFounder:
		return "founder"
	case RoleModerator:
		return "moderator"
	case RoleUser:
		return "user"
	case RoleObserver:
		return "observer"
	default:
		return "unknown"
	}
}

// atLeast reports whether r has privileges equal to or greater than min,
// the lattice comparison the engine uses to gate every moderation action.
func (r Role) atLeast(min Role) bool { return r >= min }

// ModEntry is one member of the founder-signed moderator list.
type ModEntry struct {
	SigPubKey []byte
}

// ModeratorList is the founder-signed set of moderators. Version increases
// on every change; Hash feeds SharedState.ModListHash, tying the two
// structures together so a SharedState cannot reference a stale moderator
// set.
type ModeratorList struct {
	Version uint16
	Entries []ModEntry
}

func (m ModeratorList) Contains(sigPubKey []byte) bool {
	for _, e := range m.Entries {
		if bytes.Equal(e.SigPubKey, sigPubKey) {
			return true
		}
	}
	return false
}

// Hash computes the packed-list digest referenced by SharedState.ModListHash,
// following group_pack's mod_list_hash convention of hashing the packed
// moderator key list rather than a structured encoding.
func (m ModeratorList) Hash() [32]byte {
	sorted := make([]ModEntry, len(m.Entries))
	copy(sorted, m.Entries)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i].SigPubKey, sorted[j].SigPubKey) < 0 })

	buf := make([]byte, 0, 2+len(sorted)*gcrypto.PubKeySize)
	var vb [2]byte
	binary.BigEndian.PutUint16(vb[:], m.Version)
	buf = append(buf, vb[:]...)
	for _, e := range sorted {
		buf = append(buf, e.SigPubKey...)
	}
	var out [32]byte
	copy(out[:], gcrypto.SHA256(buf))
	return out
}

// Add and Remove return a new list with Version incremented, leaving the
// receiver untouched — callers must re-sign SharedState.ModListHash against
// the result before gossiping it.
func (m ModeratorList) Add(sigPubKey []byte) ModeratorList {
	if m.Contains(sigPubKey) {
		return m
	}
	entries := append(append([]ModEntry{}, m.Entries...), ModEntry{SigPubKey: sigPubKey})
	return ModeratorList{Version: m.Version + 1, Entries: entries}
}

func (m ModeratorList) Remove(sigPubKey []byte) ModeratorList {
	entries := make([]ModEntry, 0, len(m.Entries))
	removed := false
	for _, e := range m.Entries {
		if bytes.Equal(e.SigPubKey, sigPubKey) {
			removed = true
			continue
		}
		entries = append(entries, e)
	}
	if !removed {
		return m
	}
	return ModeratorList{Version: m.Version + 1, Entries: entries}
}

type SanctionType byte

const (
	SanctionBan      SanctionType = 0
	SanctionObserver SanctionType = 1
)

// Sanction is a single moderator-issued demotion, signed by the issuing
// moderator's (or the founder's) signature key.
type Sanction struct {
	Type         SanctionType
	TargetPubKey []byte
	SourcePubKey []byte
	Time         uint64
	Signature    []byte
}

func (s Sanction) signedBody() []byte {
	buf := make([]byte, 0, 1+len(s.TargetPubKey)+len(s.SourcePubKey)+8)
	buf = append(buf, byte(s.Type))
	buf = append(buf, s.TargetPubKey...)
	buf = append(buf, s.SourcePubKey...)
	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], s.Time)
	buf = append(buf, tb[:]...)
	return buf
}

func (s *Sanction) Sign(sourcePriv []byte) {
	s.Signature = gcrypto.Sign(sourcePriv, gcrypto.SHA256(s.signedBody()))
}

func (s Sanction) Verify() bool {
	if len(s.SourcePubKey) != gcrypto.PubKeySize {
		return false
	}
	return gcrypto.Verify(s.SourcePubKey, gcrypto.SHA256(s.signedBody()), s.Signature)
}

// SanctionsList is the gossiped set of active sanctions plus the
// credentials tying it to a moderator quorum: every entry must be signed by
// a key that was a moderator (or the founder) at the time of issuance.
type SanctionsList struct {
	Version    uint32
	Sanctions  []Sanction
	Credentials SanctionsCredentials
}

// SanctionsCredentials is the quorum evidence for a SanctionsList snapshot:
// a hash of the sanction set plus the moderator signatures attesting to it.
type SanctionsCredentials struct {
	Version    uint32
	Hash       [32]byte
	Signatures map[string][]byte // moderator sig pubkey (hex) -> signature over Version||Hash
}

func credentialBody(version uint32, hash [32]byte) []byte {
	buf := make([]byte, 0, 4+32)
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], version)
	buf = append(buf, vb[:]...)
	buf = append(buf, hash[:]...)
	return buf
}

// RemoveObserver returns a new list with the target's SanctionObserver entry
// dropped and Version incremented, leaving the receiver untouched. Reports
// false if no matching sanction was found, so the caller can skip the
// re-sign-and-gossip round trip for a no-op un-sanction.
func (l SanctionsList) RemoveObserver(targetPubKey []byte) (SanctionsList, bool) {
	sanctions := make([]Sanction, 0, len(l.Sanctions))
	removed := false
	for _, s := range l.Sanctions {
		if s.Type == SanctionObserver && bytes.Equal(s.TargetPubKey, targetPubKey) {
			removed = true
			continue
		}
		sanctions = append(sanctions, s)
	}
	if !removed {
		return l, false
	}
	return SanctionsList{Version: l.Version + 1, Sanctions: sanctions, Credentials: l.Credentials}, true
}

func (l SanctionsList) ComputeHash() [32]byte {
	buf := make([]byte, 0, len(l.Sanctions)*96)
	for _, s := range l.Sanctions {
		buf = append(buf, s.signedBody()...)
		buf = append(buf, s.Signature...)
	}
	var out [32]byte
	copy(out[:], gcrypto.SHA256(buf))
	return out
}

// RoleOf derives a peer's effective role from the fixed founder key, the
// current moderator list, and the current sanctions list, implementing the
// lattice: a Founder is always Founder regardless of sanctions; a
// Moderator-listed peer with an active ban sanction is still removed from
// the group entirely by the engine rather than merely demoted, so RoleOf
// only has to arbitrate User vs Observer vs Moderator.
func RoleOf(peerSigPub, founderPubKey []byte, mods ModeratorList, sanctions SanctionsList) Role {
	if bytes.Equal(peerSigPub, founderPubKey) {
		return RoleFounder
	}
	if mods.Contains(peerSigPub) {
		return RoleModerator
	}
	for _, s := range sanctions.Sanctions {
		if s.Type == SanctionObserver && bytes.Equal(s.TargetPubKey, peerSigPub) {
			return RoleObserver
		}
	}
	return RoleUser
}

var (
	ErrInsufficientRole = errors.New("moderation: actor role insufficient for action")
	ErrCannotSanctionFounder = errors.New("moderation: cannot sanction the founder")
	ErrCannotSanctionModerator = errors.New("moderation: only the founder can sanction a moderator")
)

// CanIssueSanction enforces the lattice rule that only a Moderator or the
// Founder may issue a sanction, that nobody may sanction the Founder, and
// that only the Founder may sanction a Moderator.
func CanIssueSanction(actorRole Role, targetRole Role) error {
	if !actorRole.atLeast(RoleModerator) {
		return ErrInsufficientRole
	}
	if targetRole == RoleFounder {
		return ErrCannotSanctionFounder
	}
	if targetRole == RoleModerator && actorRole != RoleFounder {
		return ErrCannotSanctionModerator
	}
	return nil
}

// ResolveCredentialTie picks between two SanctionsCredentials claiming the
// same version by comparing their hashes' raw bytes lexicographically,
// taking the greater — the deterministic tie-break every peer computes
// identically without needing a side channel to agree on a winner.
func ResolveCredentialTie(a, b SanctionsCredentials) SanctionsCredentials {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return a
		}
		return b
	}
	if bytes.Compare(a.Hash[:], b.Hash[:]) >= 0 {
		return a
	}
	return b
}
