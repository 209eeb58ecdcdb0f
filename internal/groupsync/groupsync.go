// Package groupsync implements the group's convergent state synchronization:
// periodic PING liveness, version-vector comparison, and peer-list checksum
// exchange driving SYNC_REQUEST/SYNC_RESPONSE, grounded on the teacher's
// request/response message-pair shape (internal/proto/peer_exchange.go) and
// its periodic-tick driver (internal/daemon/connman.go's runPex).
//
// Named groupsync rather than sync to avoid colliding with the standard
// library package of that name.
package groupsync

import (
	"encoding/binary"
)

// VersionVector is each peer's view of how far the group's convergent
// state has progressed; two peers comparing vectors can tell, without
// transferring any state, exactly which pieces are out of date.
type VersionVector struct {
	SharedStateVersion uint32
	TopicVersion       uint32
	ModListVersion     uint16
	SanctionsVersion   uint32
}

func EncodeVersionVector(v VersionVector) []byte {
	buf := make([]byte, 4+4+2+4)
	binary.BigEndian.PutUint32(buf[0:4], v.SharedStateVersion)
	binary.BigEndian.PutUint32(buf[4:8], v.TopicVersion)
	binary.BigEndian.PutUint16(buf[8:10], v.ModListVersion)
	binary.BigEndian.PutUint32(buf[10:14], v.SanctionsVersion)
	return buf
}

func DecodeVersionVector(b []byte) (VersionVector, error) {
	if len(b) != 14 {
		return VersionVector{}, errMalformed
	}
	return VersionVector{
		SharedStateVersion: binary.BigEndian.Uint32(b[0:4]),
		TopicVersion:       binary.BigEndian.Uint32(b[4:8]),
		ModListVersion:     binary.BigEndian.Uint16(b[8:10]),
		SanctionsVersion:   binary.BigEndian.Uint32(b[10:14]),
	}, nil
}

var errMalformed = &malformedError{}

type malformedError struct{}

func (*malformedError) Error() string { return "groupsync: malformed message" }

// PeerListChecksum folds a sorted set of confirmed peers' public keys into
// a 16-bit value so two peers can cheaply tell whether their peer lists
// already agree before exchanging the lists themselves.
func PeerListChecksum(sortedPeerPubKeys [][]byte) uint16 {
	var sum uint16
	for _, pk := range sortedPeerPubKeys {
		for i := 0; i < len(pk); i += 2 {
			var word uint16
			word = uint16(pk[i]) << 8
			if i+1 < len(pk) {
				word |= uint16(pk[i+1])
			}
			sum = sum ^ word
			sum = (sum << 1) | (sum >> 15)
		}
	}
	return sum
}

// SyncRequest pairs a version vector with a peer-list checksum and has its
// own binary encoding; the engine's SYNC_REQUEST packet does not use it.
type SyncRequest struct {
	Vector          VersionVector
	PeerListChecksum uint16
}

func EncodeSyncRequest(r SyncRequest) []byte {
	buf := EncodeVersionVector(r.Vector)
	var cb [2]byte
	binary.BigEndian.PutUint16(cb[:], r.PeerListChecksum)
	return append(buf, cb[:]...)
}

func DecodeSyncRequest(b []byte) (SyncRequest, error) {
	if len(b) != 16 {
		return SyncRequest{}, errMalformed
	}
	v, err := DecodeVersionVector(b[:14])
	if err != nil {
		return SyncRequest{}, err
	}
	return SyncRequest{Vector: v, PeerListChecksum: binary.BigEndian.Uint16(b[14:16])}, nil
}

// Diff is what a receiver of a SyncRequest decides it must send back,
// computed purely from comparing version numbers and checksums with no
// access to the underlying state.
type Diff struct {
	NeedSharedState bool
	NeedTopic       bool
	NeedModList     bool
	NeedSanctions   bool
	NeedPeerList    bool
}

// Compare returns, from local's perspective, what must be pushed to a peer
// whose advertised vector is remote: local pushes whatever it has that is
// strictly newer than what the peer reported.
func Compare(local, remote VersionVector, localChecksum, remoteChecksum uint16) Diff {
	return Diff{
		NeedSharedState: local.SharedStateVersion > remote.SharedStateVersion,
		NeedTopic:       local.TopicVersion > remote.TopicVersion,
		NeedModList:     local.ModListVersion > remote.ModListVersion,
		NeedSanctions:   local.SanctionsVersion > remote.SanctionsVersion,
		NeedPeerList:    localChecksum != remoteChecksum,
	}
}

