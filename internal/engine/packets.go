package engine

import (
	"encoding/binary"
	"errors"

	"groupwire/internal/gcrypto"
	"groupwire/internal/groupsync"
	"groupwire/internal/moderation"
	"groupwire/internal/sharedstate"
	"groupwire/internal/topic"
)

// Group packet types, per the lossy (0x01-0x03) and lossless (0xf1-0xff)
// catalogues. Handshake-outer packets carry their own two-value
// discriminator below since they never reach this catalogue.
const (
	ptPing                  byte = 0x01
	ptMessageAck            byte = 0x02
	ptInviteResponseReject  byte = 0x03

	ptTCPRelays       byte = 0xf1
	ptCustomPacket    byte = 0xf2
	ptBroadcast       byte = 0xf3
	ptPeerInfoRequest byte = 0xf4
	ptPeerInfoResponse byte = 0xf5
	ptInviteRequest   byte = 0xf6
	ptInviteResponse  byte = 0xf7
	ptSyncRequest     byte = 0xf8
	ptSyncResponse    byte = 0xf9
	ptTopic           byte = 0xfa
	ptSharedState     byte = 0xfb
	ptModList         byte = 0xfc
	ptSanctionsList   byte = 0xfd
	ptFriendInvite    byte = 0xfe
	ptHSResponseAck   byte = 0xff
)

// Handshake-outer inner discriminators. These live outside the group
// packet type catalogue above since a Handshake-outer packet never
// carries a group_packet_type value from it.
const (
	hsInit byte = 0x01
	hsAck  byte = 0x02
)

// BROADCAST subtypes.
const (
	bcStatus          byte = 0x00
	bcNick            byte = 0x01
	bcPlainMessage    byte = 0x02
	bcActionMessage   byte = 0x03
	bcPrivateMessage  byte = 0x04
	bcPeerExit        byte = 0x05
	bcKickPeer        byte = 0x06
	bcSetMod          byte = 0x07
	bcSetObserver     byte = 0x08
	bcPrivateAction   byte = 0x09
)

var errMalformedPacket = errors.New("engine: malformed group packet")

func putLP(buf []byte, b []byte) []byte {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	buf = append(buf, lb[:]...)
	return append(buf, b...)
}

func getLP(b []byte) (value, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, errMalformedPacket
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, errMalformedPacket
	}
	return b[:n], b[n:], nil
}

// encodeMessageAck / decodeMessageAck — { msg_id:8, type:1 }.
const (
	ackTypeRecv byte = 0
	ackTypeReq  byte = 1
)

func encodeMessageAck(msgID uint64, ackType byte) []byte {
	out := make([]byte, 9)
	binary.BigEndian.PutUint64(out[:8], msgID)
	out[8] = ackType
	return out
}

func decodeMessageAck(b []byte) (msgID uint64, ackType byte, err error) {
	if len(b) != 9 {
		return 0, 0, errMalformedPacket
	}
	return binary.BigEndian.Uint64(b[:8]), b[8], nil
}

// encodeInviteReject / decodeInviteReject — { reason:1 }.
func encodeInviteReject(reason byte) []byte { return []byte{reason} }

func decodeInviteReject(b []byte) (byte, error) {
	if len(b) != 1 {
		return 0, errMalformedPacket
	}
	return b[0], nil
}

// pingPayload is PING's body — { peer_list_checksum:2, confirmed_peer_count:2 }
// followed by groupsync.EncodeVersionVector's { shared_state_version:4,
// topic_version:4, mod_list_version:2, sanctions_version:4 }.
// spec.md §4.7's optional self_ip_port is omitted: this engine's transport
// addresses are learned from the datagram's own source address rather than
// a self-reported field (see DESIGN.md).
type pingPayload struct {
	Checksum  uint16
	PeerCount uint16
	Vector    groupsync.VersionVector
}

func encodePing(p pingPayload) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], p.Checksum)
	binary.BigEndian.PutUint16(out[2:4], p.PeerCount)
	return append(out, groupsync.EncodeVersionVector(p.Vector)...)
}

func decodePing(b []byte) (pingPayload, error) {
	if len(b) != 18 {
		return pingPayload{}, errMalformedPacket
	}
	v, err := groupsync.DecodeVersionVector(b[4:18])
	if err != nil {
		return pingPayload{}, err
	}
	return pingPayload{
		Checksum:  binary.BigEndian.Uint16(b[0:2]),
		PeerCount: binary.BigEndian.Uint16(b[2:4]),
		Vector:    v,
	}, nil
}

// SYNC_REQUEST flag bits, per spec.md §4.7.
const (
	syncFlagPeerList uint16 = 1 << 0
	syncFlagTopic    uint16 = 1 << 2
	syncFlagState    uint16 = 1 << 4
)

// encodeSyncRequestFlags / decodeSyncRequestFlags — { flags:2, password:32 }.
func encodeSyncRequestFlags(flags uint16, password []byte) []byte {
	out := make([]byte, 2+32)
	binary.BigEndian.PutUint16(out[0:2], flags)
	copy(out[2:], password)
	return out
}

func decodeSyncRequestFlags(b []byte) (flags uint16, password [32]byte, err error) {
	if len(b) != 34 {
		return 0, password, errMalformedPacket
	}
	flags = binary.BigEndian.Uint16(b[0:2])
	copy(password[:], b[2:34])
	return flags, password, nil
}

// encodeBroadcast / decodeBroadcast — { subtype:1, ts:8, payload }.
type broadcast struct {
	Subtype byte
	Ts      uint64
	Payload []byte
}

func encodeBroadcast(bc broadcast) []byte {
	out := make([]byte, 0, 9+len(bc.Payload))
	out = append(out, bc.Subtype)
	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], bc.Ts)
	out = append(out, tb[:]...)
	out = append(out, bc.Payload...)
	return out
}

func decodeBroadcast(b []byte) (broadcast, error) {
	if len(b) < 9 {
		return broadcast{}, errMalformedPacket
	}
	return broadcast{Subtype: b[0], Ts: binary.BigEndian.Uint64(b[1:9]), Payload: append([]byte(nil), b[9:]...)}, nil
}

// encodeTopicWire / decodeTopicWire — { sig:64, version:4, len:2, bytes,
// setter_sig_pk:32 }, the on-wire layout spec.md §6 assigns to 0xfa
// (distinct from persist's on-disk layout, which orders fields for
// sectioned save-file packing rather than wire transmission).
func encodeTopicWire(t topic.Topic) []byte {
	out := make([]byte, 0, 64+4+2+len(t.Text)+32)
	out = append(out, t.Signature...)
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], t.Version)
	out = append(out, vb[:]...)
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(t.Text)))
	out = append(out, lb[:]...)
	out = append(out, t.Text...)
	out = append(out, t.SetterPubKey...)
	return out
}

func decodeTopicWire(b []byte) (topic.Topic, error) {
	if len(b) < gcrypto.SigSize+4+2 {
		return topic.Topic{}, errMalformedPacket
	}
	var t topic.Topic
	t.Signature = append([]byte(nil), b[:gcrypto.SigSize]...)
	b = b[gcrypto.SigSize:]
	t.Version = binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	n := binary.BigEndian.Uint16(b[:2])
	b = b[2:]
	if len(b) != int(n)+gcrypto.PubKeySize {
		return topic.Topic{}, errMalformedPacket
	}
	t.Text = append([]byte(nil), b[:n]...)
	t.SetterPubKey = append([]byte(nil), b[n:n+uint16(gcrypto.PubKeySize)]...)
	return t, nil
}

// encodeSharedStateWire / decodeSharedStateWire follow the field ordering
// spec.md §3 lists for SharedState, with the signature appended last as
// every other signed wire record here does.
func encodeSharedStateWire(ss sharedstate.SharedState) []byte {
	out := make([]byte, 0, 128+len(ss.GroupName)+len(ss.Password))
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], ss.Version)
	out = append(out, vb[:]...)
	out = putLP(out, ss.FounderPubKey)
	out = putLP(out, ss.GroupName)
	out = append(out, byte(ss.PrivacyState))
	var mp [2]byte
	binary.BigEndian.PutUint16(mp[:], ss.MaxPeers)
	out = append(out, mp[:]...)
	out = putLP(out, ss.Password)
	out = append(out, ss.ModListHash[:]...)
	lock := byte(0)
	if ss.TopicLock {
		lock = 1
	}
	out = append(out, lock, byte(ss.VoiceState))
	out = putLP(out, ss.Signature)
	return out
}

func decodeSharedStateWire(b []byte) (sharedstate.SharedState, error) {
	var ss sharedstate.SharedState
	if len(b) < 4 {
		return ss, errMalformedPacket
	}
	ss.Version = binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	var err error
	if ss.FounderPubKey, b, err = getLP(b); err != nil {
		return ss, err
	}
	if ss.GroupName, b, err = getLP(b); err != nil {
		return ss, err
	}
	if len(b) < 3 {
		return ss, errMalformedPacket
	}
	ss.PrivacyState = sharedstate.PrivacyState(b[0])
	ss.MaxPeers = binary.BigEndian.Uint16(b[1:3])
	b = b[3:]
	if ss.Password, b, err = getLP(b); err != nil {
		return ss, err
	}
	if len(b) < 34 {
		return ss, errMalformedPacket
	}
	copy(ss.ModListHash[:], b[:32])
	ss.TopicLock = b[32] == 1
	ss.VoiceState = sharedstate.VoiceState(b[33])
	b = b[34:]
	if ss.Signature, _, err = getLP(b); err != nil {
		return ss, err
	}
	return ss, nil
}

// encodeModListWire / decodeModListWire — { version:2, count:2, sig_pk_0..N }.
func encodeModListWire(m moderation.ModeratorList) []byte {
	out := make([]byte, 0, 4+len(m.Entries)*gcrypto.PubKeySize)
	var vb [2]byte
	binary.BigEndian.PutUint16(vb[:], m.Version)
	out = append(out, vb[:]...)
	var cb [2]byte
	binary.BigEndian.PutUint16(cb[:], uint16(len(m.Entries)))
	out = append(out, cb[:]...)
	for _, e := range m.Entries {
		out = append(out, e.SigPubKey...)
	}
	return out
}

func decodeModListWire(b []byte) (moderation.ModeratorList, error) {
	if len(b) < 4 {
		return moderation.ModeratorList{}, errMalformedPacket
	}
	version := binary.BigEndian.Uint16(b[:2])
	count := binary.BigEndian.Uint16(b[2:4])
	b = b[4:]
	if len(b) != int(count)*gcrypto.PubKeySize {
		return moderation.ModeratorList{}, errMalformedPacket
	}
	m := moderation.ModeratorList{Version: version, Entries: make([]moderation.ModEntry, 0, count)}
	for i := 0; i < int(count); i++ {
		key := append([]byte(nil), b[i*gcrypto.PubKeySize:(i+1)*gcrypto.PubKeySize]...)
		m.Entries = append(m.Entries, moderation.ModEntry{SigPubKey: key})
	}
	return m, nil
}

// encodeSanctionsWire / decodeSanctionsWire — { version:4, count:2, entries
// }; no credentials record is sent. The receiver rebuilds the credentials
// from the version and the hash of the received entries, so they carry no
// signature (this engine's SanctionsCredentials has no single
// last-modifier signature field; see DESIGN.md).
func encodeSanctionsWire(l moderation.SanctionsList) []byte {
	out := make([]byte, 0, 6+len(l.Sanctions)*150)
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], l.Version)
	out = append(out, vb[:]...)
	var cb [2]byte
	binary.BigEndian.PutUint16(cb[:], uint16(len(l.Sanctions)))
	out = append(out, cb[:]...)
	for _, s := range l.Sanctions {
		out = append(out, byte(s.Type))
		out = putLP(out, s.TargetPubKey)
		out = putLP(out, s.SourcePubKey)
		var tb [8]byte
		binary.BigEndian.PutUint64(tb[:], s.Time)
		out = append(out, tb[:]...)
		out = putLP(out, s.Signature)
	}
	return out
}

func decodeSanctionsWire(b []byte) (moderation.SanctionsList, error) {
	if len(b) < 6 {
		return moderation.SanctionsList{}, errMalformedPacket
	}
	version := binary.BigEndian.Uint32(b[:4])
	count := binary.BigEndian.Uint16(b[4:6])
	b = b[6:]
	l := moderation.SanctionsList{Version: version, Sanctions: make([]moderation.Sanction, 0, count)}
	for i := 0; i < int(count); i++ {
		if len(b) < 1 {
			return l, errMalformedPacket
		}
		s := moderation.Sanction{Type: moderation.SanctionType(b[0])}
		b = b[1:]
		var err error
		if s.TargetPubKey, b, err = getLP(b); err != nil {
			return l, err
		}
		if s.SourcePubKey, b, err = getLP(b); err != nil {
			return l, err
		}
		if len(b) < 8 {
			return l, errMalformedPacket
		}
		s.Time = binary.BigEndian.Uint64(b[:8])
		b = b[8:]
		if s.Signature, b, err = getLP(b); err != nil {
			return l, err
		}
		l.Sanctions = append(l.Sanctions, s)
	}
	l.Credentials = moderation.SanctionsCredentials{Version: version, Hash: l.ComputeHash()}
	return l, nil
}

// encodePeerListWire / decodePeerListWire — { count:2, (sig_pk:32,
// enc_pk:32, nick_len:2, nick, addr_len:2, addr)_0..N }, the SYNC_RESPONSE
// peer-list payload. addr is the optional direct IP:port spec.md §4.7
// calls out as part of a peer-announce ("public key, optional direct
// IP:port, optional TCP relay list"); the TCP-relay-list half of that is
// carried separately by TCP_RELAYS (0xf1), which belongs to the
// out-of-scope DHT/relay layer this core treats as an external collaborator.
type peerListEntry struct {
	SigPubKey []byte
	EncPubKey []byte
	Nick      []byte
	Addr      string
}

func encodePeerListWire(entries []peerListEntry) []byte {
	out := make([]byte, 0, 2+len(entries)*70)
	var cb [2]byte
	binary.BigEndian.PutUint16(cb[:], uint16(len(entries)))
	out = append(out, cb[:]...)
	for _, e := range entries {
		out = append(out, e.SigPubKey...)
		out = append(out, e.EncPubKey...)
		out = putLP(out, e.Nick)
		out = putLP(out, []byte(e.Addr))
	}
	return out
}

func decodePeerListWire(b []byte) ([]peerListEntry, error) {
	if len(b) < 2 {
		return nil, errMalformedPacket
	}
	count := binary.BigEndian.Uint16(b[:2])
	b = b[2:]
	out := make([]peerListEntry, 0, count)
	for i := 0; i < int(count); i++ {
		if len(b) < gcrypto.PubKeySize+gcrypto.XPubKeySize {
			return nil, errMalformedPacket
		}
		e := peerListEntry{
			SigPubKey: append([]byte(nil), b[:gcrypto.PubKeySize]...),
			EncPubKey: append([]byte(nil), b[gcrypto.PubKeySize:gcrypto.PubKeySize+gcrypto.XPubKeySize]...),
		}
		b = b[gcrypto.PubKeySize+gcrypto.XPubKeySize:]
		var err error
		if e.Nick, b, err = getLP(b); err != nil {
			return nil, err
		}
		var addr []byte
		if addr, b, err = getLP(b); err != nil {
			return nil, err
		}
		e.Addr = string(addr)
		out = append(out, e)
	}
	return out, nil
}
