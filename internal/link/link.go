// Package link implements PeerLink: the per-pair handshake state machine
// and the session-key derivation it produces, grounded on the teacher's
// signed-ephemeral-X25519 two-message handshake
// (internal/node/session.go's BuildHello1/HandleHello1From/HandleHello2From)
// generalized to the five-message handshake this engine requires.
package link

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"groupwire/internal/gcrypto"
)

type State int

const (
	Uninitialized State = iota
	HandshakeSent
	HandshakeAcked
	PeerInfoExchanged
	Confirmed
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case HandshakeSent:
		return "HandshakeSent"
	case HandshakeAcked:
		return "HandshakeAcked"
	case PeerInfoExchanged:
		return "PeerInfoExchanged"
	case Confirmed:
		return "Confirmed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

const (
	UnconfirmedTimeout = 10 * time.Second
	ConfirmedTimeout    = 72 * time.Second
)

// Identity is a peer's long-term keys within a group: a signature keypair
// identifying it in the moderator/sanctions lists, and an encryption
// keypair used only to seal handshake packets.
type Identity struct {
	SigPub []byte
	SigPriv []byte
	EncPub []byte
	EncPriv []byte
}

// Link tracks one pair's handshake progress and, once Confirmed, the
// derived per-direction session keys used by the codec for every
// subsequent Lossless/Lossy packet.
type Link struct {
	State State

	PeerEncPub []byte
	PeerSigPub []byte

	// Addr is the transport address this link's packets are sent to,
	// learned from the candidate that seeded the handshake.
	Addr string
	// Initiator is true on the side that sent the first Init message.
	// It is recorded only; no code branches on it.
	Initiator bool

	pendingEph    *gcrypto.Ephemeral
	pendingNonce  []byte
	initBytes     []byte

	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
	SendCounter   uint64
	RecvCounter   uint64
	haveRecv      bool

	LastProgress time.Time
	LastPingRecv time.Time
	LastPingSent time.Time

	// DecryptFailures counts consecutive AEAD-open failures on this link;
	// the engine tears a link down once this crosses its threshold rather
	// than retrying indefinitely against a peer that has lost its key.
	DecryptFailures int
}

// StaticSharedKey computes the deterministic per-pair AEAD key used only to
// seal/open Handshake-outer packets, derived from the two peers' long-term
// encryption keys — available before any ephemeral exchange, unlike the
// session key derived later in the handshake.
func StaticSharedKey(selfEncPriv, peerEncPub []byte) ([]byte, error) {
	ss, err := gcrypto.X25519Shared(selfEncPriv, peerEncPub)
	if err != nil {
		return nil, err
	}
	defer gcrypto.ZeroBytes(ss)
	return gcrypto.KDF("groupwire:handshake-key:v1", ss)[:gcrypto.XKeySize], nil
}

// Init is the initiator's first handshake message.
type Init struct {
	InitiatorSigPub []byte
	EphemeralPub    []byte
	Nonce           []byte
	Signature       []byte
}

// Ack is the responder's reply.
type Ack struct {
	ResponderSigPub []byte
	EphemeralPub    []byte
	Nonce           []byte
	Signature       []byte
}

func initSigInput(initiatorSigPub, responderEncPub, ephPub, nonce []byte) []byte {
	buf := make([]byte, 0, len("groupwire:hs-init:v1")+len(initiatorSigPub)+len(responderEncPub)+len(ephPub)+len(nonce))
	buf = append(buf, []byte("groupwire:hs-init:v1")...)
	buf = append(buf, initiatorSigPub...)
	buf = append(buf, responderEncPub...)
	buf = append(buf, ephPub...)
	buf = append(buf, nonce...)
	return buf
}

func ackSigInput(responderSigPub, initiatorEncPub, ephPub, nonce []byte) []byte {
	buf := make([]byte, 0, len("groupwire:hs-ack:v1")+len(responderSigPub)+len(initiatorEncPub)+len(ephPub)+len(nonce))
	buf = append(buf, []byte("groupwire:hs-ack:v1")...)
	buf = append(buf, responderSigPub...)
	buf = append(buf, initiatorEncPub...)
	buf = append(buf, ephPub...)
	buf = append(buf, nonce...)
	return buf
}

func EncodeInit(m Init) []byte {
	out := make([]byte, 0, len(m.InitiatorSigPub)+len(m.EphemeralPub)+len(m.Nonce)+len(m.Signature))
	out = append(out, m.InitiatorSigPub...)
	out = append(out, m.EphemeralPub...)
	out = append(out, m.Nonce...)
	out = append(out, m.Signature...)
	return out
}

func DecodeInit(b []byte) (Init, error) {
	want := gcrypto.PubKeySize + gcrypto.XPubKeySize + 32 + gcrypto.SigSize
	if len(b) != want {
		return Init{}, fmt.Errorf("link: bad init length %d want %d", len(b), want)
	}
	off := 0
	sigPub := b[off : off+gcrypto.PubKeySize]
	off += gcrypto.PubKeySize
	ephPub := b[off : off+gcrypto.XPubKeySize]
	off += gcrypto.XPubKeySize
	nonce := b[off : off+32]
	off += 32
	sig := b[off : off+gcrypto.SigSize]
	return Init{InitiatorSigPub: sigPub, EphemeralPub: ephPub, Nonce: nonce, Signature: sig}, nil
}

func EncodeAck(m Ack) []byte {
	out := make([]byte, 0, len(m.ResponderSigPub)+len(m.EphemeralPub)+len(m.Nonce)+len(m.Signature))
	out = append(out, m.ResponderSigPub...)
	out = append(out, m.EphemeralPub...)
	out = append(out, m.Nonce...)
	out = append(out, m.Signature...)
	return out
}

func DecodeAck(b []byte) (Ack, error) {
	want := gcrypto.PubKeySize + gcrypto.XPubKeySize + 32 + gcrypto.SigSize
	if len(b) != want {
		return Ack{}, fmt.Errorf("link: bad ack length %d want %d", len(b), want)
	}
	off := 0
	sigPub := b[off : off+gcrypto.PubKeySize]
	off += gcrypto.PubKeySize
	ephPub := b[off : off+gcrypto.XPubKeySize]
	off += gcrypto.XPubKeySize
	nonce := b[off : off+32]
	off += 32
	sig := b[off : off+gcrypto.SigSize]
	return Ack{ResponderSigPub: sigPub, EphemeralPub: ephPub, Nonce: nonce, Signature: sig}, nil
}

// BuildInit starts a new handshake as initiator, stashing the ephemeral
// state needed later to process the responder's Ack.
func (l *Link) BuildInit(self Identity) (Init, error) {
	eph, err := gcrypto.GenerateEphemeral()
	if err != nil {
		return Init{}, err
	}
	ephPub, err := eph.Public()
	if err != nil {
		eph.Destroy()
		return Init{}, err
	}
	nonce := make([]byte, 32)
	if err := randRead(nonce); err != nil {
		eph.Destroy()
		return Init{}, err
	}
	sigInput := initSigInput(self.SigPub, l.PeerEncPub, ephPub, nonce)
	sig := gcrypto.Sign(self.SigPriv, gcrypto.SHA256(sigInput))

	m := Init{InitiatorSigPub: self.SigPub, EphemeralPub: ephPub, Nonce: nonce, Signature: sig}
	l.pendingEph = eph
	l.pendingNonce = nonce
	l.initBytes = EncodeInit(m)
	l.State = HandshakeSent
	l.LastProgress = now()
	return m, nil
}

// HandleInit processes an initiator's Init as the responder, returning the
// Ack to send back. The caller must already have verified m arrived sealed
// with the correct static per-pair key before calling this.
func (l *Link) HandleInit(self Identity, m Init) (Ack, error) {
	sigInput := initSigInput(m.InitiatorSigPub, self.EncPub, m.EphemeralPub, m.Nonce)
	if !gcrypto.Verify(m.InitiatorSigPub, gcrypto.SHA256(sigInput), m.Signature) {
		return Ack{}, errors.New("link: bad init signature")
	}

	eph, err := gcrypto.GenerateEphemeral()
	if err != nil {
		return Ack{}, err
	}
	ephPub, err := eph.Public()
	if err != nil {
		eph.Destroy()
		return Ack{}, err
	}
	nonce := make([]byte, 32)
	if err := randRead(nonce); err != nil {
		eph.Destroy()
		return Ack{}, err
	}
	sigInput2 := ackSigInput(self.SigPub, l.PeerEncPub, ephPub, nonce)
	sig, err := sign(self.SigPriv, sigInput2)
	if err != nil {
		eph.Destroy()
		return Ack{}, err
	}

	ack := Ack{ResponderSigPub: self.SigPub, EphemeralPub: ephPub, Nonce: nonce, Signature: sig}

	transcript := gcrypto.SHA256(append(append([]byte{}, EncodeInit(m)...), EncodeAck(ack)...))
	ss, err := eph.Shared(m.EphemeralPub)
	if err != nil {
		eph.Destroy()
		return Ack{}, err
	}
	keys, err := gcrypto.DeriveSessionKeys(ss, transcript)
	gcrypto.ZeroBytes(ss)
	eph.Destroy()
	if err != nil {
		return Ack{}, err
	}
	gcrypto.ZeroBytes(keys.Master)

	l.PeerSigPub = m.InitiatorSigPub
	// Responder's send direction is the initiator's recv direction.
	l.SendKey = keys.RecvKey
	l.RecvKey = keys.SendKey
	l.NonceBaseSend = keys.NonceBaseRecv
	l.NonceBaseRecv = keys.NonceBaseSend
	l.State = HandshakeAcked
	l.LastProgress = now()
	return ack, nil
}

// HandleAck processes the responder's Ack as the initiator, completing
// session key derivation.
func (l *Link) HandleAck(self Identity, m Ack) error {
	if l.pendingEph == nil {
		return errors.New("link: no pending handshake")
	}
	sigInput := ackSigInput(m.ResponderSigPub, self.EncPub, m.EphemeralPub, m.Nonce)
	if !gcrypto.Verify(m.ResponderSigPub, gcrypto.SHA256(sigInput), m.Signature) {
		l.pendingEph.Destroy()
		l.pendingEph = nil
		return errors.New("link: bad ack signature")
	}

	transcript := gcrypto.SHA256(append(append([]byte{}, l.initBytes...), EncodeAck(m)...))
	ss, err := l.pendingEph.Shared(m.EphemeralPub)
	if err != nil {
		l.pendingEph.Destroy()
		l.pendingEph = nil
		return err
	}
	keys, err := gcrypto.DeriveSessionKeys(ss, transcript)
	gcrypto.ZeroBytes(ss)
	l.pendingEph.Destroy()
	l.pendingEph = nil
	if err != nil {
		return err
	}
	gcrypto.ZeroBytes(keys.Master)

	l.PeerSigPub = m.ResponderSigPub
	l.SendKey = keys.SendKey
	l.RecvKey = keys.RecvKey
	l.NonceBaseSend = keys.NonceBaseSend
	l.NonceBaseRecv = keys.NonceBaseRecv
	l.State = HandshakeAcked
	l.LastProgress = now()
	return nil
}

// NextSendNonce returns the next outgoing nonce for this link's send
// direction, derived from the session's nonce base and a monotonic counter.
func (l *Link) NextSendNonce() ([]byte, error) {
	if l.SendCounter == ^uint64(0) {
		return nil, errors.New("link: send counter exhausted")
	}
	nonce, err := gcrypto.NonceFromBase(l.NonceBaseSend, l.SendCounter)
	if err != nil {
		return nil, err
	}
	l.SendCounter++
	return nonce, nil
}

// RecoverCounter extracts the monotonic counter XORed into a received
// nonce's low 8 bytes against this link's receive nonce base, the inverse
// of gcrypto.NonceFromBase, so the engine can feed AcceptRecvNonceCounter
// without the sender having to transmit the counter separately.
func RecoverCounter(base, nonce []byte) uint64 {
	var counter uint64
	n := len(nonce)
	b := len(base)
	for i := 0; i < 8; i++ {
		var nb, bb byte
		if n-8+i >= 0 && n-8+i < n {
			nb = nonce[n-8+i]
		}
		if b-8+i >= 0 && b-8+i < b {
			bb = base[b-8+i]
		}
		counter |= uint64(nb^bb) << (8 * (7 - i))
	}
	return counter
}

// AcceptRecvNonceCounter enforces strictly increasing receive counters to
// reject replayed or out-of-order packets at the link layer.
func (l *Link) AcceptRecvNonceCounter(counter uint64) error {
	if l.haveRecv && counter <= l.RecvCounter {
		return errors.New("link: replayed or out-of-order counter")
	}
	l.RecvCounter = counter
	l.haveRecv = true
	return nil
}

// --- INVITE_REQUEST / INVITE_RESPONSE(_REJECT) / PEER_INFO_* wire bodies ---

type RejectReason byte

const (
	RejectNickTaken RejectReason = iota
	RejectGroupFull
	RejectInvalidPassword
	RejectInviteFailed
)

type InviteRequest struct {
	Name     []byte
	Password [32]byte
}

func EncodeInviteRequest(m InviteRequest) ([]byte, error) {
	if len(m.Name) > 0xffff {
		return nil, errors.New("link: name too long")
	}
	out := make([]byte, 0, 2+len(m.Name)+32)
	var nl [2]byte
	binary.BigEndian.PutUint16(nl[:], uint16(len(m.Name)))
	out = append(out, nl[:]...)
	out = append(out, m.Name...)
	out = append(out, m.Password[:]...)
	return out, nil
}

func DecodeInviteRequest(b []byte) (InviteRequest, error) {
	if len(b) < 2 {
		return InviteRequest{}, errors.New("link: truncated invite request")
	}
	nl := binary.BigEndian.Uint16(b[:2])
	if len(b) != 2+int(nl)+32 {
		return InviteRequest{}, errors.New("link: bad invite request length")
	}
	m := InviteRequest{Name: append([]byte(nil), b[2:2+nl]...)}
	copy(m.Password[:], b[2+nl:2+int(nl)+32])
	return m, nil
}

type PeerInfo struct {
	Password [32]byte
	Name     []byte
	Status   byte
	Role     byte
}

func EncodePeerInfo(m PeerInfo) ([]byte, error) {
	if len(m.Name) > 128 {
		return nil, errors.New("link: nickname too long")
	}
	nameField := make([]byte, 128)
	copy(nameField, m.Name)
	out := make([]byte, 0, 32+2+128+1+1)
	out = append(out, m.Password[:]...)
	var nl [2]byte
	binary.BigEndian.PutUint16(nl[:], uint16(len(m.Name)))
	out = append(out, nl[:]...)
	out = append(out, nameField...)
	out = append(out, m.Status, m.Role)
	return out, nil
}

func DecodePeerInfo(b []byte) (PeerInfo, error) {
	if len(b) != 32+2+128+1+1 {
		return PeerInfo{}, errors.New("link: bad peer info length")
	}
	var m PeerInfo
	copy(m.Password[:], b[:32])
	nl := binary.BigEndian.Uint16(b[32:34])
	if int(nl) > 128 {
		return PeerInfo{}, errors.New("link: bad peer info name length")
	}
	m.Name = append([]byte(nil), b[34:34+nl]...)
	m.Status = b[34+128]
	m.Role = b[34+128+1]
	return m, nil
}

func sign(priv, input []byte) ([]byte, error) {
	return gcrypto.Sign(priv, gcrypto.SHA256(input)), nil
}

func randRead(b []byte) error {
	_, err := rand.Read(b)
	return err
}

func now() time.Time {
	return time.Now()
}
