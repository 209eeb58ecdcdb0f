// Package gcrypto provides the cryptographic primitives used across the
// group-chat engine: Ed25519 identity and group signatures, X25519 ephemeral
// key agreement, XChaCha20-Poly1305 AEAD sealing, and SHA-256-based key
// derivation.
package gcrypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	PubKeySize   = ed25519.PublicKeySize
	PrivKeySize  = ed25519.PrivateKeySize
	SigSize      = ed25519.SignatureSize
	XPubKeySize  = 32
	XNonceSize   = chacha20poly1305.NonceSizeX
	XKeySize     = chacha20poly1305.KeySize
	HashSize     = sha256.Size
)

// GenKeypair generates a new Ed25519 signature keypair used as a peer's or
// a group's permanent identity.
func GenKeypair() (pub, priv []byte, err error) {
	p, s, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return []byte(p), []byte(s), nil
}

func Sign(priv, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv), msg)
}

func Verify(pub, msg, sig []byte) bool {
	if len(pub) != PubKeySize || len(sig) != SigSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

func SHA256(b ...[]byte) []byte {
	h := sha256.New()
	for _, part := range b {
		h.Write(part)
	}
	return h.Sum(nil)
}

// KDF derives a byte string from a label and arbitrary key material using
// SHA-256, following the teacher's label-prefixed hashing convention.
func KDF(label string, parts ...[]byte) []byte {
	h := sha256.New()
	lb := []byte(label)
	var lenPrefix [2]byte
	lenPrefix[0] = byte(len(lb) >> 8)
	lenPrefix[1] = byte(len(lb))
	h.Write(lenPrefix[:])
	h.Write(lb)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// Ephemeral is a scoped X25519 secret. Destroy zeroes the private key
// material; callers must call Destroy once the shared secret has been
// derived and must never retain the raw private bytes past that point.
type Ephemeral struct {
	priv      *ecdh.PrivateKey
	destroyed bool
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ephemeral{priv: priv}, nil
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	return e.priv.PublicKey().Bytes(), nil
}

// Shared computes the X25519 shared secret with a peer's public key bytes.
func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("invalid peer public key: %w", err)
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	e.destroyed = true
	e.priv = nil
}

func (e *Ephemeral) String() string {
	return "gcrypto.Ephemeral{redacted}"
}

// GenerateX25519Keypair generates a long-term (non-ephemeral) X25519
// encryption keypair, used for a peer's per-group handshake identity and
// the founder's group encryption keypair.
func GenerateX25519Keypair() (pub, priv []byte, err error) {
	sk, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return sk.PublicKey().Bytes(), sk.Bytes(), nil
}

// X25519Shared computes a shared secret from raw private/public key bytes,
// used when deriving a shared secret from a non-ephemeral X25519 key (e.g.
// a peer's long-lived encryption key in the handshake's second leg).
func X25519Shared(priv, peerPub []byte) ([]byte, error) {
	sk, err := ecdh.X25519().NewPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pk, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return sk.ECDH(pk)
}

// SessionKeys are the per-direction AEAD keys and nonce bases derived from a
// completed handshake's shared secret and transcript.
type SessionKeys struct {
	Master        []byte
	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
}

const (
	labelKDFMaster = "groupwire:kdf:v1"
	labelSendKey   = "groupwire:send:v1"
	labelRecvKey   = "groupwire:recv:v1"
	labelNonceSend = "groupwire:ns:send:v1"
	labelNonceRecv = "groupwire:ns:recv:v1"
)

func DeriveSessionKeys(sharedSecret, transcript []byte) (SessionKeys, error) {
	if len(sharedSecret) == 0 || len(transcript) == 0 {
		return SessionKeys{}, errors.New("empty key material")
	}
	master := KDF(labelKDFMaster, sharedSecret, transcript)
	send := KDF(labelSendKey, master)[:XKeySize]
	recv := KDF(labelRecvKey, master)[:XKeySize]
	nsSend := KDF(labelNonceSend, master)[:XNonceSize]
	nsRecv := KDF(labelNonceRecv, master)[:XNonceSize]
	return SessionKeys{
		Master:        master,
		SendKey:       send,
		RecvKey:       recv,
		NonceBaseSend: nsSend,
		NonceBaseRecv: nsRecv,
	}, nil
}

// NonceFromBase XORs a monotonic counter into the low 8 bytes of a nonce
// base, giving each packet on a direction a unique nonce without needing to
// transmit a counter alongside it.
func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != XNonceSize {
		return nil, errors.New("bad nonce base size")
	}
	nonce := make([]byte, XNonceSize)
	copy(nonce, base)
	for i := 0; i < 8; i++ {
		nonce[XNonceSize-8+i] ^= byte(counter >> (8 * (7 - i)))
	}
	return nonce, nil
}

func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("bad nonce size")
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func Open(key, nonce, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("bad nonce size")
	}
	return aead.Open(nil, nonce, sealed, aad)
}

func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SaveKeypair and LoadKeypair persist a peer's or group's permanent identity
// keys as hex files under dir, following the teacher's key-file layout.
func SaveKeypair(dir string, pub, priv []byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) (pub, priv []byte, err error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}
	pub, err = hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, err
	}
	priv, err = hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, err
	}
	if len(pub) != PubKeySize || len(priv) != PrivKeySize {
		return nil, nil, errors.New("corrupt keypair files")
	}
	return pub, priv, nil
}

// BuildAAD binds a packet's plaintext outer header into the AEAD
// authenticated-but-not-encrypted data, matching the codec's seal contract.
func BuildAAD(outerType byte, chatIDHash uint32, senderEncPub []byte) []byte {
	buf := make([]byte, 0, 1+4+len(senderEncPub))
	buf = append(buf, outerType)
	var hb [4]byte
	hb[0] = byte(chatIDHash >> 24)
	hb[1] = byte(chatIDHash >> 16)
	hb[2] = byte(chatIDHash >> 8)
	hb[3] = byte(chatIDHash)
	buf = append(buf, hb[:]...)
	buf = append(buf, senderEncPub...)
	return buf
}
