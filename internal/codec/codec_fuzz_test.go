package codec_test

import (
	"bytes"
	"testing"

	"groupwire/internal/codec"
	"groupwire/internal/gcrypto"
	"groupwire/internal/testutil"
)

func FuzzOpen(f *testing.F) {
	chatID := bytes.Repeat([]byte{0x01}, 32)
	senderPub := bytes.Repeat([]byte{0x02}, gcrypto.XPubKeySize)
	key := testKey()
	pkt, err := codec.Seal(codec.Lossless, chatID, senderPub, testNonce(), key, 0xf3, 7, []byte("seed"))
	if err != nil {
		f.Fatalf("seal seed corpus: %v", err)
	}
	f.Add(pkt, chatID, key)
	f.Add([]byte{}, chatID, key)
	f.Add(pkt[:codec.MinLosslessSize-1], chatID, key)

	f.Fuzz(func(t *testing.T, data, chatID, key []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = codec.Open(data, chatID, key)
		})
	})
}
