package peertable_test

import (
	"testing"
	"time"

	"groupwire/internal/peertable"
)

func TestCandidatePoolAddHasEvict(t *testing.T) {
	p := peertable.NewCandidatePool(2, time.Hour)
	p.Add("a")
	p.Add("b")
	p.Add("c")
	if p.Has("a") {
		t.Fatalf("expected oldest candidate evicted")
	}
	if !p.Has("b") || !p.Has("c") {
		t.Fatalf("expected recent candidates retained")
	}
}

func TestCandidatePoolTTLExpiry(t *testing.T) {
	p := peertable.NewCandidatePool(10, time.Millisecond)
	p.Add("a")
	time.Sleep(5 * time.Millisecond)
	if p.Has("a") {
		t.Fatalf("expected candidate to expire")
	}
}

func TestConfirmedTableUpsertCapacity(t *testing.T) {
	tbl := peertable.NewConfirmedTable(1)
	if !tbl.Upsert(peertable.ConfirmedPeer{SigPubKey: []byte{0x01}}) {
		t.Fatalf("expected first upsert to succeed")
	}
	if tbl.Upsert(peertable.ConfirmedPeer{SigPubKey: []byte{0x02}}) {
		t.Fatalf("expected second upsert to be rejected at capacity")
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected len 1, got %d", tbl.Len())
	}
}

func TestConfirmedTableChecksumStable(t *testing.T) {
	tbl := peertable.NewConfirmedTable(10)
	tbl.Upsert(peertable.ConfirmedPeer{SigPubKey: []byte{0x01, 0x02}})
	tbl.Upsert(peertable.ConfirmedPeer{SigPubKey: []byte{0x03, 0x04}})
	c1 := tbl.Checksum()

	tbl2 := peertable.NewConfirmedTable(10)
	tbl2.Upsert(peertable.ConfirmedPeer{SigPubKey: []byte{0x03, 0x04}})
	tbl2.Upsert(peertable.ConfirmedPeer{SigPubKey: []byte{0x01, 0x02}})
	c2 := tbl2.Checksum()

	if c1 != c2 {
		t.Fatalf("expected order-independent checksum, got %d vs %d", c1, c2)
	}
}
