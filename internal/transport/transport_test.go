package transport

import (
	"context"
	"testing"
	"time"
)

func TestListenSendRecvRoundTrip(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	client, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := server.listener.Addr().String()
	payload := []byte("hello over datagram")
	if err := client.Send(ctx, addr, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	d, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(d.Data) != string(payload) {
		t.Fatalf("payload mismatch: got %q", d.Data)
	}
}

func TestSendRejectsOversizeDatagram(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer a.Close()

	big := make([]byte, MaxDatagramSize+1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Send(ctx, "127.0.0.1:1", big); err == nil {
		t.Fatalf("expected oversize datagram to be rejected")
	}
}
