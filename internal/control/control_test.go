package control_test

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"groupwire/internal/codec"
	"groupwire/internal/config"
	"groupwire/internal/control"
	"groupwire/internal/engine"
	"groupwire/internal/metrics"
	"groupwire/internal/moderation"
	"groupwire/internal/sharedstate"
	"groupwire/internal/transport"
)

// deadTransport never produces datagrams; the tests here only exercise
// local engine state through the control socket, no peer traffic needed.
type deadTransport struct{}

func (deadTransport) Send(ctx context.Context, addr string, data []byte) error { return nil }
func (deadTransport) Recv(ctx context.Context) (transport.Datagram, error) {
	<-ctx.Done()
	return transport.Datagram{}, ctx.Err()
}

func newTestEngine(t *testing.T) (*engine.Engine, engine.GroupID) {
	t.Helper()
	cfg := config.Config{
		DataDir:                t.TempDir(),
		EngineTick:             2 * time.Millisecond,
		SyncInterval:           20 * time.Millisecond,
		PingInterval:           15 * time.Millisecond,
		LinkUnconfirmedTimeout: 2 * time.Second,
		LinkConfirmedTimeout:   2 * time.Second,
		ChannelMaxAttempts:     20,
		ConfirmedPeerMax:       100,
		CandidateCap:           16,
		CandidateTTL:           time.Minute,
	}
	e := engine.New(cfg, deadTransport{}, metrics.New(), nil, engine.NoopObserver{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Run(ctx) }()

	id, err := e.CreateGroup(sharedstate.PrivacyPublic, "Control Test", "Founder")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	return e, id
}

func roundTrip(t *testing.T, conn net.Conn, req control.Request) control.Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := codec.WriteFrame(conn, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	payload, err := codec.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var resp control.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestServeStatusAndPeers(t *testing.T) {
	e, id := newTestEngine(t)
	sock := filepath.Join(t.TempDir(), "groupwired.sock")
	srv, err := control.Serve(sock, e, id, nil)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp := roundTrip(t, conn, control.Request{Cmd: "status"})
	if !resp.OK {
		t.Fatalf("status: %s", resp.Error)
	}
	var st struct {
		Name      string `json:"name"`
		Connected bool   `json:"connected"`
		SelfRole  string `json:"self_role"`
		PeerCount int    `json:"peer_count"`
	}
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.Name != "Control Test" {
		t.Fatalf("name = %q, want %q", st.Name, "Control Test")
	}
	if st.SelfRole != moderation.RoleFounder.String() {
		t.Fatalf("self_role = %q, want founder", st.SelfRole)
	}
	if st.PeerCount != 0 {
		t.Fatalf("peer_count = %d, want 0", st.PeerCount)
	}

	resp = roundTrip(t, conn, control.Request{Cmd: "peers"})
	if !resp.OK {
		t.Fatalf("peers: %s", resp.Error)
	}
	var peers []json.RawMessage
	if err := json.Unmarshal(resp.Data, &peers); err != nil {
		t.Fatalf("unmarshal peers: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("peers = %d, want 0", len(peers))
	}
}

func TestServeSetTopic(t *testing.T) {
	e, id := newTestEngine(t)
	sock := filepath.Join(t.TempDir(), "groupwired.sock")
	srv, err := control.Serve(sock, e, id, nil)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp := roundTrip(t, conn, control.Request{Cmd: "set_topic", Text: "new topic"})
	if !resp.OK {
		t.Fatalf("set_topic: %s", resp.Error)
	}

	resp = roundTrip(t, conn, control.Request{Cmd: "status"})
	if !resp.OK {
		t.Fatalf("status: %s", resp.Error)
	}
	var st struct {
		TopicText string `json:"topic_text"`
	}
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.TopicText != "new topic" {
		t.Fatalf("topic_text = %q, want %q", st.TopicText, "new topic")
	}
}

func TestServeUnknownCommand(t *testing.T) {
	e, id := newTestEngine(t)
	sock := filepath.Join(t.TempDir(), "groupwired.sock")
	srv, err := control.Serve(sock, e, id, nil)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp := roundTrip(t, conn, control.Request{Cmd: "bogus"})
	if resp.OK {
		t.Fatalf("expected error for unknown command")
	}
}
