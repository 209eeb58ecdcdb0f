package engine_test

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"groupwire/internal/config"
	"groupwire/internal/engine"
	"groupwire/internal/groupwireerr"
	"groupwire/internal/metrics"
	"groupwire/internal/moderation"
	"groupwire/internal/sharedstate"
	"groupwire/internal/transport"
)

// fabric is the in-memory packet substrate standing in for the real
// TransportAdapter/DHT layer in engine-level tests: every fakeTransport
// registered on it can address every other by the string it was registered
// under, mirroring the real adapter's "dial by host:port" contract without
// an actual socket.
type fabric struct {
	mu      sync.Mutex
	nodes   map[string]*fakeTransport
	blocked map[[2]string]bool
}

func newFabric() *fabric {
	return &fabric{nodes: make(map[string]*fakeTransport), blocked: make(map[[2]string]bool)}
}

func (f *fabric) register(addr string) *fakeTransport {
	ft := &fakeTransport{addr: addr, fab: f, incoming: make(chan transport.Datagram, 4096)}
	f.mu.Lock()
	f.nodes[addr] = ft
	f.mu.Unlock()
	return ft
}

// partition drops every datagram sent in either direction between a and b,
// simulating a network split without tearing down either node's transport.
func (f *fabric) partition(a, b string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[[2]string{a, b}] = true
	f.blocked[[2]string{b, a}] = true
}

// heal reverses a prior partition between a and b.
func (f *fabric) heal(a, b string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blocked, [2]string{a, b})
	delete(f.blocked, [2]string{b, a})
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type fakeTransport struct {
	addr     string
	fab      *fabric
	incoming chan transport.Datagram
}

func (f *fakeTransport) Send(ctx context.Context, addr string, data []byte) error {
	f.fab.mu.Lock()
	dst := f.fab.nodes[addr]
	blocked := f.fab.blocked[[2]string{f.addr, addr}]
	f.fab.mu.Unlock()
	if dst == nil {
		return fmt.Errorf("fake transport: no node at %s", addr)
	}
	if blocked {
		return nil
	}
	cp := append([]byte(nil), data...)
	select {
	case dst.incoming <- transport.Datagram{From: fakeAddr(f.addr), Data: cp}:
	default:
	}
	return nil
}

func (f *fakeTransport) Recv(ctx context.Context) (transport.Datagram, error) {
	select {
	case dg := <-f.incoming:
		return dg, nil
	case <-ctx.Done():
		return transport.Datagram{}, ctx.Err()
	}
}

var _ net.Addr = fakeAddr("")

// testConfig builds a Config with every timer sped up so engine-level
// scenarios converge in well under a second of wall-clock time.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
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
}

// recordingObserver collects every upcall into per-kind channels so tests
// can block on a specific event instead of polling engine-internal state.
type recordingObserver struct {
	messages    chan upcallMessage
	privates    chan upcallMessage
	customs     chan []byte
	joins       chan []byte
	exits       chan exitEvent
	selfJoins   chan struct{}
	joinFails   chan groupwireerr.Kind
	topics      chan []byte
	modEvents   chan modEvent
}

type upcallMessage struct {
	peer []byte
	kind engine.MessageKind
	text []byte
}

type exitEvent struct {
	peer   []byte
	reason groupwireerr.Kind
}

type modEvent struct {
	actor, target []byte
	role          moderation.Role
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		messages:  make(chan upcallMessage, 4096),
		privates:  make(chan upcallMessage, 4096),
		customs:   make(chan []byte, 4096),
		joins:     make(chan []byte, 16),
		exits:     make(chan exitEvent, 16),
		selfJoins: make(chan struct{}, 4),
		joinFails: make(chan groupwireerr.Kind, 4),
		topics:    make(chan []byte, 16),
		modEvents: make(chan modEvent, 16),
	}
}

func (o *recordingObserver) OnMessage(_ engine.GroupID, peer []byte, kind engine.MessageKind, text []byte) {
	o.messages <- upcallMessage{peer: append([]byte(nil), peer...), kind: kind, text: append([]byte(nil), text...)}
}
func (o *recordingObserver) OnPrivateMessage(_ engine.GroupID, peer []byte, kind engine.MessageKind, text []byte) {
	o.privates <- upcallMessage{peer: append([]byte(nil), peer...), kind: kind, text: append([]byte(nil), text...)}
}
func (o *recordingObserver) OnCustomPacket(_ engine.GroupID, _ []byte, payload []byte) {
	o.customs <- append([]byte(nil), payload...)
}
func (o *recordingObserver) OnPeerJoin(_ engine.GroupID, peer []byte) {
	o.joins <- append([]byte(nil), peer...)
}
func (o *recordingObserver) OnPeerExit(_ engine.GroupID, peer []byte, reason groupwireerr.Kind) {
	o.exits <- exitEvent{peer: append([]byte(nil), peer...), reason: reason}
}
func (o *recordingObserver) OnModerationEvent(_ engine.GroupID, actor, target []byte, role moderation.Role) {
	o.modEvents <- modEvent{actor: append([]byte(nil), actor...), target: append([]byte(nil), target...), role: role}
}
func (o *recordingObserver) OnNickChange(engine.GroupID, []byte, []byte)                       {}
func (o *recordingObserver) OnStatusChange(engine.GroupID, []byte, byte)                       {}
func (o *recordingObserver) OnTopicChange(_ engine.GroupID, text []byte) {
	o.topics <- append([]byte(nil), text...)
}
func (o *recordingObserver) OnPasswordChange(engine.GroupID)                       {}
func (o *recordingObserver) OnPrivacyStateChange(engine.GroupID, sharedstate.PrivacyState) {}
func (o *recordingObserver) OnPeerLimitChange(engine.GroupID, uint16)              {}
func (o *recordingObserver) OnSelfJoin(engine.GroupID)                            { o.selfJoins <- struct{}{} }
func (o *recordingObserver) OnJoinFail(_ engine.GroupID, reason groupwireerr.Kind) { o.joinFails <- reason }

// node bundles one running Engine together with the observer that watches
// it and the address it was given on the shared fabric.
type node struct {
	addr string
	obs  *recordingObserver
	eng  *engine.Engine
}

func startNode(t *testing.T, fab *fabric, addr string) *node {
	t.Helper()
	obs := newRecordingObserver()
	tr := fab.register(addr)
	eng := engine.New(testConfig(t), tr, metrics.New(), nil, obs)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = eng.Run(ctx) }()
	return &node{addr: addr, obs: obs, eng: eng}
}

func waitFor[T any](t *testing.T, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func drainNone[T any](t *testing.T, ch <-chan T, quiet time.Duration, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %+v", what, v)
	case <-time.After(quiet):
	}
}

// join drives B through JoinByChatID + RegisterCandidate against A and
// blocks until B observes OnSelfJoin and A observes the corresponding
// OnPeerJoin, i.e. the full handshake/invite/peer-info exchange completed.
func join(t *testing.T, a, b *node, aGroup engine.GroupID, password, nick string) {
	t.Helper()
	_, aEncPub, err := a.eng.SelfIdentity(aGroup)
	if err != nil {
		t.Fatalf("a.SelfIdentity: %v", err)
	}
	if _, err := b.eng.JoinByChatID(aGroup, password, nick); err != nil {
		t.Fatalf("b.JoinByChatID: %v", err)
	}
	if err := b.eng.RegisterCandidate(aGroup, a.addr, aEncPub); err != nil {
		t.Fatalf("b.RegisterCandidate: %v", err)
	}
	waitFor(t, a.obs.joins, 2*time.Second, "A's OnPeerJoin for B")
	waitFor(t, b.obs.selfJoins, 2*time.Second, "B's OnSelfJoin")
}

// TestScenarioInviteMessageIgnorePrivateCustom implements spec scenario S1:
// invite, a normal message, an ignored message that must not upcall,
// un-ignoring, a private ACTION message, reliable and lossy custom packets,
// and clean teardown on both sides.
func TestScenarioInviteMessageIgnorePrivateCustom(t *testing.T) {
	fab := newFabric()
	a := startNode(t, fab, "a:1")
	b := startNode(t, fab, "b:1")

	groupID, err := a.eng.CreateGroup(sharedstate.PrivacyPrivate, "Utah Data Center", "Winslow")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	join(t, a, b, groupID, "", "Thomas")

	bSelfSig, _, err := b.eng.SelfIdentity(groupID)
	if err != nil {
		t.Fatalf("b.SelfIdentity: %v", err)
	}
	aSelfSig, _, err := a.eng.SelfIdentity(groupID)
	if err != nil {
		t.Fatalf("a.SelfIdentity: %v", err)
	}

	if err := b.eng.SendMessage(groupID, engine.MessageNormal, []byte("Where is it I've read...")); err != nil {
		t.Fatalf("b.SendMessage: %v", err)
	}
	got := waitFor(t, a.obs.messages, 2*time.Second, "A's OnMessage")
	if string(got.text) != "Where is it I've read..." {
		t.Fatalf("A received %q, want the original message", got.text)
	}
	if !bytesEqual(got.peer, bSelfSig) {
		t.Fatalf("A's message upcall attributed to the wrong peer")
	}

	if err := a.eng.ToggleIgnore(groupID, bSelfSig, true); err != nil {
		t.Fatalf("a.ToggleIgnore(true): %v", err)
	}
	if err := b.eng.SendMessage(groupID, engine.MessageNormal, []byte("Am I bothering you?")); err != nil {
		t.Fatalf("b.SendMessage while ignored: %v", err)
	}
	drainNone(t, a.obs.messages, 200*time.Millisecond, "OnMessage while B is ignored")

	if err := a.eng.ToggleIgnore(groupID, bSelfSig, false); err != nil {
		t.Fatalf("a.ToggleIgnore(false): %v", err)
	}

	if err := a.eng.SendPrivate(groupID, bSelfSig, engine.MessageAction, []byte("Don't spill yer beans")); err != nil {
		t.Fatalf("a.SendPrivate: %v", err)
	}
	priv := waitFor(t, b.obs.privates, 2*time.Second, "B's OnPrivateMessage")
	if string(priv.text) != "Don't spill yer beans" {
		t.Fatalf("B received private text %q, want the original", priv.text)
	}
	if priv.kind != engine.MessageAction {
		t.Fatalf("B's private message kind = %v, want MessageAction", priv.kind)
	}
	if !bytesEqual(priv.peer, aSelfSig) {
		t.Fatalf("B's private message attributed to the wrong peer")
	}

	if err := a.eng.SendCustom(groupID, true, []byte("Why'd ya spill yer beans?")); err != nil {
		t.Fatalf("a.SendCustom(reliable): %v", err)
	}
	custom1 := waitFor(t, b.obs.customs, 2*time.Second, "B's first OnCustomPacket")
	if string(custom1) != "Why'd ya spill yer beans?" {
		t.Fatalf("B's reliable custom packet = %q, want the original", custom1)
	}

	if err := a.eng.SendCustom(groupID, false, []byte("Why'd ya spill yer beans?")); err != nil {
		t.Fatalf("a.SendCustom(lossy): %v", err)
	}
	custom2 := waitFor(t, b.obs.customs, 2*time.Second, "B's second OnCustomPacket")
	if string(custom2) != "Why'd ya spill yer beans?" {
		t.Fatalf("B's lossy custom packet = %q, want the original", custom2)
	}

	if err := a.eng.Leave(groupID, ""); err != nil {
		t.Fatalf("a.Leave: %v", err)
	}
	if err := b.eng.Leave(groupID, ""); err != nil {
		t.Fatalf("b.Leave: %v", err)
	}
}

// TestScenarioLosslessOrderingUnderLoad implements spec scenario S2: 1001
// lossless messages sent back-to-back by the same sender must be delivered
// to the receiver's application in strictly increasing order.
func TestScenarioLosslessOrderingUnderLoad(t *testing.T) {
	fab := newFabric()
	a := startNode(t, fab, "a:1")
	b := startNode(t, fab, "b:1")

	groupID, err := a.eng.CreateGroup(sharedstate.PrivacyPublic, "Load Test", "Winslow")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	join(t, a, b, groupID, "", "Thomas")

	const n = 1001
	for i := 0; i < n; i++ {
		if err := a.eng.SendMessage(groupID, engine.MessageNormal, []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("SendMessage(%d): %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		got := waitFor(t, b.obs.messages, 5*time.Second, fmt.Sprintf("message #%d", i))
		if string(got.text) != strconv.Itoa(i) {
			t.Fatalf("received[%d] = %q, want %q", i, got.text, strconv.Itoa(i))
		}
	}
}

// waitForRole polls PeerRoster until target carries the wanted role or the
// deadline passes, the shape convergence through sync takes: nothing upcalls
// a peer that only learns of a sanction through SYNC_RESPONSE rather than a
// direct broadcast, so role state has to be observed by snapshot.
func waitForRole(t *testing.T, eng *engine.Engine, id engine.GroupID, target []byte, want moderation.Role, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		roster, err := eng.PeerRoster(id)
		if err != nil {
			t.Fatalf("PeerRoster: %v", err)
		}
		for _, p := range roster {
			if bytesEqual(p.SigPubKey, target) && p.Role == want {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for role %v on target peer", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestScenarioFounderDemotesModeratorSanctionsResign implements spec
// scenario S3: a founder promotes a peer to Moderator, that moderator
// sanctions a third peer as Observer, the founder then demotes the
// moderator — which re-signs and regossips the sanction under the founder's
// own key (spec.md §4.5) — and a late joiner still accepts the sanction
// because it now carries a currently-authoritative signature.
func TestScenarioFounderDemotesModeratorSanctionsResign(t *testing.T) {
	fab := newFabric()
	a := startNode(t, fab, "a:1") // founder
	c := startNode(t, fab, "c:1") // promoted then demoted moderator
	d := startNode(t, fab, "d:1") // sanctioned to observer

	groupID, err := a.eng.CreateGroup(sharedstate.PrivacyPublic, "Moderation Test", "Founder")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	join(t, a, c, groupID, "", "Carol")
	join(t, a, d, groupID, "", "Dave")

	cSig, _, err := c.eng.SelfIdentity(groupID)
	if err != nil {
		t.Fatalf("c.SelfIdentity: %v", err)
	}
	dSig, _, err := d.eng.SelfIdentity(groupID)
	if err != nil {
		t.Fatalf("d.SelfIdentity: %v", err)
	}

	if err := a.eng.SetRole(groupID, cSig, moderation.RoleModerator); err != nil {
		t.Fatalf("a.SetRole(C, Moderator): %v", err)
	}
	waitFor(t, c.obs.modEvents, 2*time.Second, "C's OnModerationEvent for its own promotion")

	if err := c.eng.SetRole(groupID, dSig, moderation.RoleObserver); err != nil {
		t.Fatalf("c.SetRole(D, Observer): %v", err)
	}
	// D has no direct link to C, so the sanction reaches D only once A's own
	// copy of it converges through sync; assert via A's roster rather than a
	// D-side upcall.
	waitForRole(t, a.eng, groupID, dSig, moderation.RoleObserver, 2*time.Second)

	if err := a.eng.SetRole(groupID, cSig, moderation.RoleUser); err != nil {
		t.Fatalf("a.SetRole(C, User): %v", err)
	}
	waitFor(t, c.obs.modEvents, 2*time.Second, "C's OnModerationEvent for its own demotion")

	// E joins after the demotion-and-resign; the sanction it receives during
	// its own sync bootstrap must already carry A's signature, not C's.
	e := startNode(t, fab, "e:1")
	join(t, a, e, groupID, "", "Erin")
	waitForRole(t, e.eng, groupID, dSig, moderation.RoleObserver, 2*time.Second)
}

// directLink registers each of a and b as a handshake candidate for the
// other within a group both have already joined, the path two members
// admitted through a common introducer use to become directly peered with
// each other rather than only transitively reachable through it.
func directLink(t *testing.T, a, b *node, id engine.GroupID) {
	t.Helper()
	aSig, aEncPub, err := a.eng.SelfIdentity(id)
	if err != nil {
		t.Fatalf("a.SelfIdentity: %v", err)
	}
	bSig, bEncPub, err := b.eng.SelfIdentity(id)
	if err != nil {
		t.Fatalf("b.SelfIdentity: %v", err)
	}
	if err := a.eng.RegisterCandidate(id, b.addr, bEncPub); err != nil {
		t.Fatalf("a.RegisterCandidate(b): %v", err)
	}
	if err := b.eng.RegisterCandidate(id, a.addr, aEncPub); err != nil {
		t.Fatalf("b.RegisterCandidate(a): %v", err)
	}
	waitForRole(t, a.eng, id, bSig, moderation.RoleUser, 2*time.Second)
	waitForRole(t, b.eng, id, aSig, moderation.RoleUser, 2*time.Second)
}

// waitForSameTopic polls Status on every node until they all report the
// same TopicVersion and TopicText or the deadline passes, the shape two
// concurrently-set topics converge to once the version-tie signature
// comparison (topic.Accepts) has propagated through direct gossip between
// every pair.
func waitForSameTopic(t *testing.T, id engine.GroupID, nodes ...*node) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		first, err := nodes[0].eng.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		agree := true
		for _, n := range nodes[1:] {
			st, err := n.eng.Status(id)
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if st.TopicVersion != first.TopicVersion || !bytesEqual(st.TopicText, first.TopicText) {
				agree = false
				break
			}
		}
		if agree && first.TopicVersion > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for topic convergence across %d nodes", len(nodes))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestScenarioConcurrentTopicSetConvergesBySignature implements spec
// scenario S4: two moderators set the topic near-simultaneously from the
// same base version. Every peer must converge to the same winning topic,
// broken by signature-bytes lexicographic order rather than arrival order.
func TestScenarioConcurrentTopicSetConvergesBySignature(t *testing.T) {
	fab := newFabric()
	a := startNode(t, fab, "a:1") // founder
	m1 := startNode(t, fab, "m1:1")
	m2 := startNode(t, fab, "m2:1")

	groupID, err := a.eng.CreateGroup(sharedstate.PrivacyPublic, "Topic Race Test", "Founder")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	join(t, a, m1, groupID, "", "Mod1")
	join(t, a, m2, groupID, "", "Mod2")
	directLink(t, m1, m2, groupID)

	m1Sig, _, err := m1.eng.SelfIdentity(groupID)
	if err != nil {
		t.Fatalf("m1.SelfIdentity: %v", err)
	}
	m2Sig, _, err := m2.eng.SelfIdentity(groupID)
	if err != nil {
		t.Fatalf("m2.SelfIdentity: %v", err)
	}
	if err := a.eng.SetRole(groupID, m1Sig, moderation.RoleModerator); err != nil {
		t.Fatalf("a.SetRole(M1, Moderator): %v", err)
	}
	waitFor(t, m1.obs.modEvents, 2*time.Second, "M1's OnModerationEvent for its own promotion")
	if err := a.eng.SetRole(groupID, m2Sig, moderation.RoleModerator); err != nil {
		t.Fatalf("a.SetRole(M2, Moderator): %v", err)
	}
	waitFor(t, m2.obs.modEvents, 2*time.Second, "M2's OnModerationEvent for its own promotion")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := m1.eng.SetTopic(groupID, []byte("from m1")); err != nil {
			t.Errorf("m1.SetTopic: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := m2.eng.SetTopic(groupID, []byte("from m2")); err != nil {
			t.Errorf("m2.SetTopic: %v", err)
		}
	}()
	wg.Wait()

	waitForSameTopic(t, groupID, a, m1, m2)
}

// TestScenarioRejoinPreservesIdentity implements spec scenario S5: a peer
// disconnects, times out of the founder's confirmed set, then reconnects.
// The founder must see the same permanent signature public key rejoin and
// the peer's role (granted before the disconnect) must still hold, since
// moderation state lives independently of the link/peer-view lifecycle.
func TestScenarioRejoinPreservesIdentity(t *testing.T) {
	fab := newFabric()
	a := startNode(t, fab, "a:1") // founder
	p := startNode(t, fab, "p:1")

	groupID, err := a.eng.CreateGroup(sharedstate.PrivacyPublic, "Rejoin Test", "Founder")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	join(t, a, p, groupID, "", "Pat")

	pSig, _, err := p.eng.SelfIdentity(groupID)
	if err != nil {
		t.Fatalf("p.SelfIdentity: %v", err)
	}
	if err := a.eng.SetRole(groupID, pSig, moderation.RoleModerator); err != nil {
		t.Fatalf("a.SetRole(P, Moderator): %v", err)
	}
	waitFor(t, p.obs.modEvents, 2*time.Second, "P's OnModerationEvent for its own promotion")

	if err := p.eng.Disconnect(groupID); err != nil {
		t.Fatalf("p.Disconnect: %v", err)
	}
	ev := waitFor(t, a.obs.exits, 4*time.Second, "A's OnPeerExit for P's timeout")
	if !bytesEqual(ev.peer, pSig) {
		t.Fatalf("exit event peer = %x, want %x", ev.peer, pSig)
	}

	if err := p.eng.Reconnect(groupID); err != nil {
		t.Fatalf("p.Reconnect: %v", err)
	}
	waitFor(t, a.obs.joins, 2*time.Second, "A's OnPeerJoin for P's rejoin")

	waitForRole(t, a.eng, groupID, pSig, moderation.RoleModerator, 2*time.Second)
}

// waitForPeerCount polls Status on n until its PeerCount equals want or the
// deadline passes.
func waitForPeerCount(t *testing.T, n *node, id engine.GroupID, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		st, err := n.eng.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.PeerCount == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for peer_count=%d, last was %d", want, st.PeerCount)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestScenarioSplitBrainReconvergence implements spec scenario S6: the
// founder is partitioned away from two peers that remain linked to each
// other. Both sides' confirmed-peer counts drop on timeout; a change made
// during the split reaches everyone only once the partition heals and the
// version-vector PING/SYNC_REQUEST exchange pulls it across, not via direct
// gossip (which was never delivered).
func TestScenarioSplitBrainReconvergence(t *testing.T) {
	fab := newFabric()
	a := startNode(t, fab, "a:1") // founder
	b := startNode(t, fab, "b:1")
	c := startNode(t, fab, "c:1")

	groupID, err := a.eng.CreateGroup(sharedstate.PrivacyPublic, "Split Brain Test", "Founder")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	join(t, a, b, groupID, "", "Bob")
	join(t, a, c, groupID, "", "Carol")
	directLink(t, b, c, groupID)

	fab.partition(a.addr, b.addr)
	fab.partition(a.addr, c.addr)

	if err := a.eng.SetTopic(groupID, []byte("set during the split")); err != nil {
		t.Fatalf("a.SetTopic: %v", err)
	}

	waitForPeerCount(t, a, groupID, 0, 4*time.Second)
	waitForPeerCount(t, b, groupID, 1, 4*time.Second)
	waitForPeerCount(t, c, groupID, 1, 4*time.Second)

	fab.heal(a.addr, b.addr)
	fab.heal(a.addr, c.addr)

	waitForPeerCount(t, a, groupID, 2, 4*time.Second)
	waitForSameTopic(t, groupID, a, b, c)

	st, err := b.eng.Status(groupID)
	if err != nil {
		t.Fatalf("b.Status: %v", err)
	}
	if string(st.TopicText) != "set during the split" {
		t.Fatalf("converged topic = %q, want %q", st.TopicText, "set during the split")
	}
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
