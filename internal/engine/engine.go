// Package engine implements GroupEngine: the per-process orchestrator that
// owns every group a local node participates in, drives the handshake,
// lossless-channel, shared-state, moderation, topic and sync state machines
// built by the sibling packages, and dispatches their outcomes to an
// Observer — grounded on the teacher's Runner/recvDataWithResponse
// dispatch-by-type shape (internal/daemon/peer.go) and its Tick-driven
// event loop (internal/daemon/connman.go), generalized away from the
// teacher's IOU-ledger domain into the group-chat operation table.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"groupwire/internal/channel"
	"groupwire/internal/codec"
	"groupwire/internal/config"
	"groupwire/internal/gcrypto"
	"groupwire/internal/glog"
	"groupwire/internal/groupwireerr"
	"groupwire/internal/link"
	"groupwire/internal/metrics"
	"groupwire/internal/moderation"
	"groupwire/internal/persist"
	"groupwire/internal/peertable"
	"groupwire/internal/sharedstate"
	"groupwire/internal/topic"
	"groupwire/internal/transport"
)

// GroupID is a group's permanent identifier: the group signature keypair's
// public key, a.k.a the Chat ID.
type GroupID [32]byte

func (g GroupID) String() string { return hex.EncodeToString(g[:]) }

// MessageKind distinguishes a normal chat line from a /me-style action,
// mirrored on send_message and the on_message upcall.
type MessageKind byte

const (
	MessageNormal MessageKind = 0
	MessageAction MessageKind = 1
)

const (
	defaultMaxPeers = 100
	maxNickLen      = 128
)

// Observer is the upcall surface consumed by the surrounding application,
// one method per upcall name. The engine holds exactly one Observer
// reference rather than a registered per-event handler table.
type Observer interface {
	OnMessage(group GroupID, peerSigPub []byte, kind MessageKind, text []byte)
	OnPrivateMessage(group GroupID, peerSigPub []byte, kind MessageKind, text []byte)
	OnCustomPacket(group GroupID, peerSigPub []byte, payload []byte)
	OnPeerJoin(group GroupID, peerSigPub []byte)
	OnPeerExit(group GroupID, peerSigPub []byte, reason groupwireerr.Kind)
	OnModerationEvent(group GroupID, actorSigPub, targetSigPub []byte, newRole moderation.Role)
	OnNickChange(group GroupID, peerSigPub []byte, nick []byte)
	OnStatusChange(group GroupID, peerSigPub []byte, status byte)
	OnTopicChange(group GroupID, text []byte)
	OnPasswordChange(group GroupID)
	OnPrivacyStateChange(group GroupID, state sharedstate.PrivacyState)
	OnPeerLimitChange(group GroupID, limit uint16)
	OnSelfJoin(group GroupID)
	OnJoinFail(group GroupID, reason groupwireerr.Kind)
}

// NoopObserver discards every upcall, useful as a default in tests and
// tools that only need the engine's side effects (persistence, metrics).
type NoopObserver struct{}

func (NoopObserver) OnMessage(GroupID, []byte, MessageKind, []byte)              {}
func (NoopObserver) OnPrivateMessage(GroupID, []byte, MessageKind, []byte)       {}
func (NoopObserver) OnCustomPacket(GroupID, []byte, []byte)                      {}
func (NoopObserver) OnPeerJoin(GroupID, []byte)                                 {}
func (NoopObserver) OnPeerExit(GroupID, []byte, groupwireerr.Kind)              {}
func (NoopObserver) OnModerationEvent(GroupID, []byte, []byte, moderation.Role) {}
func (NoopObserver) OnNickChange(GroupID, []byte, []byte)                      {}
func (NoopObserver) OnStatusChange(GroupID, []byte, byte)                      {}
func (NoopObserver) OnTopicChange(GroupID, []byte)                             {}
func (NoopObserver) OnPasswordChange(GroupID)                                  {}
func (NoopObserver) OnPrivacyStateChange(GroupID, sharedstate.PrivacyState)    {}
func (NoopObserver) OnPeerLimitChange(GroupID, uint16)                        {}
func (NoopObserver) OnSelfJoin(GroupID)                                       {}
func (NoopObserver) OnJoinFail(GroupID, groupwireerr.Kind)                    {}

// peerView is everything the engine tracks about one other member beyond
// what ConfirmedTable already holds, keyed by hex(sig pub key).
type peerView struct {
	encPubHex string
	encPub    []byte
	sigPub    []byte
	addr      string
	nick      []byte
	status    byte
	ignored   bool
}

// group is one group's complete local state: identity, governance records,
// peer table, and one PeerLink+LosslessChannel pair per confirmed peer.
type group struct {
	id         GroupID
	chatIDHash uint32

	founder      bool
	groupSigPriv []byte // only set for the founder

	self link.Identity
	nick []byte
	status byte

	password             []byte
	connected            bool
	manuallyDisconnected bool
	dirty                bool

	hasSharedState bool
	sharedState    sharedstate.SharedState
	hasTopic       bool
	topicInfo      topic.Topic
	modList        moderation.ModeratorList
	sanctions      moderation.SanctionsList

	candidates    *peertable.CandidatePool
	candidateEnc  map[string][]byte // addr -> peer's long-term enc pub
	confirmed     *peertable.ConfirmedTable

	links    map[string]*link.Link    // key: hex(peer enc pub)
	channels map[string]*channel.Channel // key: hex(peer sig pub)
	peers    map[string]*peerView         // key: hex(peer sig pub)

	// knownEnc records sig/enc key pairings learned from a SYNC_RESPONSE
	// peer list, including peers this node has no link with yet; their
	// addresses from the same list go into the candidate pool.
	knownEnc map[string][]byte // key: hex(peer enc pub) -> peer sig pub

	// ackReqSentAt rate-limits ACK_REQ to at most one per (peer, gap) per
	// second, keyed by hex(peer enc pub)+":"+expected message id.
	ackReqSentAt map[string]time.Time

	hasSelfJoined bool

	lastSyncSent time.Time
}

func newGroup(id GroupID, cfg config.Config) *group {
	return &group{
		id:           id,
		chatIDHash:   codec.ChatIDHash(id[:]),
		candidates:   peertable.NewCandidatePool(cfg.CandidateCap, cfg.CandidateTTL),
		candidateEnc: make(map[string][]byte),
		confirmed:    peertable.NewConfirmedTable(cfg.ConfirmedPeerMax),
		links:        make(map[string]*link.Link),
		channels:     make(map[string]*channel.Channel),
		peers:        make(map[string]*peerView),
		knownEnc:     make(map[string][]byte),
		ackReqSentAt: make(map[string]time.Time),
	}
}

// roleOf derives a peer's current effective role under this group's
// governance state.
func (g *group) roleOf(sigPub []byte) moderation.Role {
	return moderation.RoleOf(sigPub, g.sharedState.FounderPubKey, g.modList, g.sanctions)
}

func (g *group) selfRole() moderation.Role { return g.roleOf(g.self.SigPub) }

// Transport is the boundary the engine requires from whatever substrate
// carries packets between peers: address-based best-effort send, and a
// blocking receive of the next inbound datagram. transport.Adapter
// satisfies this directly; tests substitute an in-memory fake so the
// engine's state machines can be exercised without a real socket.
type Transport interface {
	Send(ctx context.Context, addr string, data []byte) error
	Recv(ctx context.Context) (transport.Datagram, error)
}

// Engine orchestrates every group a local node participates in. Every
// public operation, and Run's packet and tick processing, holds one
// engine-wide mutex, so public operations may be called from any
// goroutine while Run is active.
type Engine struct {
	mu sync.Mutex

	cfg       config.Config
	transport Transport
	metrics   *metrics.Metrics
	log       glog.Sink
	observer  Observer
	rng       *mrand.Rand

	groups      map[GroupID]*group
	groupsByHash map[uint32][]*group

	inbound chan transport.Datagram
}

func New(cfg config.Config, tr Transport, m *metrics.Metrics, log glog.Sink, obs Observer) *Engine {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = glog.Noop{}
	}
	if obs == nil {
		obs = NoopObserver{}
	}
	return &Engine{
		cfg:          cfg,
		transport:    tr,
		metrics:      m,
		log:          log,
		observer:     obs,
		rng:          mrand.New(mrand.NewSource(1)),
		groups:       make(map[GroupID]*group),
		groupsByHash: make(map[uint32][]*group),
		inbound:      make(chan transport.Datagram, 256),
	}
}

// Lock and Unlock acquire and release the same engine-wide mutex that every
// public operation takes itself. The mutex is not reentrant: a caller
// holding Lock must not call a public operation until it has unlocked.
func (e *Engine) Lock()   { e.mu.Lock() }
func (e *Engine) Unlock() { e.mu.Unlock() }

func (e *Engine) indexGroup(g *group) {
	e.groups[g.id] = g
	e.groupsByHash[g.chatIDHash] = append(e.groupsByHash[g.chatIDHash], g)
}

// findGroupByHash resolves an inbound datagram's 32-bit chatIDHash to a
// locally-known group. chatIDHash collisions across groups in one process
// are vanishingly unlikely, so the first hash match is accepted without
// also checking the full Chat ID here. codec.Open only rechecks the 32-bit
// hash, not the full Chat ID; nothing in the packet is trusted until its
// AEAD opens under the receive key of a link in that group.
func (e *Engine) findGroupByHash(hash uint32) *group {
	list := e.groupsByHash[hash]
	if len(list) == 0 {
		return nil
	}
	return list[0]
}

func toFixed32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

// Run drives the engine's cooperative event loop: inbound datagrams and
// the periodic tick share one goroutine, following the teacher's
// RunWithContext select-over-channels shape.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.EngineTick)
	defer ticker.Stop()
	go e.recvLoop(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dg := <-e.inbound:
			e.mu.Lock()
			e.handleDatagram(ctx, dg)
			e.mu.Unlock()
		case now := <-ticker.C:
			e.mu.Lock()
			e.tick(ctx, now)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) recvLoop(ctx context.Context) {
	if e.transport == nil {
		return
	}
	for {
		dg, err := e.transport.Recv(ctx)
		if err != nil {
			return
		}
		select {
		case e.inbound <- dg:
		case <-ctx.Done():
			return
		}
	}
}

// --- identity helpers ---

func newIdentity() (link.Identity, error) {
	sigPub, sigPriv, err := gcrypto.GenKeypair()
	if err != nil {
		return link.Identity{}, err
	}
	encPub, encPriv, err := gcrypto.GenerateX25519Keypair()
	if err != nil {
		return link.Identity{}, err
	}
	return link.Identity{SigPub: sigPub, SigPriv: sigPriv, EncPub: encPub, EncPriv: encPriv}, nil
}

func hexKey(b []byte) string { return hex.EncodeToString(b) }

// --- public operations: group lifecycle ---

func (e *Engine) CreateGroup(privacy sharedstate.PrivacyState, name, nickname string) (GroupID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(name) > 48 {
		return GroupID{}, groupwireerr.New("create_group", groupwireerr.KindTooLong, nil)
	}
	if nickname == "" {
		return GroupID{}, groupwireerr.New("create_group", groupwireerr.KindEmpty, nil)
	}
	if len(nickname) > maxNickLen {
		return GroupID{}, groupwireerr.New("create_group", groupwireerr.KindTooLong, nil)
	}

	// The Chat ID keypair is the group's own identity (toxcore's
	// chat_public_key/chat_secret_key): it only ever signs SharedState. The
	// founder still needs a separate personal identity keypair for routine
	// signing, the same as every other peer gets from newIdentity.
	groupSigPub, groupSigPriv, err := gcrypto.GenKeypair()
	if err != nil {
		return GroupID{}, groupwireerr.New("create_group", groupwireerr.KindInitFailed, err)
	}
	id := GroupID(toFixed32(groupSigPub))

	self, err := newIdentity()
	if err != nil {
		return GroupID{}, groupwireerr.New("create_group", groupwireerr.KindInitFailed, err)
	}

	g := newGroup(id, e.cfg)
	g.founder = true
	g.groupSigPriv = groupSigPriv
	g.self = self
	g.nick = []byte(nickname)
	g.connected = true

	g.modList = moderation.ModeratorList{}
	ss := sharedstate.SharedState{
		Version:       1,
		FounderPubKey: self.SigPub,
		GroupName:     []byte(name),
		PrivacyState:  privacy,
		MaxPeers:      defaultMaxPeers,
		ModListHash:   g.modList.Hash(),
	}
	ss.Sign(groupSigPriv)
	g.sharedState = ss
	g.hasSharedState = true
	g.dirty = true

	e.indexGroup(g)
	e.observer.OnSelfJoin(id)
	return id, nil
}

// RegisterCandidate feeds the engine an address and long-term encryption
// public key for a peer believed to belong to group id, the bridge from
// the out-of-scope DHT/announce layer (which resolves Chat IDs and friend
// invites to reachable addresses) into the core's handshake machinery.
func (e *Engine) RegisterCandidate(id GroupID, addr string, peerEncPub []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("register_candidate", groupwireerr.KindGroupNotFound, nil)
	}
	g.candidates.Add(addr)
	g.candidateEnc[addr] = peerEncPub
	return nil
}

// JoinByChatID begins joining a group by Chat ID. The caller must already
// have registered at least one candidate address via RegisterCandidate
// (typically fed by the DHT layer resolving the Chat ID); the handshake
// itself is attempted on the next tick.
func (e *Engine) JoinByChatID(id GroupID, password, nickname string) (GroupID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if nickname == "" {
		return GroupID{}, groupwireerr.New("join_by_chat_id", groupwireerr.KindEmpty, nil)
	}
	if _, exists := e.groups[id]; exists {
		return GroupID{}, groupwireerr.New("join_by_chat_id", groupwireerr.KindDuplicate, nil)
	}
	g := newGroup(id, e.cfg)
	ident, err := newIdentity()
	if err != nil {
		return GroupID{}, groupwireerr.New("join_by_chat_id", groupwireerr.KindInitFailed, err)
	}
	g.self = ident
	g.nick = []byte(nickname)
	g.password = []byte(password)
	e.indexGroup(g)
	return id, nil
}

// AcceptInvite decodes a friend-relayed invite cookie (chat id, bootstrap
// address, and the inviter's long-term encryption key — the payload the
// out-of-scope friend-messaging layer is responsible for delivering) and
// joins the referenced group.
func (e *Engine) AcceptInvite(inviteCookie []byte, nickname, password string) (GroupID, error) {
	id, addr, peerEncPub, err := decodeInviteCookie(inviteCookie)
	if err != nil {
		return GroupID{}, groupwireerr.New("accept_invite", groupwireerr.KindBadInvite, err)
	}
	gid, err := e.JoinByChatID(id, password, nickname)
	if err != nil {
		return GroupID{}, err
	}
	if err := e.RegisterCandidate(id, addr, peerEncPub); err != nil {
		return GroupID{}, err
	}
	return gid, nil
}

func decodeInviteCookie(b []byte) (id GroupID, addr string, peerEncPub []byte, err error) {
	if len(b) < 32+2+gcrypto.XPubKeySize {
		return GroupID{}, "", nil, errors.New("engine: truncated invite cookie")
	}
	copy(id[:], b[:32])
	b = b[32:]
	n := int(b[0])<<8 | int(b[1])
	b = b[2:]
	if len(b) < n+gcrypto.XPubKeySize {
		return GroupID{}, "", nil, errors.New("engine: truncated invite cookie address")
	}
	addr = string(b[:n])
	peerEncPub = append([]byte(nil), b[n:n+gcrypto.XPubKeySize]...)
	return id, addr, peerEncPub, nil
}

// EncodeInviteCookie builds the cookie AcceptInvite expects, for use by the
// (out-of-scope) friend-messaging layer when relaying an invite.
func EncodeInviteCookie(id GroupID, addr string, selfEncPub []byte) []byte {
	out := make([]byte, 0, 32+2+len(addr)+len(selfEncPub))
	out = append(out, id[:]...)
	out = append(out, byte(len(addr)>>8), byte(len(addr)))
	out = append(out, []byte(addr)...)
	out = append(out, selfEncPub...)
	return out
}

func (e *Engine) Leave(id GroupID, partMessage string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("leave", groupwireerr.KindGroupNotFound, nil)
	}
	if len(partMessage) > 512 {
		return groupwireerr.New("leave", groupwireerr.KindTooLong, nil)
	}
	e.broadcastLocked(g, bcPeerExit, []byte(partMessage))
	delete(e.groups, id)
	hashList := e.groupsByHash[g.chatIDHash]
	for i, gg := range hashList {
		if gg == g {
			e.groupsByHash[g.chatIDHash] = append(hashList[:i], hashList[i+1:]...)
			break
		}
	}
	return nil
}

func (e *Engine) Disconnect(id GroupID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("disconnect", groupwireerr.KindGroupNotFound, nil)
	}
	if g.manuallyDisconnected {
		return groupwireerr.New("disconnect", groupwireerr.KindAlreadyDisconnected, nil)
	}
	g.manuallyDisconnected = true
	g.connected = false
	g.links = make(map[string]*link.Link)
	g.channels = make(map[string]*channel.Channel)
	return nil
}

func (e *Engine) Reconnect(id GroupID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("reconnect", groupwireerr.KindGroupNotFound, nil)
	}
	g.manuallyDisconnected = false
	g.connected = true
	return nil
}

// --- public operations: messaging ---

func (e *Engine) SendMessage(id GroupID, kind MessageKind, text []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("send_message", groupwireerr.KindGroupNotFound, nil)
	}
	if len(text) == 0 {
		return groupwireerr.New("send_message", groupwireerr.KindEmpty, nil)
	}
	if len(text) > codec.MaxPacketSize {
		return groupwireerr.New("send_message", groupwireerr.KindTooLong, nil)
	}
	if !g.connected {
		return groupwireerr.New("send_message", groupwireerr.KindDisconnected, nil)
	}
	if g.selfRole() == moderation.RoleObserver {
		return groupwireerr.New("send_message", groupwireerr.KindPermissionDenied, nil)
	}
	subtype := byte(bcPlainMessage)
	if kind == MessageAction {
		subtype = bcActionMessage
	}
	e.broadcastLocked(g, subtype, text)
	return nil
}

func (e *Engine) SendPrivate(id GroupID, peerSigPub []byte, kind MessageKind, text []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("send_private", groupwireerr.KindGroupNotFound, nil)
	}
	if len(text) > codec.MaxPacketSize {
		return groupwireerr.New("send_private", groupwireerr.KindTooLong, nil)
	}
	if !g.connected {
		return groupwireerr.New("send_private", groupwireerr.KindDisconnected, nil)
	}
	pv, ok := g.peers[hexKey(peerSigPub)]
	if !ok {
		return groupwireerr.New("send_private", groupwireerr.KindPeerNotFound, nil)
	}
	subtype := byte(bcPrivateMessage)
	if kind == MessageAction {
		subtype = bcPrivateAction
	}
	return e.sendLosslessTo(g, pv, encodeBroadcast(broadcast{Subtype: subtype, Ts: uint64(time.Now().Unix()), Payload: text}))
}

func (e *Engine) SendCustom(id GroupID, reliable bool, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("send_custom", groupwireerr.KindGroupNotFound, nil)
	}
	if len(payload) > codec.MaxPacketSize {
		return groupwireerr.New("send_custom", groupwireerr.KindTooLong, nil)
	}
	if !g.connected {
		return groupwireerr.New("send_custom", groupwireerr.KindDisconnected, nil)
	}
	if reliable {
		e.gossipRaw(g, ptCustomPacket, payload)
		return nil
	}
	for _, pv := range g.peers {
		e.sendLossyTo(g, pv, ptCustomPacket, payload)
	}
	return nil
}

// --- public operations: moderation ---

func (e *Engine) SetRole(id GroupID, peerSigPub []byte, role moderation.Role) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("set_role", groupwireerr.KindGroupNotFound, nil)
	}
	if bytesEqual(peerSigPub, g.self.SigPub) {
		return groupwireerr.New("set_role", groupwireerr.KindSelf, nil)
	}
	if role != moderation.RoleModerator && role != moderation.RoleUser && role != moderation.RoleObserver {
		return groupwireerr.New("set_role", groupwireerr.KindInvalidRole, nil)
	}
	actorRole := g.selfRole()
	targetRole := g.roleOf(peerSigPub)
	if err := moderation.CanIssueSanction(actorRole, targetRole); err != nil && role != moderation.RoleModerator {
		return groupwireerr.New("set_role", groupwireerr.KindPermissionDenied, err)
	}
	if role == moderation.RoleModerator {
		if actorRole != moderation.RoleFounder {
			return groupwireerr.New("set_role", groupwireerr.KindPermissionDenied, nil)
		}
		g.modList = g.modList.Add(peerSigPub)
		// SharedState.ModListHash must reach every peer before the MOD_LIST
		// it now names (spec.md §4.4), so the resign-and-gossip of
		// SharedState always precedes gossipModList.
		e.resignSharedState(g)
		e.gossipModList(g)
		e.broadcastLocked(g, bcSetMod, append([]byte{1}, peerSigPub...))
		e.observer.OnModerationEvent(id, g.self.SigPub, peerSigPub, moderation.RoleModerator)
		return nil
	}
	if targetRole == moderation.RoleModerator {
		g.modList = g.modList.Remove(peerSigPub)
		e.reauthorizeAfterDemotion(g, peerSigPub)
		e.resignSharedState(g)
		e.gossipModList(g)
		e.broadcastLocked(g, bcSetMod, append([]byte{0}, peerSigPub...))
	}
	if role == moderation.RoleObserver {
		s := moderation.Sanction{Type: moderation.SanctionObserver, TargetPubKey: peerSigPub, SourcePubKey: g.self.SigPub, Time: uint64(time.Now().Unix())}
		s.Sign(g.self.SigPriv)
		g.sanctions.Sanctions = append(g.sanctions.Sanctions, s)
		g.sanctions.Version++
		e.gossipSanctions(g)
		e.broadcastLocked(g, bcSetObserver, append([]byte{0}, peerSigPub...))
	}
	if role == moderation.RoleUser && targetRole == moderation.RoleObserver {
		if updated, ok := g.sanctions.RemoveObserver(peerSigPub); ok {
			g.sanctions = updated
			e.gossipSanctions(g)
			e.broadcastLocked(g, bcSetObserver, append([]byte{1}, peerSigPub...))
		}
	}
	e.observer.OnModerationEvent(id, g.self.SigPub, peerSigPub, role)
	return nil
}

func (e *Engine) Kick(id GroupID, peerSigPub []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("kick", groupwireerr.KindGroupNotFound, nil)
	}
	if bytesEqual(peerSigPub, g.self.SigPub) {
		return groupwireerr.New("kick", groupwireerr.KindSelf, nil)
	}
	actorRole := g.selfRole()
	targetRole := g.roleOf(peerSigPub)
	if err := moderation.CanIssueSanction(actorRole, targetRole); err != nil {
		return groupwireerr.New("kick", groupwireerr.KindPermissionDenied, err)
	}
	pv, ok := g.peers[hexKey(peerSigPub)]
	if !ok {
		return groupwireerr.New("kick", groupwireerr.KindPeerNotFound, nil)
	}
	targetEnc := append([]byte(nil), pv.encPub...)
	// Broadcast while the target is still in g.peers so it receives its own
	// notice too (it recognizes its own enc-pk and tears its side down);
	// the local drop happens after the fan-out completes.
	e.broadcastLocked(g, bcKickPeer, targetEnc)
	e.dropPeerLocked(g, peerSigPub, groupwireerr.KindPeerExitKick)
	return nil
}

func (e *Engine) ToggleIgnore(id GroupID, peerSigPub []byte, ignore bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("toggle_ignore", groupwireerr.KindGroupNotFound, nil)
	}
	if bytesEqual(peerSigPub, g.self.SigPub) {
		return groupwireerr.New("toggle_ignore", groupwireerr.KindSelf, nil)
	}
	pv, ok := g.peers[hexKey(peerSigPub)]
	if !ok {
		return groupwireerr.New("toggle_ignore", groupwireerr.KindPeerNotFound, nil)
	}
	pv.ignored = ignore
	return nil
}

// --- public operations: group configuration (founder-only where noted) ---

func (e *Engine) SetTopic(id GroupID, text []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("set_topic", groupwireerr.KindGroupNotFound, nil)
	}
	if !g.connected {
		return groupwireerr.New("set_topic", groupwireerr.KindDisconnected, nil)
	}
	if len(text) > 512 {
		return groupwireerr.New("set_topic", groupwireerr.KindTooLong, nil)
	}
	if err := topic.CanSet(g.selfRole(), g.hasSharedState && g.sharedState.TopicLock); err != nil {
		return groupwireerr.New("set_topic", groupwireerr.KindPermissionDenied, err)
	}
	next := topic.Topic{Version: g.topicInfo.Version + 1, Text: text, SetterPubKey: g.self.SigPub}
	next.Sign(g.self.SigPriv)
	g.topicInfo = next
	g.hasTopic = true
	g.dirty = true
	e.gossipTopic(g)
	e.observer.OnTopicChange(id, text)
	return nil
}

func (e *Engine) requireFounder(g *group, op string) error {
	if g.selfRole() != moderation.RoleFounder {
		return groupwireerr.New(op, groupwireerr.KindNotFounder, nil)
	}
	return nil
}

func (e *Engine) SetPassword(id GroupID, password string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("set_password", groupwireerr.KindGroupNotFound, nil)
	}
	if !g.connected {
		return groupwireerr.New("set_password", groupwireerr.KindDisconnected, nil)
	}
	if len(password) > 32 {
		return groupwireerr.New("set_password", groupwireerr.KindTooLong, nil)
	}
	if err := e.requireFounder(g, "set_password"); err != nil {
		return err
	}
	g.sharedState.Password = []byte(password)
	e.resignSharedState(g)
	e.observer.OnPasswordChange(id)
	return nil
}

func (e *Engine) SetPrivacy(id GroupID, state sharedstate.PrivacyState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("set_privacy", groupwireerr.KindGroupNotFound, nil)
	}
	if !g.connected {
		return groupwireerr.New("set_privacy", groupwireerr.KindDisconnected, nil)
	}
	if err := e.requireFounder(g, "set_privacy"); err != nil {
		return err
	}
	g.sharedState.PrivacyState = state
	e.resignSharedState(g)
	e.observer.OnPrivacyStateChange(id, state)
	return nil
}

func (e *Engine) SetPeerLimit(id GroupID, limit uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return groupwireerr.New("set_peer_limit", groupwireerr.KindGroupNotFound, nil)
	}
	if !g.connected {
		return groupwireerr.New("set_peer_limit", groupwireerr.KindDisconnected, nil)
	}
	if err := e.requireFounder(g, "set_peer_limit"); err != nil {
		return err
	}
	g.sharedState.MaxPeers = limit
	e.resignSharedState(g)
	e.observer.OnPeerLimitChange(id, limit)
	return nil
}

// reauthorizeAfterDemotion implements the founder-demotion invariant
// (spec.md §4.5): every sanctions entry the demoted moderator issued, and
// the topic if the demoted moderator currently holds it, must be re-signed
// by the founder so a late joiner never has to trust a key that is no
// longer authoritative.
func (e *Engine) reauthorizeAfterDemotion(g *group, demotedSigPub []byte) {
	reSigned := false
	for i := range g.sanctions.Sanctions {
		s := &g.sanctions.Sanctions[i]
		if !bytesEqual(s.SourcePubKey, demotedSigPub) {
			continue
		}
		s.SourcePubKey = g.self.SigPub
		s.Sign(g.self.SigPriv)
		reSigned = true
	}
	if reSigned {
		g.sanctions.Version++
		g.sanctions.Credentials = moderation.SanctionsCredentials{Version: g.sanctions.Version, Hash: g.sanctions.ComputeHash()}
		e.gossipSanctions(g)
	}
	if g.hasTopic && bytesEqual(g.topicInfo.SetterPubKey, demotedSigPub) {
		g.topicInfo.Version++
		g.topicInfo.SetterPubKey = g.self.SigPub
		g.topicInfo.Sign(g.self.SigPriv)
		e.gossipTopic(g)
	}
}

func (e *Engine) resignSharedState(g *group) {
	g.sharedState.Version++
	g.sharedState.ModListHash = g.modList.Hash()
	g.sharedState.Sign(g.groupSigPriv)
	g.dirty = true
	e.gossipSharedState(g)
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

// Metrics exposes the engine's operational counters for a status command.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// SelfIdentity returns this node's long-term signature and encryption
// public keys within group id, the pair an out-of-scope friend-messaging
// or DHT-announce layer embeds in an invite or candidate announcement so
// a peer can address a handshake back to us.
func (e *Engine) SelfIdentity(id GroupID) (sigPub, encPub []byte, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return nil, nil, groupwireerr.New("self_identity", groupwireerr.KindGroupNotFound, nil)
	}
	return append([]byte(nil), g.self.SigPub...), append([]byte(nil), g.self.EncPub...), nil
}

// PeerSummary is a read-only snapshot of one confirmed peer's record, the
// fields a member-list UI renders between upcalls.
type PeerSummary struct {
	SigPubKey []byte
	EncPubKey []byte
	Nick      []byte
	Status    byte
	Role      moderation.Role
	Ignored   bool
}

// PeerRoster returns a snapshot of every confirmed peer's current record,
// including its role as derived from the locally-held ModeratorList and
// SanctionsList — the same derivation applyRoleBroadcast uses, but available
// on demand rather than only as a delta upcall, for rendering a member list.
func (e *Engine) PeerRoster(id GroupID) ([]PeerSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return nil, groupwireerr.New("peer_roster", groupwireerr.KindGroupNotFound, nil)
	}
	out := make([]PeerSummary, 0, len(g.peers))
	for _, pv := range g.peers {
		out = append(out, PeerSummary{
			SigPubKey: append([]byte(nil), pv.sigPub...),
			EncPubKey: append([]byte(nil), pv.encPub...),
			Nick:      append([]byte(nil), pv.nick...),
			Status:    pv.status,
			Role:      g.roleOf(pv.sigPub),
			Ignored:   pv.ignored,
		})
	}
	return out, nil
}

// GroupStatus is a read-only snapshot of one group's own state, the fields
// a `status` control-socket command or CLI report renders.
type GroupStatus struct {
	Name         string
	Connected    bool
	SelfRole     moderation.Role
	PeerCount    int
	TopicText    []byte
	TopicVersion uint32
}

// Status returns id's current GroupStatus.
func (e *Engine) Status(id GroupID) (GroupStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return GroupStatus{}, groupwireerr.New("status", groupwireerr.KindGroupNotFound, nil)
	}
	st := GroupStatus{
		Connected: g.connected,
		SelfRole:  g.selfRole(),
		PeerCount: len(g.peers),
	}
	if g.hasSharedState {
		st.Name = string(g.sharedState.GroupName)
	}
	if g.hasTopic {
		st.TopicText = append([]byte(nil), g.topicInfo.Text...)
		st.TopicVersion = g.topicInfo.Version
	}
	return st, nil
}

func (e *Engine) dropPeerLocked(g *group, sigPub []byte, reason groupwireerr.Kind) {
	pv, ok := g.peers[hexKey(sigPub)]
	if !ok {
		return
	}
	delete(g.links, pv.encPubHex)
	delete(g.channels, hexKey(sigPub))
	delete(g.peers, hexKey(sigPub))
	g.confirmed.Remove(sigPub)
	e.metrics.IncLinkEvicted()
	e.observer.OnPeerExit(g.id, sigPub, reason)
}

// persistDirty writes any group whose state changed since the last save.
func (e *Engine) persistDirty(dataDir string) {
	for _, g := range e.groups {
		if !g.dirty || dataDir == "" {
			continue
		}
		snap := persist.Snapshot{
			ManuallyDisconnected: g.manuallyDisconnected,
			ChatID:               append([]byte(nil), g.id[:]...),
			SelfSigPub:           g.self.SigPub,
			SelfSigPriv:          g.self.SigPriv,
			SelfEncPub:           g.self.EncPub,
			SelfEncPriv:          g.self.EncPriv,
			GroupSigPriv:         g.groupSigPriv,
			SharedState:          g.sharedState,
			Topic:                g.topicInfo,
			ModList:              g.modList,
			Self:                 persist.SelfInfo{Nick: g.nick, Role: g.selfRole(), Status: g.status},
		}
		for _, p := range g.peers {
			snap.SavedPeers = append(snap.SavedPeers, persist.SavedPeer{LastAddr: p.addr})
		}
		if err := persist.Save(fmt.Sprintf("%s/%s.group", dataDir, g.id.String()), snap); err != nil {
			e.log.Logf(glog.Warning, "persist group %s: %v", g.id, err)
			continue
		}
		g.dirty = false
	}
}

// InviteReason re-exports the wire reject reasons for callers building UI
// around join_by_chat_id / accept_invite failures.
type InviteReason = link.RejectReason
