package engine

import (
	"context"
	"encoding/binary"
	"strconv"
	"time"

	"groupwire/internal/channel"
	"groupwire/internal/codec"
	"groupwire/internal/gcrypto"
	"groupwire/internal/glog"
	"groupwire/internal/groupsync"
	"groupwire/internal/groupwireerr"
	"groupwire/internal/link"
	"groupwire/internal/moderation"
	"groupwire/internal/peertable"
	"groupwire/internal/sharedstate"
	"groupwire/internal/topic"
	"groupwire/internal/transport"
)

const maxLinkDecryptFailures = 5

// handleDatagram parses one inbound datagram's plaintext outer header,
// resolves it to a locally-known group, and dispatches by outer/group
// packet type. Every failure here drops the packet; handshake and decrypt
// failures are also logged at Warning. Packet processing errors never
// propagate past this call (spec.md §7).
func (e *Engine) handleDatagram(ctx context.Context, dg transport.Datagram) {
	data := dg.Data
	if len(data) < 5+gcrypto.XPubKeySize {
		return
	}
	outer := codec.OuterType(data[0])
	chatHash := binary.BigEndian.Uint32(data[1:5])
	senderEncPub := append([]byte(nil), data[5:5+gcrypto.XPubKeySize]...)

	g := e.findGroupByHash(chatHash)
	if g == nil {
		return
	}

	if outer == codec.Handshake {
		e.handleHandshakeFrame(g, dg, senderEncPub, data)
		return
	}

	l, ok := g.links[hexKey(senderEncPub)]
	if !ok {
		return
	}
	opened, err := codec.Open(data, g.id[:], l.RecvKey)
	if err != nil {
		e.log.Logf(glog.Warning, "engine: open from %s: %v", dg.From, err)
		l.DecryptFailures++
		e.metrics.IncMessagesDropped()
		if l.DecryptFailures >= maxLinkDecryptFailures {
			e.dropPeerLocked(g, l.PeerSigPub, groupwireerr.KindPeerExitSyncError)
		}
		return
	}
	l.DecryptFailures = 0
	l.Addr = dg.From.String() // peers rebind ports across NATs; keep the reply address fresh.
	l.LastProgress = time.Now()

	switch opened.OuterType {
	case codec.Lossless:
		e.handleLossless(g, l, opened)
	case codec.Lossy:
		e.handleLossy(g, l, opened)
	}
}

func (e *Engine) handleHandshakeFrame(g *group, dg transport.Datagram, senderEncPub []byte, data []byte) {
	staticKey, err := link.StaticSharedKey(g.self.EncPriv, senderEncPub)
	if err != nil {
		return
	}
	opened, err := codec.Open(data, g.id[:], staticKey)
	if err != nil {
		return
	}
	addr := dg.From.String()
	switch opened.GroupPacketType {
	case hsInit:
		e.handleHandshakeInit(g, addr, senderEncPub, opened.Payload)
	case hsAck:
		e.handleHandshakeAck(g, senderEncPub, opened.Payload)
	}
}

func (e *Engine) handleHandshakeInit(g *group, addr string, senderEncPub []byte, payload []byte) {
	initMsg, err := link.DecodeInit(payload)
	if err != nil {
		return
	}
	l, existing := g.links[hexKey(senderEncPub)]
	if !existing {
		l = &link.Link{PeerEncPub: senderEncPub}
		g.links[hexKey(senderEncPub)] = l
	}
	l.Addr = addr
	ack, err := l.HandleInit(g.self, initMsg)
	if err != nil {
		e.log.Logf(glog.Warning, "engine: bad handshake init: %v", err)
		return
	}
	staticKey, err := link.StaticSharedKey(g.self.EncPriv, senderEncPub)
	if err != nil {
		return
	}
	e.metrics.IncLinkHandshakeAttempted()
	g.channels[hexKey(l.PeerSigPub)] = channel.New(e.cfg.ChannelMaxAttempts)
	e.sendHandshakeFrame(g, addr, staticKey, hsAck, link.EncodeAck(ack))
}

func (e *Engine) handleHandshakeAck(g *group, senderEncPub []byte, payload []byte) {
	l, ok := g.links[hexKey(senderEncPub)]
	if !ok {
		return
	}
	ackMsg, err := link.DecodeAck(payload)
	if err != nil {
		return
	}
	if err := l.HandleAck(g.self, ackMsg); err != nil {
		e.log.Logf(glog.Warning, "engine: bad handshake ack: %v", err)
		return
	}
	g.channels[hexKey(l.PeerSigPub)] = channel.New(e.cfg.ChannelMaxAttempts)
	// The initiator opens the lossless exchange with an explicit ack of the
	// handshake round-trip, then immediately requests to join.
	_ = e.sendLosslessRaw(g, l, ptHSResponseAck, nil)
	req, err := link.EncodeInviteRequest(link.InviteRequest{Name: g.nick, Password: fixedPassword(g.password)})
	if err != nil {
		return
	}
	_ = e.sendLosslessRaw(g, l, ptInviteRequest, req)
}

func fixedPassword(p []byte) [32]byte {
	var out [32]byte
	copy(out[:], p)
	return out
}

func passwordMatches(groupPassword []byte, candidate [32]byte) bool {
	var want [32]byte
	copy(want[:], groupPassword)
	return want == candidate
}

// --- Lossless outer: channel ordering, then dispatch by group packet type ---

func (e *Engine) handleLossless(g *group, l *link.Link, opened codec.Opened) {
	ch, ok := g.channels[hexKey(l.PeerSigPub)]
	if !ok {
		return
	}
	typed := wrapTyped(opened.GroupPacketType, opened.Payload)
	expected := ch.NextExpected()
	deliverable, dup := ch.HandleIncoming(opened.MessageID, typed)
	switch {
	case opened.MessageID < expected:
		e.sendLossyAckTo(g, l, opened.MessageID, ackTypeRecv)
		e.metrics.IncMessagesDuplicate()
	case opened.MessageID == expected:
		for _, raw := range deliverable {
			gpt, pl, ok := unwrapTyped(raw)
			if !ok {
				continue
			}
			e.dispatchLosslessPacket(g, l, gpt, pl)
		}
		e.sendLossyAckTo(g, l, opened.MessageID, ackTypeRecv)
	default:
		if dup {
			e.metrics.IncMessagesDuplicate()
		} else {
			e.maybeSendAckReq(g, l, expected)
		}
	}
}

func (e *Engine) sendLossyAckTo(g *group, l *link.Link, msgID uint64, ackType byte) {
	e.sealAndSend(g, l, codec.Lossy, ptMessageAck, 0, encodeMessageAck(msgID, ackType))
}

func (e *Engine) maybeSendAckReq(g *group, l *link.Link, expected uint64) {
	key := hexKey(l.PeerEncPub) + ":" + strconv.FormatUint(expected, 10)
	now := time.Now()
	if last, ok := g.ackReqSentAt[key]; ok && now.Sub(last) < time.Second {
		return
	}
	g.ackReqSentAt[key] = now
	e.sendLossyAckTo(g, l, expected, ackTypeReq)
}

func (e *Engine) dispatchLosslessPacket(g *group, l *link.Link, gpt byte, payload []byte) {
	e.metrics.IncMessagesReceived()
	switch gpt {
	case ptHSResponseAck:
		// Arrival alone confirms the handshake round trip; nothing to apply.
	case ptInviteRequest:
		e.handleInviteRequest(g, l, payload)
	case ptInviteResponse:
		e.handleInviteResponse(g, l)
	case ptPeerInfoRequest:
		e.handlePeerInfoRequest(g, l)
	case ptPeerInfoResponse:
		e.handlePeerInfoResponse(g, l, payload)
	case ptBroadcast:
		e.handleBroadcast(g, l, payload)
	case ptSharedState:
		if ss, err := decodeSharedStateWire(payload); err == nil {
			e.applySharedState(g, ss)
		}
	case ptModList:
		if ml, err := decodeModListWire(payload); err == nil {
			e.applyModList(g, ml)
		}
	case ptSanctionsList:
		if sl, err := decodeSanctionsWire(payload); err == nil {
			e.applySanctions(g, sl)
		}
	case ptTopic:
		if t, err := decodeTopicWire(payload); err == nil {
			e.applyTopic(g, t)
		}
	case ptSyncRequest:
		e.handleSyncRequest(g, l, payload)
	case ptSyncResponse:
		e.handleSyncResponse(g, l, payload)
	case ptCustomPacket:
		e.observer.OnCustomPacket(g.id, l.PeerSigPub, payload)
	case ptTCPRelays, ptFriendInvite:
		// Relay-list and friend-invite relaying belong to the DHT/friend
		// layers this engine treats as external collaborators.
	}
}

// --- Lossy outer ---

func (e *Engine) handleLossy(g *group, l *link.Link, opened codec.Opened) {
	switch opened.GroupPacketType {
	case ptPing:
		e.handlePing(g, l, opened.Payload)
	case ptMessageAck:
		e.handleMessageAck(g, l, opened.Payload)
	case ptInviteResponseReject:
		e.handleInviteReject(g, l, opened.Payload)
	case ptCustomPacket:
		e.observer.OnCustomPacket(g.id, l.PeerSigPub, opened.Payload)
	}
}

func (e *Engine) handleMessageAck(g *group, l *link.Link, payload []byte) {
	msgID, ackType, err := decodeMessageAck(payload)
	if err != nil {
		return
	}
	ch, ok := g.channels[hexKey(l.PeerSigPub)]
	if !ok {
		return
	}
	switch ackType {
	case ackTypeRecv:
		ch.HandleAck(msgID)
	case ackTypeReq:
		ch.ForceRetransmit(msgID)
	}
}

func (e *Engine) handleInviteReject(g *group, l *link.Link, payload []byte) {
	reasonByte, err := decodeInviteReject(payload)
	if err != nil {
		return
	}
	kind := groupwireerr.KindJoinFailedUnknown
	switch link.RejectReason(reasonByte) {
	case link.RejectNickTaken:
		kind = groupwireerr.KindNameTaken
	case link.RejectGroupFull:
		kind = groupwireerr.KindPeerLimit
	case link.RejectInvalidPassword:
		kind = groupwireerr.KindInvalidPassword
	}
	delete(g.links, hexKey(l.PeerEncPub))
	delete(g.channels, hexKey(l.PeerSigPub))
	e.observer.OnJoinFail(g.id, kind)
}

// --- INVITE_REQUEST / INVITE_RESPONSE / PEER_INFO_* ---

func (e *Engine) nickTaken(g *group, nick []byte) bool {
	if bytesEqual(g.nick, nick) {
		return true
	}
	for _, pv := range g.peers {
		if bytesEqual(pv.nick, nick) {
			return true
		}
	}
	return false
}

func (e *Engine) sendLossyRejectTo(g *group, l *link.Link, reason link.RejectReason) {
	e.sealAndSend(g, l, codec.Lossy, ptInviteResponseReject, 0, encodeInviteReject(byte(reason)))
}

func (e *Engine) handleInviteRequest(g *group, l *link.Link, payload []byte) {
	req, err := link.DecodeInviteRequest(payload)
	if err != nil {
		return
	}
	reject := func(reason link.RejectReason) {
		e.sendLossyRejectTo(g, l, reason)
		l.State = link.Failed
		delete(g.links, hexKey(l.PeerEncPub))
		delete(g.channels, hexKey(l.PeerSigPub))
	}
	if g.hasSharedState && len(g.sharedState.Password) > 0 && !passwordMatches(g.sharedState.Password, req.Password) {
		reject(link.RejectInvalidPassword)
		return
	}
	if g.hasSharedState && uint16(g.confirmed.Len()) >= g.sharedState.MaxPeers {
		reject(link.RejectGroupFull)
		return
	}
	if e.nickTaken(g, req.Name) {
		reject(link.RejectNickTaken)
		return
	}
	_ = e.sendLosslessRaw(g, l, ptInviteResponse, nil)
	_ = e.sendLosslessRaw(g, l, ptPeerInfoRequest, nil)
}

func (e *Engine) handleInviteResponse(g *group, l *link.Link) {
	_ = e.sendLosslessRaw(g, l, ptPeerInfoRequest, nil)
}

func (e *Engine) handlePeerInfoRequest(g *group, l *link.Link) {
	info := link.PeerInfo{Password: fixedPassword(g.password), Name: g.nick, Status: g.status, Role: byte(g.selfRole())}
	wire, err := link.EncodePeerInfo(info)
	if err != nil {
		return
	}
	_ = e.sendLosslessRaw(g, l, ptPeerInfoResponse, wire)
}

func (e *Engine) handlePeerInfoResponse(g *group, l *link.Link, payload []byte) {
	info, err := link.DecodePeerInfo(payload)
	if err != nil {
		return
	}
	wasConfirmed := l.State == link.Confirmed
	if !wasConfirmed {
		l.State = link.Confirmed
		l.LastPingRecv = time.Now()
		e.metrics.IncLinkConfirmed(hexKey(l.PeerSigPub))
	}
	g.confirmed.Upsert(peertable.ConfirmedPeer{SigPubKey: l.PeerSigPub, EncPubKey: l.PeerEncPub, Nick: info.Name, LastSeen: time.Now()})
	isNew := g.peers[hexKey(l.PeerSigPub)] == nil
	g.peers[hexKey(l.PeerSigPub)] = &peerView{
		encPubHex: hexKey(l.PeerEncPub),
		encPub:    l.PeerEncPub,
		sigPub:    l.PeerSigPub,
		addr:      l.Addr,
		nick:      info.Name,
		status:    info.Status,
	}
	g.dirty = true
	if !isNew {
		return
	}
	e.observer.OnPeerJoin(g.id, l.PeerSigPub)
	if !g.founder && !g.hasSelfJoined {
		g.hasSelfJoined = true
		g.connected = true
		e.observer.OnSelfJoin(g.id)
	}
}

// --- BROADCAST ---

func (e *Engine) peerViewByEncPub(g *group, encPub []byte) *peerView {
	for _, pv := range g.peers {
		if bytesEqual(pv.encPub, encPub) {
			return pv
		}
	}
	return nil
}

func (e *Engine) selfKicked(g *group) {
	g.links = make(map[string]*link.Link)
	g.channels = make(map[string]*channel.Channel)
	g.connected = false
	e.observer.OnPeerExit(g.id, g.self.SigPub, groupwireerr.KindPeerExitKick)
}

func (e *Engine) handleBroadcast(g *group, l *link.Link, payload []byte) {
	bc, err := decodeBroadcast(payload)
	if err != nil {
		return
	}
	if pv, ok := g.peers[hexKey(l.PeerSigPub)]; ok && pv.ignored && bc.Subtype != bcPeerExit && bc.Subtype != bcKickPeer {
		return
	}
	switch bc.Subtype {
	case bcStatus:
		if pv, ok := g.peers[hexKey(l.PeerSigPub)]; ok && len(bc.Payload) == 1 {
			pv.status = bc.Payload[0]
			e.observer.OnStatusChange(g.id, l.PeerSigPub, pv.status)
		}
	case bcNick:
		if pv, ok := g.peers[hexKey(l.PeerSigPub)]; ok {
			pv.nick = bc.Payload
			e.observer.OnNickChange(g.id, l.PeerSigPub, bc.Payload)
		}
	case bcPlainMessage:
		if g.roleOf(l.PeerSigPub) != moderation.RoleObserver {
			e.observer.OnMessage(g.id, l.PeerSigPub, MessageNormal, bc.Payload)
		}
	case bcActionMessage:
		if g.roleOf(l.PeerSigPub) != moderation.RoleObserver {
			e.observer.OnMessage(g.id, l.PeerSigPub, MessageAction, bc.Payload)
		}
	case bcPrivateMessage:
		if g.roleOf(l.PeerSigPub) != moderation.RoleObserver {
			e.observer.OnPrivateMessage(g.id, l.PeerSigPub, MessageNormal, bc.Payload)
		}
	case bcPrivateAction:
		if g.roleOf(l.PeerSigPub) != moderation.RoleObserver {
			e.observer.OnPrivateMessage(g.id, l.PeerSigPub, MessageAction, bc.Payload)
		}
	case bcPeerExit:
		e.dropPeerLocked(g, l.PeerSigPub, groupwireerr.KindPeerExitQuit)
	case bcKickPeer:
		if bytesEqual(bc.Payload, g.self.EncPub) {
			e.selfKicked(g)
			return
		}
		if target := e.peerViewByEncPub(g, bc.Payload); target != nil {
			e.dropPeerLocked(g, target.sigPub, groupwireerr.KindPeerExitKick)
		}
	case bcSetMod, bcSetObserver:
		e.applyRoleBroadcast(g, l, bc)
	}
}

func (e *Engine) applyRoleBroadcast(g *group, l *link.Link, bc broadcast) {
	if len(bc.Payload) < 1+gcrypto.PubKeySize {
		return
	}
	target := append([]byte(nil), bc.Payload[1:1+gcrypto.PubKeySize]...)
	e.observer.OnModerationEvent(g.id, l.PeerSigPub, target, g.roleOf(target))
}

// --- governance gossip application: SHARED_STATE / MOD_LIST / SANCTIONS_LIST / TOPIC ---

func (e *Engine) applySharedState(g *group, ss sharedstate.SharedState) {
	if err := ss.Validate(g.sharedState, g.hasSharedState); err != nil {
		return
	}
	old := g.sharedState
	hadState := g.hasSharedState
	g.sharedState = ss
	g.hasSharedState = true
	g.dirty = true
	if !hadState {
		return
	}
	if old.PrivacyState != ss.PrivacyState {
		e.observer.OnPrivacyStateChange(g.id, ss.PrivacyState)
	}
	if old.MaxPeers != ss.MaxPeers {
		e.observer.OnPeerLimitChange(g.id, ss.MaxPeers)
	}
	if !bytesEqual(old.Password, ss.Password) {
		e.observer.OnPasswordChange(g.id)
	}
}

func (e *Engine) applyModList(g *group, ml moderation.ModeratorList) {
	if ml.Version <= g.modList.Version {
		return
	}
	if g.hasSharedState && ml.Hash() != g.sharedState.ModListHash {
		return
	}
	g.modList = ml
	g.dirty = true
}

func (e *Engine) applySanctions(g *group, sl moderation.SanctionsList) {
	if sl.Version <= g.sanctions.Version {
		return
	}
	for _, s := range sl.Sanctions {
		if !s.Verify() {
			return
		}
	}
	g.sanctions = sl
	g.dirty = true
}

func (e *Engine) applyTopic(g *group, t topic.Topic) {
	locked := g.hasSharedState && g.sharedState.TopicLock
	if err := topic.Validate(t, g.topicInfo, g.hasTopic, g.roleOf(t.SetterPubKey), locked); err != nil {
		return
	}
	g.topicInfo = t
	g.hasTopic = true
	g.dirty = true
	e.observer.OnTopicChange(g.id, t.Text)
}

// --- PING / SYNC_REQUEST / SYNC_RESPONSE ---

func (g *group) localVector() groupsync.VersionVector {
	return groupsync.VersionVector{
		SharedStateVersion: g.sharedState.Version,
		TopicVersion:       g.topicInfo.Version,
		ModListVersion:     g.modList.Version,
		SanctionsVersion:   g.sanctions.Version,
	}
}

func (g *group) peerListEntries() []peerListEntry {
	out := make([]peerListEntry, 0, len(g.peers)+1)
	out = append(out, peerListEntry{SigPubKey: g.self.SigPub, EncPubKey: g.self.EncPub, Nick: g.nick})
	for _, pv := range g.peers {
		out = append(out, peerListEntry{SigPubKey: pv.sigPub, EncPubKey: pv.encPub, Nick: pv.nick, Addr: pv.addr})
	}
	return out
}

func (e *Engine) handlePing(g *group, l *link.Link, payload []byte) {
	l.LastPingRecv = time.Now()
	remote, err := decodePing(payload)
	if err != nil {
		return
	}
	localChecksum := g.confirmed.Checksum()
	// Compare from remote's perspective: a field where remote is strictly
	// newer than local is a field local is missing and must request.
	diff := groupsync.Compare(remote.Vector, g.localVector(), remote.Checksum, localChecksum)
	var flags uint16
	if diff.NeedSharedState || diff.NeedModList || diff.NeedSanctions {
		flags |= syncFlagState
	}
	if diff.NeedTopic {
		flags |= syncFlagTopic
	}
	// Peer-list checksums carry no ordering; only a side whose confirmed
	// count is not larger than the remote's requests, so with equal counts
	// both sides request.
	if diff.NeedPeerList && remote.PeerCount >= uint16(g.confirmed.Len()) {
		flags |= syncFlagPeerList
	}
	if flags == 0 {
		return
	}
	e.sendSyncRequest(g, l, flags)
}

func (e *Engine) sendSyncRequest(g *group, l *link.Link, flags uint16) {
	_ = e.sendLosslessRaw(g, l, ptSyncRequest, encodeSyncRequestFlags(flags, g.password))
	e.metrics.IncSyncRequestsSent()
}

// handleSyncRequest answers a SYNC_REQUEST the same way the governance
// packets are gossiped in the steady state, not with a bundled envelope:
// a STATE-flagged request gets one SHARED_STATE, then one MOD_LIST, then
// one SANCTIONS_LIST; a TOPIC-flagged request gets one TOPIC; a
// PEER_LIST-flagged request gets one SYNC_RESPONSE per peer-announce
// entry (spec.md §4.7 reserves 0xf9 for individual peer announces, never
// a catch-all).
func (e *Engine) handleSyncRequest(g *group, l *link.Link, payload []byte) {
	flags, password, err := decodeSyncRequestFlags(payload)
	if err != nil {
		return
	}
	e.metrics.IncSyncRequestsReceived()
	if g.hasSharedState && len(g.sharedState.Password) > 0 && !passwordMatches(g.sharedState.Password, password) {
		return
	}
	if flags&syncFlagState != 0 {
		_ = e.sendLosslessRaw(g, l, ptSharedState, encodeSharedStateWire(g.sharedState))
		_ = e.sendLosslessRaw(g, l, ptModList, encodeModListWire(g.modList))
		_ = e.sendLosslessRaw(g, l, ptSanctionsList, encodeSanctionsWire(g.sanctions))
	}
	if flags&syncFlagTopic != 0 && g.hasTopic {
		_ = e.sendLosslessRaw(g, l, ptTopic, encodeTopicWire(g.topicInfo))
	}
	if flags&syncFlagPeerList != 0 {
		for _, pe := range g.peerListEntries() {
			_ = e.sendLosslessRaw(g, l, ptSyncResponse, encodePeerListWire([]peerListEntry{pe}))
			e.metrics.IncSyncPeerListPushed()
		}
	}
}

// handleSyncResponse applies one peer-announce entry arriving as the
// answer to a PEER_LIST-flagged SYNC_REQUEST; SHARED_STATE, MOD_LIST,
// SANCTIONS_LIST, and TOPIC answers arrive as their own packet types and
// are applied by dispatchLosslessPacket's ptSharedState/ptModList/
// ptSanctionsList/ptTopic cases, the same path steady-state gossip uses.
func (e *Engine) handleSyncResponse(g *group, l *link.Link, payload []byte) {
	entries, err := decodePeerListWire(payload)
	if err != nil {
		return
	}
	e.applyPeerList(g, entries)
}

// applyPeerList records every peer a SYNC_RESPONSE peer-list names and, for
// any with a usable address we have no link to yet, feeds that address into
// the same candidate pool the tick loop drains for outbound handshakes —
// spec.md §4.7: "the requester uses each peer-announce to initiate
// handshakes with peers it does not yet know."
func (e *Engine) applyPeerList(g *group, entries []peerListEntry) {
	for _, pe := range entries {
		if bytesEqual(pe.SigPubKey, g.self.SigPub) {
			continue
		}
		g.knownEnc[hexKey(pe.EncPubKey)] = pe.SigPubKey
		if pe.Addr == "" || e.hasLinkToAddr(g, pe.Addr) {
			continue
		}
		g.candidates.Add(pe.Addr)
		g.candidateEnc[pe.Addr] = pe.EncPubKey
	}
}
