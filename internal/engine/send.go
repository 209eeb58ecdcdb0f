package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"groupwire/internal/codec"
	"groupwire/internal/gcrypto"
	"groupwire/internal/glog"
	"groupwire/internal/link"
)

var errNotConnected = errors.New("engine: peer not connected")

func randNonce() ([]byte, error) {
	b := make([]byte, gcrypto.XNonceSize)
	_, err := rand.Read(b)
	return b, err
}

// wrapTyped/unwrapTyped prepend the group packet type to a payload before
// it enters a LosslessChannel's send/receive windows, since the channel's
// reorder buffer otherwise has nowhere to remember what kind of packet each
// buffered message id carries.
func wrapTyped(groupPacketType byte, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, groupPacketType)
	return append(out, payload...)
}

func unwrapTyped(b []byte) (groupPacketType byte, payload []byte, ok bool) {
	if len(b) < 1 {
		return 0, nil, false
	}
	return b[0], b[1:], true
}

// sealAndSend wraps one outgoing frame in the codec and hands it to the
// transport, logging and dropping on failure rather than surfacing an error
// to whichever public operation triggered it (§7: packet-processing errors
// never propagate to the caller).
func (e *Engine) sealAndSend(g *group, l *link.Link, outer codec.OuterType, groupPacketType byte, msgID uint64, payload []byte) {
	nonce, err := randNonce()
	if err != nil {
		e.log.Logf(glog.Warning, "engine: nonce generation failed: %v", err)
		return
	}
	data, err := codec.Seal(outer, g.id[:], g.self.EncPub, nonce, l.SendKey, groupPacketType, msgID, payload)
	if err != nil {
		e.log.Logf(glog.Warning, "engine: seal type=0x%02x: %v", groupPacketType, err)
		return
	}
	if e.transport == nil || l.Addr == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.transport.Send(ctx, l.Addr, data); err != nil {
		e.log.Logf(glog.Warning, "engine: send to %s: %v", l.Addr, err)
		return
	}
	e.metrics.IncMessagesSent()
}

// sendHandshakeFrame seals with the pre-session static shared key instead
// of a link's (not yet derived) session key, used only for the initial
// Init/Ack exchange.
func (e *Engine) sendHandshakeFrame(g *group, addr string, staticKey []byte, groupPacketType byte, payload []byte) {
	nonce, err := randNonce()
	if err != nil {
		e.log.Logf(glog.Warning, "engine: nonce generation failed: %v", err)
		return
	}
	data, err := codec.Seal(codec.Handshake, g.id[:], g.self.EncPub, nonce, staticKey, groupPacketType, 0, payload)
	if err != nil {
		e.log.Logf(glog.Warning, "engine: seal handshake: %v", err)
		return
	}
	if e.transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = e.transport.Send(ctx, addr, data)
}

// sendLossyTo seals and sends immediately, with no retry: the lossy
// channel's whole point is best-effort delivery.
func (e *Engine) sendLossyTo(g *group, pv *peerView, groupPacketType byte, payload []byte) {
	l, ok := g.links[pv.encPubHex]
	if !ok {
		return
	}
	e.sealAndSend(g, l, codec.Lossy, groupPacketType, 0, payload)
}

// sendLosslessRaw enqueues a typed frame on the link's channel; Tick drains
// the channel and performs the actual (re)transmission, so every lossless
// send — first attempt included — goes through one retry/backoff path.
func (e *Engine) sendLosslessRaw(g *group, l *link.Link, groupPacketType byte, payload []byte) error {
	ch, ok := g.channels[hexKey(l.PeerSigPub)]
	if !ok {
		return errNotConnected
	}
	ch.Send(wrapTyped(groupPacketType, payload), time.Now())
	return nil
}

// sendLosslessTo is the messaging-layer convenience used by callers that
// already hold a peerView (broadcast fan-out, private messages, kicks):
// every caller here sends an already-encoded BROADCAST body.
func (e *Engine) sendLosslessTo(g *group, pv *peerView, broadcastPayload []byte) error {
	l, ok := g.links[pv.encPubHex]
	if !ok || l.State != link.Confirmed {
		return errNotConnected
	}
	return e.sendLosslessRaw(g, l, ptBroadcast, broadcastPayload)
}

// broadcastLocked fans one BROADCAST subtype out to every confirmed peer,
// one lossless packet per peer (spec.md §4.8: sender-driven, no multicast).
func (e *Engine) broadcastLocked(g *group, subtype byte, payload []byte) {
	bc := encodeBroadcast(broadcast{Subtype: subtype, Ts: uint64(time.Now().Unix()), Payload: payload})
	for _, pv := range g.peers {
		_ = e.sendLosslessTo(g, pv, bc)
	}
}

// gossipRaw pushes a governance packet (MOD_LIST, SANCTIONS_LIST, TOPIC,
// SHARED_STATE) to every confirmed peer.
func (e *Engine) gossipRaw(g *group, groupPacketType byte, payload []byte) {
	for _, pv := range g.peers {
		l, ok := g.links[pv.encPubHex]
		if !ok || l.State != link.Confirmed {
			continue
		}
		_ = e.sendLosslessRaw(g, l, groupPacketType, payload)
	}
}

func (e *Engine) gossipSharedState(g *group) { e.gossipRaw(g, ptSharedState, encodeSharedStateWire(g.sharedState)) }
func (e *Engine) gossipModList(g *group)     { e.gossipRaw(g, ptModList, encodeModListWire(g.modList)) }
func (e *Engine) gossipSanctions(g *group)   { e.gossipRaw(g, ptSanctionsList, encodeSanctionsWire(g.sanctions)) }
func (e *Engine) gossipTopic(g *group)       { e.gossipRaw(g, ptTopic, encodeTopicWire(g.topicInfo)) }
