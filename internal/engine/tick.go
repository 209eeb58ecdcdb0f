package engine

import (
	"context"
	"time"

	"groupwire/internal/codec"
	"groupwire/internal/glog"
	"groupwire/internal/groupwireerr"
	"groupwire/internal/link"
)

// tick drives every per-group periodic duty: handshake initiation against
// known candidates, draining each link's LosslessChannel for (re)transmission,
// due PINGs, timeout eviction, and persistence — grounded on the teacher's
// connman Tick (internal/daemon/connman.go).
func (e *Engine) tick(ctx context.Context, now time.Time) {
	for _, g := range e.groups {
		// A joiner is not connected until its first PEER_INFO exchange, so
		// it is still driven here; a member that was kicked is not.
		if g.manuallyDisconnected || (!g.connected && g.hasSelfJoined) {
			continue
		}
		e.advanceHandshakes(g)
		e.tickChannels(g, now)
		e.sendDuePings(g, now)
		e.evictTimedOut(g, now)
	}
	e.persistDirty(e.cfg.DataDir)
}

func (e *Engine) hasLinkToAddr(g *group, addr string) bool {
	for _, l := range g.links {
		if l.Addr == addr && l.State != link.Failed {
			return true
		}
	}
	return false
}

func (e *Engine) advanceHandshakes(g *group) {
	for _, addr := range g.candidates.List() {
		if e.hasLinkToAddr(g, addr) {
			continue
		}
		peerEncPub := g.candidateEnc[addr]
		if len(peerEncPub) == 0 {
			continue
		}
		e.initiateHandshake(g, addr, peerEncPub)
	}
}

func (e *Engine) initiateHandshake(g *group, addr string, peerEncPub []byte) {
	l := &link.Link{PeerEncPub: peerEncPub, Addr: addr, Initiator: true}
	initMsg, err := l.BuildInit(g.self)
	if err != nil {
		e.log.Logf(glog.Warning, "engine: build handshake init: %v", err)
		return
	}
	staticKey, err := link.StaticSharedKey(g.self.EncPriv, peerEncPub)
	if err != nil {
		e.log.Logf(glog.Warning, "engine: static shared key: %v", err)
		return
	}
	g.links[hexKey(peerEncPub)] = l
	e.metrics.IncLinkHandshakeAttempted()
	e.sendHandshakeFrame(g, addr, staticKey, hsInit, link.EncodeInit(initMsg))
}

func (e *Engine) linkBySigHex(g *group, sigHex string) *link.Link {
	for _, l := range g.links {
		if hexKey(l.PeerSigPub) == sigHex {
			return l
		}
	}
	return nil
}

func (e *Engine) tickChannels(g *group, now time.Time) {
	for sigHex, ch := range g.channels {
		l := e.linkBySigHex(g, sigHex)
		if l == nil || l.Addr == "" {
			continue
		}
		toSend, failed := ch.Tick(now, e.rng)
		for _, p := range toSend {
			gpt, payload, ok := unwrapTyped(p.Payload)
			if !ok {
				continue
			}
			e.sealAndSend(g, l, codec.Lossless, gpt, p.MessageID, payload)
			if p.Attempt > 1 {
				e.metrics.IncMessagesRetransmitted()
			}
		}
		if len(failed) > 0 {
			e.metrics.IncLinkFailed()
			l.State = link.Failed
			e.dropPeerLocked(g, l.PeerSigPub, groupwireerr.KindPeerExitSyncError)
		}
	}
}

func (e *Engine) sendDuePings(g *group, now time.Time) {
	payload := encodePing(pingPayload{
		Checksum:  g.confirmed.Checksum(),
		PeerCount: uint16(g.confirmed.Len()),
		Vector:    g.localVector(),
	})
	for _, pv := range g.peers {
		l, ok := g.links[pv.encPubHex]
		if !ok || l.State != link.Confirmed {
			continue
		}
		if now.Sub(l.LastPingSent) < e.cfg.PingInterval {
			continue
		}
		l.LastPingSent = now
		e.sendLossyTo(g, pv, ptPing, payload)
	}
}

func (e *Engine) evictTimedOut(g *group, now time.Time) {
	for encHex, l := range g.links {
		if l.State == link.Confirmed {
			if now.Sub(l.LastPingRecv) > e.cfg.LinkConfirmedTimeout {
				delete(g.links, encHex)
				e.dropPeerLocked(g, l.PeerSigPub, groupwireerr.KindPeerExitTimeout)
			}
			continue
		}
		if now.Sub(l.LastProgress) > e.cfg.LinkUnconfirmedTimeout {
			delete(g.links, encHex)
			delete(g.channels, hexKey(l.PeerSigPub))
		}
	}
}
