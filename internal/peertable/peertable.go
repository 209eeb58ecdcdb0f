// Package peertable implements the group's peer table: a bounded,
// TTL-evicting pool of candidate peers awaiting a handshake plus a
// confirmed-peer map keyed by signature public key, grounded directly on
// internal/peer/candidate.go's CandidatePool (LRU via container/list, TTL
// pruning on every access) and internal/peer/store.go's confirmed-peer
// bookkeeping.
package peertable

import (
	"bytes"
	"container/list"
	"sort"
	"sync"
	"time"

	"groupwire/internal/groupsync"
)

const (
	DefaultCandidateCap = 256
	DefaultCandidateTTL = 10 * time.Minute
	DefaultConfirmedMax = 100
)

// CandidatePool holds not-yet-confirmed peers' announced transport addresses,
// each peer's announced transport address,
// kept only long enough to attempt a handshake against it.
type CandidatePool struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	hot   map[string]*list.Element
	order *list.List
}

type candidateEntry struct {
	addr      string
	expiresAt time.Time
}

func NewCandidatePool(capacity int, ttl time.Duration) *CandidatePool {
	if capacity <= 0 {
		capacity = DefaultCandidateCap
	}
	if ttl <= 0 {
		ttl = DefaultCandidateTTL
	}
	return &CandidatePool{cap: capacity, ttl: ttl, hot: make(map[string]*list.Element), order: list.New()}
}

func (c *CandidatePool) Add(addr string) {
	if addr == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	if el, ok := c.hot[addr]; ok {
		el.Value.(*candidateEntry).expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	if c.cap > 0 && len(c.hot) >= c.cap {
		c.evictLocked(len(c.hot) - c.cap + 1)
	}
	el := c.order.PushFront(&candidateEntry{addr: addr, expiresAt: time.Now().Add(c.ttl)})
	c.hot[addr] = el
}

func (c *CandidatePool) Has(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	_, ok := c.hot[addr]
	return ok
}

func (c *CandidatePool) List() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	out := make([]string, 0, len(c.hot))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*candidateEntry).addr)
	}
	return out
}

func (c *CandidatePool) pruneLocked() {
	now := time.Now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*candidateEntry)
		if ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(c.hot, ent.addr)
		c.order.Remove(el)
		el = prev
	}
}

func (c *CandidatePool) evictLocked(n int) {
	for n > 0 {
		el := c.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*candidateEntry)
		delete(c.hot, ent.addr)
		c.order.Remove(el)
		n--
	}
}

// ConfirmedPeer is one peer the engine has a live, handshaken link with.
type ConfirmedPeer struct {
	SigPubKey    []byte
	EncPubKey    []byte
	Nick         []byte
	LastSeen     time.Time
}

// ConfirmedTable tracks every peer this group member currently has a
// confirmed PeerLink with, bounded by the max given to NewConfirmedTable
// (DefaultConfirmedMax when that is not positive) to cap per-group memory
// regardless of how many peers attempt to join.
type ConfirmedTable struct {
	mu    sync.Mutex
	max   int
	peers map[string]*ConfirmedPeer
}

func NewConfirmedTable(max int) *ConfirmedTable {
	if max <= 0 {
		max = DefaultConfirmedMax
	}
	return &ConfirmedTable{max: max, peers: make(map[string]*ConfirmedPeer)}
}

func (t *ConfirmedTable) key(sigPubKey []byte) string { return string(sigPubKey) }

func (t *ConfirmedTable) Upsert(p ConfirmedPeer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.key(p.SigPubKey)
	if _, exists := t.peers[k]; !exists && len(t.peers) >= t.max {
		return false
	}
	cp := p
	t.peers[k] = &cp
	return true
}

func (t *ConfirmedTable) Remove(sigPubKey []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, t.key(sigPubKey))
}

func (t *ConfirmedTable) Get(sigPubKey []byte) (ConfirmedPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[t.key(sigPubKey)]
	if !ok {
		return ConfirmedPeer{}, false
	}
	return *p, true
}

func (t *ConfirmedTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// List returns every confirmed peer sorted by signature public key, the
// canonical order the checksum and any peer-list gossip payload use.
func (t *ConfirmedTable) List() []ConfirmedPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ConfirmedPeer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].SigPubKey, out[j].SigPubKey) < 0 })
	return out
}

// Checksum computes the peer-list checksum groupsync compares across peers
// to detect divergence without transferring the full list.
func (t *ConfirmedTable) Checksum() uint16 {
	peers := t.List()
	keys := make([][]byte, 0, len(peers))
	for _, p := range peers {
		keys = append(keys, p.SigPubKey)
	}
	return groupsync.PeerListChecksum(keys)
}
