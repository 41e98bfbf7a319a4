package link

import (
	"sort"
	"sync"

	"github.com/user/bluelink/transport"
)

// PeerList holds discovered peers, one entry per address. A repeated
// sighting refreshes the entry with the latest RSSI.
type PeerList struct {
	mu    sync.RWMutex
	peers map[string]*peerEntry
	seq   int
}

type peerEntry struct {
	peer  transport.PeerEndpoint
	order int
}

// NewPeerList creates an empty list
func NewPeerList() *PeerList {
	return &PeerList{peers: make(map[string]*peerEntry)}
}

// Upsert records a sighting and reports whether the address is new
func (l *PeerList) Upsert(p transport.PeerEndpoint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.peers[p.Address]; ok {
		e.peer.RSSI = p.RSSI
		if p.Name != "" {
			e.peer.Name = p.Name
		}
		return false
	}
	l.peers[p.Address] = &peerEntry{peer: p, order: l.seq}
	l.seq++
	return true
}

// Get returns the entry for address
func (l *PeerList) Get(address string) (transport.PeerEndpoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.peers[address]
	if !ok {
		return transport.PeerEndpoint{}, false
	}
	return e.peer, true
}

// Sorted returns the peers strongest signal first; ties keep discovery order
func (l *PeerList) Sorted() []transport.PeerEndpoint {
	l.mu.RLock()
	entries := make([]*peerEntry, 0, len(l.peers))
	for _, e := range l.peers {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].peer.RSSI != entries[j].peer.RSSI {
			return entries[i].peer.RSSI > entries[j].peer.RSSI
		}
		return entries[i].order < entries[j].order
	})

	out := make([]transport.PeerEndpoint, len(entries))
	for i, e := range entries {
		out[i] = e.peer
	}
	return out
}

// Len returns the number of distinct peers
func (l *PeerList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.peers)
}

// Clear forgets every peer
func (l *PeerList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers = make(map[string]*peerEntry)
	l.seq = 0
}
