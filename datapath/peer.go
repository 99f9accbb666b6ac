package datapath

import (
	"net"
	"sync"
)

// PeerCell holds the active peer address, shared and updatable across the
// three datapath activities behind a short-critical-section lock.
type PeerCell struct {
	mu   sync.RWMutex
	addr *net.UDPAddr
}

// NewPeerCell creates a cell, optionally pre-seeded with an initial peer
// (the --peer CLI argument).
func NewPeerCell(initial *net.UDPAddr) *PeerCell {
	return &PeerCell{addr: initial}
}

// Get returns the current peer, or nil if none is known yet.
func (c *PeerCell) Get() *net.UDPAddr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// Roam updates the cell to src if it differs from the current peer, and
// reports whether a change occurred. Callers decide whether to invoke this
// eagerly (before AEAD verification, the default) or only after a
// successful Open (--strict-roam).
func (c *PeerCell) Roam(src *net.UDPAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addr != nil && addrEqual(c.addr, src) {
		return false
	}
	c.addr = src
	return true
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port && a.Zone == b.Zone
}
