package hub

import (
	"sync"
	"sync/atomic"
)

// Connections tracks active hub connections globally and per client IP.
type Connections struct {
	active        atomic.Int64
	total         atomic.Int64
	totalMessages atomic.Int64

	ipConnections map[string]int
	ipMu          sync.Mutex
}

// NewConnections creates an empty tracker.
func NewConnections() *Connections {
	return &Connections{
		ipConnections: make(map[string]int),
	}
}

// Count returns the current number of active connections.
func (c *Connections) Count() int {
	return int(c.active.Load())
}

// CountForIP returns the active connection count for a specific IP.
func (c *Connections) CountForIP(ip string) int {
	c.ipMu.Lock()
	defer c.ipMu.Unlock()
	return c.ipConnections[ip]
}

// TryAcquire atomically checks limits and increments counters.
// Returns "" on success, or a reason string if a limit was hit.
func (c *Connections) TryAcquire(ip string, maxGlobal, maxPerIP int) string {
	c.ipMu.Lock()
	defer c.ipMu.Unlock()

	// Read the atomic under the lock so check and increment cannot interleave.
	if int(c.active.Load()) >= maxGlobal {
		return "max_connections"
	}
	if c.ipConnections[ip] >= maxPerIP {
		return "max_connections_per_ip"
	}

	c.active.Add(1)
	c.total.Add(1)
	c.ipConnections[ip]++
	return ""
}

// Release undoes a successful TryAcquire.
func (c *Connections) Release(ip string) {
	c.active.Add(-1)
	c.ipMu.Lock()
	c.ipConnections[ip]--
	if c.ipConnections[ip] <= 0 {
		delete(c.ipConnections, ip)
	}
	c.ipMu.Unlock()
}

// IncrementMessages counts one handled frame.
func (c *Connections) IncrementMessages() {
	c.totalMessages.Add(1)
}

// Total returns the number of connections accepted since start.
func (c *Connections) Total() int64 {
	return c.total.Load()
}

// TotalMessages returns the number of frames handled since start.
func (c *Connections) TotalMessages() int64 {
	return c.totalMessages.Load()
}
