package usbip

import "sync"

// barrier is a single-use rendezvous: wait returns once size
// contributions have arrived. Contributions beyond size pass through.
type barrier struct {
	mu      sync.Mutex
	size    int
	arrived int
	release chan struct{}
}

func newBarrier(size int) *barrier {
	return &barrier{size: size, release: make(chan struct{})}
}

// arrive contributes to the rendezvous without blocking.
func (b *barrier) arrive() {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.size {
		close(b.release)
	}
	b.mu.Unlock()
}

// wait contributes to the rendezvous and blocks until it completes.
func (b *barrier) wait() {
	b.arrive()
	<-b.release
}

// pauseGate quiesces connection loops while the device list mutates.
// Connection loops register with add/remove and call wait before every
// command read; a mutator calls pause, applies its change, and calls
// resume.
//
// The rendezvous is sized to the registered connection count plus the
// mutator and is single-use, so it is created inside the pause window
// rather than during normal operation. Registration is blocked while
// the gate is closed, so every arrival belongs to a counted
// connection; once pause returns, every registered connection is
// parked between commands and no URB is in flight.
type pauseGate struct {
	mu      sync.Mutex
	conns   int
	paused  bool
	resumed chan struct{} // closed whenever the gate is open
	barrier *barrier
}

func newPauseGate() *pauseGate {
	resumed := make(chan struct{})
	close(resumed)
	return &pauseGate{resumed: resumed}
}

// add registers a connection loop with the gate. Registration waits out
// any in-progress mutation: a connection that registered after the
// rendezvous was sized must never arrive at it, or its extra arrival
// could release the mutator while an older connection still has a URB
// in flight.
func (g *pauseGate) add() {
	for {
		g.mu.Lock()
		if !g.paused {
			g.conns++
			g.mu.Unlock()
			return
		}
		resumed := g.resumed
		g.mu.Unlock()
		<-resumed
	}
}

// remove deregisters a connection loop. A connection that terminates
// while a mutation is waiting contributes its arrival on the way out, so
// the mutator never waits for a connection that no longer exists.
func (g *pauseGate) remove() {
	g.mu.Lock()
	g.conns--
	var b *barrier
	if g.paused {
		b = g.barrier
	}
	g.mu.Unlock()
	if b != nil {
		b.arrive()
	}
}

// wait parks the calling connection while a mutation is in progress: it
// arrives at the rendezvous, then blocks until the pause signal clears.
func (g *pauseGate) wait() {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return
	}
	b, resumed := g.barrier, g.resumed
	g.mu.Unlock()
	b.wait()
	<-resumed
}

// pause asserts the pause signal and rendezvouses with every live
// connection. A connection that is mid-command arrives once its current
// URB completes.
func (g *pauseGate) pause() {
	g.mu.Lock()
	g.paused = true
	g.resumed = make(chan struct{})
	b := newBarrier(g.conns + 1)
	g.barrier = b
	g.mu.Unlock()
	b.wait()
}

// resume clears the pause signal and releases every parked connection.
func (g *pauseGate) resume() {
	g.mu.Lock()
	g.barrier = nil
	g.paused = false
	close(g.resumed)
	g.mu.Unlock()
}
