package conn

import "sync"

// pipeEnd is one half of an in-memory duplex byte pipe, used by S1-S6's
// loopback scenarios and by node package tests. It has no real open/close
// cost; Open always succeeds once constructed.
type pipeEnd struct {
	putBackQueue

	mu     sync.Mutex
	inbox  []byte
	peer   *pipeEnd
	opened bool
	closed bool
}

// NewPipe creates a connected pair of in-memory Connections, analogous to
// the original implementation's loopback_connection.
func NewPipe() (Connection, Connection) {
	a := &pipeEnd{}
	b := &pipeEnd{}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipeEnd) Open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = true
	p.closed = false
	return true
}

func (p *pipeEnd) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = false
	p.closed = true
	p.clear()
	p.inbox = nil
}

func (p *pipeEnd) Read(dst []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.read(dst)
	if n < len(dst) {
		m := copy(dst[n:], p.inbox)
		p.inbox = p.inbox[m:]
		n += m
	}
	return n
}

func (p *pipeEnd) Write(src []byte) int {
	p.mu.Lock()
	peer := p.peer
	opened := p.opened
	p.mu.Unlock()
	if !opened || peer == nil {
		return 0
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if !peer.opened {
		return 0
	}
	peer.inbox = append(peer.inbox, src...)
	return len(src)
}

func (p *pipeEnd) Flush() bool {
	return true
}

func (p *pipeEnd) Clear() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clear()
	p.inbox = nil
	return true
}

func (p *pipeEnd) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available() + len(p.inbox)
}

func (p *pipeEnd) PutBack(src []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.putBack(src)
}
