package peerlink

import (
	"sync"
	"time"
)

// pending holds sent messages that await correlated input. An entry is
// removed on its first correlated delivery, when forgotten, when its
// window expires, or when the connection closes.
type pending struct {
	mu      sync.Mutex
	entries map[string]*Message
	closed  bool
}

func newPending() *pending {
	return &pending{entries: make(map[string]*Message)}
}

func (p *pending) add(msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrConnectionClosed
	}
	p.entries[msg.ID] = msg
	return nil
}

// deliver routes msg to the entry named by msg.To and settles that entry.
// It returns the entry, or nil when nothing awaits msg.
func (p *pending) deliver(msg *Message) *Message {
	if msg.To == "" {
		return nil
	}

	p.mu.Lock()
	target, ok := p.entries[msg.To]
	if ok {
		delete(p.entries, msg.To)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	target.deliver(msg)
	target.settle()
	return target
}

func (p *pending) remove(id string) {
	p.mu.Lock()
	msg, ok := p.entries[id]
	delete(p.entries, id)
	p.mu.Unlock()

	if ok {
		msg.settle()
	}
}

// expire forgets the entry for id after d unless it settled earlier.
func (p *pending) expire(id string, d time.Duration) {
	time.AfterFunc(d, func() { p.remove(id) })
}

func (p *pending) closeAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*Message)
	p.closed = true
	p.mu.Unlock()

	for _, msg := range entries {
		msg.settle()
	}
}

func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
