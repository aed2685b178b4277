package chat

import "sync"

// Presence is the outcome of probing whether a passphrase names an existing chat.
// A probe starts in PresenceChecking and resolves exactly once.
type Presence interface{ presence() }

type PresenceChecking struct{}

type PresenceExists struct {
	ChatID string
	Name   string
}

type PresenceNotExists struct{}

type PresenceError struct{ Message string }

func (PresenceChecking) presence()  {}
func (PresenceExists) presence()    {}
func (PresenceNotExists) presence() {}
func (PresenceError) presence()     {}

// Probe tracks one presence check.
type Probe struct {
	mu    sync.Mutex
	state *Observable[Presence]
}

func NewProbe() *Probe {
	return &Probe{state: NewObservable[Presence](PresenceChecking{})}
}

func (p *Probe) State() Presence { return p.state.Get() }

func (p *Probe) Subscribe(fn func(Presence)) (cancel func()) { return p.state.Subscribe(fn) }

// Resolve moves a checking probe to a terminal state. It reports false, and
// changes nothing, when the probe already resolved or next is not terminal.
func (p *Probe) Resolve(next Presence) bool {
	if _, checking := next.(PresenceChecking); checking {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, checking := p.state.Get().(PresenceChecking); !checking {
		return false
	}
	p.state.Set(next)
	return true
}
