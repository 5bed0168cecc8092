package identity

import (
	"slices"
	"sync"

	"github.com/hatemosphere/agency-console/internal/auth"
)

// hub tracks per-client identity state and delivers changes to subscribers.
type hub struct {
	mu      sync.Mutex
	clients map[string]*clientState
}

func newHub() *hub {
	return &hub{clients: make(map[string]*clientState)}
}

// client returns the state for id, starting its dispatcher on first use.
func (h *hub) client(id string) *clientState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		return c
	}
	c := &clientState{
		id:        id,
		listeners: make(map[int]Listener),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	h.clients[id] = c
	go c.dispatch()
	return c
}

func (h *hub) release(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		c.stop()
	}
}

// signedIn returns the clients that currently hold an identity.
func (h *hub) signedIn() []*clientState {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*clientState
	for _, c := range h.clients {
		if c.current() != nil {
			out = append(out, c)
		}
	}
	return out
}

func (h *hub) close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*clientState)
	h.mu.Unlock()
	for _, c := range clients {
		c.stop()
	}
}

type notification struct {
	identity *auth.Identity
	targets  []int // listener IDs subscribed when the change happened
}

// clientState holds one client's identity. A single dispatcher goroutine
// drains an unbounded queue, so a slow listener delays later notifications
// for that client but never blocks the provider.
type clientState struct {
	id string

	mu        sync.Mutex
	identity  *auth.Identity
	listeners map[int]Listener
	nextID    int
	queue     []notification
	stopped   bool

	wake chan struct{}
	done chan struct{}
}

func (c *clientState) current() *auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *clientState) subscribe(fn Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.enqueueLocked(notification{identity: c.identity, targets: []int{id}})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// set replaces the identity and notifies subscribers. Signing out a client
// that is already signed out is not a transition and notifies nobody.
func (c *clientState) set(id *auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(id)
}

// replace swaps the identity only if it is still old. It reports whether the
// swap happened.
func (c *clientState) replace(old, id *auth.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != old {
		return false
	}
	c.setLocked(id)
	return true
}

func (c *clientState) setLocked(id *auth.Identity) {
	if id == nil && c.identity == nil {
		return
	}
	c.identity = id
	targets := make([]int, 0, len(c.listeners))
	for lid := range c.listeners {
		targets = append(targets, lid)
	}
	slices.Sort(targets)
	c.enqueueLocked(notification{identity: id, targets: targets})
}

func (c *clientState) enqueueLocked(n notification) {
	if c.stopped || len(n.targets) == 0 {
		return
	}
	c.queue = append(c.queue, n)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *clientState) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if c.stopped || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			n := c.queue[0]
			c.queue = c.queue[1:]
			fns := make([]Listener, 0, len(n.targets))
			for _, lid := range n.targets {
				if fn, ok := c.listeners[lid]; ok {
					fns = append(fns, fn)
				}
			}
			c.mu.Unlock()

			for _, fn := range fns {
				fn(n.identity)
			}
		}
	}
}

func (c *clientState) stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.queue = nil
	c.listeners = make(map[int]Listener)
	c.mu.Unlock()
	close(c.done)
}
