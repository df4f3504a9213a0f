package hit

import "sync"

// Task is one step of hit processing.
type Task func(m *Model) error

// Interceptor wraps the next task. It may change the model before or after
// calling next, or return without calling it to stop the hit.
type Interceptor func(next Task) Task

// Chain is the ordered interceptor list for one named task. The most
// recently added interceptor runs first and the base task runs last.
type Chain struct {
	name string
	base Task

	mu      sync.Mutex
	entries []*Handle
}

// Handle identifies one interceptor in a Chain.
type Handle struct {
	chain *Chain
	ic    Interceptor
	once  sync.Once
}

// NewChain creates a chain around base. A nil base is a no-op task.
func NewChain(name string, base Task) *Chain {
	if base == nil {
		base = func(*Model) error { return nil }
	}
	return &Chain{name: name, base: base}
}

func (c *Chain) Name() string {
	return c.name
}

// Add installs ic as the outermost interceptor.
func (c *Chain) Add(ic Interceptor) *Handle {
	h := &Handle{chain: c, ic: ic}
	c.mu.Lock()
	c.entries = append(c.entries, h)
	c.mu.Unlock()
	return h
}

// Remove takes the interceptor out of its chain. The remaining
// interceptors keep their relative order.
func (h *Handle) Remove() {
	h.once.Do(func() {
		c := h.chain
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.entries {
			if e == h {
				c.entries = append(c.entries[:i:i], c.entries[i+1:]...)
				return
			}
		}
	})
}

// Len returns the number of installed interceptors.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Compose returns the chain as a single task using the interceptors
// installed right now.
func (c *Chain) Compose() Task {
	c.mu.Lock()
	entries := append([]*Handle(nil), c.entries...)
	c.mu.Unlock()

	t := c.base
	for _, e := range entries {
		t = e.ic(t)
	}
	return t
}

// Run composes the chain and runs it on m.
func (c *Chain) Run(m *Model) error {
	return c.Compose()(m)
}
