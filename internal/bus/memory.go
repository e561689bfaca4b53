package bus

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Transport. Delivery is synchronous and in publish
// order, which makes it the reference transport for the sync protocol tests.
type Memory struct {
	mu   sync.Mutex
	subs map[int]Handler
	next int
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]Handler)}
}

func (m *Memory) Publish(_ context.Context, payload []byte) error {
	m.mu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	// Stable delivery order: subscription order.
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.subs[id])
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (m *Memory) Subscribe(h Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.subs[id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}

// MemoryConnector shares Memory channels by name within one process.
type MemoryConnector struct {
	mu       sync.Mutex
	channels map[string]*Memory
}

func NewMemoryConnector() *MemoryConnector {
	return &MemoryConnector{channels: make(map[string]*Memory)}
}

func (c *MemoryConnector) Channel(name string) Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[name]
	if !ok {
		ch = NewMemory()
		c.channels[name] = ch
	}
	return ch
}
