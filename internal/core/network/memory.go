package network

import (
	"sync"
)

// MemoryPubSub is a process-local gossip fabric used for tests and
// single-process clusters. Nodes attach with Node.
type MemoryPubSub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]memorySub
}

type memorySub struct {
	node string
	ch   chan Message
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[int]memorySub)}
}

// Node returns the PubSub view of the fabric for node id.
func (m *MemoryPubSub) Node(id string) PubSub {
	return &memoryNode{fabric: m, id: id}
}

func (m *MemoryPubSub) publish(from, topic string, payload []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs[topic] {
		if sub.node == from {
			continue
		}
		msg := Message{Topic: topic, From: from, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		default:
			// Non-blocking send to avoid one slow node stalling all publishers.
		}
	}
}

func (m *MemoryPubSub) subscribe(node, topic string) (<-chan Message, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[int]memorySub)
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, 64)
	m.subs[topic][id] = memorySub{node: node, ch: ch}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subsByTopic, ok := m.subs[topic]; ok {
			if sub, exists := subsByTopic[id]; exists {
				delete(subsByTopic, id)
				close(sub.ch)
			}
			if len(subsByTopic) == 0 {
				delete(m.subs, topic)
			}
		}
	}
	return ch, cancel
}

type memoryNode struct {
	fabric *MemoryPubSub
	id     string
}

func (n *memoryNode) NodeID() string { return n.id }

func (n *memoryNode) Publish(topic string, payload []byte) error {
	n.fabric.publish(n.id, topic, payload)
	return nil
}

func (n *memoryNode) Subscribe(topic string) (<-chan Message, func(), error) {
	ch, cancel := n.fabric.subscribe(n.id, topic)
	return ch, cancel, nil
}
