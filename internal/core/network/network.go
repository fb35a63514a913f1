// Package network carries bus events between hubs. Each hub joins a shared
// topic; a message published by one hub reaches every other hub on it.
package network

// Message is one frame received from another node.
type Message struct {
	Topic   string
	From    string
	Payload []byte
}

// PubSub is a minimal interface for broadcast-style communication between
// nodes. Implementations never deliver a node's own messages back to it.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
	NodeID() string
}
