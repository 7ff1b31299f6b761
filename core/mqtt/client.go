package mqtt

// Handler receives a message delivered on a subscribed topic. Transports call
// it from their own goroutines; implementations must not block.
type Handler func(topic string, payload []byte)

// Publisher publishes a payload on a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Client is the publish/subscribe capability held by every agent. Delivery is
// at-least-once per topic with no ordering across topics.
type Client interface {
	Publisher
	// Subscribe registers h for topic. Subscriptions survive reconnects.
	Subscribe(topic string, h Handler) error
	Close() error
}
