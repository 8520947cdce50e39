package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"
)

// DefaultTopic receives data job lifecycle events.
const DefaultTopic = "datajob.events"

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQNotifier publishes events as JSON messages on an NSQ topic.
type NSQNotifier struct {
	pub   Publisher
	topic string
}

func NewNSQNotifier(pub Publisher, topic string) *NSQNotifier {
	if topic == "" {
		topic = DefaultTopic
	}
	return &NSQNotifier{pub: pub, topic: topic}
}

// NewNSQProducer connects a producer to nsqd at addr.
func NewNSQProducer(addr string) (*nsq.Producer, error) {
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("create nsq producer: %w", err)
	}
	return producer, nil
}

func (n *NSQNotifier) Notify(_ context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.pub.Publish(n.topic, body); err != nil {
		return fmt.Errorf("publish to %s: %w", n.topic, err)
	}
	return nil
}
