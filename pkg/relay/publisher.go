package relay

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// Metadata keys and event names on relayed messages.
const (
	MetaStreamID = "stream_id"
	MetaEvent    = "event"
	MetaError    = "error"

	EventOpen  = "open"
	EventChunk = "chunk"
	EventClose = "close"
)

// Publisher forwards stream chunks to a watermill topic, one message per
// open, chunk or close.
type Publisher struct {
	pub   message.Publisher
	topic string
}

func NewPublisher(pub message.Publisher, topic string) *Publisher {
	return &Publisher{pub: pub, topic: topic}
}

func (p *Publisher) Open(id string) error {
	return p.publish(id, EventOpen, nil, "")
}

func (p *Publisher) Chunk(id string, text string) error {
	return p.publish(id, EventChunk, []byte(text), "")
}

func (p *Publisher) Close(id string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return p.publish(id, EventClose, nil, msg)
}

func (p *Publisher) publish(id, event string, payload []byte, errText string) error {
	if p == nil || p.pub == nil {
		return errors.New("relay: no publisher")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetaStreamID, id)
	msg.Metadata.Set(MetaEvent, event)
	if errText != "" {
		msg.Metadata.Set(MetaError, errText)
	}
	return errors.Wrapf(p.pub.Publish(p.topic, msg), "publish %s for %s", event, id)
}
