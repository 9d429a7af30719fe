package relay

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Sink receives relayed stream events. engine.Sink implements it.
type Sink interface {
	Open(id string) error
	Chunk(id string, text string) error
	Close(id string, err error) error
}

// Coordinator consumes a relay topic and dispatches events in order to a
// Sink, acking each message once it has been applied.
type Coordinator struct {
	subscriber message.Subscriber
	topic      string
	sink       Sink
	log        zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewCoordinator(subscriber message.Subscriber, topic string, sink Sink, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		subscriber: subscriber,
		topic:      topic,
		sink:       sink,
		log:        logger.With().Str("component", "relay").Str("topic", topic).Logger(),
	}
}

// Start subscribes and begins dispatching in the background. The subscription
// is in place when Start returns.
func (c *Coordinator) Start(ctx context.Context) error {
	if c == nil || c.subscriber == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := c.subscriber.Subscribe(runCtx, c.topic)
	if err != nil {
		cancel()
		return errors.Wrap(err, "relay subscribe")
	}
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	go c.consume(ch, c.done)
	return nil
}

// Run starts the coordinator and blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

func (c *Coordinator) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (c *Coordinator) IsRunning() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	c.log.Info().Msg("relay coordinator: started")
	for msg := range ch {
		c.dispatch(msg)
		msg.Ack()
	}
	c.log.Info().Msg("relay coordinator: stopped")
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Coordinator) dispatch(msg *message.Message) {
	id := msg.Metadata.Get(MetaStreamID)
	event := msg.Metadata.Get(MetaEvent)
	if id == "" {
		c.log.Warn().Str("uuid", msg.UUID).Msg("relay coordinator: message without stream id")
		return
	}
	var err error
	switch event {
	case EventOpen:
		err = c.sink.Open(id)
	case EventChunk:
		err = c.sink.Chunk(id, string(msg.Payload))
	case EventClose:
		var cause error
		if text := msg.Metadata.Get(MetaError); text != "" {
			cause = errors.New(text)
		}
		err = c.sink.Close(id, cause)
	default:
		c.log.Warn().Str("event", event).Str("stream_id", id).Msg("relay coordinator: unknown event")
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Str("event", event).Str("stream_id", id).Msg("relay coordinator: sink rejected event")
	}
}
