package local

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

// Consumer исходящий трек. Тип всегда simple: одна кодировка.
type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	params    ortc.RtpParameters
	appData   map[string]any

	mu      sync.Mutex
	paused  bool
	closed  bool
	onClose engine.Listeners[engine.CloseReason]
}

func newConsumer(t *Transport, p *Producer, opts engine.ConsumerOptions, params ortc.RtpParameters) *Consumer {
	return &Consumer{
		id:        uuid.NewString(),
		producer:  p,
		transport: t,
		params:    params,
		appData:   opts.AppData,
		paused:    opts.Paused,
	}
}

func (c *Consumer) ID() string                        { return c.id }
func (c *Consumer) ProducerID() string                { return c.producer.id }
func (c *Consumer) Kind() ortc.MediaKind              { return c.producer.kind }
func (c *Consumer) RtpParameters() ortc.RtpParameters { return c.params.Clone() }
func (c *Consumer) Type() string                      { return "simple" }
func (c *Consumer) AppData() map[string]any           { return c.appData }
func (c *Consumer) ProducerPaused() bool              { return c.producer.Paused() }

// Paused сообщает, приостановлен ли consumer
func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Pause приостанавливает отправку
func (c *Consumer) Pause(ctx context.Context) error {
	return c.setPaused(ctx, true)
}

// Resume возобновляет отправку
func (c *Consumer) Resume(ctx context.Context) error {
	return c.setPaused(ctx, false)
}

func (c *Consumer) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrClosed
	}
	c.paused = paused
	return nil
}

// OnClose подписывает на закрытие consumer
func (c *Consumer) OnClose(fn func(reason engine.CloseReason)) engine.Subscription {
	return c.onClose.Add(fn)
}

// Close закрывает consumer
func (c *Consumer) Close() {
	c.close(engine.CloseReasonLocal)
}

func (c *Consumer) close(reason engine.CloseReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.producer.removeConsumer(c.id)
	c.transport.removeConsumer(c.id)
	c.onClose.EmitOnce(reason)
}
