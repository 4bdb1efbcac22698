package local

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

// Producer входящий трек транспорта
type Producer struct {
	id         string
	kind       ortc.MediaKind
	params     ortc.RtpParameters
	consumable ortc.RtpParameters
	appData    map[string]any
	transport  *Transport

	mu        sync.Mutex
	paused    bool
	consumers map[string]*Consumer
	closed    bool
	onClose   engine.Listeners[struct{}]
}

func newProducer(t *Transport, opts engine.ProducerOptions, consumable ortc.RtpParameters) *Producer {
	return &Producer{
		id:         uuid.NewString(),
		kind:       opts.Kind,
		params:     opts.RtpParameters.Clone(),
		consumable: consumable,
		appData:    opts.AppData,
		transport:  t,
		paused:     opts.Paused,
		consumers:  make(map[string]*Consumer),
	}
}

func (p *Producer) ID() string                        { return p.id }
func (p *Producer) Kind() ortc.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() ortc.RtpParameters { return p.params.Clone() }
func (p *Producer) AppData() map[string]any           { return p.appData }

// Paused сообщает, приостановлен ли producer
func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Pause приостанавливает producer
func (p *Producer) Pause(ctx context.Context) error {
	return p.setPaused(ctx, true)
}

// Resume возобновляет producer
func (p *Producer) Resume(ctx context.Context) error {
	return p.setPaused(ctx, false)
}

func (p *Producer) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return engine.ErrClosed
	}
	p.paused = paused
	return nil
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// OnClose подписывает на закрытие producer
func (p *Producer) OnClose(fn func()) engine.Subscription {
	return p.onClose.Add(func(struct{}) { fn() })
}

// Close закрывает producer. Его consumers закрываются с причиной producerclose.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*Consumer)
	p.mu.Unlock()

	for _, c := range consumers {
		c.close(engine.CloseReasonProducerClose)
	}
	p.transport.removeProducer(p.id)
	p.transport.router.removeProducer(p.id)
	p.onClose.EmitOnce(struct{}{})
}
