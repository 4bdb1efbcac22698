package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

// Router роутер комнаты. Producers любого транспорта роутера доступны
// для consume на всех его транспортах.
type Router struct {
	id     string
	worker *Worker
	caps   ortc.RtpCapabilities
	logger *zap.Logger

	mu         sync.RWMutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool
	onClose    engine.Listeners[struct{}]
}

func newRouter(w *Worker, caps ortc.RtpCapabilities) *Router {
	id := uuid.NewString()
	return &Router{
		id:         id,
		worker:     w,
		caps:       caps,
		logger:     w.logger.With(zap.String("router_id", id)),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

// ID возвращает идентификатор роутера
func (r *Router) ID() string { return r.id }

// RtpCapabilities возвращает возможности роутера
func (r *Router) RtpCapabilities() ortc.RtpCapabilities { return r.caps }

// CreateWebRtcTransport создает транспорт с кандидатом на каждый listen IP
func (r *Router) CreateWebRtcTransport(ctx context.Context, opts engine.WebRtcTransportOptions) (engine.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(opts.ListenIPs) == 0 {
		return nil, fmt.Errorf("не заданы listenIps")
	}
	if !opts.EnableUDP && !opts.EnableTCP {
		opts.EnableUDP = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, engine.ErrClosed
	}

	t, err := newTransport(r, opts)
	if err != nil {
		return nil, err
	}
	r.transports[t.id] = t
	r.logger.Debug("транспорт создан", zap.String("transport_id", t.id))
	return t, nil
}

// CanConsume проверяет, может ли сторона с caps принять producer
func (r *Router) CanConsume(producerID string, caps ortc.RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	return canConsume(p.consumable, caps)
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return engine.ErrClosed
	}
	r.producers[p.id] = p
	return nil
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

// OnClose подписывает на закрытие роутера
func (r *Router) OnClose(fn func()) engine.Subscription {
	return r.onClose.Add(func(struct{}) { fn() })
}

// Close закрывает роутер и все его транспорты
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.close(engine.CloseReasonRouterClose)
	}
	r.worker.removeRouter(r.id)
	r.onClose.EmitOnce(struct{}{})
}
