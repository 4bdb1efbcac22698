package local

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/randutil"
	"go.uber.org/zap"

	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

const (
	iceUfragLength = 16
	icePwdLength   = 32
	iceRunes       = "abcdefghijklmnopqrstuvwxyz0123456789"

	udpHostPriority = 1076302079
	tcpHostPriority = 1076276479
)

// Transport WebRTC транспорт в режиме ice-lite
type Transport struct {
	id     string
	router *Router
	logger *zap.Logger

	ice        ortc.IceParameters
	candidates []ortc.IceCandidate
	dtls       ortc.DtlsParameters
	port       int
	appData    map[string]any

	mu         sync.RWMutex
	remoteDtls *ortc.DtlsParameters
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	nextMid    int
	closed     bool
	onClose    engine.Listeners[struct{}]
}

func newTransport(r *Router, opts engine.WebRtcTransportOptions) (*Transport, error) {
	ufrag, err := randutil.GenerateCryptoRandomString(iceUfragLength, iceRunes)
	if err != nil {
		return nil, fmt.Errorf("генерация ice-ufrag: %w", err)
	}
	pwd, err := randutil.GenerateCryptoRandomString(icePwdLength, iceRunes)
	if err != nil {
		return nil, fmt.Errorf("генерация ice-pwd: %w", err)
	}
	port, err := r.worker.ports.Allocate()
	if err != nil {
		return nil, err
	}

	var candidates []ortc.IceCandidate
	for _, listen := range opts.ListenIPs {
		ip := listen.IP
		if listen.AnnouncedIP != "" {
			ip = listen.AnnouncedIP
		}
		if opts.EnableUDP {
			candidates = append(candidates, ortc.IceCandidate{
				Foundation: "udpcandidate",
				Priority:   udpHostPriority,
				IP:         ip,
				Protocol:   "udp",
				Port:       port,
				Type:       "host",
			})
		}
		if opts.EnableTCP {
			candidates = append(candidates, ortc.IceCandidate{
				Foundation: "tcpcandidate",
				Priority:   tcpHostPriority,
				IP:         ip,
				Protocol:   "tcp",
				Port:       port,
				Type:       "host",
				TCPType:    "passive",
			})
		}
	}
	if opts.EnableTCP && !opts.PreferUDP {
		// tcp кандидаты вперед
		sorted := make([]ortc.IceCandidate, 0, len(candidates))
		for _, c := range candidates {
			if c.Protocol == "tcp" {
				sorted = append(sorted, c)
			}
		}
		for _, c := range candidates {
			if c.Protocol == "udp" {
				sorted = append(sorted, c)
			}
		}
		candidates = sorted
	}

	id := uuid.NewString()
	return &Transport{
		id:         id,
		router:     r,
		logger:     r.logger.With(zap.String("transport_id", id)),
		ice:        ortc.IceParameters{UsernameFragment: ufrag, Password: pwd, IceLite: true},
		candidates: candidates,
		dtls: ortc.DtlsParameters{
			Role:         ortc.DtlsRoleAuto,
			Fingerprints: []ortc.DtlsFingerprint{r.worker.fingerprint},
		},
		port:      port,
		appData:   opts.AppData,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}, nil
}

// ID возвращает идентификатор транспорта
func (t *Transport) ID() string { return t.id }

// IceParameters возвращает ICE учетные данные сервера
func (t *Transport) IceParameters() ortc.IceParameters { return t.ice }

// IceCandidates возвращает кандидаты сервера
func (t *Transport) IceCandidates() []ortc.IceCandidate {
	return append([]ortc.IceCandidate(nil), t.candidates...)
}

// DtlsParameters возвращает локальные DTLS параметры
func (t *Transport) DtlsParameters() ortc.DtlsParameters {
	t.mu.RLock()
	defer t.mu.RUnlock()

	params := t.dtls
	params.Fingerprints = append([]ortc.DtlsFingerprint(nil), t.dtls.Fingerprints...)
	return params
}

// Connect сохраняет DTLS параметры удаленной стороны. Повторный вызов - ошибка.
func (t *Transport) Connect(ctx context.Context, remote ortc.DtlsParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(remote.Fingerprints) == 0 {
		return fmt.Errorf("dtlsParameters без fingerprints")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return engine.ErrClosed
	}
	if t.remoteDtls != nil {
		return fmt.Errorf("connect() already called [transportId:%s]", t.id)
	}

	role := ortc.DtlsRoleAuto
	switch remote.Role {
	case ortc.DtlsRoleClient:
		role = ortc.DtlsRoleServer
	case ortc.DtlsRoleServer, ortc.DtlsRoleAuto, "":
		role = ortc.DtlsRoleClient
	}
	t.dtls.Role = role
	params := remote
	t.remoteDtls = &params

	t.logger.Debug("DTLS параметры получены", zap.String("local_role", string(role)))
	return nil
}

// Connected сообщает, вызывался ли Connect
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remoteDtls != nil
}

// Produce создает producer на транспорте
func (t *Transport) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("неверный kind: %q", opts.Kind)
	}
	if len(opts.RtpParameters.Encodings) == 0 {
		return nil, fmt.Errorf("rtpParameters без encodings")
	}
	for _, c := range opts.RtpParameters.Codecs {
		if !ortc.IsRtxCodec(c.MimeType) && c.Capability().Kind != opts.Kind {
			return nil, fmt.Errorf("кодек %s не соответствует kind %s", c.MimeType, opts.Kind)
		}
	}

	consumable, err := consumableParameters(opts.Kind, opts.RtpParameters, t.router.caps)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engine.ErrClosed
	}
	p := newProducer(t, opts, consumable)
	t.producers[p.id] = p
	t.mu.Unlock()

	if err := t.router.addProducer(p); err != nil {
		t.removeProducer(p.id)
		return nil, err
	}
	t.logger.Debug("producer создан", zap.String("producer_id", p.id), zap.String("kind", string(p.kind)))
	return p, nil
}

// Consume создает consumer для producer роутера
func (t *Transport) Consume(ctx context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.ProducerID == "" {
		return nil, fmt.Errorf("пустой producerId")
	}
	producer, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("producer не найден [producerId:%s]", opts.ProducerID)
	}
	if !canConsume(producer.consumable, opts.RtpCapabilities) {
		return nil, fmt.Errorf("невозможно принять producer [producerId:%s]", opts.ProducerID)
	}

	params, rtx, err := consumerParameters(producer.consumable, opts.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	ssrc, err := randutil.CryptoUint64()
	if err != nil {
		return nil, err
	}
	encoding := ortc.RtpEncodingParameters{SSRC: uint32(ssrc)}
	if rtx {
		encoding.Rtx = &ortc.RtxParameters{SSRC: uint32(ssrc>>32) | 1}
	}
	params.Encodings = []ortc.RtpEncodingParameters{encoding}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engine.ErrClosed
	}
	params.Mid = strconv.Itoa(t.nextMid)
	t.nextMid++
	c := newConsumer(t, producer, opts, params)
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !producer.addConsumer(c) {
		t.removeConsumer(c.id)
		return nil, engine.ErrClosed
	}
	t.logger.Debug("consumer создан",
		zap.String("consumer_id", c.id),
		zap.String("producer_id", producer.id),
		zap.String("mid", params.Mid))
	return c, nil
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// OnClose подписывает на закрытие транспорта
func (t *Transport) OnClose(fn func()) engine.Subscription {
	return t.onClose.Add(func(struct{}) { fn() })
}

// Close закрывает транспорт с его producers и consumers
func (t *Transport) Close() {
	t.close(engine.CloseReasonTransport)
}

func (t *Transport) close(reason engine.CloseReason) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = make(map[string]*Producer)
	t.consumers = make(map[string]*Consumer)
	t.mu.Unlock()

	for _, c := range consumers {
		c.close(reason)
	}
	for _, p := range producers {
		p.Close()
	}
	if err := t.router.worker.ports.Release(t.port); err != nil {
		t.logger.Warn("не удалось освободить порт", zap.Int("port", t.port), zap.Error(err))
	}
	t.router.removeTransport(t.id)
	t.logger.Debug("транспорт закрыт", zap.String("reason", string(reason)))
	t.onClose.EmitOnce(struct{}{})
}
