// Package sfu содержит сессии участников и комнаты SFU.
//
// Peer принимает команды клиента через очередь и выполняет их по одной в
// порядке поступления; команды разных пиров выполняются параллельно.
// Registry создает комнаты по требованию, получая роутеры из пула воркеров
// медиа-движка.
package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/media_sdp"
	"github.com/arzzra/soft_sfu/pkg/metrics"
)

// Состояния пира
const (
	StateUnjoined = "unjoined"
	StateJoined   = "joined"
	StateClosed   = "closed"
)

const (
	eventJoin  = "join"
	eventClose = "close"

	defaultQueueSize = 64
)

// Reply получает результат команды. err == nil означает успех.
type Reply func(data any, err *CommandError)

// PeerConfig параметры пира
type PeerConfig struct {
	ID       string
	Name     string
	Channel  Channel
	Registry *Registry
	// TransportOptions параметры WebRTC транспортов пира
	TransportOptions engine.WebRtcTransportOptions
	QueueSize        int
	Logger           *zap.Logger
	Metrics          *metrics.Collector
}

// Validate проверяет обязательные поля
func (c *PeerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("ID пира не может быть пустым")
	}
	if c.Channel == nil {
		return fmt.Errorf("не задан канал пира")
	}
	if c.Registry == nil {
		return fmt.Errorf("не задан реестр комнат")
	}
	return nil
}

type command struct {
	name  string
	data  json.RawMessage
	reply Reply
}

type peerTransport struct {
	transport engine.Transport
	planB     bool
	connected bool
	offer     *media_sdp.OfferAssembler
	answer    *media_sdp.AnswerAssembler
	// tracks трек клиента из SDP -> producer
	tracks map[string]engine.Producer
	// consumed producer -> consumer на этом транспорте
	consumed map[string]engine.Consumer
}

type peerProducer struct {
	producer    engine.Producer
	transportID string
	trackID     string
	seq         uint64
}

type peerConsumer struct {
	consumer    engine.Consumer
	transportID string
}

// Peer сессия участника
type Peer struct {
	id       string
	name     string
	channel  Channel
	registry *Registry
	options  engine.WebRtcTransportOptions
	logger   *zap.Logger
	metrics  *metrics.Collector

	state  *fsm.FSM
	ctx    context.Context
	cancel context.CancelFunc

	queueMu     sync.RWMutex
	queue       chan command
	queueClosed bool
	loopDone    chan struct{}
	closeOnce   sync.Once

	mu         sync.RWMutex
	room       *Room
	transports map[string]*peerTransport
	producers  map[string]*peerProducer
	consumers  map[string]*peerConsumer
	subs       map[string]engine.Subscription
	seq        uint64
	closed     bool
}

// NewPeer создает пира и запускает обработку его команд
func NewPeer(cfg PeerConfig) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		id:         cfg.ID,
		name:       cfg.Name,
		channel:    cfg.Channel,
		registry:   cfg.Registry,
		options:    cfg.TransportOptions,
		logger:     logger.With(zap.String("component", "peer"), zap.String("peer_id", cfg.ID)),
		metrics:    cfg.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan command, size),
		loopDone:   make(chan struct{}),
		transports: make(map[string]*peerTransport),
		producers:  make(map[string]*peerProducer),
		consumers:  make(map[string]*peerConsumer),
		subs:       make(map[string]engine.Subscription),
	}
	p.initStateMachine()

	go p.loop()
	p.metrics.PeerConnected()
	return p, nil
}

func (p *Peer) initStateMachine() {
	p.state = fsm.NewFSM(
		StateUnjoined,
		fsm.Events{
			{Name: eventJoin, Src: []string{StateUnjoined}, Dst: StateJoined},
			{Name: eventClose, Src: []string{StateUnjoined, StateJoined}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				p.logger.Debug("смена состояния", zap.String("from", e.Src), zap.String("to", e.Dst))
			},
		},
	)
}

// ID возвращает идентификатор пира
func (p *Peer) ID() string { return p.id }

// Name возвращает отображаемое имя
func (p *Peer) Name() string { return p.name }

// State возвращает текущее состояние
func (p *Peer) State() string { return p.state.Current() }

// Room возвращает комнату пира или nil
func (p *Peer) Room() *Room {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.room
}

// Submit ставит команду в очередь. reply вызывается из горутины пира.
func (p *Peer) Submit(name string, data json.RawMessage, reply Reply) {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()

	if p.queueClosed {
		reply(nil, NewCommandError(ErrorCodeState, "пир закрыт"))
		return
	}
	p.queue <- command{name: name, data: data, reply: reply}
}

// Request выполняет команду и ждет результат
func (p *Peer) Request(ctx context.Context, name string, data any) (any, error) {
	raw, ok := data.(json.RawMessage)
	if !ok && data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, WrapCommandError(ErrorCodeValidation, err, "некорректные данные команды")
		}
		raw = encoded
	}

	type result struct {
		data any
		err  *CommandError
	}
	done := make(chan result, 1)
	p.Submit(name, raw, func(data any, err *CommandError) {
		done <- result{data: data, err: err}
	})

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Peer) loop() {
	defer close(p.loopDone)
	for cmd := range p.queue {
		p.handle(cmd)
	}
}

func (p *Peer) handle(cmd command) {
	start := time.Now()
	var (
		data any
		err  error
	)
	if p.ctx.Err() != nil {
		err = NewCommandError(ErrorCodeState, "пир закрыт")
	} else {
		data, err = p.run(cmd)
	}

	cmdErr := AsCommandError(err)
	status := "success"
	if cmdErr != nil {
		status = cmdErr.Code.String()
		p.logger.Warn("команда завершилась ошибкой",
			zap.String("command", cmd.name),
			zap.String("code", cmdErr.Code.String()),
			zap.Error(cmdErr))
	} else {
		p.logger.Debug("команда выполнена", zap.String("command", cmd.name), zap.Duration("duration", time.Since(start)))
	}
	p.metrics.ObserveCommand(cmd.name, status, time.Since(start))
	cmd.reply(data, cmdErr)
}

func (p *Peer) run(cmd command) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("паника при выполнении команды", zap.String("command", cmd.name), zap.Any("panic", r))
			data, err = nil, NewCommandError(ErrorCodeEngine, "внутренняя ошибка: %v", r)
		}
	}()
	return p.dispatch(p.ctx, cmd.name, cmd.data)
}

// notify отправляет событие клиенту, пока пир открыт
func (p *Peer) notify(event string, data any) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return
	}
	if err := p.channel.Notify(event, data); err != nil {
		p.logger.Debug("не удалось отправить событие", zap.String("event", event), zap.Error(err))
	}
}

// Close уничтожает пира: закрывает транспорты, разрывает соединение и
// выводит пира из комнаты. Повторные вызовы ничего не делают.
func (p *Peer) Close() {
	p.closeOnce.Do(p.destroy)
}

// Done закрывается, когда очередь команд пира обработана после Close
func (p *Peer) Done() <-chan struct{} { return p.loopDone }

func (p *Peer) destroy() {
	p.cancel()

	p.queueMu.Lock()
	p.queueClosed = true
	close(p.queue)
	p.queueMu.Unlock()

	if err := p.state.Event(context.Background(), eventClose); err != nil {
		p.logger.Debug("переход в closed", zap.Error(err))
	}

	p.mu.Lock()
	p.closed = true
	room := p.room
	transports := make([]engine.Transport, 0, len(p.transports))
	for _, pt := range p.transports {
		transports = append(transports, pt.transport)
	}
	subs := make([]engine.Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	producers, consumers := len(p.producers), len(p.consumers)
	p.transports = make(map[string]*peerTransport)
	p.producers = make(map[string]*peerProducer)
	p.consumers = make(map[string]*peerConsumer)
	p.subs = make(map[string]engine.Subscription)
	p.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	for _, t := range transports {
		t.Close()
	}
	for i := 0; i < producers; i++ {
		p.metrics.ProducerClosed()
	}
	for i := 0; i < consumers; i++ {
		p.metrics.ConsumerClosed()
	}

	if err := p.channel.Close(); err != nil {
		p.logger.Debug("ошибка закрытия канала", zap.Error(err))
	}
	if room != nil {
		room.removePeer(p)
	}
	p.metrics.PeerDisconnected()
	p.logger.Info("пир уничтожен", zap.Int("transports", len(transports)))
}

func (p *Peer) joinedRoom() (*Room, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, NewCommandError(ErrorCodeState, "пир закрыт")
	}
	if p.room == nil {
		return nil, NewCommandError(ErrorCodeState, "пир не в комнате")
	}
	return p.room, nil
}

func (p *Peer) transport(id string) (*peerTransport, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pt, ok := p.transports[id]
	if !ok {
		return nil, notFound("транспорт", id)
	}
	return pt, nil
}

func (p *Peer) consumer(id string) (engine.Consumer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.consumers[id]
	if !ok {
		return nil, notFound("consumer", id)
	}
	return c.consumer, nil
}

func (p *Peer) producer(id string) (engine.Producer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.producers[id]
	if !ok {
		return nil, false
	}
	return entry.producer, true
}

// producerList producers пира в порядке создания
func (p *Peer) producerList() []engine.Producer {
	p.mu.RLock()
	entries := make([]*peerProducer, 0, len(p.producers))
	for _, e := range p.producers {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]engine.Producer, len(entries))
	for i, e := range entries {
		out[i] = e.producer
	}
	return out
}

func (p *Peer) producerInfos() []ProducerInfo {
	producers := p.producerList()
	out := make([]ProducerInfo, len(producers))
	for i, prod := range producers {
		out[i] = ProducerInfo{ID: prod.ID(), Kind: string(prod.Kind())}
	}
	return out
}

// transportProducers producers транспорта, созданные по SDP
func (p *Peer) transportProducers(transportID string) []ProducerInfo {
	p.mu.RLock()
	entries := make([]*peerProducer, 0)
	for _, e := range p.producers {
		if e.transportID == transportID && e.trackID != "" {
			entries = append(entries, e)
		}
	}
	p.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]ProducerInfo, len(entries))
	for i, e := range entries {
		out[i] = ProducerInfo{ID: e.producer.ID(), Kind: string(e.producer.Kind()), TrackID: e.trackID}
	}
	return out
}

// registerTransport сохраняет транспорт. После Close пира транспорт закрывается.
func (p *Peer) registerTransport(t engine.Transport, planB bool) error {
	id := t.ID()
	sub := t.OnClose(func() { p.forgetTransport(id) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sub.Unsubscribe()
		t.Close()
		return NewCommandError(ErrorCodeState, "пир закрыт")
	}
	p.transports[id] = &peerTransport{
		transport: t,
		planB:     planB,
		tracks:    make(map[string]engine.Producer),
		consumed:  make(map[string]engine.Consumer),
	}
	p.subs[id] = sub
	p.mu.Unlock()
	return nil
}

// forgetTransport удаляет транспорт вместе с его producers и consumers
func (p *Peer) forgetTransport(id string) *peerTransport {
	p.mu.Lock()
	pt, ok := p.transports[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.transports, id)
	subs := []engine.Subscription{p.subs[id]}
	delete(p.subs, id)
	var producers, consumers int
	for pid, e := range p.producers {
		if e.transportID == id {
			subs = append(subs, p.subs[pid])
			delete(p.subs, pid)
			delete(p.producers, pid)
			producers++
		}
	}
	for cid, e := range p.consumers {
		if e.transportID == id {
			subs = append(subs, p.subs[cid])
			delete(p.subs, cid)
			delete(p.consumers, cid)
			consumers++
		}
	}
	p.mu.Unlock()

	for _, s := range subs {
		if s != nil {
			s.Unsubscribe()
		}
	}
	for i := 0; i < producers; i++ {
		p.metrics.ProducerClosed()
	}
	for i := 0; i < consumers; i++ {
		p.metrics.ConsumerClosed()
	}
	return pt
}

// produce создает producer на транспорте и регистрирует его
func (p *Peer) produce(ctx context.Context, pt *peerTransport, opts engine.ProducerOptions, trackID string) (engine.Producer, error) {
	prod, err := pt.transport.Produce(ctx, opts)
	if err != nil {
		return nil, err
	}
	id := prod.ID()
	sub := prod.OnClose(func() { p.forgetProducer(id) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sub.Unsubscribe()
		prod.Close()
		return nil, NewCommandError(ErrorCodeState, "пир закрыт")
	}
	p.seq++
	p.producers[id] = &peerProducer{
		producer:    prod,
		transportID: pt.transport.ID(),
		trackID:     trackID,
		seq:         p.seq,
	}
	if trackID != "" {
		pt.tracks[trackID] = prod
	}
	p.subs[id] = sub
	p.mu.Unlock()

	p.metrics.ProducerOpened()
	p.logger.Debug("producer создан",
		zap.String("producer_id", id),
		zap.String("kind", string(prod.Kind())),
		zap.String("track_id", trackID))
	return prod, nil
}

// forgetProducer удаляет producer из карт пира. nil, если его уже нет.
func (p *Peer) forgetProducer(id string) engine.Producer {
	p.mu.Lock()
	entry, ok := p.producers[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.producers, id)
	if pt, ok := p.transports[entry.transportID]; ok && entry.trackID != "" {
		if pt.tracks[entry.trackID] == entry.producer {
			delete(pt.tracks, entry.trackID)
		}
	}
	sub := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	p.metrics.ProducerClosed()
	return entry.producer
}

// consume создает consumer на транспорте и регистрирует его
func (p *Peer) consume(ctx context.Context, pt *peerTransport, opts engine.ConsumerOptions) (engine.Consumer, error) {
	c, err := pt.transport.Consume(ctx, opts)
	if err != nil {
		return nil, err
	}
	id := c.ID()
	transportID := pt.transport.ID()
	sub := c.OnClose(func(reason engine.CloseReason) { p.onConsumerClosed(id, reason) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sub.Unsubscribe()
		c.Close()
		return nil, NewCommandError(ErrorCodeState, "пир закрыт")
	}
	p.consumers[id] = &peerConsumer{consumer: c, transportID: transportID}
	if _, exists := pt.consumed[c.ProducerID()]; !exists {
		pt.consumed[c.ProducerID()] = c
	}
	p.subs[id] = sub
	p.mu.Unlock()

	p.metrics.ConsumerOpened()
	p.logger.Debug("consumer создан",
		zap.String("consumer_id", id),
		zap.String("producer_id", c.ProducerID()),
		zap.String("transport_id", transportID))
	return c, nil
}

// onConsumerClosed вызывается движком при закрытии consumer
func (p *Peer) onConsumerClosed(id string, reason engine.CloseReason) {
	p.mu.Lock()
	entry, ok := p.consumers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.consumers, id)
	c := entry.consumer
	var offer *media_sdp.OfferAssembler
	if pt, ok := p.transports[entry.transportID]; ok {
		if pt.consumed[c.ProducerID()] == c {
			delete(pt.consumed, c.ProducerID())
		}
		offer = pt.offer
	}
	sub := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if offer != nil {
		offer.CloseConsumer(sdpConsumer(c))
	}
	p.metrics.ConsumerClosed()

	if reason != engine.CloseReasonLocal {
		p.notify(EventConsumerClosed, ConsumerClosedEvent{
			ConsumerID: id,
			ProducerID: c.ProducerID(),
			Reason:     string(reason),
		})
	}
}

// consumedOn возвращает consumer producer на транспорте, если он уже создан
func (p *Peer) consumedOn(pt *peerTransport, producerID string) (engine.Consumer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := pt.consumed[producerID]
	return c, ok
}

func (p *Peer) offerAssembler(pt *peerTransport) (*media_sdp.OfferAssembler, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pt.offer != nil {
		return pt.offer, nil
	}

	cfg := media_sdp.DefaultOfferConfig(pt.transport.ID(), transportInfo(pt.transport))
	cfg.PlanB = pt.planB
	cfg.Logger = p.logger
	offer, err := media_sdp.NewOfferAssembler(cfg)
	if err != nil {
		return nil, err
	}
	pt.offer = offer
	return offer, nil
}

func (p *Peer) answerAssembler(pt *peerTransport, room *Room) (*media_sdp.AnswerAssembler, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pt.answer != nil {
		return pt.answer, nil
	}

	cfg := media_sdp.DefaultAnswerConfig(pt.transport.ID(), transportInfo(pt.transport), room.RtpCapabilities())
	cfg.PlanB = pt.planB
	cfg.Logger = p.logger
	answer, err := media_sdp.NewAnswerAssembler(cfg)
	if err != nil {
		return nil, err
	}
	pt.answer = answer
	return answer, nil
}

func (p *Peer) isConnected(pt *peerTransport) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return pt.connected
}

func (p *Peer) markConnected(pt *peerTransport) {
	p.mu.Lock()
	pt.connected = true
	p.mu.Unlock()
}

// rollbackProducers закрывает producer, созданные незавершенной командой
func (p *Peer) rollbackProducers(created []engine.Producer) {
	for _, prod := range created {
		if p.forgetProducer(prod.ID()) != nil {
			prod.Close()
		}
	}
}

// trackProducers копия карты трек -> producer транспорта
func (p *Peer) trackProducers(pt *peerTransport) map[string]engine.Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]engine.Producer, len(pt.tracks))
	for k, v := range pt.tracks {
		out[k] = v
	}
	return out
}

func transportInfo(t engine.Transport) media_sdp.TransportInfo {
	return media_sdp.TransportInfo{
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
	}
}

func sdpConsumer(c engine.Consumer) media_sdp.Consumer {
	return media_sdp.Consumer{
		ID:            c.ID(),
		Kind:          c.Kind(),
		RtpParameters: c.RtpParameters(),
	}
}
