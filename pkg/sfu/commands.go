package sfu

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/media_sdp"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

// Имена команд протокола сигнализации
const (
	CommandJoin             = "join"
	CommandCreateTransport  = "createTransport"
	CommandConnectTransport = "connectTransport"
	CommandCreateProducer   = "createProducer"
	CommandCreateConsumer   = "createConsumer"
	CommandPauseConsumer    = "pauseConsumer"
	CommandResumeConsumer   = "resumeConsumer"
	CommandGetOfferSdp      = "getOfferSdp"
	CommandGetAnswerSdp     = "getAnswerSdp"
	CommandCloseProducer    = "closeProducer"
	CommandCloseTransport   = "closeTransport"
)

type handlerFunc func(p *Peer, ctx context.Context, data json.RawMessage) (any, error)

var handlers = map[string]handlerFunc{
	CommandJoin:             (*Peer).join,
	CommandCreateTransport:  (*Peer).createTransport,
	CommandConnectTransport: (*Peer).connectTransport,
	CommandCreateProducer:   (*Peer).createProducer,
	CommandCreateConsumer:   (*Peer).createConsumer,
	CommandPauseConsumer:    (*Peer).pauseConsumer,
	CommandResumeConsumer:   (*Peer).resumeConsumer,
	CommandGetOfferSdp:      (*Peer).getOfferSdp,
	CommandGetAnswerSdp:     (*Peer).getAnswerSdp,
	CommandCloseProducer:    (*Peer).closeProducer,
	CommandCloseTransport:   (*Peer).closeTransport,
}

func (p *Peer) dispatch(ctx context.Context, name string, data json.RawMessage) (any, error) {
	h, ok := handlers[name]
	if !ok {
		return nil, invalid("неизвестная команда: %q", name)
	}
	return h(p, ctx, data)
}

type validator interface {
	Validate() error
}

// decode разбирает и проверяет данные команды до любых обращений к движку
func decode[T any, PT interface {
	*T
	validator
}](data json.RawMessage) (*T, error) {
	v := PT(new(T))
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, WrapCommandError(ErrorCodeValidation, err, "некорректные данные команды")
		}
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return (*T)(v), nil
}

// JoinRequest данные команды join
type JoinRequest struct {
	RoomID string `json:"roomId"`
}

func (r *JoinRequest) Validate() error {
	if r.RoomID == "" {
		return invalid("roomId обязателен")
	}
	return nil
}

// JoinResponse ответ на join
type JoinResponse struct {
	Peers           []PeerProducers      `json:"peers"`
	RtpCapabilities ortc.RtpCapabilities `json:"rtpCapabilities"`
}

// CreateTransportRequest данные команды createTransport
type CreateTransportRequest struct {
	PlanB bool `json:"planB"`
}

func (r *CreateTransportRequest) Validate() error { return nil }

// TransportResponse параметры созданного транспорта
type TransportResponse struct {
	ID             string              `json:"id"`
	IceParameters  ortc.IceParameters  `json:"iceParameters"`
	IceCandidates  []ortc.IceCandidate `json:"iceCandidates"`
	DtlsParameters ortc.DtlsParameters `json:"dtlsParameters"`
}

// ConnectTransportRequest данные команды connectTransport
type ConnectTransportRequest struct {
	TransportID    string               `json:"transportId"`
	DtlsParameters *ortc.DtlsParameters `json:"dtlsParameters"`
}

func (r *ConnectTransportRequest) Validate() error {
	if r.TransportID == "" {
		return invalid("transportId обязателен")
	}
	if r.DtlsParameters == nil || len(r.DtlsParameters.Fingerprints) == 0 {
		return invalid("dtlsParameters.fingerprints обязательны")
	}
	return nil
}

// CreateProducerRequest данные команды createProducer
type CreateProducerRequest struct {
	TransportID   string              `json:"transportId"`
	Kind          ortc.MediaKind      `json:"kind"`
	RtpParameters *ortc.RtpParameters `json:"rtpParameters"`
	Paused        bool                `json:"paused"`
	AppData       map[string]any      `json:"appData,omitempty"`
}

func (r *CreateProducerRequest) Validate() error {
	if r.TransportID == "" {
		return invalid("transportId обязателен")
	}
	if !r.Kind.Valid() {
		return invalid("неверный kind: %q", r.Kind)
	}
	if r.RtpParameters == nil || len(r.RtpParameters.Codecs) == 0 {
		return invalid("rtpParameters.codecs обязательны")
	}
	if len(r.RtpParameters.Encodings) == 0 {
		return invalid("rtpParameters.encodings обязательны")
	}
	return nil
}

// CreateConsumerRequest данные команды createConsumer
type CreateConsumerRequest struct {
	TransportID     string                `json:"transportId"`
	ProducerID      string                `json:"producerId"`
	RtpCapabilities *ortc.RtpCapabilities `json:"rtpCapabilities"`
	Paused          bool                  `json:"paused"`
}

func (r *CreateConsumerRequest) Validate() error {
	if r.TransportID == "" {
		return invalid("transportId обязателен")
	}
	if r.ProducerID == "" {
		return invalid("producerId обязателен")
	}
	if r.RtpCapabilities == nil || len(r.RtpCapabilities.Codecs) == 0 {
		return invalid("rtpCapabilities обязательны")
	}
	return nil
}

// ConsumerInfo описание consumer для клиента
type ConsumerInfo struct {
	ID             string             `json:"id"`
	ProducerID     string             `json:"producerId"`
	Kind           string             `json:"kind"`
	RtpParameters  ortc.RtpParameters `json:"rtpParameters"`
	Type           string             `json:"type"`
	Paused         bool               `json:"paused"`
	ProducerPaused bool               `json:"producerPaused"`
}

func consumerInfo(c engine.Consumer) ConsumerInfo {
	return ConsumerInfo{
		ID:             c.ID(),
		ProducerID:     c.ProducerID(),
		Kind:           string(c.Kind()),
		RtpParameters:  c.RtpParameters(),
		Type:           c.Type(),
		Paused:         c.Paused(),
		ProducerPaused: c.ProducerPaused(),
	}
}

// ConsumerRequest данные команд pauseConsumer и resumeConsumer
type ConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

func (r *ConsumerRequest) Validate() error {
	if r.ConsumerID == "" {
		return invalid("consumerId обязателен")
	}
	return nil
}

// GetOfferSdpRequest данные команды getOfferSdp
type GetOfferSdpRequest struct {
	TransportID string `json:"transportId"`
	PeerID      string `json:"peerId"`
	Version     uint64 `json:"version"`
}

func (r *GetOfferSdpRequest) Validate() error {
	if r.TransportID == "" {
		return invalid("transportId обязателен")
	}
	if r.PeerID == "" {
		return invalid("peerId обязателен")
	}
	return nil
}

// OfferResponse offer сервера и consumers, которые он описывает
type OfferResponse struct {
	SDP       string         `json:"sdp"`
	Consumers []ConsumerInfo `json:"consumers"`
}

// GetAnswerSdpRequest данные команды getAnswerSdp
type GetAnswerSdpRequest struct {
	TransportID string `json:"transportId"`
	SDP         string `json:"sdp"`
}

func (r *GetAnswerSdpRequest) Validate() error {
	if r.TransportID == "" {
		return invalid("transportId обязателен")
	}
	if r.SDP == "" {
		return invalid("sdp обязателен")
	}
	return nil
}

// AnswerResponse answer сервера и текущие producers транспорта
type AnswerResponse struct {
	SDP       string         `json:"sdp"`
	Producers []ProducerInfo `json:"producers"`
}

// CloseProducerRequest данные команды closeProducer
type CloseProducerRequest struct {
	ProducerID string `json:"producerId"`
}

func (r *CloseProducerRequest) Validate() error {
	if r.ProducerID == "" {
		return invalid("producerId обязателен")
	}
	return nil
}

// CloseTransportRequest данные команды closeTransport
type CloseTransportRequest struct {
	TransportID string `json:"transportId"`
}

func (r *CloseTransportRequest) Validate() error {
	if r.TransportID == "" {
		return invalid("transportId обязателен")
	}
	return nil
}

func (p *Peer) join(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[JoinRequest](data)
	if err != nil {
		return nil, err
	}
	if !p.state.Can(eventJoin) {
		if p.state.Current() == StateClosed {
			return nil, NewCommandError(ErrorCodeState, "пир закрыт")
		}
		return nil, NewCommandError(ErrorCodeState, "пир уже в комнате")
	}

	room, err := p.registry.GetOrCreate(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	// Снимок берется до входа, в нем нет самого пира
	peers := room.PeerProducers()
	if !room.addPeer(p) {
		return nil, NewCommandError(ErrorCodeState, "пир с id %s уже в комнате %s", p.id, room.ID())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		room.removePeer(p)
		return nil, NewCommandError(ErrorCodeState, "пир закрыт")
	}
	p.room = room
	p.mu.Unlock()

	if err := p.state.Event(ctx, eventJoin); err != nil {
		p.mu.Lock()
		p.room = nil
		p.mu.Unlock()
		room.removePeer(p)
		return nil, WrapCommandError(ErrorCodeState, err, "переход в joined")
	}

	p.logger.Info("пир вошел в комнату", zap.String("room_id", room.ID()), zap.Int("peers", len(peers)))
	return JoinResponse{Peers: peers, RtpCapabilities: room.RtpCapabilities()}, nil
}

func (p *Peer) createTransport(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[CreateTransportRequest](data)
	if err != nil {
		return nil, err
	}
	room, err := p.joinedRoom()
	if err != nil {
		return nil, err
	}

	opts := p.options
	opts.AppData = map[string]any{"peerId": p.id, "planB": req.PlanB}
	t, err := room.Router().CreateWebRtcTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := p.registerTransport(t, req.PlanB); err != nil {
		return nil, err
	}

	p.logger.Debug("транспорт создан", zap.String("transport_id", t.ID()), zap.Bool("plan_b", req.PlanB))
	return TransportResponse{
		ID:             t.ID(),
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
	}, nil
}

func (p *Peer) connectTransport(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[ConnectTransportRequest](data)
	if err != nil {
		return nil, err
	}
	pt, err := p.transport(req.TransportID)
	if err != nil {
		return nil, err
	}
	if err := pt.transport.Connect(ctx, *req.DtlsParameters); err != nil {
		return nil, err
	}
	p.markConnected(pt)
	return struct{}{}, nil
}

func (p *Peer) createProducer(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[CreateProducerRequest](data)
	if err != nil {
		return nil, err
	}
	room, err := p.joinedRoom()
	if err != nil {
		return nil, err
	}
	pt, err := p.transport(req.TransportID)
	if err != nil {
		return nil, err
	}

	prod, err := p.produce(ctx, pt, engine.ProducerOptions{
		Kind:          req.Kind,
		RtpParameters: *req.RtpParameters,
		Paused:        req.Paused,
		AppData:       req.AppData,
	}, "")
	if err != nil {
		return nil, err
	}

	room.Broadcast(EventNewProducer, p.newProducerEvent(prod), p.id)
	return ProducerInfo{ID: prod.ID(), Kind: string(prod.Kind())}, nil
}

func (p *Peer) createConsumer(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[CreateConsumerRequest](data)
	if err != nil {
		return nil, err
	}
	room, err := p.joinedRoom()
	if err != nil {
		return nil, err
	}
	pt, err := p.transport(req.TransportID)
	if err != nil {
		return nil, err
	}
	if !room.hasProducer(req.ProducerID) {
		return nil, notFound("producer", req.ProducerID)
	}
	if !room.Router().CanConsume(req.ProducerID, *req.RtpCapabilities) {
		return nil, NewCommandError(ErrorCodeNegotiation, "получатель не может принять producer [id:%s]", req.ProducerID)
	}

	c, err := p.consume(ctx, pt, engine.ConsumerOptions{
		ProducerID:      req.ProducerID,
		RtpCapabilities: *req.RtpCapabilities,
		Paused:          req.Paused,
		AppData:         map[string]any{"peerId": p.id},
	})
	if err != nil {
		return nil, err
	}
	return consumerInfo(c), nil
}

func (p *Peer) pauseConsumer(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[ConsumerRequest](data)
	if err != nil {
		return nil, err
	}
	c, err := p.consumer(req.ConsumerID)
	if err != nil {
		return nil, err
	}
	if err := c.Pause(ctx); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (p *Peer) resumeConsumer(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[ConsumerRequest](data)
	if err != nil {
		return nil, err
	}
	c, err := p.consumer(req.ConsumerID)
	if err != nil {
		return nil, err
	}
	if err := c.Resume(ctx); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// getOfferSdp создает consumers для всех еще не принятых producers пира
// peerId и возвращает offer. Уже созданные consumers переиспользуются.
func (p *Peer) getOfferSdp(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[GetOfferSdpRequest](data)
	if err != nil {
		return nil, err
	}
	room, err := p.joinedRoom()
	if err != nil {
		return nil, err
	}
	pt, err := p.transport(req.TransportID)
	if err != nil {
		return nil, err
	}
	target, ok := room.Peer(req.PeerID)
	if !ok {
		return nil, notFound("пир", req.PeerID)
	}
	producers := target.producerList()
	if len(producers) == 0 {
		return nil, NewCommandError(ErrorCodeNotFound, "у пира нет producers [id:%s]", req.PeerID)
	}

	offer, err := p.offerAssembler(pt)
	if err != nil {
		p.metrics.Negotiation("offer", "error")
		return nil, err
	}

	resp := OfferResponse{Consumers: make([]ConsumerInfo, 0, len(producers))}
	consumers := make([]engine.Consumer, 0, len(producers))
	for _, prod := range producers {
		c, ok := p.consumedOn(pt, prod.ID())
		if !ok {
			// Для offer используются возможности роутера комнаты
			c, err = p.consume(ctx, pt, engine.ConsumerOptions{
				ProducerID:      prod.ID(),
				RtpCapabilities: room.RtpCapabilities(),
				AppData:         map[string]any{"peerId": p.id},
			})
			if err != nil {
				p.metrics.Negotiation("offer", "error")
				return nil, err
			}
		}
		consumers = append(consumers, c)
		resp.Consumers = append(resp.Consumers, consumerInfo(c))
	}

	sdpConsumers := make([]media_sdp.Consumer, 0, len(consumers))
	for _, c := range consumers {
		sdpConsumers = append(sdpConsumers, sdpConsumer(c))
	}
	text, err := offer.CreateOffer(sdpConsumers, req.Version)
	if err != nil {
		p.metrics.Negotiation("offer", "error")
		return nil, err
	}
	p.metrics.Negotiation("offer", "success")

	resp.SDP = text
	return resp, nil
}

// getAnswerSdp отвечает на offer клиента и сводит producers транспорта
// к трекам этого offer.
func (p *Peer) getAnswerSdp(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[GetAnswerSdpRequest](data)
	if err != nil {
		return nil, err
	}
	room, err := p.joinedRoom()
	if err != nil {
		return nil, err
	}
	pt, err := p.transport(req.TransportID)
	if err != nil {
		return nil, err
	}

	assembler, err := p.answerAssembler(pt, room)
	if err != nil {
		p.metrics.Negotiation("answer", "error")
		return nil, err
	}
	answer, err := assembler.AnswerTo(req.SDP)
	if err != nil {
		p.metrics.Negotiation("answer", "error")
		return nil, err
	}

	if !p.isConnected(pt) {
		if err := pt.transport.Connect(ctx, answer.RemoteDtlsParameters); err != nil {
			p.metrics.Negotiation("answer", "error")
			return nil, err
		}
		p.markConnected(pt)
	}

	wanted := make(map[string]bool, len(answer.Producers))
	for _, r := range answer.Producers {
		wanted[r.TrackID] = true
	}
	existing := p.trackProducers(pt)

	// Новые треки создаются до закрытия удаленных, при ошибке созданные
	// откатываются и прежний набор producer остается нетронутым
	var created []engine.Producer
	for _, r := range answer.Producers {
		if _, ok := existing[r.TrackID]; ok {
			continue
		}
		prod, err := p.produce(ctx, pt, engine.ProducerOptions{
			Kind:          r.Kind,
			RtpParameters: r.RtpParameters,
			AppData:       map[string]any{"peerId": p.id, "trackId": r.TrackID},
		}, r.TrackID)
		if err != nil {
			p.rollbackProducers(created)
			p.metrics.Negotiation("answer", "error")
			return nil, err
		}
		created = append(created, prod)
	}

	for trackID, prod := range existing {
		if wanted[trackID] {
			continue
		}
		if p.forgetProducer(prod.ID()) != nil {
			prod.Close()
			p.logger.Debug("трек удален из offer", zap.String("track_id", trackID), zap.String("producer_id", prod.ID()))
		}
	}
	p.metrics.Negotiation("answer", "success")

	if len(created) > 0 {
		events := make([]NewProducerEvent, len(created))
		for i, prod := range created {
			events[i] = p.newProducerEvent(prod)
		}
		go func() {
			for _, e := range events {
				room.Broadcast(EventNewProducer, e, p.id)
			}
		}()
	}

	return AnswerResponse{SDP: answer.SDP, Producers: p.transportProducers(pt.transport.ID())}, nil
}

func (p *Peer) closeProducer(_ context.Context, data json.RawMessage) (any, error) {
	req, err := decode[CloseProducerRequest](data)
	if err != nil {
		return nil, err
	}
	prod := p.forgetProducer(req.ProducerID)
	if prod == nil {
		return nil, notFound("producer", req.ProducerID)
	}
	prod.Close()
	return struct{}{}, nil
}

func (p *Peer) closeTransport(_ context.Context, data json.RawMessage) (any, error) {
	req, err := decode[CloseTransportRequest](data)
	if err != nil {
		return nil, err
	}
	pt := p.forgetTransport(req.TransportID)
	if pt == nil {
		return nil, notFound("транспорт", req.TransportID)
	}
	pt.transport.Close()
	return struct{}{}, nil
}

func (p *Peer) newProducerEvent(prod engine.Producer) NewProducerEvent {
	return NewProducerEvent{PeerID: p.id, ProducerID: prod.ID(), Kind: string(prod.Kind())}
}
