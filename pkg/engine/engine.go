// Package engine описывает границу с медиа-движком: воркеры, роутеры,
// WebRTC транспорты, producers и consumers.
//
// Пересылка пакетов, ICE/DTLS/SRTP и оценка полосы выполняются движком.
// Ядро сигнализации хранит только идентификаторы и параметры RTP.
// Уведомления о закрытии приходят через Subscription, которую владелец
// отменяет при своем уничтожении.
package engine

import (
	"context"
	"errors"

	"github.com/arzzra/soft_sfu/pkg/ortc"
)

var (
	// ErrNoWorkers в пуле не осталось живых воркеров
	ErrNoWorkers = errors.New("engine: no alive workers")
	// ErrClosed объект движка уже закрыт
	ErrClosed = errors.New("engine: closed")
)

// CloseReason причина закрытия consumer
type CloseReason string

const (
	CloseReasonLocal         CloseReason = "close"
	CloseReasonProducerClose CloseReason = "producerclose"
	CloseReasonTransport     CloseReason = "transportclose"
	CloseReasonRouterClose   CloseReason = "routerclose"
)

// Worker процесс движка, в котором живут роутеры
type Worker interface {
	ID() string
	CreateRouter(ctx context.Context, mediaCodecs []ortc.RtpCodecCapability) (Router, error)
	// OnDied вызывается один раз при гибели воркера
	OnDied(fn func(err error)) Subscription
	Close()
}

// Router маршрутизатор одной комнаты
type Router interface {
	ID() string
	RtpCapabilities() ortc.RtpCapabilities
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (Transport, error)
	// CanConsume проверяет, может ли сторона с caps принять producer
	CanConsume(producerID string, caps ortc.RtpCapabilities) bool
	OnClose(fn func()) Subscription
	Close()
}

// ListenIP адрес, на котором транспорт принимает медиа
type ListenIP struct {
	IP          string `yaml:"ip"`
	AnnouncedIP string `yaml:"announcedIp"`
}

// WebRtcTransportOptions параметры создания WebRTC транспорта
type WebRtcTransportOptions struct {
	ListenIPs                       []ListenIP
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	InitialAvailableOutgoingBitrate uint32
	AppData                         map[string]any
}

// Transport WebRTC транспорт пира
type Transport interface {
	ID() string
	IceParameters() ortc.IceParameters
	IceCandidates() []ortc.IceCandidate
	DtlsParameters() ortc.DtlsParameters
	// Connect передает движку DTLS параметры удаленной стороны
	Connect(ctx context.Context, remote ortc.DtlsParameters) error
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	OnClose(fn func()) Subscription
	Close()
}

// ProducerOptions параметры создания producer
type ProducerOptions struct {
	Kind          ortc.MediaKind
	RtpParameters ortc.RtpParameters
	Paused        bool
	AppData       map[string]any
}

// ConsumerOptions параметры создания consumer
type ConsumerOptions struct {
	ProducerID      string
	RtpCapabilities ortc.RtpCapabilities
	Paused          bool
	AppData         map[string]any
}

// Producer входящий трек
type Producer interface {
	ID() string
	Kind() ortc.MediaKind
	RtpParameters() ortc.RtpParameters
	Paused() bool
	AppData() map[string]any
	OnClose(fn func()) Subscription
	Close()
}

// Consumer исходящий трек, пересылающий producer
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() ortc.MediaKind
	RtpParameters() ortc.RtpParameters
	// Type тип consumer: simple, simulcast, svc
	Type() string
	Paused() bool
	ProducerPaused() bool
	AppData() map[string]any
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	OnClose(fn func(reason CloseReason)) Subscription
	Close()
}
