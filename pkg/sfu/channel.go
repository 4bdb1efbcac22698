package sfu

// Имена событий, отправляемых клиенту
const (
	EventPeerEnter      = "peerEnter"
	EventPeerLeave      = "peerLeave"
	EventNewProducer    = "newProducer"
	EventConsumerClosed = "consumerClosed"
)

// Channel исходящая сторона соединения пира.
// Реализуется транспортом сигнализации.
type Channel interface {
	// Notify отправляет клиенту событие без ожидания ответа
	Notify(event string, data any) error
	// Close разрывает соединение
	Close() error
}

// PeerInfo данные пира в событиях peerEnter и peerLeave
type PeerInfo struct {
	PeerID string `json:"peerId"`
	Name   string `json:"name,omitempty"`
}

// NewProducerEvent данные события newProducer
type NewProducerEvent struct {
	PeerID     string `json:"peerId"`
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
}

// ConsumerClosedEvent данные события consumerClosed
type ConsumerClosedEvent struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId"`
	Reason     string `json:"reason"`
}
