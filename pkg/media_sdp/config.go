package media_sdp

import (
	"go.uber.org/zap"

	"github.com/arzzra/soft_sfu/pkg/ortc"
)

// TransportInfo ICE и DTLS данные серверного транспорта
type TransportInfo struct {
	IceParameters  ortc.IceParameters
	IceCandidates  []ortc.IceCandidate
	DtlsParameters ortc.DtlsParameters
}

// OfferConfig содержит конфигурацию для сборки SDP offer
type OfferConfig struct {
	TransportID string
	Transport   TransportInfo
	// PlanB одна секция на тип медиа вместо секции на трек
	PlanB  bool
	Logger *zap.Logger
}

// AnswerConfig содержит конфигурацию для обработки SDP Offer и создания Answer
type AnswerConfig struct {
	TransportID string
	Transport   TransportInfo
	PlanB       bool
	// RouterCapabilities возможности роутера комнаты (приоритет по порядку)
	RouterCapabilities ortc.RtpCapabilities
	Logger             *zap.Logger
}

// DefaultOfferConfig возвращает конфигурацию по умолчанию для offer
func DefaultOfferConfig(transportID string, transport TransportInfo) OfferConfig {
	return OfferConfig{
		TransportID: transportID,
		Transport:   transport,
		Logger:      zap.NewNop(),
	}
}

// DefaultAnswerConfig возвращает конфигурацию по умолчанию для answer
func DefaultAnswerConfig(transportID string, transport TransportInfo, caps ortc.RtpCapabilities) AnswerConfig {
	return AnswerConfig{
		TransportID:        transportID,
		Transport:          transport,
		RouterCapabilities: caps,
		Logger:             zap.NewNop(),
	}
}

// Validate проверяет наличие ICE и DTLS данных
func (t *TransportInfo) Validate() error {
	if t.IceParameters.UsernameFragment == "" {
		return NewSDPError(ErrorCodeInvalidConfig, "IceParameters.UsernameFragment не может быть пустым")
	}

	if t.IceParameters.Password == "" {
		return NewSDPError(ErrorCodeInvalidConfig, "IceParameters.Password не может быть пустым")
	}

	if len(t.DtlsParameters.Fingerprints) == 0 {
		return NewSDPError(ErrorCodeInvalidConfig, "DtlsParameters.Fingerprints не может быть пустым")
	}

	return nil
}

// Validate проверяет корректность конфигурации offer
func (c *OfferConfig) Validate() error {
	if c.TransportID == "" {
		return NewSDPError(ErrorCodeInvalidConfig, "TransportID не может быть пустым")
	}

	return c.Transport.Validate()
}

// Validate проверяет корректность конфигурации answer
func (c *AnswerConfig) Validate() error {
	if c.TransportID == "" {
		return NewSDPError(ErrorCodeInvalidConfig, "TransportID не может быть пустым")
	}

	if len(c.RouterCapabilities.Codecs) == 0 {
		return NewSDPError(ErrorCodeInvalidConfig, "RouterCapabilities.Codecs не может быть пустым")
	}

	// Проверяем уникальность payload types
	payloadTypes := make(map[uint8]bool)
	for _, codec := range c.RouterCapabilities.Codecs {
		if payloadTypes[codec.PreferredPayloadType] {
			return NewSDPError(ErrorCodeInvalidConfig,
				"Дублированный PayloadType: %d", codec.PreferredPayloadType)
		}
		payloadTypes[codec.PreferredPayloadType] = true

		if codec.ClockRate == 0 {
			return NewSDPError(ErrorCodeInvalidConfig,
				"ClockRate для кодека %s должен быть больше 0", codec.MimeType)
		}
	}

	return c.Transport.Validate()
}

func loggerOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
