package media_sdp

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// OfferAssembler собирает offer с треками, которые сервер отправляет клиенту.
// Состояние секций сохраняется между вызовами: mid трека не меняется при
// повторных согласованиях.
type OfferAssembler struct {
	mu     sync.Mutex
	config OfferConfig
	doc    *document
	logger *zap.Logger
}

// NewOfferAssembler создает сборщик offer для транспорта
func NewOfferAssembler(config OfferConfig) (*OfferAssembler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &OfferAssembler{
		config: config,
		doc:    newDocument(config.Transport),
		logger: loggerOrNop(config.Logger).With(zap.String("transport_id", config.TransportID)),
	}, nil
}

// CreateOffer добавляет consumers и сериализует документ.
// Версия сессии продолжается от max(version, текущая версия).
func (a *OfferAssembler) CreateOffer(consumers []Consumer, version uint64) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if version > a.doc.version {
		a.doc.version = version
	}
	for _, c := range consumers {
		if err := a.send(c); err != nil {
			return "", err
		}
	}
	return a.doc.marshal()
}

// Send добавляет трек consumer в документ
func (a *OfferAssembler) Send(c Consumer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.send(c)
}

func (a *OfferAssembler) send(c Consumer) error {
	streamID := c.RtpParameters.Rtcp.CNAME
	trackID := c.ID
	mid := a.midFor(c)

	a.logger.Debug("добавление consumer в offer",
		zap.String("consumer_id", c.ID),
		zap.String("kind", string(c.Kind)),
		zap.String("mid", mid))

	section := NewOfferMediaSection(OfferSectionParams{
		Mid:           mid,
		Kind:          c.Kind,
		Transport:     a.config.Transport,
		RtpParameters: c.RtpParameters,
		StreamID:      streamID,
		TrackID:       trackID,
		PlanB:         a.config.PlanB,
	})

	if existing, ok := a.doc.section(mid); ok {
		if a.config.PlanB {
			existing.PlanBReceive(c.RtpParameters, streamID, trackID)
			return a.doc.replace(existing, "")
		}
		return a.doc.replace(section, "")
	}

	a.doc.add(section)
	return nil
}

func (a *OfferAssembler) midFor(c Consumer) string {
	if a.config.PlanB {
		return string(c.Kind)
	}
	if c.RtpParameters.Mid != "" {
		return c.RtpParameters.Mid
	}
	// Следующий свободный индекс
	for n := len(a.doc.midIndex); ; n++ {
		mid := strconv.Itoa(n)
		if _, taken := a.doc.midIndex[mid]; !taken {
			return mid
		}
	}
}

// CloseConsumer убирает трек consumer из документа.
// В Unified Plan секция закрывается, в Plan B из нее удаляется трек.
func (a *OfferAssembler) CloseConsumer(c Consumer) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config.PlanB {
		section, ok := a.doc.section(string(c.Kind))
		if !ok {
			return false
		}
		return section.PlanBStopReceiving(c.ID)
	}

	for _, section := range a.doc.sections {
		if !section.Closed() && section.HasTrack(c.ID) {
			section.Close()
			return true
		}
	}
	return false
}

// ReplaceMediaSection заменяет секцию документа.
// С reuseMid секция занимает место секции reuseMid, иначе секции с тем же mid.
func (a *OfferAssembler) ReplaceMediaSection(section *MediaSection, reuseMid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.doc.replace(section, reuseMid)
}

// SDP сериализует текущее состояние документа, увеличивая версию
func (a *OfferAssembler) SDP() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.doc.marshal()
}

// Mids возвращает mid всех секций в порядке документа
func (a *OfferAssembler) Mids() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.doc.mids()
}

// Version возвращает версию последнего сериализованного документа
func (a *OfferAssembler) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.doc.version
}
