package media_sdp

import (
	"sync"

	"github.com/pion/sdp/v3"
	"go.uber.org/zap"

	"github.com/arzzra/soft_sfu/pkg/ortc"
)

// AnswerAssembler отвечает на offer клиента, который отправляет треки серверу
type AnswerAssembler struct {
	mu     sync.Mutex
	config AnswerConfig
	doc    *document
	logger *zap.Logger
}

// NewAnswerAssembler создает сборщик answer для транспорта
func NewAnswerAssembler(config AnswerConfig) (*AnswerAssembler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &AnswerAssembler{
		config: config,
		doc:    newDocument(config.Transport),
		logger: loggerOrNop(config.Logger).With(zap.String("transport_id", config.TransportID)),
	}, nil
}

// AnswerTo обрабатывает offer и формирует answer.
// При ошибке документ остается в состоянии предыдущего успешного вызова.
func (a *AnswerAssembler) AnswerTo(offerSDP string) (*Answer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	offer, err := ParseSessionDescription(offerSDP)
	if err != nil {
		return nil, WrapSDPError(ErrorCodeSDPParsing, a.config.TransportID, err, "Некорректный offer")
	}

	remoteDtls, err := ortc.ExtractDtlsParameters(offer)
	if err != nil {
		return nil, WrapSDPError(ErrorCodeNegotiation, a.config.TransportID, err, "Не удалось получить DTLS параметры offer")
	}
	localRole := remoteDtls.Role.Complement()
	if localRole == ortc.DtlsRoleAuto {
		localRole = ortc.DtlsRoleClient
	}
	remoteDtls.Role = localRole.Complement()

	// Возможности вычисляются один раз на документ
	offerCaps := ortc.ExtractRtpCapabilities(offer)
	extended := ortc.ComputeExtended(a.config.RouterCapabilities, offerCaps)

	var (
		sections  []*MediaSection
		producers []ProducerRequest
	)
	for _, media := range offer.MediaDescriptions {
		section, reqs, err := a.answerSection(media, extended, localRole)
		if err != nil {
			return nil, err
		}
		sections = append(sections, section)
		producers = append(producers, reqs...)
	}

	for _, s := range sections {
		if _, exists := a.doc.section(s.Mid()); exists {
			if err := a.doc.replace(s, ""); err != nil {
				return nil, err
			}
			continue
		}
		a.doc.add(s)
	}

	text, err := a.doc.marshal()
	if err != nil {
		return nil, err
	}

	a.logger.Debug("сформирован answer",
		zap.Int("sections", len(sections)),
		zap.Int("producers", len(producers)),
		zap.Uint64("version", a.doc.version))

	return &Answer{
		Producers:            producers,
		RemoteDtlsParameters: remoteDtls,
		LocalDtlsRole:        localRole,
		SDP:                  text,
	}, nil
}

func (a *AnswerAssembler) answerSection(
	media *sdp.MediaDescription,
	extended ortc.ExtendedRtpCapabilities,
	role ortc.DtlsRole,
) (*MediaSection, []ProducerRequest, error) {
	mid := ortc.Mid(media)
	if mid == "" {
		return nil, nil, NewSDPErrorWithTransport(ErrorCodeSDPParsing, a.config.TransportID,
			"секция %s без a=mid", media.MediaName.Media)
	}

	kind := ortc.MediaKind(media.MediaName.Media)
	if !kind.Valid() {
		return NewRejectedMediaSection(media, a.config.Transport), nil, nil
	}

	direction := ortc.MediaDirection(media)
	sending := media.MediaName.Port.Value != 0 &&
		(direction == ortc.DirectionSendOnly || direction == ortc.DirectionSendRecv)

	offerParams := ortc.GetSendingRtpParameters(kind, extended)
	answerParams := ortc.GetSendingRemoteRtpParameters(kind, extended)
	codecs, err := ortc.ReduceCodecs(answerParams.Codecs, nil)
	if err != nil {
		if !sending {
			return NewRejectedMediaSection(media, a.config.Transport), nil, nil
		}
		return nil, nil, WrapSDPError(ErrorCodeIncompatibleCodec, a.config.TransportID, err,
			"нет общего кодека для секции %s", mid)
	}
	answerParams.Codecs = codecs

	section := NewAnswerMediaSection(AnswerSectionParams{
		Offer:               media,
		Transport:           a.config.Transport,
		AnswerRtpParameters: answerParams,
		DtlsRole:            role,
		Receive:             sending,
		PlanB:               a.config.PlanB,
	})
	if !sending {
		return section, nil, nil
	}

	offerParams.Rtcp = ortc.RtcpParameters{CNAME: ortc.CNAME(media), ReducedSize: true, Mux: true}

	trackIDs := ortc.TrackIDs(media)
	if !a.config.PlanB || len(trackIDs) == 0 {
		encodings, err := ortc.ExtractEncodings(media, "")
		if err != nil {
			return nil, nil, WrapSDPError(ErrorCodeNegotiation, a.config.TransportID, err,
				"не удалось получить кодировки секции %s", mid)
		}
		params := offerParams.Clone()
		params.Mid = mid
		params.Encodings = encodings

		trackID := ortc.TrackID(media)
		if trackID == "" {
			trackID = mid
		}
		return section, []ProducerRequest{{Kind: kind, RtpParameters: params, TrackID: trackID}}, nil
	}

	// Plan B: каждый msid секции - отдельный трек
	producers := make([]ProducerRequest, 0, len(trackIDs))
	for _, trackID := range trackIDs {
		encodings, err := ortc.ExtractEncodings(media, trackID)
		if err != nil {
			return nil, nil, WrapSDPError(ErrorCodeNegotiation, a.config.TransportID, err,
				"не удалось получить кодировки трека %s", trackID)
		}
		params := offerParams.Clone()
		params.Encodings = encodings
		producers = append(producers, ProducerRequest{Kind: kind, RtpParameters: params, TrackID: trackID})
	}
	return section, producers, nil
}

// SDP сериализует последний answer, увеличивая версию
func (a *AnswerAssembler) SDP() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.doc.marshal()
}

// Mids возвращает mid всех секций в порядке документа
func (a *AnswerAssembler) Mids() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.doc.mids()
}
