package media_sdp

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/soft_sfu/pkg/ortc"
)

const (
	sectionPort    = 7
	sectionAddress = "127.0.0.1"
)

var defaultProtos = []string{"UDP", "TLS", "RTP", "SAVPF"}

// Source отправляемый трек секции
type Source struct {
	StreamID  string
	TrackID   string
	CNAME     string
	Encodings []ortc.RtpEncodingParameters
}

// MediaSection одна m= секция SDP документа
type MediaSection struct {
	mid              string
	kind             string
	protos           []string
	formats          []string
	direction        ortc.Direction
	dtlsRole         ortc.DtlsRole
	transport        TransportInfo
	codecs           []ortc.RtpCodecParameters
	headerExtensions []ortc.RtpHeaderExtensionParameters
	sources          []Source
	planB            bool
	closed           bool
}

// OfferSectionParams параметры секции offer (сервер отправляет)
type OfferSectionParams struct {
	Mid           string
	Kind          ortc.MediaKind
	Transport     TransportInfo
	RtpParameters ortc.RtpParameters
	StreamID      string
	TrackID       string
	PlanB         bool
}

// NewOfferMediaSection создает sendonly секцию с одним треком
func NewOfferMediaSection(p OfferSectionParams) *MediaSection {
	s := &MediaSection{
		mid:              p.Mid,
		kind:             string(p.Kind),
		protos:           defaultProtos,
		direction:        ortc.DirectionSendOnly,
		dtlsRole:         ortc.DtlsRoleAuto,
		transport:        p.Transport,
		codecs:           p.RtpParameters.Codecs,
		headerExtensions: p.RtpParameters.HeaderExtensions,
		planB:            p.PlanB,
	}
	s.sources = []Source{sourceFrom(p.RtpParameters, p.StreamID, p.TrackID)}
	return s
}

// AnswerSectionParams параметры секции answer (сервер принимает)
type AnswerSectionParams struct {
	Offer               *sdp.MediaDescription
	Transport           TransportInfo
	AnswerRtpParameters ortc.RtpParameters
	DtlsRole            ortc.DtlsRole
	// Receive false делает секцию inactive: клиент ничего не отправляет
	Receive bool
	PlanB   bool
}

// NewAnswerMediaSection создает секцию ответа на секцию offer
func NewAnswerMediaSection(p AnswerSectionParams) *MediaSection {
	s := &MediaSection{
		mid:       ortc.Mid(p.Offer),
		kind:      p.Offer.MediaName.Media,
		protos:    p.Offer.MediaName.Protos,
		direction: ortc.DirectionInactive,
		dtlsRole:  p.DtlsRole,
		transport: p.Transport,
		codecs:    p.AnswerRtpParameters.Codecs,
		planB:     p.PlanB,
	}
	if p.Receive {
		s.direction = ortc.DirectionRecvOnly
	}

	offered := make(map[string]bool)
	for _, attr := range p.Offer.Attributes {
		if attr.Key != "extmap" {
			continue
		}
		if fields := strings.Fields(attr.Value); len(fields) > 1 {
			offered[fields[1]] = true
		}
	}
	for _, ext := range p.AnswerRtpParameters.HeaderExtensions {
		if offered[ext.URI] {
			s.headerExtensions = append(s.headerExtensions, ext)
		}
	}
	return s
}

// NewRejectedMediaSection создает закрытую секцию для неподдерживаемой секции offer
func NewRejectedMediaSection(offer *sdp.MediaDescription, transport TransportInfo) *MediaSection {
	return &MediaSection{
		mid:       ortc.Mid(offer),
		kind:      offer.MediaName.Media,
		protos:    offer.MediaName.Protos,
		formats:   offer.MediaName.Formats,
		direction: ortc.DirectionInactive,
		dtlsRole:  ortc.DtlsRoleClient,
		transport: transport,
		closed:    true,
	}
}

// Mid возвращает идентификатор секции
func (s *MediaSection) Mid() string { return s.mid }

// Kind возвращает тип медиа секции
func (s *MediaSection) Kind() string { return s.kind }

// Closed сообщает, закрыта ли секция
func (s *MediaSection) Closed() bool { return s.closed }

// Direction возвращает направление секции
func (s *MediaSection) Direction() ortc.Direction { return s.direction }

// Sources возвращает треки секции
func (s *MediaSection) Sources() []Source {
	return append([]Source(nil), s.sources...)
}

// SetDtlsRole задает роль DTLS, записываемую в a=setup
func (s *MediaSection) SetDtlsRole(role ortc.DtlsRole) {
	s.dtlsRole = role
}

// Close превращает секцию в неактивную заглушку с тем же mid
func (s *MediaSection) Close() {
	s.closed = true
	s.direction = ortc.DirectionInactive
	s.sources = nil
	s.headerExtensions = nil
}

// HasTrack сообщает, отправляется ли трек в секции
func (s *MediaSection) HasTrack(trackID string) bool {
	for _, src := range s.sources {
		if src.TrackID == trackID {
			return true
		}
	}
	return false
}

// PlanBReceive добавляет трек в секцию. Повторное добавление трека игнорируется.
func (s *MediaSection) PlanBReceive(params ortc.RtpParameters, streamID, trackID string) bool {
	if s.HasTrack(trackID) {
		return false
	}
	s.sources = append(s.sources, sourceFrom(params, streamID, trackID))
	return true
}

// PlanBStopReceiving удаляет трек из секции
func (s *MediaSection) PlanBStopReceiving(trackID string) bool {
	for i, src := range s.sources {
		if src.TrackID == trackID {
			s.sources = append(s.sources[:i], s.sources[i+1:]...)
			return true
		}
	}
	return false
}

// Description формирует m= секцию
func (s *MediaSection) Description() *sdp.MediaDescription {
	port := sectionPort
	if s.closed {
		port = 0
	}

	formats := s.formats
	if len(s.codecs) > 0 {
		formats = make([]string, 0, len(s.codecs))
		for _, c := range s.codecs {
			formats = append(formats, strconv.Itoa(int(c.PayloadType)))
		}
	}
	protos := s.protos
	if len(protos) == 0 {
		protos = defaultProtos
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   s.kind,
			Port:    sdp.RangedPort{Value: port},
			Protos:  protos,
			Formats: formats,
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: sectionAddress},
		},
	}

	var attrs []sdp.Attribute
	attrs = append(attrs,
		sdp.NewAttribute("ice-ufrag", s.transport.IceParameters.UsernameFragment),
		sdp.NewAttribute("ice-pwd", s.transport.IceParameters.Password),
	)
	for _, c := range s.transport.IceCandidates {
		attrs = append(attrs, sdp.NewAttribute("candidate", candidateValue(c)))
	}
	if len(s.transport.IceCandidates) > 0 {
		attrs = append(attrs, sdp.NewPropertyAttribute("end-of-candidates"))
	}
	attrs = append(attrs,
		sdp.NewAttribute("ice-options", "renomination"),
		sdp.NewAttribute("setup", s.dtlsRole.Setup()),
		sdp.NewAttribute("mid", s.mid),
		sdp.NewPropertyAttribute(string(s.direction)),
	)

	if !s.closed && !s.planB && s.direction == ortc.DirectionSendOnly && len(s.sources) > 0 {
		src := s.sources[0]
		attrs = append(attrs, sdp.NewAttribute("msid", src.StreamID+" "+src.TrackID))
	}

	if s.kind == string(ortc.MediaKindAudio) || s.kind == string(ortc.MediaKindVideo) {
		attrs = append(attrs,
			sdp.NewPropertyAttribute("rtcp-mux"),
			sdp.NewPropertyAttribute("rtcp-rsize"),
		)
	}

	for _, ext := range s.headerExtensions {
		attrs = append(attrs, sdp.NewAttribute("extmap", fmt.Sprintf("%d %s", ext.ID, ext.URI)))
	}

	for _, c := range s.codecs {
		attrs = append(attrs, sdp.NewAttribute("rtpmap", rtpmapValue(c)))
		if fmtp := fmtpValue(c.Parameters); fmtp != "" {
			attrs = append(attrs, sdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", c.PayloadType, fmtp)))
		}
		for _, fb := range c.RtcpFeedback {
			value := fmt.Sprintf("%d %s", c.PayloadType, fb.Type)
			if fb.Parameter != "" {
				value += " " + fb.Parameter
			}
			attrs = append(attrs, sdp.NewAttribute("rtcp-fb", value))
		}
	}

	if !s.closed && s.direction == ortc.DirectionSendOnly {
		for _, src := range s.sources {
			attrs = append(attrs, sourceAttributes(src)...)
		}
	}

	media.Attributes = attrs
	return media
}

func sourceFrom(params ortc.RtpParameters, streamID, trackID string) Source {
	encodings := make([]ortc.RtpEncodingParameters, len(params.Encodings))
	copy(encodings, params.Encodings)
	return Source{
		StreamID:  streamID,
		TrackID:   trackID,
		CNAME:     params.Rtcp.CNAME,
		Encodings: encodings,
	}
}

func sourceAttributes(src Source) []sdp.Attribute {
	var attrs []sdp.Attribute
	for _, enc := range src.Encodings {
		if enc.Rtx != nil {
			attrs = append(attrs, sdp.NewAttribute("ssrc-group", fmt.Sprintf("FID %d %d", enc.SSRC, enc.Rtx.SSRC)))
		}
	}
	msid := src.StreamID + " " + src.TrackID
	for _, enc := range src.Encodings {
		ssrcs := []uint32{enc.SSRC}
		if enc.Rtx != nil {
			ssrcs = append(ssrcs, enc.Rtx.SSRC)
		}
		for _, ssrc := range ssrcs {
			attrs = append(attrs,
				sdp.NewAttribute("ssrc", fmt.Sprintf("%d cname:%s", ssrc, src.CNAME)),
				sdp.NewAttribute("ssrc", fmt.Sprintf("%d msid:%s", ssrc, msid)),
			)
		}
	}
	return attrs
}

func candidateValue(c ortc.IceCandidate) string {
	value := fmt.Sprintf("%s 1 %s %d %s %d typ %s", c.Foundation, c.Protocol, c.Priority, c.IP, c.Port, c.Type)
	if c.TCPType != "" {
		value += " tcptype " + c.TCPType
	}
	return value
}

func rtpmapValue(c ortc.RtpCodecParameters) string {
	_, name, _ := strings.Cut(c.MimeType, "/")
	value := fmt.Sprintf("%d %s/%d", c.PayloadType, name, c.ClockRate)
	if c.Channels > 1 {
		value += "/" + strconv.Itoa(c.Channels)
	}
	return value
}

func fmtpValue(params ortc.CodecParameters) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ";")
}
