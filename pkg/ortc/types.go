package ortc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MediaKind тип медиа потока
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Valid проверяет, что тип медиа поддерживается
func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// Direction направление медиа потока или RTP расширения
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// Mirror возвращает направление с точки зрения противоположной стороны
func (d Direction) Mirror() Direction {
	switch d {
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionInactive:
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

// CodecParameters параметры кодека из fmtp (packetization-mode, apt, profile-level-id...)
//
// Значения хранятся строками. В JSON числовые значения принимаются как числа
// и выводятся числами, кроме profile-level-id.
type CodecParameters map[string]string

// Get возвращает значение параметра или def если параметр отсутствует
func (p CodecParameters) Get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Clone возвращает копию параметров
func (p CodecParameters) Clone() CodecParameters {
	if p == nil {
		return nil
	}
	out := make(CodecParameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// UnmarshalJSON принимает как строковые, так и числовые значения
func (p *CodecParameters) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(CodecParameters, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return fmt.Errorf("параметр кодека %q: неподдерживаемое значение %s", k, string(v))
		}
		out[k] = n.String()
	}
	*p = out
	return nil
}

// MarshalJSON выводит целочисленные значения числами
func (p CodecParameters) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any, len(p))
	for k, v := range p {
		if k != "profile-level-id" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && strconv.FormatInt(n, 10) == v {
				raw[k] = n
				continue
			}
		}
		raw[k] = v
	}
	return json.Marshal(raw)
}

// RtcpFeedback тип RTCP обратной связи (nack, nack pli, ccm fir, goog-remb, transport-cc)
type RtcpFeedback struct {
	Type      string `json:"type" yaml:"type"`
	Parameter string `json:"parameter,omitempty" yaml:"parameter,omitempty"`
}

// RtpCodecCapability описывает поддерживаемый кодек
type RtpCodecCapability struct {
	Kind                 MediaKind       `json:"kind" yaml:"kind"`
	MimeType             string          `json:"mimeType" yaml:"mimeType"`
	PreferredPayloadType uint8           `json:"preferredPayloadType,omitempty" yaml:"preferredPayloadType,omitempty"`
	ClockRate            int             `json:"clockRate" yaml:"clockRate"`
	Channels             int             `json:"channels,omitempty" yaml:"channels,omitempty"`
	Parameters           CodecParameters `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback  `json:"rtcpFeedback,omitempty" yaml:"rtcpFeedback,omitempty"`
}

// RtpHeaderExtension описывает поддерживаемое RTP расширение заголовка
type RtpHeaderExtension struct {
	Kind             MediaKind `json:"kind,omitempty"`
	URI              string    `json:"uri"`
	PreferredID      int       `json:"preferredId"`
	PreferredEncrypt bool      `json:"preferredEncrypt,omitempty"`
	Direction        Direction `json:"direction,omitempty"`
}

// RtpCapabilities набор возможностей стороны в порядке предпочтения
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions"`
}

// ExtendedCodec кодек, согласованный обеими сторонами.
// Нулевой RTX payload type означает отсутствие RTX: RTX всегда использует динамический тип.
type ExtendedCodec struct {
	MimeType             string
	Kind                 MediaKind
	ClockRate            int
	Channels             int
	LocalPayloadType     uint8
	LocalRtxPayloadType  uint8
	RemotePayloadType    uint8
	RemoteRtxPayloadType uint8
	LocalParameters      CodecParameters
	RemoteParameters     CodecParameters
	RtcpFeedback         []RtcpFeedback
}

// HasRtx сообщает, есть ли у кодека RTX с обеих сторон
func (c ExtendedCodec) HasRtx() bool {
	return c.LocalRtxPayloadType != 0 && c.RemoteRtxPayloadType != 0
}

// ExtendedHeaderExtension согласованное RTP расширение
type ExtendedHeaderExtension struct {
	Kind      MediaKind
	URI       string
	SendID    int
	RecvID    int
	Encrypt   bool
	Direction Direction
}

// ExtendedRtpCapabilities пересечение возможностей двух сторон
type ExtendedRtpCapabilities struct {
	Codecs           []ExtendedCodec
	HeaderExtensions []ExtendedHeaderExtension
}

// RtpCodecParameters кодек в конкретных RTP параметрах
type RtpCodecParameters struct {
	MimeType     string          `json:"mimeType"`
	PayloadType  uint8           `json:"payloadType"`
	ClockRate    int             `json:"clockRate"`
	Channels     int             `json:"channels,omitempty"`
	Parameters   CodecParameters `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback  `json:"rtcpFeedback,omitempty"`
}

// Capability возвращает кодек в виде capability для сравнения
func (c RtpCodecParameters) Capability() RtpCodecCapability {
	return RtpCodecCapability{
		Kind:                 kindOfMime(c.MimeType),
		MimeType:             c.MimeType,
		PreferredPayloadType: c.PayloadType,
		ClockRate:            c.ClockRate,
		Channels:             c.Channels,
		Parameters:           c.Parameters,
		RtcpFeedback:         c.RtcpFeedback,
	}
}

// RtpHeaderExtensionParameters расширение заголовка в RTP параметрах
type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

// RtxParameters параметры RTX потока
type RtxParameters struct {
	SSRC uint32 `json:"ssrc"`
}

// RtpEncodingParameters одна кодировка (SSRC и опционально RTX SSRC)
type RtpEncodingParameters struct {
	SSRC uint32         `json:"ssrc"`
	Rtx  *RtxParameters `json:"rtx,omitempty"`
}

// RtcpParameters параметры RTCP
type RtcpParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
	Mux         bool   `json:"mux"`
}

// RtpParameters полное описание RTP потока
type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions"`
	Encodings        []RtpEncodingParameters        `json:"encodings"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

// Clone возвращает глубокую копию параметров
func (p RtpParameters) Clone() RtpParameters {
	out := p
	out.Codecs = make([]RtpCodecParameters, len(p.Codecs))
	for i, c := range p.Codecs {
		c.Parameters = c.Parameters.Clone()
		c.RtcpFeedback = append([]RtcpFeedback(nil), c.RtcpFeedback...)
		out.Codecs[i] = c
	}
	out.HeaderExtensions = append([]RtpHeaderExtensionParameters(nil), p.HeaderExtensions...)
	out.Encodings = make([]RtpEncodingParameters, len(p.Encodings))
	for i, e := range p.Encodings {
		if e.Rtx != nil {
			rtx := *e.Rtx
			e.Rtx = &rtx
		}
		out.Encodings[i] = e
	}
	return out
}

// DtlsRole роль стороны в DTLS рукопожатии
type DtlsRole string

const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

// Complement возвращает роль противоположной стороны. Для auto возвращается auto.
func (r DtlsRole) Complement() DtlsRole {
	switch r {
	case DtlsRoleClient:
		return DtlsRoleServer
	case DtlsRoleServer:
		return DtlsRoleClient
	default:
		return DtlsRoleAuto
	}
}

// Setup возвращает значение атрибута a=setup для роли
func (r DtlsRole) Setup() string {
	switch r {
	case DtlsRoleClient:
		return "active"
	case DtlsRoleServer:
		return "passive"
	default:
		return "actpass"
	}
}

// DtlsFingerprint отпечаток сертификата
type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DtlsParameters параметры DTLS стороны
type DtlsParameters struct {
	Role         DtlsRole          `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// IceParameters учетные данные ICE
type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

// IceCandidate ICE кандидат транспорта
type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       int    `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

func kindOfMime(mimeType string) MediaKind {
	kind, _, _ := strings.Cut(strings.ToLower(mimeType), "/")
	return MediaKind(kind)
}
