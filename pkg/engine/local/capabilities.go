package local

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arzzra/soft_sfu/pkg/ortc"
)

const (
	uriMid         = "urn:ietf:params:rtp-hdrext:sdes:mid"
	uriAbsSendTime = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	uriTransportCC = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	uriAudioLevel  = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	uriOrientation = "urn:3gpp:video-orientation"
	uriToffset     = "urn:ietf:params:rtp-hdrext:toffset"
)

var videoFeedback = []ortc.RtcpFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
	{Type: "transport-cc"},
}

// supportedCodecs кодеки, которые движок умеет пересылать
var supportedCodecs = []ortc.RtpCodecCapability{
	{Kind: ortc.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2,
		RtcpFeedback: []ortc.RtcpFeedback{{Type: "transport-cc"}}},
	{Kind: ortc.MediaKindAudio, MimeType: "audio/PCMU", PreferredPayloadType: 0, ClockRate: 8000, Channels: 1,
		RtcpFeedback: []ortc.RtcpFeedback{{Type: "transport-cc"}}},
	{Kind: ortc.MediaKindAudio, MimeType: "audio/PCMA", PreferredPayloadType: 8, ClockRate: 8000, Channels: 1,
		RtcpFeedback: []ortc.RtcpFeedback{{Type: "transport-cc"}}},
	{Kind: ortc.MediaKindAudio, MimeType: "audio/G722", PreferredPayloadType: 9, ClockRate: 8000, Channels: 1,
		RtcpFeedback: []ortc.RtcpFeedback{{Type: "transport-cc"}}},
	{Kind: ortc.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000, RtcpFeedback: videoFeedback},
	{Kind: ortc.MediaKindVideo, MimeType: "video/VP9", ClockRate: 90000, RtcpFeedback: videoFeedback},
	{Kind: ortc.MediaKindVideo, MimeType: "video/H264", ClockRate: 90000, RtcpFeedback: videoFeedback},
	{Kind: ortc.MediaKindVideo, MimeType: "video/H265", ClockRate: 90000, RtcpFeedback: videoFeedback},
}

// supportedHeaderExtensions расширения заголовка, известные движку
var supportedHeaderExtensions = []ortc.RtpHeaderExtension{
	{Kind: ortc.MediaKindAudio, URI: uriMid, PreferredID: 1, Direction: ortc.DirectionSendRecv},
	{Kind: ortc.MediaKindVideo, URI: uriMid, PreferredID: 1, Direction: ortc.DirectionSendRecv},
	{Kind: ortc.MediaKindAudio, URI: uriAbsSendTime, PreferredID: 4, Direction: ortc.DirectionSendRecv},
	{Kind: ortc.MediaKindVideo, URI: uriAbsSendTime, PreferredID: 4, Direction: ortc.DirectionSendRecv},
	{Kind: ortc.MediaKindAudio, URI: uriTransportCC, PreferredID: 5, Direction: ortc.DirectionRecvOnly},
	{Kind: ortc.MediaKindVideo, URI: uriTransportCC, PreferredID: 5, Direction: ortc.DirectionSendRecv},
	{Kind: ortc.MediaKindAudio, URI: uriAudioLevel, PreferredID: 10, Direction: ortc.DirectionSendRecv},
	{Kind: ortc.MediaKindVideo, URI: uriOrientation, PreferredID: 11, Direction: ortc.DirectionSendRecv},
	{Kind: ortc.MediaKindVideo, URI: uriToffset, PreferredID: 12, Direction: ortc.DirectionSendRecv},
}

// dynamicPayloadTypes динамические payload types в порядке выдачи
func dynamicPayloadTypes() []uint8 {
	pts := make([]uint8, 0, 128-96)
	for pt := 100; pt <= 127; pt++ {
		pts = append(pts, uint8(pt))
	}
	for pt := 96; pt < 100; pt++ {
		pts = append(pts, uint8(pt))
	}
	return pts
}

// GenerateRouterCapabilities строит возможности роутера из кодеков конфигурации.
// Каждому видео кодеку добавляется RTX со следующим свободным payload type.
func GenerateRouterCapabilities(mediaCodecs []ortc.RtpCodecCapability) (ortc.RtpCapabilities, error) {
	if len(mediaCodecs) == 0 {
		return ortc.RtpCapabilities{}, fmt.Errorf("список кодеков роутера пуст")
	}

	caps := ortc.RtpCapabilities{
		HeaderExtensions: append([]ortc.RtpHeaderExtension(nil), supportedHeaderExtensions...),
	}
	dynamic := dynamicPayloadTypes()
	takePT := func() (uint8, error) {
		if len(dynamic) == 0 {
			return 0, fmt.Errorf("закончились динамические payload types")
		}
		pt := dynamic[0]
		dynamic = dynamic[1:]
		return pt, nil
	}
	used := make(map[uint8]bool)

	for _, mediaCodec := range mediaCodecs {
		if !mediaCodec.Kind.Valid() {
			return ortc.RtpCapabilities{}, fmt.Errorf("неверный kind кодека %s: %q", mediaCodec.MimeType, mediaCodec.Kind)
		}
		if mediaCodec.ClockRate <= 0 {
			return ortc.RtpCapabilities{}, fmt.Errorf("clockRate кодека %s должен быть больше 0", mediaCodec.MimeType)
		}
		supported, ok := findSupportedCodec(mediaCodec)
		if !ok {
			return ortc.RtpCapabilities{}, fmt.Errorf("кодек не поддерживается: %s", mediaCodec.MimeType)
		}

		codec := supported
		codec.RtcpFeedback = append([]ortc.RtcpFeedback(nil), supported.RtcpFeedback...)
		codec.Parameters = mediaCodec.Parameters.Clone()

		switch {
		case mediaCodec.PreferredPayloadType > 0:
			codec.PreferredPayloadType = mediaCodec.PreferredPayloadType
			dynamic = removePT(dynamic, codec.PreferredPayloadType)
		case supported.PreferredPayloadType == 0 && !isStaticCodec(supported):
			pt, err := takePT()
			if err != nil {
				return ortc.RtpCapabilities{}, err
			}
			codec.PreferredPayloadType = pt
		}
		if used[codec.PreferredPayloadType] {
			return ortc.RtpCapabilities{}, fmt.Errorf("дублированный payload type %d", codec.PreferredPayloadType)
		}
		used[codec.PreferredPayloadType] = true
		caps.Codecs = append(caps.Codecs, codec)

		if codec.Kind != ortc.MediaKindVideo {
			continue
		}
		pt, err := takePT()
		if err != nil {
			return ortc.RtpCapabilities{}, err
		}
		used[pt] = true
		caps.Codecs = append(caps.Codecs, ortc.RtpCodecCapability{
			Kind:                 codec.Kind,
			MimeType:             string(codec.Kind) + "/rtx",
			PreferredPayloadType: pt,
			ClockRate:            codec.ClockRate,
			Parameters:           ortc.CodecParameters{"apt": strconv.Itoa(int(codec.PreferredPayloadType))},
		})
	}

	return caps, nil
}

// isStaticCodec кодек со статическим payload type из RFC 3551
func isStaticCodec(c ortc.RtpCodecCapability) bool {
	switch strings.ToLower(c.MimeType) {
	case "audio/pcmu", "audio/pcma", "audio/g722":
		return true
	}
	return false
}

func findSupportedCodec(codec ortc.RtpCodecCapability) (ortc.RtpCodecCapability, bool) {
	channels := codec.Channels
	if codec.Kind == ortc.MediaKindAudio && channels == 0 {
		channels = 1
	}
	for _, s := range supportedCodecs {
		if strings.EqualFold(s.MimeType, codec.MimeType) && s.ClockRate == codec.ClockRate && s.Channels == channels {
			return s, true
		}
	}
	return ortc.RtpCodecCapability{}, false
}

func removePT(pts []uint8, pt uint8) []uint8 {
	for i, v := range pts {
		if v == pt {
			return append(pts[:i:i], pts[i+1:]...)
		}
	}
	return pts
}

// mapProducerCodecs сопоставляет кодеки producer кодекам роутера.
// Возвращает payload type producer -> кодек роутера.
func mapProducerCodecs(params ortc.RtpParameters, caps ortc.RtpCapabilities) (map[uint8]ortc.RtpCodecCapability, error) {
	mapping := make(map[uint8]ortc.RtpCodecCapability)

	for _, codec := range params.Codecs {
		if ortc.IsRtxCodec(codec.MimeType) {
			continue
		}
		matched := false
		for _, capCodec := range caps.Codecs {
			candidate := capCodec
			if ortc.MatchCodecs(&candidate, codec.Capability(), ortc.MatchOptions{Strict: true}) {
				mapping[codec.PayloadType] = capCodec
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("неподдерживаемый кодек [mimeType:%s, payloadType:%d]", codec.MimeType, codec.PayloadType)
		}
	}
	if len(mapping) == 0 {
		return nil, fmt.Errorf("в RTP параметрах нет медиа кодека")
	}

	for _, codec := range params.Codecs {
		if !ortc.IsRtxCodec(codec.MimeType) {
			continue
		}
		apt, err := strconv.Atoi(codec.Parameters.Get("apt", ""))
		if err != nil {
			return nil, fmt.Errorf("RTX payload type %d без apt", codec.PayloadType)
		}
		media, ok := mapping[uint8(apt)]
		if !ok {
			return nil, fmt.Errorf("нет медиа кодека для RTX payload type %d", codec.PayloadType)
		}
		rtx, ok := findRtx(caps.Codecs, media.PreferredPayloadType)
		if !ok {
			return nil, fmt.Errorf("нет RTX для кодека роутера %d", media.PreferredPayloadType)
		}
		mapping[codec.PayloadType] = rtx
	}
	return mapping, nil
}

func findRtx(codecs []ortc.RtpCodecCapability, pt uint8) (ortc.RtpCodecCapability, bool) {
	apt := strconv.Itoa(int(pt))
	for _, c := range codecs {
		if ortc.IsRtxCodec(c.MimeType) && c.Parameters["apt"] == apt {
			return c, true
		}
	}
	return ortc.RtpCodecCapability{}, false
}

// consumableParameters параметры потока producer в терминах роутера:
// payload types роутера, параметры producer, расширения роутера для отправки.
func consumableParameters(kind ortc.MediaKind, params ortc.RtpParameters, caps ortc.RtpCapabilities) (ortc.RtpParameters, error) {
	mapping, err := mapProducerCodecs(params, caps)
	if err != nil {
		return ortc.RtpParameters{}, err
	}

	out := ortc.RtpParameters{
		Rtcp: ortc.RtcpParameters{CNAME: params.Rtcp.CNAME, ReducedSize: true, Mux: true},
	}
	for _, codec := range params.Codecs {
		if ortc.IsRtxCodec(codec.MimeType) {
			continue
		}
		capCodec := mapping[codec.PayloadType]
		out.Codecs = append(out.Codecs, ortc.RtpCodecParameters{
			MimeType:     capCodec.MimeType,
			PayloadType:  capCodec.PreferredPayloadType,
			ClockRate:    capCodec.ClockRate,
			Channels:     capCodec.Channels,
			Parameters:   codec.Parameters.Clone(),
			RtcpFeedback: append([]ortc.RtcpFeedback(nil), capCodec.RtcpFeedback...),
		})
		if rtx, ok := findRtx(caps.Codecs, capCodec.PreferredPayloadType); ok {
			out.Codecs = append(out.Codecs, ortc.RtpCodecParameters{
				MimeType:    rtx.MimeType,
				PayloadType: rtx.PreferredPayloadType,
				ClockRate:   rtx.ClockRate,
				Parameters:  rtx.Parameters.Clone(),
			})
		}
	}

	for _, ext := range caps.HeaderExtensions {
		if ext.Kind != kind || (ext.Direction != ortc.DirectionSendRecv && ext.Direction != ortc.DirectionSendOnly) {
			continue
		}
		out.HeaderExtensions = append(out.HeaderExtensions, ortc.RtpHeaderExtensionParameters{
			URI:     ext.URI,
			ID:      ext.PreferredID,
			Encrypt: ext.PreferredEncrypt,
		})
	}
	return out, nil
}

// canConsume сообщает, есть ли у caps хотя бы один медиа кодек потока
func canConsume(consumable ortc.RtpParameters, caps ortc.RtpCapabilities) bool {
	for _, codec := range consumable.Codecs {
		if ortc.IsRtxCodec(codec.MimeType) {
			continue
		}
		for _, capCodec := range caps.Codecs {
			candidate := capCodec
			if ortc.MatchCodecs(&candidate, codec.Capability(), ortc.MatchOptions{Strict: true}) {
				return true
			}
		}
	}
	return false
}

// consumerParameters сужает параметры потока до возможностей получателя.
// SSRC выдаются вызывающей стороной.
func consumerParameters(consumable ortc.RtpParameters, caps ortc.RtpCapabilities) (ortc.RtpParameters, bool, error) {
	var matched []ortc.RtpCodecParameters
	for _, codec := range consumable.Codecs {
		for _, capCodec := range caps.Codecs {
			candidate := capCodec
			if ortc.MatchCodecs(&candidate, codec.Capability(), ortc.MatchOptions{Strict: true}) {
				c := codec
				c.Parameters = codec.Parameters.Clone()
				c.RtcpFeedback = append([]ortc.RtcpFeedback(nil), capCodec.RtcpFeedback...)
				matched = append(matched, c)
				break
			}
		}
	}

	// RTX без своего медиа кодека отбрасывается
	rtxSupported := false
	codecs := matched[:0]
	for _, codec := range matched {
		if !ortc.IsRtxCodec(codec.MimeType) {
			codecs = append(codecs, codec)
			continue
		}
		apt := codec.Parameters.Get("apt", "")
		for _, media := range matched {
			if !ortc.IsRtxCodec(media.MimeType) && strconv.Itoa(int(media.PayloadType)) == apt {
				rtxSupported = true
				codecs = append(codecs, codec)
				break
			}
		}
	}
	if len(codecs) == 0 || ortc.IsRtxCodec(codecs[0].MimeType) {
		return ortc.RtpParameters{}, false, fmt.Errorf("нет совместимых медиа кодеков")
	}

	out := ortc.RtpParameters{
		Codecs: codecs,
		Rtcp:   consumable.Rtcp,
	}
	for _, ext := range consumable.HeaderExtensions {
		for _, capExt := range caps.HeaderExtensions {
			if capExt.PreferredID == ext.ID && capExt.URI == ext.URI {
				out.HeaderExtensions = append(out.HeaderExtensions, ext)
				break
			}
		}
	}

	drop := map[string]bool{}
	switch {
	case hasExtension(out.HeaderExtensions, uriTransportCC):
		drop["goog-remb"] = true
	case hasExtension(out.HeaderExtensions, uriAbsSendTime):
		drop["transport-cc"] = true
	default:
		drop["goog-remb"] = true
		drop["transport-cc"] = true
	}
	for i := range out.Codecs {
		fbs := out.Codecs[i].RtcpFeedback[:0:0]
		for _, fb := range out.Codecs[i].RtcpFeedback {
			if !drop[fb.Type] {
				fbs = append(fbs, fb)
			}
		}
		out.Codecs[i].RtcpFeedback = fbs
	}

	return out, rtxSupported, nil
}

func hasExtension(exts []ortc.RtpHeaderExtensionParameters, uri string) bool {
	for _, e := range exts {
		if e.URI == uri {
			return true
		}
	}
	return false
}
