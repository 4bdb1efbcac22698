package ortc

import (
	"strconv"
)

const (
	transportCCURI  = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	absSendTimeURI  = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	fbTypeGoogRemb  = "goog-remb"
	fbTypeTransport = "transport-cc"
)

// GetSendingRtpParameters формирует параметры отправки указанного типа медиа.
// mid, encodings и rtcp остаются пустыми.
func GetSendingRtpParameters(kind MediaKind, ext ExtendedRtpCapabilities) RtpParameters {
	return sendingParameters(kind, ext, false)
}

// GetSendingRemoteRtpParameters формирует параметры для удаленного ответа:
// параметры кодеков remote стороны и RTCP feedback, сокращенный до одного
// механизма оценки полосы.
func GetSendingRemoteRtpParameters(kind MediaKind, ext ExtendedRtpCapabilities) RtpParameters {
	params := sendingParameters(kind, ext, true)

	drop := map[string]bool{}
	switch {
	case hasHeaderExtension(params, transportCCURI):
		drop[fbTypeGoogRemb] = true
	case hasHeaderExtension(params, absSendTimeURI):
		drop[fbTypeTransport] = true
	default:
		drop[fbTypeGoogRemb] = true
		drop[fbTypeTransport] = true
	}

	for i := range params.Codecs {
		fbs := params.Codecs[i].RtcpFeedback[:0:0]
		for _, fb := range params.Codecs[i].RtcpFeedback {
			if !drop[fb.Type] {
				fbs = append(fbs, fb)
			}
		}
		params.Codecs[i].RtcpFeedback = fbs
	}
	return params
}

func sendingParameters(kind MediaKind, ext ExtendedRtpCapabilities, remoteParams bool) RtpParameters {
	params := RtpParameters{
		Codecs:           []RtpCodecParameters{},
		HeaderExtensions: []RtpHeaderExtensionParameters{},
		Encodings:        []RtpEncodingParameters{},
	}

	for _, c := range ext.Codecs {
		if c.Kind != kind {
			continue
		}

		codecParams := c.LocalParameters
		if remoteParams {
			codecParams = c.RemoteParameters
		}
		params.Codecs = append(params.Codecs, RtpCodecParameters{
			MimeType:     c.MimeType,
			PayloadType:  c.LocalPayloadType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			Parameters:   codecParams.Clone(),
			RtcpFeedback: append([]RtcpFeedback(nil), c.RtcpFeedback...),
		})

		if c.LocalRtxPayloadType != 0 {
			params.Codecs = append(params.Codecs, RtpCodecParameters{
				MimeType:     string(c.Kind) + "/rtx",
				PayloadType:  c.LocalRtxPayloadType,
				ClockRate:    c.ClockRate,
				Parameters:   CodecParameters{"apt": strconv.Itoa(int(c.LocalPayloadType))},
				RtcpFeedback: []RtcpFeedback{},
			})
		}
	}

	for _, h := range ext.HeaderExtensions {
		if h.Kind != "" && h.Kind != kind {
			continue
		}
		if h.Direction != DirectionSendRecv && h.Direction != DirectionSendOnly {
			continue
		}
		params.HeaderExtensions = append(params.HeaderExtensions, RtpHeaderExtensionParameters{
			URI:     h.URI,
			ID:      h.SendID,
			Encrypt: h.Encrypt,
		})
	}

	return params
}

func hasHeaderExtension(params RtpParameters, uri string) bool {
	for _, h := range params.HeaderExtensions {
		if h.URI == uri {
			return true
		}
	}
	return false
}

// ReduceCodecs оставляет один кодек и следующий за ним RTX.
//
// Без target берется первый кодек. С target - первый кодек, совпадающий
// с target в нестрогом режиме.
func ReduceCodecs(codecs []RtpCodecParameters, target *RtpCodecCapability) ([]RtpCodecParameters, error) {
	pick := func(idx int) []RtpCodecParameters {
		out := []RtpCodecParameters{codecs[idx]}
		if idx+1 < len(codecs) && IsRtxCodec(codecs[idx+1].MimeType) {
			out = append(out, codecs[idx+1])
		}
		return out
	}

	if target == nil {
		if len(codecs) == 0 {
			return nil, NewNegotiationError(ErrorCodeNoMatchingCodec, "список кодеков пуст")
		}
		return pick(0), nil
	}

	for idx := range codecs {
		capability := codecs[idx].Capability()
		if MatchCodecs(&capability, *target, MatchOptions{}) {
			return pick(idx), nil
		}
	}
	return nil, NewNegotiationError(ErrorCodeNoMatchingCodec, "не найден подходящий кодек для %s", target.MimeType)
}
