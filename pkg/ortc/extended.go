package ortc

import (
	"strconv"
)

// ComputeExtended вычисляет пересечение возможностей remote и local.
//
// Порядок кодеков соответствует предпочтениям remote. local - сторона, чьи
// payload types попадают в параметры отправки (GetSendingRtpParameters).
// H264 profile-level-id выбранного local кодека переписывается результатом
// согласования уровня и сохраняется в LocalParameters.
func ComputeExtended(remote, local RtpCapabilities) ExtendedRtpCapabilities {
	ext := ExtendedRtpCapabilities{
		Codecs:           make([]ExtendedCodec, 0, len(remote.Codecs)),
		HeaderExtensions: make([]ExtendedHeaderExtension, 0, len(remote.HeaderExtensions)),
	}

	localCodecs := make([]RtpCodecCapability, len(local.Codecs))
	copy(localCodecs, local.Codecs)

	for _, remoteCodec := range remote.Codecs {
		if IsRtxCodec(remoteCodec.MimeType) {
			continue
		}

		var matched *RtpCodecCapability
		for i := range localCodecs {
			if MatchCodecs(&localCodecs[i], remoteCodec, MatchOptions{Strict: true, Modify: true}) {
				matched = &localCodecs[i]
				break
			}
		}
		if matched == nil {
			continue
		}
		if hasLocalPayloadType(ext.Codecs, matched.PreferredPayloadType) {
			continue
		}

		ext.Codecs = append(ext.Codecs, ExtendedCodec{
			MimeType:          matched.MimeType,
			Kind:              matched.Kind,
			ClockRate:         matched.ClockRate,
			Channels:          matched.Channels,
			LocalPayloadType:  matched.PreferredPayloadType,
			RemotePayloadType: remoteCodec.PreferredPayloadType,
			LocalParameters:   matched.Parameters,
			RemoteParameters:  remoteCodec.Parameters,
			RtcpFeedback:      reduceRtcpFeedback(*matched, remoteCodec),
		})
	}

	// RTX добавляется только если он есть у обеих сторон
	for i := range ext.Codecs {
		c := &ext.Codecs[i]
		localRtx, okLocal := findRtxFor(localCodecs, c.LocalPayloadType)
		remoteRtx, okRemote := findRtxFor(remote.Codecs, c.RemotePayloadType)
		if okLocal && okRemote {
			c.LocalRtxPayloadType = localRtx
			c.RemoteRtxPayloadType = remoteRtx
		}
	}

	for _, remoteExt := range remote.HeaderExtensions {
		var matched *RtpHeaderExtension
		for i := range local.HeaderExtensions {
			if matchHeaderExtensions(local.HeaderExtensions[i], remoteExt) {
				matched = &local.HeaderExtensions[i]
				break
			}
		}
		if matched == nil {
			continue
		}

		ext.HeaderExtensions = append(ext.HeaderExtensions, ExtendedHeaderExtension{
			Kind:      remoteExt.Kind,
			URI:       remoteExt.URI,
			SendID:    matched.PreferredID,
			RecvID:    remoteExt.PreferredID,
			Encrypt:   matched.PreferredEncrypt,
			Direction: remoteExt.Direction.Mirror(),
		})
	}

	return ext
}

func hasLocalPayloadType(codecs []ExtendedCodec, pt uint8) bool {
	for _, c := range codecs {
		if c.LocalPayloadType == pt {
			return true
		}
	}
	return false
}

func findRtxFor(codecs []RtpCodecCapability, pt uint8) (uint8, bool) {
	apt := strconv.Itoa(int(pt))
	for _, c := range codecs {
		if IsRtxCodec(c.MimeType) && c.Parameters["apt"] == apt {
			return c.PreferredPayloadType, true
		}
	}
	return 0, false
}
