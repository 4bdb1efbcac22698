package ortc

import (
	"strings"
)

// MatchOptions режим сравнения кодеков
type MatchOptions struct {
	// Strict включает проверку profile-level-id для H264 и profile-id для VP9
	Strict bool
	// Modify записывает выбранный profile-level-id H264 в параметры кодека a
	Modify bool
}

// IsRtxCodec сообщает, является ли кодек RTX
func IsRtxCodec(mimeType string) bool {
	_, name, ok := strings.Cut(mimeType, "/")
	return ok && name != "" && strings.EqualFold(name, "rtx")
}

// MatchCodecs сравнивает два кодека.
// При opts.Modify параметры a заменяются копией с выбранным profile-level-id.
func MatchCodecs(a *RtpCodecCapability, b RtpCodecCapability, opts MatchOptions) bool {
	aMime := strings.ToLower(a.MimeType)
	bMime := strings.ToLower(b.MimeType)

	if aMime != bMime {
		return false
	}
	if a.ClockRate != b.ClockRate {
		return false
	}
	if a.Channels != b.Channels {
		return false
	}

	switch aMime {
	case "video/h264":
		if a.Parameters.Get("packetization-mode", "0") != b.Parameters.Get("packetization-mode", "0") {
			return false
		}
		if !opts.Strict {
			break
		}
		if !IsSameH264Profile(a.Parameters, b.Parameters) {
			return false
		}
		selected, err := GenerateH264ProfileLevelIDForAnswer(a.Parameters, b.Parameters)
		if err != nil {
			return false
		}
		if opts.Modify {
			params := a.Parameters.Clone()
			if params == nil {
				params = CodecParameters{}
			}
			if selected != "" {
				params["profile-level-id"] = selected
			} else {
				delete(params, "profile-level-id")
			}
			a.Parameters = params
		}

	case "video/vp9":
		if opts.Strict && a.Parameters.Get("profile-id", "0") != b.Parameters.Get("profile-id", "0") {
			return false
		}
	}

	return true
}

func matchHeaderExtensions(a, b RtpHeaderExtension) bool {
	if a.Kind != "" && b.Kind != "" && a.Kind != b.Kind {
		return false
	}
	return a.URI == b.URI
}

// reduceRtcpFeedback оставляет feedback a, присутствующий и у b
func reduceRtcpFeedback(a, b RtpCodecCapability) []RtcpFeedback {
	reduced := make([]RtcpFeedback, 0, len(a.RtcpFeedback))
	for _, aFb := range a.RtcpFeedback {
		for _, bFb := range b.RtcpFeedback {
			if bFb.Type == aFb.Type && bFb.Parameter == aFb.Parameter {
				reduced = append(reduced, bFb)
				break
			}
		}
	}
	return reduced
}
