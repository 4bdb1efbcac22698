package media_sdp

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_sfu/pkg/ortc"
)

func testTransport() TransportInfo {
	return TransportInfo{
		IceParameters: ortc.IceParameters{
			UsernameFragment: "srvufrag",
			Password:         "srvpassword0123456789",
			IceLite:          true,
		},
		IceCandidates: []ortc.IceCandidate{
			{Foundation: "udpcandidate", Priority: 1076302079, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"},
		},
		DtlsParameters: ortc.DtlsParameters{
			Role: ortc.DtlsRoleAuto,
			Fingerprints: []ortc.DtlsFingerprint{
				{Algorithm: "sha-1", Value: "11:22"},
				{Algorithm: "sha-256", Value: "AA:BB:CC"},
			},
		},
	}
}

func testRouterCapabilities() ortc.RtpCapabilities {
	return ortc.RtpCapabilities{
		Codecs: []ortc.RtpCodecCapability{
			{Kind: ortc.MediaKindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2,
				RtcpFeedback: []ortc.RtcpFeedback{{Type: "transport-cc"}}},
			{Kind: ortc.MediaKindVideo, MimeType: "video/VP8", PreferredPayloadType: 101, ClockRate: 90000,
				RtcpFeedback: []ortc.RtcpFeedback{
					{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"},
					{Type: "goog-remb"}, {Type: "transport-cc"},
				}},
			{Kind: ortc.MediaKindVideo, MimeType: "video/rtx", PreferredPayloadType: 102, ClockRate: 90000,
				Parameters: ortc.CodecParameters{"apt": "101"}},
			{Kind: ortc.MediaKindVideo, MimeType: "video/H264", PreferredPayloadType: 103, ClockRate: 90000,
				Parameters: ortc.CodecParameters{
					"packetization-mode": "1", "profile-level-id": "42e01f", "level-asymmetry-allowed": "1",
				},
				RtcpFeedback: []ortc.RtcpFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "transport-cc"}}},
			{Kind: ortc.MediaKindVideo, MimeType: "video/rtx", PreferredPayloadType: 104, ClockRate: 90000,
				Parameters: ortc.CodecParameters{"apt": "103"}},
		},
		HeaderExtensions: []ortc.RtpHeaderExtension{
			{Kind: ortc.MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 10, Direction: ortc.DirectionSendRecv},
			{Kind: ortc.MediaKindAudio, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01", PreferredID: 11, Direction: ortc.DirectionRecvOnly},
			{Kind: ortc.MediaKindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 12, Direction: ortc.DirectionSendRecv},
			{Kind: ortc.MediaKindVideo, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01", PreferredID: 11, Direction: ortc.DirectionSendRecv},
			{Kind: ortc.MediaKindVideo, URI: "urn:3gpp:video-orientation", PreferredID: 13, Direction: ortc.DirectionSendOnly},
		},
	}
}

func audioConsumer(id, mid string, ssrc uint32) Consumer {
	return Consumer{
		ID:   id,
		Kind: ortc.MediaKindAudio,
		RtpParameters: ortc.RtpParameters{
			Mid: mid,
			Codecs: []ortc.RtpCodecParameters{
				{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2,
					Parameters: ortc.CodecParameters{"useinbandfec": "1"}},
			},
			HeaderExtensions: []ortc.RtpHeaderExtensionParameters{
				{URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", ID: 10},
			},
			Encodings: []ortc.RtpEncodingParameters{{SSRC: ssrc}},
			Rtcp:      ortc.RtcpParameters{CNAME: "remote-cname", ReducedSize: true, Mux: true},
		},
	}
}

func videoConsumer(id, mid string, ssrc, rtx uint32) Consumer {
	return Consumer{
		ID:   id,
		Kind: ortc.MediaKindVideo,
		RtpParameters: ortc.RtpParameters{
			Mid: mid,
			Codecs: []ortc.RtpCodecParameters{
				{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000,
					RtcpFeedback: []ortc.RtcpFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}}},
				{MimeType: "video/rtx", PayloadType: 102, ClockRate: 90000, Parameters: ortc.CodecParameters{"apt": "101"}},
			},
			Encodings: []ortc.RtpEncodingParameters{{SSRC: ssrc, Rtx: &ortc.RtxParameters{SSRC: rtx}}},
			Rtcp:      ortc.RtcpParameters{CNAME: "remote-cname", ReducedSize: true, Mux: true},
		},
	}
}

func mustParse(t *testing.T, text string) *sdp.SessionDescription {
	t.Helper()
	desc := &sdp.SessionDescription{}
	require.NoError(t, desc.Unmarshal([]byte(text)), text)
	return desc
}

func sessionAttr(desc *sdp.SessionDescription, key string) string {
	v, _ := desc.Attribute(key)
	return v
}

func mediaAttr(media *sdp.MediaDescription, key string) string {
	v, _ := media.Attribute(key)
	return v
}

func mediaAttrs(media *sdp.MediaDescription, key string) []string {
	var out []string
	for _, a := range media.Attributes {
		if a.Key == key {
			out = append(out, a.Value)
		}
	}
	return out
}

func hasProperty(media *sdp.MediaDescription, key string) bool {
	for _, a := range media.Attributes {
		if a.Key == key {
			return true
		}
	}
	return false
}

func bundle(desc *sdp.SessionDescription) []string {
	return strings.Fields(strings.TrimPrefix(sessionAttr(desc, "group"), "BUNDLE"))
}
