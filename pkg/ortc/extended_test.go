package ortc

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routerCapabilities() RtpCapabilities {
	return RtpCapabilities{
		Codecs: []RtpCodecCapability{
			{
				Kind: MediaKindAudio, MimeType: "audio/opus", PreferredPayloadType: 100,
				ClockRate: 48000, Channels: 2, Parameters: CodecParameters{},
				RtcpFeedback: []RtcpFeedback{{Type: "transport-cc"}},
			},
			{
				Kind: MediaKindVideo, MimeType: "video/VP8", PreferredPayloadType: 101,
				ClockRate: 90000, Parameters: CodecParameters{},
				RtcpFeedback: []RtcpFeedback{
					{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"},
					{Type: "goog-remb"}, {Type: "transport-cc"},
				},
			},
			{
				Kind: MediaKindVideo, MimeType: "video/rtx", PreferredPayloadType: 102,
				ClockRate: 90000, Parameters: CodecParameters{"apt": "101"},
			},
			{
				Kind: MediaKindVideo, MimeType: "video/H264", PreferredPayloadType: 103,
				ClockRate: 90000,
				Parameters: CodecParameters{
					"packetization-mode": "1",
					"profile-level-id":   "42e01f",
				},
				RtcpFeedback: []RtcpFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}},
			},
			{
				Kind: MediaKindVideo, MimeType: "video/rtx", PreferredPayloadType: 104,
				ClockRate: 90000, Parameters: CodecParameters{"apt": "103"},
			},
		},
		HeaderExtensions: []RtpHeaderExtension{
			{Kind: MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 1, Direction: DirectionSendRecv},
			{Kind: MediaKindVideo, URI: absSendTimeURI, PreferredID: 4, Direction: DirectionSendRecv},
			{Kind: MediaKindVideo, URI: transportCCURI, PreferredID: 5, Direction: DirectionRecvOnly},
			{Kind: MediaKindVideo, URI: "urn:3gpp:video-orientation", PreferredID: 11, Direction: DirectionSendOnly},
		},
	}
}

func vp8WithRtx(pt, rtx uint8) []RtpCodecCapability {
	return []RtpCodecCapability{
		{Kind: MediaKindVideo, MimeType: "video/VP8", PreferredPayloadType: pt, ClockRate: 90000,
			RtcpFeedback: []RtcpFeedback{{Type: "nack"}, {Type: "goog-remb"}}},
		{Kind: MediaKindVideo, MimeType: "video/rtx", PreferredPayloadType: rtx, ClockRate: 90000,
			Parameters: CodecParameters{"apt": itoa(pt)}},
	}
}

func itoa(v uint8) string {
	return strconv.Itoa(int(v))
}

func TestComputeExtendedRtxPairing(t *testing.T) {
	remote := RtpCapabilities{Codecs: vp8WithRtx(96, 97)}
	local := RtpCapabilities{Codecs: vp8WithRtx(101, 102)}

	ext := ComputeExtended(remote, local)

	require.Len(t, ext.Codecs, 1)
	c := ext.Codecs[0]
	assert.Equal(t, uint8(101), c.LocalPayloadType)
	assert.Equal(t, uint8(102), c.LocalRtxPayloadType)
	assert.Equal(t, uint8(96), c.RemotePayloadType)
	assert.Equal(t, uint8(97), c.RemoteRtxPayloadType)
	assert.True(t, c.HasRtx())
	assert.Equal(t, []RtcpFeedback{{Type: "nack"}, {Type: "goog-remb"}}, c.RtcpFeedback)
}

func TestComputeExtendedRtxOnlyOneSide(t *testing.T) {
	remote := RtpCapabilities{Codecs: vp8WithRtx(96, 97)}
	local := RtpCapabilities{Codecs: vp8WithRtx(101, 102)[:1]}

	ext := ComputeExtended(remote, local)

	require.Len(t, ext.Codecs, 1)
	assert.Zero(t, ext.Codecs[0].LocalRtxPayloadType)
	assert.Zero(t, ext.Codecs[0].RemoteRtxPayloadType)
	assert.False(t, ext.Codecs[0].HasRtx())
}

func TestComputeExtendedUniquePerCodec(t *testing.T) {
	// Удаленная сторона предлагает VP8 дважды с разными payload types
	remote := RtpCapabilities{Codecs: append(vp8WithRtx(96, 97), vp8WithRtx(98, 99)...)}
	local := RtpCapabilities{Codecs: vp8WithRtx(101, 102)}

	ext := ComputeExtended(remote, local)

	require.Len(t, ext.Codecs, 1)
	assert.Equal(t, uint8(96), ext.Codecs[0].RemotePayloadType)
}

func TestComputeExtendedOrderFollowsRemote(t *testing.T) {
	router := routerCapabilities()
	local := RtpCapabilities{Codecs: []RtpCodecCapability{
		{Kind: MediaKindVideo, MimeType: "video/H264", PreferredPayloadType: 102, ClockRate: 90000,
			Parameters: CodecParameters{"packetization-mode": "1", "profile-level-id": "42e01f"}},
		{Kind: MediaKindVideo, MimeType: "video/vp8", PreferredPayloadType: 96, ClockRate: 90000},
		{Kind: MediaKindAudio, MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2},
	}}

	ext := ComputeExtended(router, local)

	require.Len(t, ext.Codecs, 3)
	assert.Equal(t, "audio/opus", ext.Codecs[0].MimeType)
	assert.Equal(t, "video/vp8", ext.Codecs[1].MimeType)
	assert.Equal(t, "video/H264", ext.Codecs[2].MimeType)
}

func TestComputeExtendedH264Strict(t *testing.T) {
	h264 := func(pt uint8, profileLevelID string) RtpCodecCapability {
		return RtpCodecCapability{
			Kind: MediaKindVideo, MimeType: "video/H264", PreferredPayloadType: pt, ClockRate: 90000,
			Parameters: CodecParameters{"packetization-mode": "1", "profile-level-id": profileLevelID},
		}
	}

	t.Run("совместимые уровни", func(t *testing.T) {
		local := RtpCapabilities{Codecs: []RtpCodecCapability{h264(102, "42e01f")}}
		remote := RtpCapabilities{Codecs: []RtpCodecCapability{h264(103, "42e015")}}

		ext := ComputeExtended(remote, local)

		require.Len(t, ext.Codecs, 1)
		assert.Equal(t, "42e015", ext.Codecs[0].LocalParameters["profile-level-id"])
		assert.Equal(t, "42e015", ext.Codecs[0].RemoteParameters["profile-level-id"])
		// Исходные возможности не изменяются
		assert.Equal(t, "42e01f", local.Codecs[0].Parameters["profile-level-id"])
	})

	t.Run("уровень 1b у удаленной стороны", func(t *testing.T) {
		local := RtpCapabilities{Codecs: []RtpCodecCapability{h264(102, "42e01f")}}
		remote := RtpCapabilities{Codecs: []RtpCodecCapability{h264(103, "42f00b")}}

		ext := ComputeExtended(remote, local)

		require.Len(t, ext.Codecs, 1)
		assert.Equal(t, "42f00b", ext.Codecs[0].LocalParameters["profile-level-id"])
		assert.Equal(t, "42f00b", ext.Codecs[0].RemoteParameters["profile-level-id"])
	})

	t.Run("baseline и high несовместимы", func(t *testing.T) {
		local := RtpCapabilities{Codecs: []RtpCodecCapability{h264(102, "42e01f")}}
		remote := RtpCapabilities{Codecs: []RtpCodecCapability{h264(103, "64001f")}}

		ext := ComputeExtended(remote, local)

		assert.Empty(t, ext.Codecs)
	})

	t.Run("разный packetization-mode", func(t *testing.T) {
		localCodec := h264(102, "42e01f")
		localCodec.Parameters["packetization-mode"] = "0"
		local := RtpCapabilities{Codecs: []RtpCodecCapability{localCodec}}
		remote := RtpCapabilities{Codecs: []RtpCodecCapability{h264(103, "42e01f")}}

		assert.Empty(t, ComputeExtended(remote, local).Codecs)
	})
}

func TestComputeExtendedVP9ProfileID(t *testing.T) {
	vp9 := func(pt uint8, profile string) RtpCodecCapability {
		c := RtpCodecCapability{Kind: MediaKindVideo, MimeType: "video/VP9", PreferredPayloadType: pt, ClockRate: 90000,
			Parameters: CodecParameters{}}
		if profile != "" {
			c.Parameters["profile-id"] = profile
		}
		return c
	}

	ext := ComputeExtended(
		RtpCapabilities{Codecs: []RtpCodecCapability{vp9(98, "")}},
		RtpCapabilities{Codecs: []RtpCodecCapability{vp9(100, "2"), vp9(101, "0")}},
	)
	require.Len(t, ext.Codecs, 1)
	assert.Equal(t, uint8(101), ext.Codecs[0].LocalPayloadType)
}

func TestComputeExtendedHeaderExtensions(t *testing.T) {
	router := routerCapabilities()
	local := RtpCapabilities{HeaderExtensions: []RtpHeaderExtension{
		{Kind: MediaKindVideo, URI: transportCCURI, PreferredID: 3},
		{Kind: MediaKindVideo, URI: "urn:3gpp:video-orientation", PreferredID: 4},
		{Kind: MediaKindAudio, URI: absSendTimeURI, PreferredID: 2},
	}}

	ext := ComputeExtended(router, local)

	require.Len(t, ext.HeaderExtensions, 2)
	assert.Equal(t, ExtendedHeaderExtension{
		Kind: MediaKindVideo, URI: transportCCURI, SendID: 3, RecvID: 5, Direction: DirectionSendOnly,
	}, ext.HeaderExtensions[0])
	assert.Equal(t, DirectionRecvOnly, ext.HeaderExtensions[1].Direction)

	// recvonly расширение не попадает в параметры отправки
	params := GetSendingRtpParameters(MediaKindVideo, ext)
	require.Len(t, params.HeaderExtensions, 1)
	assert.Equal(t, RtpHeaderExtensionParameters{URI: transportCCURI, ID: 3}, params.HeaderExtensions[0])
}

func TestDirectionMirror(t *testing.T) {
	assert.Equal(t, DirectionSendRecv, DirectionSendRecv.Mirror())
	assert.Equal(t, DirectionSendOnly, DirectionRecvOnly.Mirror())
	assert.Equal(t, DirectionRecvOnly, DirectionSendOnly.Mirror())
	assert.Equal(t, DirectionInactive, DirectionInactive.Mirror())
	assert.Equal(t, DirectionSendRecv, Direction("").Mirror())
}
