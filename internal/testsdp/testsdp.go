// Package testsdp генерирует SDP предложения браузерного вида для тестов.
package testsdp

import (
	"fmt"
	"strings"
)

// Fingerprint отпечаток, используемый во всех сгенерированных предложениях
const Fingerprint = "sha-256 0F:74:31:25:CB:A2:13:EC:28:6F:6D:2C:61:FF:5D:C2:BC:B9:DB:3D:98:14:8D:1A:BB:EA:33:0C:A4:60:A8:8E"

// Track отправляемый трек
type Track struct {
	Kind    string // audio или video
	ID      string
	SSRC    uint32
	RtxSSRC uint32
	// Removed оставляет секцию трека неактивной (Unified Plan)
	Removed bool
}

// Options параметры предложения
type Options struct {
	PlanB  bool
	Setup  string // по умолчанию actpass
	Stream string
	CNAME  string
	// H264ProfileLevelID по умолчанию 42e01f
	H264ProfileLevelID string
	Tracks             []Track
}

// Offer возвращает текст SDP предложения
func Offer(opts Options) string {
	if opts.Setup == "" {
		opts.Setup = "actpass"
	}
	if opts.Stream == "" {
		opts.Stream = "stream0"
	}
	if opts.CNAME == "" {
		opts.CNAME = "cname0"
	}
	if opts.H264ProfileLevelID == "" {
		opts.H264ProfileLevelID = "42e01f"
	}

	type section struct {
		mid    string
		kind   string
		tracks []Track
	}
	var sections []section
	if opts.PlanB {
		for _, kind := range []string{"audio", "video"} {
			var tracks []Track
			for _, t := range opts.Tracks {
				if t.Kind == kind && !t.Removed {
					tracks = append(tracks, t)
				}
			}
			if len(tracks) > 0 {
				sections = append(sections, section{mid: kind, kind: kind, tracks: tracks})
			}
		}
	} else {
		for i, t := range opts.Tracks {
			sections = append(sections, section{mid: fmt.Sprint(i), kind: t.Kind, tracks: []Track{t}})
		}
	}

	mids := make([]string, 0, len(sections))
	for _, s := range sections {
		mids = append(mids, s.mid)
	}

	lines := []string{
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"a=group:BUNDLE " + strings.Join(mids, " "),
		"a=msid-semantic: WMS " + opts.Stream,
	}

	for _, s := range sections {
		active := false
		for _, t := range s.tracks {
			if !t.Removed {
				active = true
			}
		}

		if s.kind == "audio" {
			lines = append(lines, "m=audio 9 UDP/TLS/RTP/SAVPF 111 0")
		} else {
			lines = append(lines, "m=video 9 UDP/TLS/RTP/SAVPF 96 97 102 103")
		}
		lines = append(lines,
			"c=IN IP4 0.0.0.0",
			"a=rtcp:9 IN IP4 0.0.0.0",
			"a=ice-ufrag:8hhY",
			"a=ice-pwd:asd88fgpdd777uzjYhagZg0q",
			"a=ice-options:trickle",
			"a=fingerprint:"+Fingerprint,
			"a=setup:"+opts.Setup,
			"a=mid:"+s.mid,
		)
		if s.kind == "audio" {
			lines = append(lines,
				"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level",
				"a=extmap:3 http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01",
			)
		} else {
			lines = append(lines,
				"a=extmap:2 http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time",
				"a=extmap:3 http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01",
				"a=extmap:4 urn:3gpp:video-orientation",
			)
		}
		if active {
			lines = append(lines, "a=sendonly")
			if !opts.PlanB {
				lines = append(lines, fmt.Sprintf("a=msid:%s %s", opts.Stream, s.tracks[0].ID))
			}
		} else {
			lines = append(lines, "a=inactive")
		}
		lines = append(lines, "a=rtcp-mux")
		if s.kind == "audio" {
			lines = append(lines,
				"a=rtpmap:111 opus/48000/2",
				"a=rtcp-fb:111 transport-cc",
				"a=fmtp:111 minptime=10;useinbandfec=1",
				"a=rtpmap:0 PCMU/8000",
			)
		} else {
			lines = append(lines,
				"a=rtcp-rsize",
				"a=rtpmap:96 VP8/90000",
				"a=rtcp-fb:96 goog-remb",
				"a=rtcp-fb:96 transport-cc",
				"a=rtcp-fb:96 ccm fir",
				"a=rtcp-fb:96 nack",
				"a=rtcp-fb:96 nack pli",
				"a=rtpmap:97 rtx/90000",
				"a=fmtp:97 apt=96",
				"a=rtpmap:102 H264/90000",
				"a=rtcp-fb:102 goog-remb",
				"a=rtcp-fb:102 transport-cc",
				"a=rtcp-fb:102 nack",
				"a=rtcp-fb:102 nack pli",
				"a=fmtp:102 level-asymmetry-allowed=1;packetization-mode=1;profile-level-id="+opts.H264ProfileLevelID,
				"a=rtpmap:103 rtx/90000",
				"a=fmtp:103 apt=102",
			)
		}
		for _, t := range s.tracks {
			if t.Removed {
				continue
			}
			if t.RtxSSRC != 0 {
				lines = append(lines, fmt.Sprintf("a=ssrc-group:FID %d %d", t.SSRC, t.RtxSSRC))
			}
			for _, ssrc := range []uint32{t.SSRC, t.RtxSSRC} {
				if ssrc == 0 {
					continue
				}
				lines = append(lines,
					fmt.Sprintf("a=ssrc:%d cname:%s", ssrc, opts.CNAME),
					fmt.Sprintf("a=ssrc:%d msid:%s %s", ssrc, opts.Stream, t.ID),
				)
			}
		}
	}

	return strings.Join(lines, "\r\n") + "\r\n"
}
