package ortc

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

const encryptedExtmapURI = "urn:ietf:params:rtp-hdrext:encrypt"

// ExtractRtpCapabilities извлекает возможности из SDP.
// Учитываются только первая audio и первая video секции.
func ExtractRtpCapabilities(desc *sdp.SessionDescription) RtpCapabilities {
	caps := RtpCapabilities{
		Codecs:           []RtpCodecCapability{},
		HeaderExtensions: []RtpHeaderExtension{},
	}
	index := make(map[uint8]int)
	gotAudio, gotVideo := false, false

	for _, media := range desc.MediaDescriptions {
		kind := MediaKind(media.MediaName.Media)
		switch kind {
		case MediaKindAudio:
			if gotAudio {
				continue
			}
			gotAudio = true
		case MediaKindVideo:
			if gotVideo {
				continue
			}
			gotVideo = true
		default:
			continue
		}

		for _, value := range attributeValues(media, "rtpmap") {
			codec, ok := parseRtpmap(kind, value)
			if !ok {
				continue
			}
			if idx, exists := index[codec.PreferredPayloadType]; exists {
				caps.Codecs[idx] = codec
				continue
			}
			index[codec.PreferredPayloadType] = len(caps.Codecs)
			caps.Codecs = append(caps.Codecs, codec)
		}

		for _, value := range attributeValues(media, "fmtp") {
			pt, config, ok := splitPayloadType(value)
			if !ok {
				continue
			}
			idx, exists := index[pt]
			if !exists {
				continue
			}
			caps.Codecs[idx].Parameters = parseFmtpParams(config)
		}

		for _, value := range attributeValues(media, "rtcp-fb") {
			pt, rest, ok := splitPayloadType(value)
			if !ok {
				continue
			}
			idx, exists := index[pt]
			if !exists {
				continue
			}
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				continue
			}
			fb := RtcpFeedback{Type: fields[0]}
			if len(fields) > 1 {
				fb.Parameter = strings.Join(fields[1:], " ")
			}
			caps.Codecs[idx].RtcpFeedback = append(caps.Codecs[idx].RtcpFeedback, fb)
		}

		for _, value := range attributeValues(media, "extmap") {
			fields := strings.Fields(value)
			if len(fields) < 2 || fields[1] == encryptedExtmapURI {
				continue
			}
			idStr, _, _ := strings.Cut(fields[0], "/")
			id, err := strconv.Atoi(idStr)
			if err != nil {
				continue
			}
			caps.HeaderExtensions = append(caps.HeaderExtensions, RtpHeaderExtension{
				Kind:        kind,
				URI:         fields[1],
				PreferredID: id,
			})
		}
	}

	return caps
}

// ExtractDtlsParameters извлекает DTLS параметры из первой активной секции
// (с ice-ufrag и ненулевым портом).
func ExtractDtlsParameters(desc *sdp.SessionDescription) (DtlsParameters, error) {
	var active *sdp.MediaDescription
	for _, media := range desc.MediaDescriptions {
		if _, ok := media.Attribute("ice-ufrag"); ok && media.MediaName.Port.Value != 0 {
			active = media
			break
		}
	}
	if active == nil {
		return DtlsParameters{}, NewNegotiationError(ErrorCodeNoActiveSection, "не найдена активная медиа секция")
	}

	fingerprint := lastValue(attributeValues(active, "fingerprint"))
	if fingerprint == "" {
		fingerprint = lastValue(sessionAttributeValues(desc, "fingerprint"))
	}
	algorithm, value, ok := strings.Cut(strings.TrimSpace(fingerprint), " ")
	if !ok {
		return DtlsParameters{}, NewNegotiationError(ErrorCodeNoFingerprint, "в SDP отсутствует a=fingerprint")
	}

	role := DtlsRoleAuto
	setup, _ := active.Attribute("setup")
	switch setup {
	case "active":
		role = DtlsRoleClient
	case "passive":
		role = DtlsRoleServer
	}

	return DtlsParameters{
		Role: role,
		Fingerprints: []DtlsFingerprint{
			{Algorithm: algorithm, Value: strings.TrimSpace(value)},
		},
	}, nil
}

// ExtractEncodings формирует кодировки из a=ssrc и a=ssrc-group:FID.
// Если trackID не пуст, учитываются только SSRC, чей msid ссылается на этот трек.
func ExtractEncodings(media *sdp.MediaDescription, trackID string) ([]RtpEncodingParameters, error) {
	var order []uint32
	seen := make(map[uint32]bool)
	for _, line := range ssrcLines(media) {
		if trackID != "" {
			if line.attribute != "msid" || msidTrack(line.value) != trackID {
				continue
			}
		}
		if !seen[line.ssrc] {
			seen[line.ssrc] = true
			order = append(order, line.ssrc)
		}
	}
	if len(order) == 0 {
		if trackID != "" {
			return nil, NewNegotiationError(ErrorCodeNoSsrc, "не найдена строка a=ssrc с msid трека %s", trackID)
		}
		return nil, NewNegotiationError(ErrorCodeNoSsrc, "в медиа секции нет строк a=ssrc")
	}

	rtxOf := make(map[uint32]uint32)
	handled := make(map[uint32]bool)
	var primaries []uint32
	for _, value := range attributeValues(media, "ssrc-group") {
		fields := strings.Fields(value)
		if len(fields) < 3 || fields[0] != "FID" {
			continue
		}
		ssrc, err1 := strconv.ParseUint(fields[1], 10, 32)
		rtx, err2 := strconv.ParseUint(fields[2], 10, 32)
		if err1 != nil || err2 != nil || !seen[uint32(ssrc)] || handled[uint32(ssrc)] {
			continue
		}
		handled[uint32(ssrc)] = true
		handled[uint32(rtx)] = true
		rtxOf[uint32(ssrc)] = uint32(rtx)
		primaries = append(primaries, uint32(ssrc))
	}
	for _, ssrc := range order {
		if !handled[ssrc] {
			primaries = append(primaries, ssrc)
		}
	}

	encodings := make([]RtpEncodingParameters, 0, len(primaries))
	for _, ssrc := range primaries {
		enc := RtpEncodingParameters{SSRC: ssrc}
		if rtx, ok := rtxOf[ssrc]; ok {
			enc.Rtx = &RtxParameters{SSRC: rtx}
		}
		encodings = append(encodings, enc)
	}
	return encodings, nil
}

// CNAME возвращает cname из первой строки a=ssrc:<ssrc> cname:
func CNAME(media *sdp.MediaDescription) string {
	for _, line := range ssrcLines(media) {
		if line.attribute == "cname" {
			return line.value
		}
	}
	return ""
}

// TrackID возвращает идентификатор трека: второй токен первого a=ssrc msid,
// при его отсутствии - второй токен a=msid.
func TrackID(media *sdp.MediaDescription) string {
	for _, line := range ssrcLines(media) {
		if line.attribute == "msid" {
			return msidTrack(line.value)
		}
	}
	if value, ok := media.Attribute("msid"); ok {
		return msidTrack(value)
	}
	return ""
}

// TrackIDs возвращает различные идентификаторы треков секции в порядке появления
func TrackIDs(media *sdp.MediaDescription) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, line := range ssrcLines(media) {
		if line.attribute != "msid" {
			continue
		}
		id := msidTrack(line.value)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Mid возвращает значение a=mid секции
func Mid(media *sdp.MediaDescription) string {
	mid, _ := media.Attribute("mid")
	return mid
}

// MediaDirection возвращает направление секции, по умолчанию sendrecv
func MediaDirection(media *sdp.MediaDescription) Direction {
	for _, attr := range media.Attributes {
		switch Direction(attr.Key) {
		case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
			return Direction(attr.Key)
		}
	}
	return DirectionSendRecv
}

type ssrcLine struct {
	ssrc      uint32
	attribute string
	value     string
}

func ssrcLines(media *sdp.MediaDescription) []ssrcLine {
	var lines []ssrcLine
	for _, value := range attributeValues(media, "ssrc") {
		idStr, rest, _ := strings.Cut(value, " ")
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		attr, attrValue, _ := strings.Cut(rest, ":")
		lines = append(lines, ssrcLine{ssrc: uint32(id), attribute: attr, value: attrValue})
	}
	return lines
}

func msidTrack(value string) string {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func attributeValues(media *sdp.MediaDescription, key string) []string {
	var values []string
	for _, attr := range media.Attributes {
		if attr.Key == key {
			values = append(values, attr.Value)
		}
	}
	return values
}

func sessionAttributeValues(desc *sdp.SessionDescription, key string) []string {
	var values []string
	for _, attr := range desc.Attributes {
		if attr.Key == key {
			values = append(values, attr.Value)
		}
	}
	return values
}

func lastValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}

func splitPayloadType(value string) (uint8, string, bool) {
	ptStr, rest, _ := strings.Cut(strings.TrimSpace(value), " ")
	pt, err := strconv.ParseUint(ptStr, 10, 8)
	if err != nil {
		return 0, "", false
	}
	return uint8(pt), strings.TrimSpace(rest), true
}

func parseRtpmap(kind MediaKind, value string) (RtpCodecCapability, bool) {
	pt, encoding, ok := splitPayloadType(value)
	if !ok {
		return RtpCodecCapability{}, false
	}
	parts := strings.Split(encoding, "/")
	if len(parts) < 2 {
		return RtpCodecCapability{}, false
	}
	rate, err := strconv.Atoi(parts[1])
	if err != nil {
		return RtpCodecCapability{}, false
	}

	codec := RtpCodecCapability{
		Kind:                 kind,
		MimeType:             string(kind) + "/" + parts[0],
		PreferredPayloadType: pt,
		ClockRate:            rate,
		Parameters:           CodecParameters{},
		RtcpFeedback:         []RtcpFeedback{},
	}
	if len(parts) > 2 {
		if ch, err := strconv.Atoi(parts[2]); err == nil {
			codec.Channels = ch
		}
	}
	// RFC 4566: для аудио без явного числа каналов подразумевается один канал
	if kind == MediaKindAudio && codec.Channels == 0 {
		codec.Channels = 1
	}
	return codec, true
}

func parseFmtpParams(config string) CodecParameters {
	params := CodecParameters{}
	for _, part := range strings.Split(config, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params
}
