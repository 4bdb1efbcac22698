package ortc

import (
	"fmt"
	"strconv"
	"strings"
)

// H264Profile профиль H264 по RFC 6184
type H264Profile int

const (
	H264ProfileConstrainedBaseline H264Profile = iota + 1
	H264ProfileBaseline
	H264ProfileMain
	H264ProfileConstrainedHigh
	H264ProfileHigh
	H264ProfilePredictiveHigh444
)

// H264Level уровень H264. Значения совпадают с level_idc, кроме 1b.
type H264Level int

const (
	H264Level1b  H264Level = 0
	H264Level1   H264Level = 10
	H264Level1_1 H264Level = 11
	H264Level1_2 H264Level = 12
	H264Level1_3 H264Level = 13
	H264Level2   H264Level = 20
	H264Level2_1 H264Level = 21
	H264Level2_2 H264Level = 22
	H264Level3   H264Level = 30
	H264Level3_1 H264Level = 31
	H264Level3_2 H264Level = 32
	H264Level4   H264Level = 40
	H264Level4_1 H264Level = 41
	H264Level4_2 H264Level = 42
	H264Level5   H264Level = 50
	H264Level5_1 H264Level = 51
	H264Level5_2 H264Level = 52
)

// DefaultH264ProfileLevelID используется, когда profile-level-id не указан
const DefaultH264ProfileLevelID = "42e01f"

// H264ProfileLevelID разобранный profile-level-id
type H264ProfileLevelID struct {
	Profile H264Profile
	Level   H264Level
}

// bitPattern маска вида "x1xx0000": x - любой бит, старший бит первым
type bitPattern struct {
	mask        uint8
	maskedValue uint8
}

func newBitPattern(s string) bitPattern {
	var notMask, value uint8
	for i := 0; i < 8; i++ {
		bit := uint8(1) << (7 - i)
		switch s[i] {
		case 'x':
			notMask |= bit
		case '1':
			value |= bit
		}
	}
	return bitPattern{mask: ^notMask, maskedValue: value}
}

func (p bitPattern) match(v uint8) bool {
	return p.maskedValue == v&p.mask
}

type profilePattern struct {
	profileIdc uint8
	iop        bitPattern
	profile    H264Profile
}

var h264ProfilePatterns = []profilePattern{
	{0x42, newBitPattern("x1xx0000"), H264ProfileConstrainedBaseline},
	{0x4D, newBitPattern("1xxx0000"), H264ProfileConstrainedBaseline},
	{0x58, newBitPattern("11xx0000"), H264ProfileConstrainedBaseline},
	{0x42, newBitPattern("x0xx0000"), H264ProfileBaseline},
	{0x58, newBitPattern("10xx0000"), H264ProfileBaseline},
	{0x4D, newBitPattern("0x0x0000"), H264ProfileMain},
	{0x64, newBitPattern("00000000"), H264ProfileHigh},
	{0x64, newBitPattern("00001100"), H264ProfileConstrainedHigh},
	{0xF4, newBitPattern("00000000"), H264ProfilePredictiveHigh444},
}

// ParseH264ProfileLevelID разбирает шестисимвольный profile-level-id
func ParseH264ProfileLevelID(s string) (H264ProfileLevelID, bool) {
	if len(s) != 6 {
		return H264ProfileLevelID{}, false
	}
	num, err := strconv.ParseUint(s, 16, 32)
	if err != nil || num == 0 {
		return H264ProfileLevelID{}, false
	}

	levelIdc := uint8(num & 0xFF)
	iop := uint8((num >> 8) & 0xFF)
	profileIdc := uint8((num >> 16) & 0xFF)

	var level H264Level
	switch H264Level(levelIdc) {
	case H264Level1_1:
		// constraint_set3_flag отличает 1b от 1.1
		if iop&0x10 != 0 {
			level = H264Level1b
		} else {
			level = H264Level1_1
		}
	case H264Level1, H264Level1_2, H264Level1_3,
		H264Level2, H264Level2_1, H264Level2_2,
		H264Level3, H264Level3_1, H264Level3_2,
		H264Level4, H264Level4_1, H264Level4_2,
		H264Level5, H264Level5_1, H264Level5_2:
		level = H264Level(levelIdc)
	default:
		return H264ProfileLevelID{}, false
	}

	for _, p := range h264ProfilePatterns {
		if p.profileIdc == profileIdc && p.iop.match(iop) {
			return H264ProfileLevelID{Profile: p.profile, Level: level}, true
		}
	}
	return H264ProfileLevelID{}, false
}

// String возвращает profile-level-id в виде шести hex символов
func (p H264ProfileLevelID) String() (string, bool) {
	if p.Level == H264Level1b {
		switch p.Profile {
		case H264ProfileConstrainedBaseline:
			return "42f00b", true
		case H264ProfileBaseline:
			return "42100b", true
		case H264ProfileMain:
			return "4d100b", true
		default:
			return "", false
		}
	}

	var prefix string
	switch p.Profile {
	case H264ProfileConstrainedBaseline:
		prefix = "42e0"
	case H264ProfileBaseline:
		prefix = "4200"
	case H264ProfileMain:
		prefix = "4d00"
	case H264ProfileConstrainedHigh:
		prefix = "640c"
	case H264ProfileHigh:
		prefix = "6400"
	case H264ProfilePredictiveHigh444:
		prefix = "f400"
	default:
		return "", false
	}
	return fmt.Sprintf("%s%02x", prefix, int(p.Level)), true
}

func parseSdpProfileLevelID(params CodecParameters) (H264ProfileLevelID, bool) {
	v, ok := params["profile-level-id"]
	if !ok || v == "" {
		v = DefaultH264ProfileLevelID
	}
	return ParseH264ProfileLevelID(strings.ToLower(v))
}

// IsSameH264Profile сообщает, совпадают ли профили двух наборов параметров
func IsSameH264Profile(a, b CodecParameters) bool {
	pa, okA := parseSdpProfileLevelID(a)
	pb, okB := parseSdpProfileLevelID(b)
	return okA && okB && pa.Profile == pb.Profile
}

func isLevelAsymmetryAllowed(params CodecParameters) bool {
	return params["level-asymmetry-allowed"] == "1"
}

func isLessLevel(a, b H264Level) bool {
	if a == H264Level1b {
		return b != H264Level1 && b != H264Level1b
	}
	if b == H264Level1b {
		return a == H264Level1
	}
	return a < b
}

func minLevel(a, b H264Level) H264Level {
	if isLessLevel(a, b) {
		return a
	}
	return b
}

// GenerateH264ProfileLevelIDForAnswer выбирает profile-level-id для ответа.
// Пустая строка без ошибки означает, что ни одна сторона не указала profile-level-id.
func GenerateH264ProfileLevelIDForAnswer(local, remote CodecParameters) (string, error) {
	_, localHas := local["profile-level-id"]
	_, remoteHas := remote["profile-level-id"]
	if !localHas && !remoteHas {
		return "", nil
	}

	localID, ok := parseSdpProfileLevelID(local)
	if !ok {
		return "", NewNegotiationError(ErrorCodeInvalidProfileLevelID,
			"некорректный локальный profile-level-id %q", local["profile-level-id"])
	}
	remoteID, ok := parseSdpProfileLevelID(remote)
	if !ok {
		return "", NewNegotiationError(ErrorCodeInvalidProfileLevelID,
			"некорректный удаленный profile-level-id %q", remote["profile-level-id"])
	}
	if localID.Profile != remoteID.Profile {
		return "", NewNegotiationError(ErrorCodeProfileMismatch,
			"профили H264 не совпадают: %d и %d", localID.Profile, remoteID.Profile)
	}

	level := minLevel(localID.Level, remoteID.Level)
	if isLevelAsymmetryAllowed(local) && isLevelAsymmetryAllowed(remote) {
		level = localID.Level
	}

	s, ok := H264ProfileLevelID{Profile: localID.Profile, Level: level}.String()
	if !ok {
		return "", NewNegotiationError(ErrorCodeInvalidProfileLevelID,
			"не удалось сформировать profile-level-id для профиля %d", localID.Profile)
	}
	return s, nil
}
