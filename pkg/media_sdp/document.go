package media_sdp

import (
	"strings"

	"github.com/pion/sdp/v3"
)

const (
	originUsername  = "soft-sfu"
	originSessionID = 10000
	originAddress   = "0.0.0.0"
)

// document упорядоченный набор секций с общими атрибутами сессии.
// Секции никогда не перенумеровываются: закрытая секция остается заглушкой.
type document struct {
	transport TransportInfo
	version   uint64
	sections  []*MediaSection
	midIndex  map[string]int
}

func newDocument(transport TransportInfo) *document {
	return &document{
		transport: transport,
		midIndex:  make(map[string]int),
	}
}

func (d *document) section(mid string) (*MediaSection, bool) {
	idx, ok := d.midIndex[mid]
	if !ok {
		return nil, false
	}
	return d.sections[idx], true
}

func (d *document) add(s *MediaSection) {
	d.sections = append(d.sections, s)
	d.midIndex[s.Mid()] = len(d.sections) - 1
}

// replace заменяет секцию. Если reuseMid не пуст, заменяется секция reuseMid,
// иначе секция с тем же mid.
func (d *document) replace(s *MediaSection, reuseMid string) error {
	if reuseMid != "" {
		idx, ok := d.midIndex[reuseMid]
		if !ok {
			return NewSDPError(ErrorCodeMidNotFound, "mid %q не найден", reuseMid)
		}
		if _, taken := d.midIndex[s.Mid()]; taken && s.Mid() != reuseMid {
			return NewSDPError(ErrorCodeMidNotFound, "mid %q уже используется", s.Mid())
		}
		delete(d.midIndex, reuseMid)
		d.sections[idx] = s
		d.midIndex[s.Mid()] = idx
		return nil
	}

	idx, ok := d.midIndex[s.Mid()]
	if !ok {
		return NewSDPError(ErrorCodeMidNotFound, "mid %q не найден", s.Mid())
	}
	d.sections[idx] = s
	return nil
}

// bundleMids возвращает mid открытых секций в порядке секций
func (d *document) bundleMids() []string {
	mids := make([]string, 0, len(d.sections))
	for _, s := range d.sections {
		if !s.Closed() {
			mids = append(mids, s.Mid())
		}
	}
	return mids
}

func (d *document) mids() []string {
	mids := make([]string, 0, len(d.sections))
	for _, s := range d.sections {
		mids = append(mids, s.Mid())
	}
	return mids
}

// marshalSession сериализует описание сессии
var marshalSession = func(desc *sdp.SessionDescription) ([]byte, error) {
	return desc.Marshal()
}

// marshal сериализует документ со следующей версией сессии.
// Версия сохраняется только после успешной сериализации.
func (d *document) marshal() (string, error) {
	next := d.version + 1

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       originUsername,
			SessionID:      originSessionID,
			SessionVersion: next,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: originAddress,
		},
		SessionName: sdp.SessionName("-"),
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
	}

	if d.transport.IceParameters.IceLite {
		desc.Attributes = append(desc.Attributes, sdp.NewPropertyAttribute("ice-lite"))
	}
	if n := len(d.transport.DtlsParameters.Fingerprints); n > 0 {
		// Берется последний отпечаток
		fp := d.transport.DtlsParameters.Fingerprints[n-1]
		desc.Attributes = append(desc.Attributes,
			sdp.NewAttribute("fingerprint", fp.Algorithm+" "+fp.Value),
			sdp.NewAttribute("msid-semantic", " WMS *"),
			sdp.NewAttribute("group", strings.TrimSpace("BUNDLE "+strings.Join(d.bundleMids(), " "))),
		)
	}

	for _, s := range d.sections {
		desc.MediaDescriptions = append(desc.MediaDescriptions, s.Description())
	}

	raw, err := marshalSession(desc)
	if err != nil {
		return "", WrapSDPError(ErrorCodeSDPGeneration, "", err, "Не удалось сериализовать SDP")
	}
	d.version = next
	return string(raw), nil
}
