package sfu

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/arzzra/soft_sfu/internal/testsdp"
	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/engine/local"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

type recordedEvent struct {
	name string
	data any
}

// recordingChannel запоминает события и закрытия
type recordingChannel struct {
	mu     sync.Mutex
	events []recordedEvent
	closed int
}

func (c *recordingChannel) Notify(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, recordedEvent{name: event, data: data})
	return nil
}

func (c *recordingChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *recordingChannel) named(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, e := range c.events {
		if e.name == event {
			out = append(out, e.data)
		}
	}
	return out
}

func (c *recordingChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testMediaCodecs() []ortc.RtpCodecCapability {
	return []ortc.RtpCodecCapability{
		{Kind: ortc.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: ortc.MediaKindVideo, MimeType: "video/H264", ClockRate: 90000,
			Parameters: ortc.CodecParameters{
				"packetization-mode":      "1",
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": "1",
			}},
	}
}

type PeerSuite struct {
	suite.Suite

	ctx      context.Context
	pool     *engine.WorkerPool
	registry *Registry
}

func TestPeerSuite(t *testing.T) {
	suite.Run(t, new(PeerSuite))
}

func (s *PeerSuite) SetupTest() {
	s.ctx = context.Background()
	pool, err := engine.NewWorkerPool(s.ctx, engine.PoolConfig{
		Size:    2,
		Factory: local.Factory(local.WorkerSettings{Ports: local.PortRange{Min: 42000, Max: 42999}}),
	})
	s.Require().NoError(err)
	s.pool = pool

	registry, err := NewRegistry(RegistryConfig{Routers: pool, MediaCodecs: testMediaCodecs()})
	s.Require().NoError(err)
	s.registry = registry
}

func (s *PeerSuite) TearDownTest() {
	s.pool.Close()
}

func (s *PeerSuite) newPeer(id string) (*Peer, *recordingChannel) {
	ch := &recordingChannel{}
	p, err := NewPeer(PeerConfig{
		ID:       id,
		Name:     strings.ToUpper(id),
		Channel:  ch,
		Registry: s.registry,
		TransportOptions: engine.WebRtcTransportOptions{
			ListenIPs: []engine.ListenIP{{IP: "127.0.0.1"}},
			EnableUDP: true,
		},
	})
	s.Require().NoError(err)
	s.T().Cleanup(p.Close)
	return p, ch
}

func (s *PeerSuite) request(p *Peer, name string, data any) any {
	resp, err := p.Request(s.ctx, name, data)
	s.Require().NoError(err, name)
	return resp
}

func (s *PeerSuite) join(p *Peer, room string) JoinResponse {
	return s.request(p, CommandJoin, JoinRequest{RoomID: room}).(JoinResponse)
}

func (s *PeerSuite) createTransport(p *Peer, planB bool) string {
	resp := s.request(p, CommandCreateTransport, CreateTransportRequest{PlanB: planB}).(TransportResponse)
	s.Require().NotEmpty(resp.ID)
	return resp.ID
}

func (s *PeerSuite) answer(p *Peer, transportID string, tracks ...testsdp.Track) AnswerResponse {
	sdpText := testsdp.Offer(testsdp.Options{Tracks: tracks})
	return s.request(p, CommandGetAnswerSdp, GetAnswerSdpRequest{TransportID: transportID, SDP: sdpText}).(AnswerResponse)
}

func (s *PeerSuite) requireCode(err error, code ErrorCode) {
	s.Require().Error(err)
	s.True(IsCommandError(err, code), "ожидался код %s, получено: %v", code, err)
}

func producerIDs(infos []ProducerInfo) map[string]string {
	out := make(map[string]string, len(infos))
	for _, info := range infos {
		out[info.TrackID] = info.ID
	}
	return out
}

var (
	trackA = testsdp.Track{Kind: "audio", ID: "track-a", SSRC: 1001}
	trackB = testsdp.Track{Kind: "video", ID: "track-b", SSRC: 2001, RtxSSRC: 2002}
	trackC = testsdp.Track{Kind: "audio", ID: "track-c", SSRC: 3001}
)

func (s *PeerSuite) TestJoinTwiceRejected() {
	alice, _ := s.newPeer("alice")
	resp := s.join(alice, "room1")
	s.Empty(resp.Peers)
	s.NotEmpty(resp.RtpCapabilities.Codecs)
	s.Equal(StateJoined, alice.State())

	_, err := alice.Request(s.ctx, CommandJoin, JoinRequest{RoomID: "room1"})
	s.requireCode(err, ErrorCodeState)

	_, err = alice.Request(s.ctx, CommandJoin, JoinRequest{RoomID: "room2"})
	s.requireCode(err, ErrorCodeState)

	room, ok := s.registry.Room("room1")
	s.Require().True(ok)
	s.Equal(1, room.Len())
	s.Equal(1, s.registry.Len())
}

func (s *PeerSuite) TestJoinSnapshotAndPeerEnter() {
	alice, aliceCh := s.newPeer("alice")
	s.join(alice, "room1")
	transportID := s.createTransport(alice, false)
	s.answer(alice, transportID, trackA, trackB)

	bob, bobCh := s.newPeer("bob")
	resp := s.join(bob, "room1")

	s.Require().Len(resp.Peers, 1)
	s.Equal("alice", resp.Peers[0].PeerID)
	s.Equal("ALICE", resp.Peers[0].Name)
	s.Len(resp.Peers[0].Producers, 2)

	enters := aliceCh.named(EventPeerEnter)
	s.Require().Len(enters, 1)
	s.Equal(PeerInfo{PeerID: "bob", Name: "BOB"}, enters[0])
	s.Empty(bobCh.named(EventPeerEnter))
}

func (s *PeerSuite) TestCommandErrors() {
	alice, _ := s.newPeer("alice")

	_, err := alice.Request(s.ctx, CommandCreateTransport, nil)
	s.requireCode(err, ErrorCodeState)

	_, err = alice.Request(s.ctx, CommandJoin, JoinRequest{})
	s.requireCode(err, ErrorCodeValidation)
	s.Equal(StateUnjoined, alice.State())

	_, err = alice.Request(s.ctx, "dance", nil)
	s.requireCode(err, ErrorCodeValidation)

	s.join(alice, "room1")

	_, err = alice.Request(s.ctx, CommandConnectTransport, ConnectTransportRequest{TransportID: "t1"})
	s.requireCode(err, ErrorCodeValidation)

	_, err = alice.Request(s.ctx, CommandConnectTransport, ConnectTransportRequest{
		TransportID:    "missing",
		DtlsParameters: &ortc.DtlsParameters{Fingerprints: []ortc.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA"}}},
	})
	s.requireCode(err, ErrorCodeNotFound)

	_, err = alice.Request(s.ctx, CommandPauseConsumer, ConsumerRequest{ConsumerID: "missing"})
	s.requireCode(err, ErrorCodeNotFound)

	_, err = alice.Request(s.ctx, CommandCloseProducer, CloseProducerRequest{ProducerID: "missing"})
	s.requireCode(err, ErrorCodeNotFound)

	transportID := s.createTransport(alice, false)
	_, err = alice.Request(s.ctx, CommandGetAnswerSdp, GetAnswerSdpRequest{TransportID: transportID, SDP: "garbage"})
	s.requireCode(err, ErrorCodeNegotiation)

	// Соединение после ошибок остается рабочим
	s.answer(alice, transportID, trackA)
}

func (s *PeerSuite) TestGetAnswerSdpDiffsTracks() {
	observer, observerCh := s.newPeer("observer")
	s.join(observer, "room1")

	alice, _ := s.newPeer("alice")
	s.join(alice, "room1")
	transportID := s.createTransport(alice, false)

	first := s.answer(alice, transportID, trackA, trackB)
	s.Contains(first.SDP, "a=setup:active")
	firstIDs := producerIDs(first.Producers)
	s.Require().Len(firstIDs, 2)

	s.Eventually(func() bool { return len(observerCh.named(EventNewProducer)) == 2 }, 2*time.Second, 10*time.Millisecond)

	removedA := trackA
	removedA.Removed = true
	second := s.answer(alice, transportID, removedA, trackB, trackC)
	secondIDs := producerIDs(second.Producers)

	s.Require().Len(secondIDs, 2)
	s.NotContains(secondIDs, trackA.ID)
	s.Equal(firstIDs[trackB.ID], secondIDs[trackB.ID])
	s.Require().Contains(secondIDs, trackC.ID)

	_, ok := alice.producer(firstIDs[trackA.ID])
	s.False(ok)

	s.Eventually(func() bool { return len(observerCh.named(EventNewProducer)) == 3 }, 2*time.Second, 10*time.Millisecond)
	events := observerCh.named(EventNewProducer)
	last := events[2].(NewProducerEvent)
	s.Equal(secondIDs[trackC.ID], last.ProducerID)
	s.Equal("alice", last.PeerID)

	// Новых newProducer не появляется
	s.Never(func() bool { return len(observerCh.named(EventNewProducer)) > 3 }, 100*time.Millisecond, 10*time.Millisecond)
}

func (s *PeerSuite) TestGetOfferSdpIsIdempotent() {
	alice, _ := s.newPeer("alice")
	s.join(alice, "room1")
	s.answer(alice, s.createTransport(alice, false), trackA, trackB)

	bob, _ := s.newPeer("bob")
	s.join(bob, "room1")
	recvID := s.createTransport(bob, false)

	req := GetOfferSdpRequest{TransportID: recvID, PeerID: "alice", Version: 1}
	first := s.request(bob, CommandGetOfferSdp, req).(OfferResponse)
	s.Require().Len(first.Consumers, 2)
	s.Contains(first.SDP, "m=audio")
	s.Contains(first.SDP, "m=video")
	s.Contains(first.SDP, "a=sendonly")

	second := s.request(bob, CommandGetOfferSdp, req).(OfferResponse)
	s.Require().Len(second.Consumers, 2)
	for i := range first.Consumers {
		s.Equal(first.Consumers[i].ID, second.Consumers[i].ID)
	}

	bob.mu.RLock()
	consumers := len(bob.consumers)
	bob.mu.RUnlock()
	s.Equal(2, consumers)
}

func (s *PeerSuite) TestGetOfferSdpErrors() {
	alice, _ := s.newPeer("alice")
	s.join(alice, "room1")
	transportID := s.createTransport(alice, false)

	bob, _ := s.newPeer("bob")
	s.join(bob, "room1")

	_, err := alice.Request(s.ctx, CommandGetOfferSdp, GetOfferSdpRequest{TransportID: transportID, PeerID: "bob"})
	s.requireCode(err, ErrorCodeNotFound)

	_, err = alice.Request(s.ctx, CommandGetOfferSdp, GetOfferSdpRequest{TransportID: transportID, PeerID: "nobody"})
	s.requireCode(err, ErrorCodeNotFound)

	_, err = alice.Request(s.ctx, CommandGetOfferSdp, GetOfferSdpRequest{TransportID: "missing", PeerID: "bob"})
	s.requireCode(err, ErrorCodeNotFound)

	_, err = alice.Request(s.ctx, CommandGetOfferSdp, GetOfferSdpRequest{TransportID: transportID})
	s.requireCode(err, ErrorCodeValidation)
}

func (s *PeerSuite) TestProducerCloseNotifiesConsumer() {
	alice, _ := s.newPeer("alice")
	s.join(alice, "room1")
	answer := s.answer(alice, s.createTransport(alice, false), trackA, trackB)
	ids := producerIDs(answer.Producers)

	bob, bobCh := s.newPeer("bob")
	s.join(bob, "room1")
	recvID := s.createTransport(bob, false)
	offer := s.request(bob, CommandGetOfferSdp, GetOfferSdpRequest{TransportID: recvID, PeerID: "alice"}).(OfferResponse)
	s.Require().Len(offer.Consumers, 2)

	s.request(alice, CommandCloseProducer, CloseProducerRequest{ProducerID: ids[trackB.ID]})

	closed := bobCh.named(EventConsumerClosed)
	s.Require().Len(closed, 1)
	event := closed[0].(ConsumerClosedEvent)
	s.Equal(ids[trackB.ID], event.ProducerID)
	s.Equal(string(engine.CloseReasonProducerClose), event.Reason)

	_, err := bob.consumer(event.ConsumerID)
	s.requireCode(err, ErrorCodeNotFound)

	// Повторный offer возвращает только оставшийся consumer, секция видео закрыта
	again := s.request(bob, CommandGetOfferSdp, GetOfferSdpRequest{TransportID: recvID, PeerID: "alice"}).(OfferResponse)
	s.Require().Len(again.Consumers, 1)
	s.Contains(again.SDP, "m=video 0")
}

func (s *PeerSuite) TestCommandFlowWithoutSdp() {
	alice, _ := s.newPeer("alice")
	s.join(alice, "room1")
	sendID := s.createTransport(alice, false)

	s.request(alice, CommandConnectTransport, ConnectTransportRequest{
		TransportID: sendID,
		DtlsParameters: &ortc.DtlsParameters{
			Role:         ortc.DtlsRoleClient,
			Fingerprints: []ortc.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
		},
	})

	bob, bobCh := s.newPeer("bob")
	s.join(bob, "room1")

	prod := s.request(alice, CommandCreateProducer, CreateProducerRequest{
		TransportID: sendID,
		Kind:        ortc.MediaKindAudio,
		RtpParameters: &ortc.RtpParameters{
			Mid: "0",
			Codecs: []ortc.RtpCodecParameters{
				{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2},
			},
			Encodings: []ortc.RtpEncodingParameters{{SSRC: 1111}},
			Rtcp:      ortc.RtcpParameters{CNAME: "alice-cname"},
		},
	}).(ProducerInfo)
	s.Equal("audio", prod.Kind)

	events := bobCh.named(EventNewProducer)
	s.Require().Len(events, 1)
	s.Equal(prod.ID, events[0].(NewProducerEvent).ProducerID)

	room, _ := s.registry.Room("room1")
	recvID := s.createTransport(bob, false)
	caps := room.RtpCapabilities()
	consumer := s.request(bob, CommandCreateConsumer, CreateConsumerRequest{
		TransportID:     recvID,
		ProducerID:      prod.ID,
		RtpCapabilities: &caps,
		Paused:          true,
	}).(ConsumerInfo)
	s.Equal(prod.ID, consumer.ProducerID)
	s.True(consumer.Paused)
	s.Equal("simple", consumer.Type)

	s.request(bob, CommandResumeConsumer, ConsumerRequest{ConsumerID: consumer.ID})
	c, err := bob.consumer(consumer.ID)
	s.Require().NoError(err)
	s.False(c.Paused())

	_, err = bob.Request(s.ctx, CommandCreateConsumer, CreateConsumerRequest{
		TransportID:     recvID,
		ProducerID:      "missing",
		RtpCapabilities: &caps,
	})
	s.requireCode(err, ErrorCodeNotFound)

	s.request(bob, CommandCloseTransport, CloseTransportRequest{TransportID: recvID})
	_, err = bob.consumer(consumer.ID)
	s.requireCode(err, ErrorCodeNotFound)
}

func (s *PeerSuite) TestPlanBAnswer() {
	alice, _ := s.newPeer("alice")
	s.join(alice, "room1")
	transportID := s.createTransport(alice, true)

	sdpText := testsdp.Offer(testsdp.Options{
		PlanB: true,
		Tracks: []testsdp.Track{
			{Kind: "video", ID: "cam", SSRC: 5001, RtxSSRC: 5002},
			{Kind: "video", ID: "screen", SSRC: 6001, RtxSSRC: 6002},
		},
	})
	resp := s.request(alice, CommandGetAnswerSdp, GetAnswerSdpRequest{TransportID: transportID, SDP: sdpText}).(AnswerResponse)

	ids := producerIDs(resp.Producers)
	s.Len(ids, 2)
	s.Contains(ids, "cam")
	s.Contains(ids, "screen")
}

func (s *PeerSuite) TestDestroyIsIdempotent() {
	alice, aliceCh := s.newPeer("alice")
	s.join(alice, "room1")
	s.answer(alice, s.createTransport(alice, false), trackA, trackB)

	bob, bobCh := s.newPeer("bob")
	s.join(bob, "room1")
	recvID := s.createTransport(bob, false)
	s.request(bob, CommandGetOfferSdp, GetOfferSdpRequest{TransportID: recvID, PeerID: "alice"})

	alice.Close()
	alice.Close()

	s.Equal(StateClosed, alice.State())
	s.Equal(1, aliceCh.closeCount())
	s.Len(bobCh.named(EventPeerLeave), 1)
	s.Len(bobCh.named(EventConsumerClosed), 2)

	room, _ := s.registry.Room("room1")
	s.Equal(1, room.Len())
	_, ok := room.Peer("alice")
	s.False(ok)

	_, err := alice.Request(s.ctx, CommandCreateTransport, nil)
	s.requireCode(err, ErrorCodeState)

	select {
	case <-alice.Done():
	case <-time.After(2 * time.Second):
		s.Fail("очередь команд не завершилась")
	}
}
