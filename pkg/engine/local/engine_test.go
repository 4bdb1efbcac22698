package local

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

func mediaCodecs() []ortc.RtpCodecCapability {
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

func newTestRouter(t *testing.T) (*Worker, engine.Router) {
	t.Helper()
	w, err := NewWorker(WorkerSettings{Ports: PortRange{Min: 40000, Max: 40100}})
	require.NoError(t, err)
	r, err := w.CreateRouter(context.Background(), mediaCodecs())
	require.NoError(t, err)
	return w, r
}

func newTestTransport(t *testing.T, r engine.Router) engine.Transport {
	t.Helper()
	tr, err := r.CreateWebRtcTransport(context.Background(), engine.WebRtcTransportOptions{
		ListenIPs: []engine.ListenIP{{IP: "0.0.0.0", AnnouncedIP: "203.0.113.10"}},
		EnableUDP: true,
	})
	require.NoError(t, err)
	return tr
}

// browserVideo параметры H264 трека в payload types браузера
func browserVideo(ssrc uint32) ortc.RtpParameters {
	return ortc.RtpParameters{
		Mid: "1",
		Codecs: []ortc.RtpCodecParameters{
			{MimeType: "video/H264", PayloadType: 102, ClockRate: 90000,
				Parameters: ortc.CodecParameters{"packetization-mode": "1", "profile-level-id": "42e01f"}},
			{MimeType: "video/rtx", PayloadType: 103, ClockRate: 90000,
				Parameters: ortc.CodecParameters{"apt": "102"}},
		},
		Encodings: []ortc.RtpEncodingParameters{{SSRC: ssrc, Rtx: &ortc.RtxParameters{SSRC: ssrc + 1}}},
		Rtcp:      ortc.RtcpParameters{CNAME: "browser-cname"},
	}
}

func TestGenerateRouterCapabilities(t *testing.T) {
	caps, err := GenerateRouterCapabilities(append(mediaCodecs(),
		ortc.RtpCodecCapability{Kind: ortc.MediaKindAudio, MimeType: "audio/PCMU", ClockRate: 8000}))
	require.NoError(t, err)
	require.Len(t, caps.Codecs, 4)

	assert.Equal(t, "audio/opus", caps.Codecs[0].MimeType)
	assert.Equal(t, uint8(100), caps.Codecs[0].PreferredPayloadType)
	assert.Equal(t, []ortc.RtcpFeedback{{Type: "transport-cc"}}, caps.Codecs[0].RtcpFeedback)

	assert.Equal(t, "video/H264", caps.Codecs[1].MimeType)
	assert.Equal(t, uint8(101), caps.Codecs[1].PreferredPayloadType)
	assert.Equal(t, "42e01f", caps.Codecs[1].Parameters["profile-level-id"])

	assert.Equal(t, "video/rtx", caps.Codecs[2].MimeType)
	assert.Equal(t, uint8(102), caps.Codecs[2].PreferredPayloadType)
	assert.Equal(t, "101", caps.Codecs[2].Parameters["apt"])

	// Статический payload type сохраняется
	assert.Equal(t, "audio/PCMU", caps.Codecs[3].MimeType)
	assert.Equal(t, uint8(0), caps.Codecs[3].PreferredPayloadType)
	assert.Equal(t, 1, caps.Codecs[3].Channels)

	assert.NotEmpty(t, caps.HeaderExtensions)
}

func TestGenerateRouterCapabilitiesErrors(t *testing.T) {
	_, err := GenerateRouterCapabilities(nil)
	assert.Error(t, err)

	_, err = GenerateRouterCapabilities([]ortc.RtpCodecCapability{
		{Kind: ortc.MediaKindVideo, MimeType: "video/AV2", ClockRate: 90000},
	})
	assert.Error(t, err)

	_, err = GenerateRouterCapabilities([]ortc.RtpCodecCapability{
		{Kind: ortc.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 111},
		{Kind: ortc.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 111},
	})
	assert.Error(t, err)
}

func TestCreateWebRtcTransport(t *testing.T) {
	w, r := newTestRouter(t)
	tr := newTestTransport(t, r)

	ice := tr.IceParameters()
	assert.Len(t, ice.UsernameFragment, iceUfragLength)
	assert.Len(t, ice.Password, icePwdLength)
	assert.True(t, ice.IceLite)

	candidates := tr.IceCandidates()
	require.Len(t, candidates, 1)
	assert.Equal(t, "203.0.113.10", candidates[0].IP)
	assert.Equal(t, "udp", candidates[0].Protocol)
	assert.Equal(t, 40000, candidates[0].Port)
	assert.True(t, w.ports.IsPortInUse(40000))

	dtls := tr.DtlsParameters()
	assert.Equal(t, ortc.DtlsRoleAuto, dtls.Role)
	require.Len(t, dtls.Fingerprints, 1)
	assert.Equal(t, "sha-256", dtls.Fingerprints[0].Algorithm)
	assert.Len(t, dtls.Fingerprints[0].Value, 32*3-1)

	tr.Close()
	assert.False(t, w.ports.IsPortInUse(40000))
}

func TestTransportConnect(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r)
	remote := ortc.DtlsParameters{
		Role:         ortc.DtlsRoleServer,
		Fingerprints: []ortc.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA"}},
	}

	require.NoError(t, tr.Connect(context.Background(), remote))
	assert.Equal(t, ortc.DtlsRoleClient, tr.DtlsParameters().Role)
	assert.Error(t, tr.Connect(context.Background(), remote))

	other := newTestTransport(t, r)
	assert.Error(t, other.Connect(context.Background(), ortc.DtlsParameters{}))
}

func TestProduceConsume(t *testing.T) {
	_, r := newTestRouter(t)
	send := newTestTransport(t, r)
	recv := newTestTransport(t, r)
	ctx := context.Background()

	producer, err := send.Produce(ctx, engine.ProducerOptions{Kind: ortc.MediaKindVideo, RtpParameters: browserVideo(5000)})
	require.NoError(t, err)
	assert.True(t, r.CanConsume(producer.ID(), r.RtpCapabilities()))

	consumer, err := recv.Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: r.RtpCapabilities(),
		Paused:          true,
	})
	require.NoError(t, err)

	assert.Equal(t, producer.ID(), consumer.ProducerID())
	assert.Equal(t, ortc.MediaKindVideo, consumer.Kind())
	assert.Equal(t, "simple", consumer.Type())
	assert.True(t, consumer.Paused())

	params := consumer.RtpParameters()
	assert.Equal(t, "0", params.Mid)
	require.Len(t, params.Codecs, 2)
	assert.Equal(t, uint8(101), params.Codecs[0].PayloadType)
	assert.Equal(t, uint8(102), params.Codecs[1].PayloadType)
	assert.NotContains(t, params.Codecs[0].RtcpFeedback, ortc.RtcpFeedback{Type: "goog-remb"})
	require.Len(t, params.Encodings, 1)
	assert.NotNil(t, params.Encodings[0].Rtx)
	assert.Equal(t, "browser-cname", params.Rtcp.CNAME)

	require.NoError(t, consumer.Resume(ctx))
	assert.False(t, consumer.Paused())

	second, err := recv.Consume(ctx, engine.ConsumerOptions{ProducerID: producer.ID(), RtpCapabilities: r.RtpCapabilities()})
	require.NoError(t, err)
	assert.Equal(t, "1", second.RtpParameters().Mid)
}

func TestProduceErrors(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r)
	ctx := context.Background()

	_, err := tr.Produce(ctx, engine.ProducerOptions{Kind: "data", RtpParameters: browserVideo(1)})
	assert.Error(t, err)

	params := browserVideo(1)
	params.Encodings = nil
	_, err = tr.Produce(ctx, engine.ProducerOptions{Kind: ortc.MediaKindVideo, RtpParameters: params})
	assert.Error(t, err)

	params = browserVideo(1)
	params.Codecs[0].MimeType = "video/VP8"
	_, err = tr.Produce(ctx, engine.ProducerOptions{Kind: ortc.MediaKindVideo, RtpParameters: params})
	assert.Error(t, err)

	_, err = tr.Consume(ctx, engine.ConsumerOptions{ProducerID: "missing", RtpCapabilities: r.RtpCapabilities()})
	assert.Error(t, err)
}

func TestProducerCloseCascades(t *testing.T) {
	_, r := newTestRouter(t)
	send := newTestTransport(t, r)
	recv := newTestTransport(t, r)
	ctx := context.Background()

	producer, err := send.Produce(ctx, engine.ProducerOptions{Kind: ortc.MediaKindVideo, RtpParameters: browserVideo(5000)})
	require.NoError(t, err)
	consumer, err := recv.Consume(ctx, engine.ConsumerOptions{ProducerID: producer.ID(), RtpCapabilities: r.RtpCapabilities()})
	require.NoError(t, err)

	var reasons []engine.CloseReason
	consumer.OnClose(func(reason engine.CloseReason) { reasons = append(reasons, reason) })
	producerClosed := 0
	producer.OnClose(func() { producerClosed++ })

	producer.Close()
	producer.Close()

	assert.Equal(t, []engine.CloseReason{engine.CloseReasonProducerClose}, reasons)
	assert.Equal(t, 1, producerClosed)
	assert.False(t, r.CanConsume(producer.ID(), r.RtpCapabilities()))
}

func TestTransportCloseCascades(t *testing.T) {
	_, r := newTestRouter(t)
	send := newTestTransport(t, r)
	recv := newTestTransport(t, r)
	ctx := context.Background()

	producer, err := send.Produce(ctx, engine.ProducerOptions{Kind: ortc.MediaKindVideo, RtpParameters: browserVideo(5000)})
	require.NoError(t, err)
	consumer, err := recv.Consume(ctx, engine.ConsumerOptions{ProducerID: producer.ID(), RtpCapabilities: r.RtpCapabilities()})
	require.NoError(t, err)

	var reason engine.CloseReason
	consumer.OnClose(func(r engine.CloseReason) { reason = r })

	recv.Close()
	assert.Equal(t, engine.CloseReasonTransport, reason)

	_, err = recv.Consume(ctx, engine.ConsumerOptions{ProducerID: producer.ID(), RtpCapabilities: r.RtpCapabilities()})
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestWorkerKill(t *testing.T) {
	w, r := newTestRouter(t)
	tr := newTestTransport(t, r)

	var died error
	w.OnDied(func(err error) { died = err })
	routerClosed, transportClosed := false, false
	r.OnClose(func() { routerClosed = true })
	tr.OnClose(func() { transportClosed = true })

	cause := errors.New("segfault")
	w.Kill(cause)
	w.Kill(cause)

	assert.Equal(t, cause, died)
	assert.True(t, routerClosed)
	assert.True(t, transportClosed)

	_, err := w.CreateRouter(context.Background(), mediaCodecs())
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestPoolWithLocalWorkers(t *testing.T) {
	pool, err := engine.NewWorkerPool(context.Background(), engine.PoolConfig{
		Size:    2,
		Factory: Factory(WorkerSettings{Ports: PortRange{Min: 41000, Max: 41010}}),
	})
	require.NoError(t, err)
	defer pool.Close()

	first, err := pool.CreateRouter(context.Background(), mediaCodecs())
	require.NoError(t, err)
	second, err := pool.CreateRouter(context.Background(), mediaCodecs())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())

	w, err := pool.Next()
	require.NoError(t, err)
	w.(*Worker).Kill(errors.New("crash"))
	assert.Equal(t, 1, pool.Len())
}

func TestShardedFactory(t *testing.T) {
	factory, err := ShardedFactory(WorkerSettings{Ports: PortRange{Min: 41100, Max: 41199}}, 2)
	require.NoError(t, err)

	w0, err := factory(context.Background(), 0)
	require.NoError(t, err)
	defer w0.Close()
	w1, err := factory(context.Background(), 1)
	require.NoError(t, err)
	defer w1.Close()

	assert.Equal(t, PortRange{Min: 41100, Max: 41149}, w0.(*Worker).ports.portRange)
	assert.Equal(t, PortRange{Min: 41150, Max: 41199}, w1.(*Worker).ports.portRange)

	_, err = factory(context.Background(), 2)
	assert.Error(t, err)

	_, err = ShardedFactory(WorkerSettings{Ports: PortRange{Min: 41100, Max: 41100}}, 2)
	assert.Error(t, err)
}
