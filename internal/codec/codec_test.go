package codec

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/native/internal/domain"
)

func description(lines ...string) string {
	head := []string{
		"v=0",
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
	}
	return strings.Join(append(head, lines...), "\r\n") + "\r\n"
}

func TestDefaultCapabilities(t *testing.T) {
	caps := DefaultCapabilities()
	assert.Equal(t, []AudioKind{AudioOpus, AudioPCMU, AudioPCMA}, caps.Audio)
	assert.Equal(t, []VideoKind{VideoKeyframe}, caps.Video)
}

func TestKindMetadata(t *testing.T) {
	assert.Equal(t, uint8(111), AudioOpus.PayloadType())
	assert.Equal(t, uint32(48000), AudioOpus.ClockRate())
	assert.Equal(t, uint8(0), AudioPCMU.PayloadType())
	assert.Equal(t, uint8(8), AudioPCMA.PayloadType())
	assert.Equal(t, uint32(8000), AudioPCMA.ClockRate())
	assert.Equal(t, 960, AudioOpus.FrameSamples())
	assert.Equal(t, 160, AudioPCMU.FrameSamples())
	assert.Equal(t, uint8(96), VideoKeyframe.PayloadType())
	assert.Equal(t, uint32(90000), VideoKeyframe.ClockRate())

	k, ok := AudioKindForMime("audio/pcmu")
	assert.True(t, ok)
	assert.Equal(t, AudioPCMU, k)
	_, ok = AudioKindForMime("audio/G722")
	assert.False(t, ok)

	k, ok = AudioKindForPayloadType(8)
	assert.True(t, ok)
	assert.Equal(t, AudioPCMA, k)
	_, ok = AudioKindForPayloadType(96)
	assert.False(t, ok)
}

func TestNewEncoderRejectsUnknownKinds(t *testing.T) {
	_, err := NewAudioEncoder(AudioKind(42))
	assert.True(t, errors.Is(err, domain.ErrUnsupportedCodec))
	_, err = NewVideoEncoder(VideoKind(0))
	assert.True(t, errors.Is(err, domain.ErrUnsupportedCodec))
}

func TestFactoryRestrictsToCapabilitySet(t *testing.T) {
	f := NewFactory(CapabilitySet{Audio: []AudioKind{AudioPCMA}})

	_, err := f.NewAudioEncoder(AudioOpus)
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)
	_, err = f.NewVideoEncoder(VideoKeyframe)
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)

	a, err := f.NewAudioEncoder(AudioPCMA)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, AudioPCMA, a.Kind())
}

func TestAudioDispatch(t *testing.T) {
	for _, kind := range []AudioKind{AudioOpus, AudioPCMU, AudioPCMA} {
		t.Run(kind.String(), func(t *testing.T) {
			a, err := NewAudioEncoder(kind)
			require.NoError(t, err)
			defer a.Close()

			assert.Empty(t, a.GenerateLossConcealment())

			payload := a.Encode(make([]int16, a.FrameSamples()))
			require.NotEmpty(t, payload)
			assert.Len(t, a.Decode(payload), a.FrameSamples())
			assert.Len(t, a.Decode(nil), a.FrameSamples())
			assert.Equal(t, int(kind.ClockRate()), a.SampleRate())
		})
	}
}

func TestAudioBitrate(t *testing.T) {
	opus, err := NewAudioEncoder(AudioOpus)
	require.NoError(t, err)
	defer opus.Close()
	opus.SetBitrate(1000)
	assert.Equal(t, 510, opus.Bitrate())

	pcmu, err := NewAudioEncoder(AudioPCMU)
	require.NoError(t, err)
	defer pcmu.Close()
	pcmu.SetBitrate(1000)
	pcmu.SetExpectedLossPercent(50)
	assert.Equal(t, 64, pcmu.Bitrate())
}

func TestVideoDispatch(t *testing.T) {
	v, err := NewVideoEncoder(VideoKeyframe)
	require.NoError(t, err)

	raw := make([]byte, 16*16*3/2)
	f := v.Encode(raw, 16, 16)
	require.NotNil(t, f)
	assert.True(t, f.IsKeyFrame)

	d := v.Decode(f.Data)
	require.NotNil(t, d)
	assert.Equal(t, raw, d.Data)

	v.SetBitrate(1)
	assert.Equal(t, 300, v.Bitrate())
	v.SetTargetFps(100)
	assert.Equal(t, 60, v.TargetFps())

	v.Close()
	assert.Nil(t, v.Encode(raw, 16, 16))
}

func TestNegotiatePrefersLocalOrder(t *testing.T) {
	remote := description(
		"m=audio 9 UDP/TLS/RTP/SAVPF 0 111",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:111 opus/48000/2",
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:96 KFV/90000",
	)

	n, err := NegotiateFromSDP(DefaultCapabilities(), remote)
	require.NoError(t, err)
	assert.Equal(t, AudioOpus, n.Audio)
	assert.True(t, n.HasVideo)
	assert.Equal(t, VideoKeyframe, n.Video)
}

func TestNegotiateStaticPayloadAndAudioOnly(t *testing.T) {
	remote := description(
		"m=audio 9 UDP/TLS/RTP/SAVPF 8",
		"c=IN IP4 0.0.0.0",
		"m=video 0 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:96 KFV/90000",
	)

	n, err := NegotiateFromSDP(DefaultCapabilities(), remote)
	require.NoError(t, err)
	assert.Equal(t, AudioPCMA, n.Audio)
	assert.False(t, n.HasVideo, "rejected video section")
}

func TestNegotiateNoCommonAudio(t *testing.T) {
	remote := description(
		"m=audio 9 UDP/TLS/RTP/SAVPF 9",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:9 G722/8000",
	)
	_, err := NegotiateFromSDP(DefaultCapabilities(), remote)
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)

	_, err = NegotiateFromSDP(DefaultCapabilities(), "not sdp")
	assert.Error(t, err)
}
