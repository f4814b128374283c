package call

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/native/internal/codec"
	"peercall/native/internal/codec/video"
	"peercall/native/internal/domain"
)

type sentAudio struct {
	payload []byte
	ts      uint32
}

type fakeMediaTransport struct {
	mu               sync.Mutex
	audio            []sentAudio
	video            []*domain.EncodedFrame
	keyFrameRequests int
}

func (f *fakeMediaTransport) SendAudio(payload []byte, ts uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, sentAudio{payload, ts})
}

func (f *fakeMediaTransport) SendVideo(frame *domain.EncodedFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video = append(f.video, frame)
}

func (f *fakeMediaTransport) RequestKeyFrame() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyFrameRequests++
}

type audioSinkRecorder struct {
	mu     sync.Mutex
	frames [][]int16
}

func (r *audioSinkRecorder) PlayAudio(pcm []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, pcm)
}

func (r *audioSinkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type videoSinkRecorder struct {
	mu     sync.Mutex
	frames []domain.DecodedFrame
}

func (r *videoSinkRecorder) RenderVideo(f domain.DecodedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *videoSinkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func pcmuPump(t *testing.T, media Media) (*Pump, *fakeMediaTransport) {
	t.Helper()
	ft := &fakeMediaTransport{}
	caps := codec.CapabilitySet{Audio: []codec.AudioKind{codec.AudioPCMU}, Video: []codec.VideoKind{codec.VideoKeyframe}}
	p, err := NewPump(ft, codec.NewFactory(caps), codec.Negotiated{Audio: codec.AudioPCMU, Video: codec.VideoKeyframe, HasVideo: true}, media, PumpConfig{})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, ft
}

func tone(n int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16((i % 40) * 400)
	}
	return pcm
}

func TestPumpFramesCapturedAudio(t *testing.T) {
	p, ft := pcmuPump(t, Media{CaptureRate: 8000})

	p.OnCapturedAudio(tone(250))
	p.OnCapturedAudio(tone(150))

	require.Len(t, ft.audio, 2)
	assert.Equal(t, uint32(0), ft.audio[0].ts)
	assert.Equal(t, uint32(160), ft.audio[1].ts)
	assert.Len(t, ft.audio[0].payload, 160)
	assert.Len(t, p.pending, 80)
}

func TestPumpResamplesCapture(t *testing.T) {
	p, ft := pcmuPump(t, Media{CaptureRate: 48000})
	p.OnCapturedAudio(tone(960))
	require.Len(t, ft.audio, 1)
	assert.Len(t, ft.audio[0].payload, 160)
}

func TestPumpConcealsTimestampGaps(t *testing.T) {
	sink := &audioSinkRecorder{}
	p, _ := pcmuPump(t, Media{AudioSink: sink, CaptureRate: 8000})
	enc, err := codec.NewAudioEncoder(codec.AudioPCMU)
	require.NoError(t, err)
	defer enc.Close()
	payload := enc.Encode(tone(160))

	p.OnRemoteAudio(domain.InboundAudio{Payload: payload, PayloadType: 0, Timestamp: 0})
	p.OnRemoteAudio(domain.InboundAudio{Payload: payload, PayloadType: 0, Timestamp: 160})
	assert.Equal(t, 2, sink.count())

	// two frames lost before ts 640
	p.OnRemoteAudio(domain.InboundAudio{Payload: payload, PayloadType: 0, Timestamp: 640})
	assert.Equal(t, 5, sink.count())

	// late packet
	p.OnRemoteAudio(domain.InboundAudio{Payload: payload, PayloadType: 0, Timestamp: 320})
	assert.Equal(t, 5, sink.count())

	lost, played := p.LossStats()
	assert.Equal(t, 2, lost)
	assert.Equal(t, 5, played)
}

func TestPumpIgnoresUnknownPayloadTypes(t *testing.T) {
	sink := &audioSinkRecorder{}
	p, _ := pcmuPump(t, Media{AudioSink: sink})
	p.OnRemoteAudio(domain.InboundAudio{Payload: []byte{1, 2}, PayloadType: 99})
	// PCMA is not in the capability set
	p.OnRemoteAudio(domain.InboundAudio{Payload: make([]byte, 160), PayloadType: 8})
	assert.Equal(t, 0, sink.count())
}

func TestPumpVideoRoundTripAndKeyFrameRequests(t *testing.T) {
	vsink := &videoSinkRecorder{}
	p, ft := pcmuPump(t, Media{VideoSink: vsink})

	raw := make([]byte, video.FrameBytes(32, 16))
	p.OnCapturedVideo(raw, 32, 16)
	require.Len(t, ft.video, 1)
	assert.True(t, ft.video[0].IsKeyFrame)

	p.OnRemoteVideo(domain.InboundVideo{Payload: ft.video[0].Data, IsKeyFrame: true})
	assert.Equal(t, 1, vsink.count())

	p.OnRemoteVideo(domain.InboundVideo{Payload: []byte{0xff, 0x00}})
	p.OnRemoteVideo(domain.InboundVideo{Payload: []byte{0xff, 0x00}})
	assert.Equal(t, 1, vsink.count())
	assert.Equal(t, 1, ft.keyFrameRequests, "requests are throttled")

	p.OnCapturedVideo(raw, 32, 16)
	require.Len(t, ft.video, 2)
	assert.False(t, ft.video[1].IsKeyFrame)

	p.OnKeyFrameRequest()
	p.OnCapturedVideo(raw, 32, 16)
	require.Len(t, ft.video, 3)
	assert.True(t, ft.video[2].IsKeyFrame)
}

func TestPumpDropsWorkAfterClose(t *testing.T) {
	sink := &audioSinkRecorder{}
	p, ft := pcmuPump(t, Media{AudioSink: sink, CaptureRate: 8000})
	p.Close()
	p.Close()

	p.OnCapturedAudio(tone(320))
	p.OnCapturedVideo(make([]byte, video.FrameBytes(32, 16)), 32, 16)
	p.OnRemoteAudio(domain.InboundAudio{Payload: make([]byte, 160)})
	assert.Empty(t, ft.audio)
	assert.Empty(t, ft.video)
	assert.Equal(t, 0, sink.count())
}

func TestResample(t *testing.T) {
	in := tone(480)
	assert.Len(t, resample(in, 48000, 8000), 80)
	assert.Len(t, resample(in, 8000, 48000), 2880)
	assert.Equal(t, in, resample(in, 8000, 8000))
	assert.Empty(t, resample(nil, 48000, 8000))
}
