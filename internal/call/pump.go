package call

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peercall/native/internal/codec"
	"peercall/native/internal/domain"
)

const (
	// DefaultCaptureRate is the PCM rate sources deliver when Media leaves it unset.
	DefaultCaptureRate = 48000

	// maxConcealedFrames bounds the frames synthesised for one timestamp gap.
	maxConcealedFrames = 5

	keyFrameRequestInterval = 250 * time.Millisecond
)

// Media holds the capture and playback collaborators of a call. Any of them
// may be nil.
type Media struct {
	AudioSource domain.AudioSource
	VideoSource domain.VideoSource
	AudioSink   domain.AudioSink
	VideoSink   domain.VideoSink

	// CaptureRate is the sample rate of AudioSource and the rate handed to
	// AudioSink. Zero means DefaultCaptureRate.
	CaptureRate int
}

// mediaTransport is the slice of session.Transport the pump writes to.
type mediaTransport interface {
	SendAudio(payload []byte, timestamp uint32)
	SendVideo(frame *domain.EncodedFrame)
	RequestKeyFrame()
}

// PumpConfig tunes the outbound encoders. Zero values keep codec defaults.
type PumpConfig struct {
	AudioBitrateKbps int
	VideoBitrateKbps int
	VideoFps         int
}

// Pump moves media between capture sources, codecs, the transport and
// playback sinks for one call.
type Pump struct {
	transport mediaTransport
	factory   *codec.Factory
	media     Media
	rate      int
	log       *logrus.Entry

	audioMu  sync.Mutex
	audioEnc *codec.Audio
	pending  []int16
	audioTS  uint32

	video *codec.Video

	decMu        sync.Mutex
	decoders     map[uint8]*codec.Audio
	lastTS       uint32
	haveLast     bool
	lastKeyReq   time.Time
	lostFrames   int
	playedFrames int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPump creates the outbound codecs for the negotiated kinds.
func NewPump(t mediaTransport, factory *codec.Factory, neg codec.Negotiated, media Media, cfg PumpConfig) (*Pump, error) {
	audio, err := factory.NewAudioEncoder(neg.Audio)
	if err != nil {
		return nil, err
	}
	if cfg.AudioBitrateKbps > 0 {
		audio.SetBitrate(cfg.AudioBitrateKbps)
	}

	p := &Pump{
		transport: t,
		factory:   factory,
		media:     media,
		rate:      media.CaptureRate,
		log:       logrus.WithField("component", "call"),
		audioEnc:  audio,
		decoders:  make(map[uint8]*codec.Audio),
		closed:    make(chan struct{}),
	}
	if p.rate <= 0 {
		p.rate = DefaultCaptureRate
	}

	if neg.HasVideo {
		v, err := factory.NewVideoEncoder(neg.Video)
		if err != nil {
			audio.Close()
			return nil, err
		}
		if cfg.VideoBitrateKbps > 0 {
			v.SetBitrate(cfg.VideoBitrateKbps)
		}
		if cfg.VideoFps > 0 {
			v.SetTargetFps(cfg.VideoFps)
		}
		p.video = v
	}
	return p, nil
}

// Start begins capture. Sources that fail to start are logged and skipped.
func (p *Pump) Start() {
	if src := p.media.AudioSource; src != nil {
		if err := src.Start(p.OnCapturedAudio); err != nil {
			p.log.WithError(err).Warn("audio source failed to start")
		}
	}
	if src := p.media.VideoSource; src != nil && p.video != nil {
		if err := src.Start(p.OnCapturedVideo); err != nil {
			p.log.WithError(err).Warn("video source failed to start")
		}
	}
	p.log.WithFields(logrus.Fields{
		"audio": p.audioEnc.Kind().String(),
		"video": p.video != nil,
	}).Info("media started")
}

func (p *Pump) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// OnCapturedAudio encodes captured PCM in codec sized frames and sends them.
// Runs on the capture goroutine.
func (p *Pump) OnCapturedAudio(pcm []int16) {
	if p.isClosed() {
		return
	}
	p.audioMu.Lock()
	defer p.audioMu.Unlock()

	p.pending = append(p.pending, resample(pcm, p.rate, p.audioEnc.SampleRate())...)
	frame := p.audioEnc.FrameSamples()
	for len(p.pending) >= frame {
		payload := p.audioEnc.Encode(p.pending[:frame])
		p.pending = p.pending[frame:]
		if payload != nil {
			p.transport.SendAudio(payload, p.audioTS)
		}
		p.audioTS += uint32(frame)
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
}

// OnCapturedVideo encodes one raw frame and sends it.
func (p *Pump) OnCapturedVideo(raw []byte, width, height int) {
	if p.isClosed() || p.video == nil {
		return
	}
	frame := p.video.Encode(raw, width, height)
	if frame == nil {
		return
	}
	p.transport.SendVideo(frame)
}

// OnRemoteAudio decodes an inbound payload and plays it. Frames missing
// before it are rebuilt from its redundancy or concealed.
func (p *Pump) OnRemoteAudio(in domain.InboundAudio) {
	if p.isClosed() {
		return
	}
	p.decMu.Lock()
	defer p.decMu.Unlock()

	dec := p.decoderLocked(in.PayloadType)
	if dec == nil {
		return
	}
	step := uint32(dec.FrameSamples())

	if p.haveLast {
		delta := int32(in.Timestamp - p.lastTS)
		if delta <= 0 {
			p.log.WithField("ts", in.Timestamp).Debug("late audio dropped")
			return
		}
		missing := int(uint32(delta)/step) - 1
		if missing > 0 {
			p.concealLocked(dec, in.Payload, missing)
		}
	}
	p.lastTS, p.haveLast = in.Timestamp, true

	if pcm := dec.Decode(in.Payload); len(pcm) > 0 {
		p.play(pcm, dec.SampleRate())
	}
}

func (p *Pump) concealLocked(dec *codec.Audio, next []byte, missing int) {
	p.lostFrames += missing
	p.log.WithField("frames", missing).Debug("audio gap")
	if missing > maxConcealedFrames {
		missing = maxConcealedFrames
	}
	for i := 0; i < missing-1; i++ {
		if pcm := dec.GenerateLossConcealment(); len(pcm) > 0 {
			p.play(pcm, dec.SampleRate())
		}
	}
	if pcm := dec.Recover(next); len(pcm) > 0 {
		p.play(pcm, dec.SampleRate())
	}
}

func (p *Pump) decoderLocked(pt uint8) *codec.Audio {
	if dec, ok := p.decoders[pt]; ok {
		return dec
	}
	kind, ok := codec.AudioKindForPayloadType(pt)
	if !ok {
		p.log.WithField("pt", pt).Debug("audio payload type not mapped")
		return nil
	}
	dec, err := p.factory.NewAudioEncoder(kind)
	if err != nil {
		p.log.WithError(err).WithField("pt", pt).Warn("no decoder for payload type")
		return nil
	}
	p.decoders[pt] = dec
	// a codec switch on the remote side restarts the timestamp sequence
	p.haveLast = false
	return dec
}

func (p *Pump) play(pcm []int16, codecRate int) {
	p.playedFrames++
	if p.media.AudioSink != nil {
		p.media.AudioSink.PlayAudio(resample(pcm, codecRate, p.rate))
	}
}

// OnRemoteVideo decodes an inbound frame. A frame that cannot be decoded
// asks the remote encoder for a keyframe.
func (p *Pump) OnRemoteVideo(in domain.InboundVideo) {
	if p.isClosed() || p.video == nil {
		return
	}
	frame := p.video.Decode(in.Payload)
	if frame == nil {
		p.requestKeyFrame()
		return
	}
	if p.media.VideoSink != nil {
		p.media.VideoSink.RenderVideo(*frame)
	}
}

func (p *Pump) requestKeyFrame() {
	p.decMu.Lock()
	now := time.Now()
	if now.Sub(p.lastKeyReq) < keyFrameRequestInterval {
		p.decMu.Unlock()
		return
	}
	p.lastKeyReq = now
	p.decMu.Unlock()

	p.log.Debug("requesting keyframe")
	p.transport.RequestKeyFrame()
}

// OnKeyFrameRequest makes the next encoded frame a keyframe.
func (p *Pump) OnKeyFrameRequest() {
	if p.video != nil && !p.isClosed() {
		p.video.RequestKeyFrame()
	}
}

// LossStats reports frames lost and frames played since start.
func (p *Pump) LossStats() (lost, played int) {
	p.decMu.Lock()
	defer p.decMu.Unlock()
	return p.lostFrames, p.playedFrames
}

// Close stops capture and releases every codec. It is idempotent and safe
// while callbacks are still running; they see closed codecs and drop work.
func (p *Pump) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.media.AudioSource != nil {
			p.media.AudioSource.Stop()
		}
		if p.media.VideoSource != nil {
			p.media.VideoSource.Stop()
		}

		p.audioEnc.Close()
		if p.video != nil {
			p.video.Close()
		}
		p.decMu.Lock()
		for _, dec := range p.decoders {
			dec.Close()
		}
		p.decMu.Unlock()
		p.log.Info("media stopped")
	})
}

// resample converts mono PCM between rates by linear interpolation.
func resample(pcm []int16, from, to int) []int16 {
	if from == to || len(pcm) == 0 {
		return pcm
	}
	n := len(pcm) * to / from
	out := make([]int16, n)
	for i := range out {
		pos := float64(i) * float64(from) / float64(to)
		j := int(pos)
		if j+1 >= len(pcm) {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(pcm[j])*(1-frac) + float64(pcm[j+1])*frac)
	}
	return out
}
