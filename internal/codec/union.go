package codec

import (
	"fmt"

	"peercall/native/internal/codec/g711"
	"peercall/native/internal/codec/opus"
	"peercall/native/internal/codec/video"
	"peercall/native/internal/domain"
)

// Audio is one audio codec instance. Exactly one of the concrete codecs is
// set, selected by kind.
type Audio struct {
	kind AudioKind
	opus *opus.Codec
	g711 *g711.Codec
}

// NewAudioEncoder creates a mono audio codec for kind.
func NewAudioEncoder(kind AudioKind) (*Audio, error) {
	switch kind {
	case AudioOpus:
		c, err := opus.New(1)
		if err != nil {
			return nil, fmt.Errorf("create opus codec: %w", err)
		}
		return &Audio{kind: kind, opus: c}, nil
	case AudioPCMU:
		return &Audio{kind: kind, g711: g711.New(g711.MuLaw)}, nil
	case AudioPCMA:
		return &Audio{kind: kind, g711: g711.New(g711.ALaw)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCodec, kind)
	}
}

func (a *Audio) Kind() AudioKind { return a.kind }

// FrameSamples returns the samples consumed by one Encode call.
func (a *Audio) FrameSamples() int {
	if a.kind == AudioOpus {
		return a.opus.FrameSize()
	}
	return g711.FrameSize
}

// SampleRate returns the capture rate the codec expects.
func (a *Audio) SampleRate() int {
	return int(a.kind.ClockRate())
}

// Encode encodes exactly one frame. Short input yields nil.
func (a *Audio) Encode(pcm []int16) []byte {
	switch a.kind {
	case AudioOpus:
		return a.opus.Encode(pcm)
	default:
		return a.g711.Encode(pcm)
	}
}

// Decode decodes one payload; nil means the packet was lost.
func (a *Audio) Decode(payload []byte) []int16 {
	switch a.kind {
	case AudioOpus:
		return a.opus.Decode(payload)
	default:
		return a.g711.Decode(payload)
	}
}

// Recover rebuilds a lost frame given the packet that followed it. Only Opus
// carries redundancy; G.711 conceals.
func (a *Audio) Recover(next []byte) []int16 {
	switch a.kind {
	case AudioOpus:
		return a.opus.Recover(next)
	default:
		return a.g711.GenerateLossConcealment()
	}
}

func (a *Audio) GenerateLossConcealment() []int16 {
	switch a.kind {
	case AudioOpus:
		return a.opus.GenerateLossConcealment()
	default:
		return a.g711.GenerateLossConcealment()
	}
}

func (a *Audio) Bitrate() int {
	switch a.kind {
	case AudioOpus:
		return a.opus.Bitrate()
	default:
		return a.g711.Bitrate()
	}
}

func (a *Audio) SetBitrate(kbps int) {
	switch a.kind {
	case AudioOpus:
		a.opus.SetBitrate(kbps)
	default:
		a.g711.SetBitrate(kbps)
	}
}

// SetExpectedLossPercent tunes forward error correction. G.711 ignores it.
func (a *Audio) SetExpectedLossPercent(percent int) {
	if a.kind == AudioOpus {
		a.opus.SetExpectedLossPercent(percent)
	}
}

func (a *Audio) Close() {
	switch a.kind {
	case AudioOpus:
		a.opus.Close()
	default:
		a.g711.Close()
	}
}

// Video is one video codec instance.
type Video struct {
	kind  VideoKind
	codec *video.Codec
}

// NewVideoEncoder creates a video codec for kind.
func NewVideoEncoder(kind VideoKind) (*Video, error) {
	switch kind {
	case VideoKeyframe:
		return &Video{kind: kind, codec: video.New()}, nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCodec, kind)
	}
}

func (v *Video) Kind() VideoKind { return v.kind }

func (v *Video) Encode(raw []byte, width, height int) *domain.EncodedFrame {
	return v.codec.Encode(raw, width, height)
}

func (v *Video) Decode(data []byte) *domain.DecodedFrame {
	return v.codec.Decode(data)
}

func (v *Video) RequestKeyFrame()    { v.codec.RequestKeyFrame() }
func (v *Video) NeedsKeyFrame() bool { return v.codec.NeedsKeyFrame() }
func (v *Video) Bitrate() int        { return v.codec.Bitrate() }
func (v *Video) SetBitrate(kbps int) { v.codec.SetBitrate(kbps) }
func (v *Video) TargetFps() int      { return v.codec.TargetFps() }
func (v *Video) SetTargetFps(fps int) {
	v.codec.SetTargetFps(fps)
}
func (v *Video) Close() { v.codec.Close() }
