package codec

import (
	"fmt"
	"slices"

	"peercall/native/internal/domain"
)

// CapabilitySet lists the codecs a peer can use, most preferred first.
type CapabilitySet struct {
	Audio []AudioKind
	Video []VideoKind
}

// DefaultCapabilities prefers Opus and falls back to G.711.
func DefaultCapabilities() CapabilitySet {
	return CapabilitySet{
		Audio: []AudioKind{AudioOpus, AudioPCMU, AudioPCMA},
		Video: []VideoKind{VideoKeyframe},
	}
}

// SupportsAudio reports whether kind is in the set.
func (c CapabilitySet) SupportsAudio(kind AudioKind) bool {
	return slices.Contains(c.Audio, kind)
}

// SupportsVideo reports whether kind is in the set.
func (c CapabilitySet) SupportsVideo(kind VideoKind) bool {
	return slices.Contains(c.Video, kind)
}

// Factory creates codec instances restricted to a capability set.
type Factory struct {
	caps CapabilitySet
}

// NewFactory returns a factory bound to caps.
func NewFactory(caps CapabilitySet) *Factory {
	return &Factory{caps: caps}
}

// Capabilities returns the set the factory was built with.
func (f *Factory) Capabilities() CapabilitySet {
	return f.caps
}

// NewAudioEncoder creates an audio codec for kind, or ErrUnsupportedCodec if
// kind is outside the set.
func (f *Factory) NewAudioEncoder(kind AudioKind) (*Audio, error) {
	if !f.caps.SupportsAudio(kind) {
		return nil, fmt.Errorf("%w: %s not in capability set", domain.ErrUnsupportedCodec, kind)
	}
	return NewAudioEncoder(kind)
}

// NewVideoEncoder creates a video codec for kind, or ErrUnsupportedCodec if
// kind is outside the set.
func (f *Factory) NewVideoEncoder(kind VideoKind) (*Video, error) {
	if !f.caps.SupportsVideo(kind) {
		return nil, fmt.Errorf("%w: %s not in capability set", domain.ErrUnsupportedCodec, kind)
	}
	return NewVideoEncoder(kind)
}
