// Package codec ties the concrete codecs together: the kinds a call can
// negotiate, the capability set advertised in SDP, the factory and the
// Audio/Video wrappers the media pump drives.
package codec

import (
	"fmt"
	"strings"

	"peercall/native/internal/codec/g711"
	"peercall/native/internal/codec/opus"
	"peercall/native/internal/codec/video"
)

// AudioKind identifies an audio codec.
type AudioKind int

const (
	AudioOpus AudioKind = iota + 1
	AudioPCMU
	AudioPCMA
)

// VideoKind identifies a video codec.
type VideoKind int

const (
	VideoKeyframe VideoKind = iota + 1
)

// RTP payload types. PCMU and PCMA use their static assignments.
const (
	PayloadTypeOpus     = 111
	PayloadTypePCMU     = 0
	PayloadTypePCMA     = 8
	PayloadTypeKeyframe = 96
)

const (
	MimeTypeOpus     = "audio/opus"
	MimeTypePCMU     = "audio/PCMU"
	MimeTypePCMA     = "audio/PCMA"
	MimeTypeKeyframe = "video/KFV"
)

func (k AudioKind) String() string {
	switch k {
	case AudioOpus:
		return "opus"
	case AudioPCMU:
		return "pcmu"
	case AudioPCMA:
		return "pcma"
	default:
		return fmt.Sprintf("audio(%d)", int(k))
	}
}

// MimeType returns the media type registered with the peer connection.
func (k AudioKind) MimeType() string {
	switch k {
	case AudioOpus:
		return MimeTypeOpus
	case AudioPCMU:
		return MimeTypePCMU
	case AudioPCMA:
		return MimeTypePCMA
	}
	return ""
}

// ClockRate returns the RTP clock rate, which equals the sample rate.
func (k AudioKind) ClockRate() uint32 {
	if k == AudioOpus {
		return opus.SampleRate
	}
	return g711.SampleRate
}

// PayloadType returns the RTP payload type.
func (k AudioKind) PayloadType() uint8 {
	switch k {
	case AudioPCMU:
		return PayloadTypePCMU
	case AudioPCMA:
		return PayloadTypePCMA
	}
	return PayloadTypeOpus
}

// SDPChannels is the channel count advertised in rtpmap. Opus always
// advertises two while the encoder runs mono; G.711 omits it.
func (k AudioKind) SDPChannels() uint16 {
	if k == AudioOpus {
		return 2
	}
	return 0
}

// FrameSamples returns the samples in one 20 ms mono frame.
func (k AudioKind) FrameSamples() int {
	return opus.FrameSamples(int(k.ClockRate()))
}

// Valid reports whether k names a known kind.
func (k AudioKind) Valid() bool {
	return k >= AudioOpus && k <= AudioPCMA
}

func (k VideoKind) String() string {
	if k == VideoKeyframe {
		return "keyframe"
	}
	return fmt.Sprintf("video(%d)", int(k))
}

func (k VideoKind) MimeType() string {
	if k == VideoKeyframe {
		return MimeTypeKeyframe
	}
	return ""
}

func (k VideoKind) ClockRate() uint32 { return video.ClockRate }

func (k VideoKind) PayloadType() uint8 { return PayloadTypeKeyframe }

func (k VideoKind) Valid() bool { return k == VideoKeyframe }

// AudioKindForMime maps a negotiated media type back to its kind.
func AudioKindForMime(mime string) (AudioKind, bool) {
	for _, k := range []AudioKind{AudioOpus, AudioPCMU, AudioPCMA} {
		if strings.EqualFold(k.MimeType(), mime) {
			return k, true
		}
	}
	return 0, false
}

// AudioKindForPayloadType maps a static RTP payload type to its kind.
func AudioKindForPayloadType(pt uint8) (AudioKind, bool) {
	for _, k := range []AudioKind{AudioOpus, AudioPCMU, AudioPCMA} {
		if k.PayloadType() == pt {
			return k, true
		}
	}
	return 0, false
}
