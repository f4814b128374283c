// Package g711 implements the μ-law and A-law fallback audio codecs
// (ITU-T G.711). Both run mono at 8 kHz with fixed 20 ms frames.
package g711

import (
	"sync"
	"sync/atomic"
)

const (
	SampleRate  = 8000
	FrameSize   = SampleRate * 20 / 1000
	BitrateKbps = 64

	// concealment fades out over this many consecutive missing frames.
	maxConcealedFrames = 5
)

// Law selects the companding curve.
type Law int

const (
	MuLaw Law = iota
	ALaw
)

func (l Law) String() string {
	if l == ALaw {
		return "pcma"
	}
	return "pcmu"
}

// Codec is a G.711 encoder/decoder with a last-frame-repeat concealer.
type Codec struct {
	law    Law
	closed atomic.Bool

	mu        sync.Mutex
	last      []int16
	concealed int
}

// New returns a codec for the given law.
func New(law Law) *Codec {
	return &Codec{law: law}
}

// Law returns the companding law.
func (c *Codec) Law() Law { return c.law }

// Encode compands exactly one 20 ms frame. Short input yields nil.
func (c *Codec) Encode(pcm []int16) []byte {
	if c.closed.Load() || len(pcm) < FrameSize {
		return nil
	}
	out := make([]byte, FrameSize)
	for i, s := range pcm[:FrameSize] {
		if c.law == ALaw {
			out[i] = linearToALaw(s)
		} else {
			out[i] = linearToMuLaw(s)
		}
	}
	return out
}

// Decode expands one payload. A nil payload conceals one frame.
func (c *Codec) Decode(payload []byte) []int16 {
	if len(payload) == 0 {
		return c.GenerateLossConcealment()
	}
	if c.closed.Load() {
		return nil
	}
	out := make([]int16, len(payload))
	for i, b := range payload {
		if c.law == ALaw {
			out[i] = aLawToLinear(b)
		} else {
			out[i] = muLawToLinear(b)
		}
	}

	c.mu.Lock()
	c.last = out
	c.concealed = 0
	c.mu.Unlock()
	return out
}

// GenerateLossConcealment repeats the last decoded frame, halving the gain
// for each consecutive miss. Nothing decoded yet yields nil.
func (c *Codec) GenerateLossConcealment() []int16 {
	if c.closed.Load() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.last) == 0 {
		return nil
	}
	c.concealed++
	out := make([]int16, len(c.last))
	if c.concealed > maxConcealedFrames {
		return out
	}
	shift := uint(c.concealed)
	for i, s := range c.last {
		out[i] = s >> shift
	}
	return out
}

// Bitrate is fixed.
func (c *Codec) Bitrate() int { return BitrateKbps }

// SetBitrate has no effect on a constant-rate codec.
func (c *Codec) SetBitrate(int) {}

// Close is idempotent; later calls return nil.
func (c *Codec) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	c.last = nil
	c.mu.Unlock()
}

const (
	muBias = 0x84
	muClip = 32635
)

func linearToMuLaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muClip {
		s = muClip
	}
	s += muBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0f
	return ^byte(sign | exponent<<4 | mantissa)
}

func muLawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := int(b>>4) & 0x07
	mantissa := int(b & 0x0f)
	s := ((mantissa << 3) + muBias) << exponent
	s -= muBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}

func linearToALaw(sample int16) byte {
	s := int(sample)
	sign := 0x80
	if s < 0 {
		s = -s - 1
		sign = 0
	}
	if s > 32767 {
		s = 32767
	}

	var out int
	if s < 256 {
		out = s >> 4
	} else {
		exponent := 7
		for mask := 0x4000; s&mask == 0 && exponent > 1; mask >>= 1 {
			exponent--
		}
		mantissa := (s >> (exponent + 3)) & 0x0f
		out = exponent<<4 | mantissa
	}
	return byte(out|sign) ^ 0x55
}

func aLawToLinear(b byte) int16 {
	b ^= 0x55
	sign := b & 0x80
	exponent := int(b>>4) & 0x07
	mantissa := int(b & 0x0f)

	var s int
	if exponent == 0 {
		s = mantissa<<4 + 8
	} else {
		s = (mantissa<<4 + 0x108) << (exponent - 1)
	}
	if sign == 0 {
		return int16(-s)
	}
	return int16(s)
}
