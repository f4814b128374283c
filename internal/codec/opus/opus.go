// Package opus implements the adaptive low-latency audio codec on top of
// libopus. Every call either produces one 20 ms frame or an empty result;
// failures are logged and never returned.
package opus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	libopus "gopkg.in/hraban/opus.v2"
)

const (
	// SampleRate is the only rate the codec runs at.
	SampleRate = 48000
	// FrameDurationMs is the fixed frame size.
	FrameDurationMs = 20

	MinBitrateKbps     = 6
	MaxBitrateKbps     = 510
	DefaultBitrateKbps = 32

	// DefaultExpectedLossPercent is assumed until the caller provides a hint.
	DefaultExpectedLossPercent = 10

	// maxPacketBytes bounds one encoded frame (RFC 6716 recommends 1275 per frame).
	maxPacketBytes = 1500
)

// FrameSamples returns the per-channel sample count of one frame.
func FrameSamples(sampleRate int) int {
	return sampleRate * FrameDurationMs / 1000
}

// Codec is a stateful Opus encoder/decoder pair.
type Codec struct {
	channels int

	closed atomic.Bool

	encMu       sync.Mutex
	encoder     *libopus.Encoder
	bitrateKbps int
	lossPercent int

	decMu        sync.Mutex
	decoder      *libopus.Decoder
	decodedCount int
}

// New creates a codec for 1 or 2 channels at 48 kHz with in-band FEC enabled.
func New(channels int) (*Codec, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("opus: unsupported channel count %d", channels)
	}

	enc, err := libopus.NewEncoder(SampleRate, channels, libopus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	dec, err := libopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}

	c := &Codec{
		channels:    channels,
		encoder:     enc,
		decoder:     dec,
		bitrateKbps: DefaultBitrateKbps,
		lossPercent: DefaultExpectedLossPercent,
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, fmt.Errorf("opus: enable fec: %w", err)
	}
	if err := c.applyLocked(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"component": "codec",
		"codec":     "opus",
		"channels":  channels,
		"bitrate":   c.bitrateKbps,
	}).Debug("opus codec created")
	return c, nil
}

// Channels returns the configured channel count.
func (c *Codec) Channels() int { return c.channels }

// FrameSize returns the interleaved sample count of one frame.
func (c *Codec) FrameSize() int { return FrameSamples(SampleRate) * c.channels }

func (c *Codec) applyLocked() error {
	if err := c.encoder.SetBitrate(c.bitrateKbps * 1000); err != nil {
		return fmt.Errorf("opus: set bitrate: %w", err)
	}
	if err := c.encoder.SetPacketLossPerc(c.lossPercent); err != nil {
		return fmt.Errorf("opus: set packet loss: %w", err)
	}
	return nil
}

// Encode compresses exactly one frame taken from the start of pcm. Extra
// samples are ignored; fewer than one frame yields nil.
func (c *Codec) Encode(pcm []int16) []byte {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	frame := c.FrameSize()
	if len(pcm) < frame {
		return nil
	}

	buf := make([]byte, maxPacketBytes)
	n, err := c.encoder.Encode(pcm[:frame], buf)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "codec",
			"codec":     "opus",
			"error":     err,
		}).Debug("encode failed, dropping frame")
		return nil
	}
	return buf[:n]
}

// Decode decodes one packet. A nil or empty packet means nothing arrived and
// produces a concealment frame instead.
func (c *Codec) Decode(packet []byte) []int16 {
	if len(packet) == 0 {
		return c.GenerateLossConcealment()
	}

	c.decMu.Lock()
	defer c.decMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	pcm := make([]int16, c.FrameSize()*6) // room for a 120 ms packet
	n, err := c.decoder.Decode(packet, pcm)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "codec",
			"codec":     "opus",
			"size":      len(packet),
			"error":     err,
		}).Debug("decode failed, dropping packet")
		return nil
	}
	c.decodedCount++
	return pcm[:n*c.channels]
}

// Recover rebuilds the frame lost just before next from next's redundant FEC
// data. Without FEC data it falls back to concealment.
func (c *Codec) Recover(next []byte) []int16 {
	if len(next) == 0 {
		return c.GenerateLossConcealment()
	}

	c.decMu.Lock()
	if c.closed.Load() || c.decodedCount == 0 {
		c.decMu.Unlock()
		return nil
	}
	pcm := make([]int16, c.FrameSize())
	err := c.decoder.DecodeFEC(next, pcm)
	c.decMu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "codec",
			"codec":     "opus",
			"error":     err,
		}).Debug("fec recovery failed, concealing")
		return c.GenerateLossConcealment()
	}
	return pcm
}

// GenerateLossConcealment extrapolates one frame from the decoder state. With
// no packet decoded yet there is nothing to extrapolate and the result is empty.
func (c *Codec) GenerateLossConcealment() []int16 {
	c.decMu.Lock()
	defer c.decMu.Unlock()

	if c.closed.Load() || c.decodedCount == 0 {
		return nil
	}
	pcm := make([]int16, c.FrameSize())
	if err := c.decoder.DecodePLC(pcm); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "codec",
			"codec":     "opus",
			"error":     err,
		}).Debug("concealment failed")
		return nil
	}
	return pcm
}

// Bitrate returns the target bitrate in kbps.
func (c *Codec) Bitrate() int {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.bitrateKbps
}

// SetBitrate sets the target bitrate, clamped to [6, 510] kbps. It takes
// effect from the next encoded frame.
func (c *Codec) SetBitrate(kbps int) {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	c.bitrateKbps = clamp(kbps, MinBitrateKbps, MaxBitrateKbps)
	if c.closed.Load() {
		return
	}
	if err := c.encoder.SetBitrate(c.bitrateKbps * 1000); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "codec",
			"codec":     "opus",
			"bitrate":   c.bitrateKbps,
			"error":     err,
		}).Warn("set bitrate failed")
	}
}

// ExpectedLossPercent returns the loss hint used to tune FEC.
func (c *Codec) ExpectedLossPercent() int {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.lossPercent
}

// SetExpectedLossPercent tunes FEC aggressiveness, clamped to [0, 100].
func (c *Codec) SetExpectedLossPercent(percent int) {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	c.lossPercent = clamp(percent, 0, 100)
	if c.closed.Load() {
		return
	}
	if err := c.encoder.SetPacketLossPerc(c.lossPercent); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "codec",
			"codec":     "opus",
			"loss":      c.lossPercent,
			"error":     err,
		}).Warn("set packet loss failed")
	}
}

// Close releases the codec. It is safe to call more than once and concurrently
// with Encode/Decode; later calls return empty results.
func (c *Codec) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.encMu.Lock()
	c.encoder = nil
	c.encMu.Unlock()

	c.decMu.Lock()
	c.decoder = nil
	c.decMu.Unlock()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
