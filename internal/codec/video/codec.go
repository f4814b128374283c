// Package video implements the keyframe-managed video codec.
//
// Frames are raw I420. A keyframe carries the whole quantised frame
// compressed with zstd; a delta frame carries the XOR residual against the
// previous reconstructed frame compressed with LZ4. Every 60th frame is a
// keyframe, and RequestKeyFrame forces the next one. Bitrate is controlled by
// coarsening the quantisation step when frames overshoot their byte budget.
package video

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"peercall/native/internal/domain"
)

const (
	// KeyFrameInterval forces a keyframe on every Nth frame (≈2 s at 30 fps).
	KeyFrameInterval = 60

	MinBitrateKbps     = 300
	MaxBitrateKbps     = 8000
	DefaultBitrateKbps = 1500

	MinFps     = 15
	MaxFps     = 60
	DefaultFps = 30

	// ClockRate is the RTP clock used for frame timestamps.
	ClockRate = 90000

	// MaxDimension bounds the width and height of encoded and decoded frames.
	MaxDimension = 4096

	maxQuant = 4
)

// MaxEncodedBytes is the largest frame Encode can produce: a header plus an
// uncompressed body at MaxDimension.
const MaxEncodedBytes = headerSize + MaxDimension*MaxDimension + 2*(MaxDimension/2)*(MaxDimension/2)

// FrameBytes returns the size of an I420 frame.
func FrameBytes(width, height int) int {
	return width*height + 2*((width+1)/2)*((height+1)/2)
}

// Codec is a stateful video encoder/decoder pair. Encode runs on the capture
// goroutine, Decode on the receive goroutine; settings may change from any
// goroutine and apply from the next encoded frame.
type Codec struct {
	closed       atomic.Bool
	keyRequested atomic.Bool

	settingsMu  sync.Mutex
	bitrateKbps int
	fps         int

	encMu      sync.Mutex
	frameCount uint64
	reference  []byte
	refWidth   int
	refHeight  int
	quant      uint8
	seq        uint8
	timestamp  uint32

	decMu     sync.Mutex
	decRef    []byte
	decWidth  int
	decHeight int
	decSeq    uint8
	needKey   bool
}

// New returns a codec at the default bitrate and frame rate.
func New() *Codec {
	return &Codec{
		bitrateKbps: DefaultBitrateKbps,
		fps:         DefaultFps,
		needKey:     true,
	}
}

// Bitrate returns the target bitrate in kbps.
func (c *Codec) Bitrate() int {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	return c.bitrateKbps
}

// SetBitrate sets the target bitrate, clamped to [300, 8000] kbps.
func (c *Codec) SetBitrate(kbps int) {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	c.bitrateKbps = clamp(kbps, MinBitrateKbps, MaxBitrateKbps)
}

// TargetFps returns the target frame rate.
func (c *Codec) TargetFps() int {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	return c.fps
}

// SetTargetFps sets the target frame rate, clamped to [15, 60].
func (c *Codec) SetTargetFps(fps int) {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	c.fps = clamp(fps, MinFps, MaxFps)
}

// RequestKeyFrame makes the next Encode produce a keyframe.
func (c *Codec) RequestKeyFrame() {
	c.keyRequested.Store(true)
}

// NeedsKeyFrame reports whether the decoder lost its reference and will drop
// delta frames until a keyframe arrives.
func (c *Codec) NeedsKeyFrame() bool {
	c.decMu.Lock()
	defer c.decMu.Unlock()
	return c.needKey
}

// Encode compresses one raw I420 frame. A malformed frame or a closed codec
// yields nil and the frame is dropped.
func (c *Codec) Encode(raw []byte, width, height int) (frame *domain.EncodedFrame) {
	if c.closed.Load() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"component": "codec",
				"codec":     "video",
				"panic":     r,
			}).Error("encode panicked, dropping frame")
			frame = nil
		}
	}()

	if err := validateFrame(raw, width, height); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "codec",
			"codec":     "video",
			"error":     err,
		}).Debug("encode rejected frame")
		return nil
	}

	c.settingsMu.Lock()
	bitrate, fps := c.bitrateKbps, c.fps
	c.settingsMu.Unlock()

	c.encMu.Lock()
	defer c.encMu.Unlock()
	if c.closed.Load() {
		return nil
	}

	requested := c.keyRequested.Swap(false)
	key := c.frameCount%KeyFrameInterval == 0 || requested ||
		c.reference == nil || c.refWidth != width || c.refHeight != height

	quantised := quantise(raw, c.quant)
	body := quantised
	if !key {
		body = xorInto(make([]byte, len(quantised)), quantised, c.reference)
	}

	var payload []byte
	var compressed bool
	if key {
		payload, compressed = compressKey(body)
	} else {
		payload, compressed = compressDelta(body)
	}
	if !compressed {
		payload = body
	}

	c.seq++
	h := header{
		key:        key,
		compressed: compressed,
		width:      width,
		height:     height,
		quant:      c.quant,
		seq:        c.seq,
		rawLength:  len(raw),
	}
	data := make([]byte, headerSize+len(payload))
	h.marshal(data)
	copy(data[headerSize:], payload)

	frame = &domain.EncodedFrame{
		Data:       data,
		Timestamp:  c.timestamp,
		IsKeyFrame: key,
		Width:      width,
		Height:     height,
	}

	c.reference = quantised
	c.refWidth, c.refHeight = width, height
	c.frameCount++
	c.timestamp += uint32(ClockRate / fps)
	c.adaptQuant(len(data), key, bitrate, fps)

	logrus.WithFields(logrus.Fields{
		"component": "codec",
		"codec":     "video",
		"key":       key,
		"requested": requested,
		"size":      len(data),
		"quant":     h.quant,
	}).Debug("frame encoded")
	return frame
}

// adaptQuant moves the quantisation step toward the per-frame byte budget.
// Keyframes get a larger allowance since they carry the whole picture.
func (c *Codec) adaptQuant(size int, key bool, bitrateKbps, fps int) {
	budget := bitrateKbps * 1000 / 8 / fps
	if key {
		budget *= 4
	}
	switch {
	case size > budget && c.quant < maxQuant:
		c.quant++
	case size < budget/2 && c.quant > 0:
		c.quant--
	}
}

// Decode reconstructs one frame. Malformed data, a delta frame without its
// reference, or a closed codec yields nil; the renderer keeps the last frame.
func (c *Codec) Decode(data []byte) (frame *domain.DecodedFrame) {
	if c.closed.Load() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"component": "codec",
				"codec":     "video",
				"panic":     r,
			}).Error("decode panicked, dropping frame")
			frame = nil
		}
	}()

	c.decMu.Lock()
	defer c.decMu.Unlock()
	if c.closed.Load() {
		return nil
	}

	quantised, h, err := c.reconstructLocked(data)
	if err != nil {
		c.needKey = true
		logrus.WithFields(logrus.Fields{
			"component": "codec",
			"codec":     "video",
			"error":     err,
		}).Debug("decode failed, waiting for keyframe")
		return nil
	}

	c.decRef = quantised
	c.decWidth, c.decHeight = h.width, h.height
	c.decSeq = h.seq
	c.needKey = false

	return &domain.DecodedFrame{
		Data:   dequantise(quantised, h.quant),
		Width:  h.width,
		Height: h.height,
	}
}

func (c *Codec) reconstructLocked(data []byte) ([]byte, header, error) {
	h, payload, err := parseHeader(data)
	if err != nil {
		return nil, h, err
	}

	if !h.key {
		switch {
		case c.needKey || c.decRef == nil:
			return nil, h, fmt.Errorf("%w: delta frame without reference", domain.ErrCodecFailure)
		case c.decWidth != h.width || c.decHeight != h.height:
			return nil, h, fmt.Errorf("%w: delta frame size changed", domain.ErrCodecFailure)
		case h.seq != c.decSeq+1:
			return nil, h, fmt.Errorf("%w: frame gap %d -> %d", domain.ErrCodecFailure, c.decSeq, h.seq)
		}
	}

	body := payload
	if h.compressed {
		if h.key {
			body, err = decompressKey(payload, h.rawLength)
		} else {
			body, err = decompressDelta(payload, h.rawLength)
		}
		if err != nil {
			return nil, h, err
		}
	} else if len(body) != h.rawLength {
		return nil, h, fmt.Errorf("%w: body %d bytes, expected %d", errMalformed, len(body), h.rawLength)
	}

	if h.key {
		out := make([]byte, len(body))
		copy(out, body)
		return out, h, nil
	}
	return xorInto(make([]byte, len(body)), body, c.decRef), h, nil
}

// Close releases both halves. It is idempotent and safe to call while an
// Encode or Decode is running; later calls return nil.
func (c *Codec) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.encMu.Lock()
	c.reference = nil
	c.encMu.Unlock()

	c.decMu.Lock()
	c.decRef = nil
	c.decMu.Unlock()
}

func validateFrame(raw []byte, width, height int) error {
	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension {
		return fmt.Errorf("%w: invalid dimensions %dx%d", domain.ErrCodecFailure, width, height)
	}
	if want := FrameBytes(width, height); len(raw) != want {
		return fmt.Errorf("%w: frame is %d bytes, %dx%d I420 needs %d", domain.ErrCodecFailure, len(raw), width, height, want)
	}
	return nil
}

func quantise(raw []byte, q uint8) []byte {
	out := make([]byte, len(raw))
	if q == 0 {
		copy(out, raw)
		return out
	}
	mask := byte(0xff) << q
	for i, v := range raw {
		out[i] = v & mask
	}
	return out
}

func dequantise(quantised []byte, q uint8) []byte {
	out := make([]byte, len(quantised))
	if q == 0 {
		copy(out, quantised)
		return out
	}
	half := byte(1) << (q - 1)
	for i, v := range quantised {
		out[i] = v | half
	}
	return out
}

func xorInto(dst, a, b []byte) []byte {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
	return dst
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
