package webrtc

import (
	"errors"

	"github.com/pion/rtp"

	"peercall/native/internal/codec/video"
)

// Video payload header, one byte in front of every fragment:
//
//	+-+-+-+-+-+-+-+-+
//	|S|E|K|  zero   |
//	+-+-+-+-+-+-+-+-+
//
// S marks the first fragment of a frame, E the last, K a keyframe.
const (
	flagStart = 0x80
	flagEnd   = 0x40
	flagKey   = 0x20

	videoHeaderSize = 1
)

var errShortPacket = errors.New("video packet too short")

// VideoPayloader fragments one encoded frame into MTU-sized payloads.
type VideoPayloader struct {
	KeyFrame bool
}

var _ rtp.Payloader = (*VideoPayloader)(nil)

// Payload implements rtp.Payloader.
func (p *VideoPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	if len(payload) == 0 || int(mtu) <= videoHeaderSize {
		return nil
	}
	maxFragment := int(mtu) - videoHeaderSize

	var out [][]byte
	for offset := 0; offset < len(payload); offset += maxFragment {
		end := offset + maxFragment
		if end > len(payload) {
			end = len(payload)
		}
		var header byte
		if offset == 0 {
			header |= flagStart
		}
		if end == len(payload) {
			header |= flagEnd
		}
		if p.KeyFrame {
			header |= flagKey
		}
		fragment := make([]byte, videoHeaderSize+end-offset)
		fragment[0] = header
		copy(fragment[videoHeaderSize:], payload[offset:end])
		out = append(out, fragment)
	}
	return out
}

// VideoPacket is the stateless view of one video fragment.
type VideoPacket struct {
	Start    bool
	End      bool
	KeyFrame bool
	Data     []byte
}

var _ rtp.Depacketizer = (*VideoPacket)(nil)

// Unmarshal implements rtp.Depacketizer.
func (p *VideoPacket) Unmarshal(packet []byte) ([]byte, error) {
	if len(packet) < videoHeaderSize {
		return nil, errShortPacket
	}
	p.Start = packet[0]&flagStart != 0
	p.End = packet[0]&flagEnd != 0
	p.KeyFrame = packet[0]&flagKey != 0
	p.Data = packet[videoHeaderSize:]
	return p.Data, nil
}

// IsPartitionHead implements rtp.Depacketizer.
func (p *VideoPacket) IsPartitionHead(payload []byte) bool {
	return len(payload) >= videoHeaderSize && payload[0]&flagStart != 0
}

// IsPartitionTail implements rtp.Depacketizer.
func (p *VideoPacket) IsPartitionTail(marker bool, payload []byte) bool {
	return marker || (len(payload) >= videoHeaderSize && payload[0]&flagEnd != 0)
}

// FrameAssembler reassembles video frames from RTP packets. It keeps its own
// buffer so concurrent streams do not corrupt each other, and drops the frame
// in progress on any sequence gap or once it outgrows maxFrame.
type FrameAssembler struct {
	maxFrame int
	buf      []byte
	key      bool
	active   bool
	lastSeq  uint16
	haveSeq  bool
	lastTime uint32
}

// NewFrameAssembler creates an assembler with an empty buffer.
func NewFrameAssembler() *FrameAssembler {
	return &FrameAssembler{maxFrame: video.MaxEncodedBytes}
}

// Push adds one packet. It returns the frame once its last fragment arrives.
func (a *FrameAssembler) Push(pkt *rtp.Packet) ([]byte, bool, bool) {
	if pkt == nil {
		return nil, false, false
	}
	gap := a.haveSeq && pkt.SequenceNumber != a.lastSeq+1
	a.lastSeq = pkt.SequenceNumber
	a.haveSeq = true
	if gap {
		a.reset()
	}

	var vp VideoPacket
	if _, err := vp.Unmarshal(pkt.Payload); err != nil {
		a.reset()
		return nil, false, false
	}

	if vp.Start {
		a.buf = append(a.buf[:0], vp.Data...)
		a.key = vp.KeyFrame
		a.active = true
		a.lastTime = pkt.Timestamp
	} else {
		if !a.active || pkt.Timestamp != a.lastTime {
			a.reset()
			return nil, false, false
		}
		a.buf = append(a.buf, vp.Data...)
	}
	if len(a.buf) > a.maxFrame {
		a.reset()
		a.buf = nil
		return nil, false, false
	}

	if vp.End || pkt.Marker {
		frame := make([]byte, len(a.buf))
		copy(frame, a.buf)
		key := a.key
		a.reset()
		return frame, key, true
	}
	return nil, false, false
}

func (a *FrameAssembler) reset() {
	a.buf = a.buf[:0]
	a.key = false
	a.active = false
}
