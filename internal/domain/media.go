package domain

import "encoding/binary"

// EncodedFrame is one encoded video frame. Ownership passes to the transport on send.
type EncodedFrame struct {
	Data       []byte
	Timestamp  uint32
	IsKeyFrame bool
	Width      int
	Height     int
}

// DecodedFrame is one decoded I420 video frame, owned by the caller until rendered.
type DecodedFrame struct {
	Data   []byte
	Width  int
	Height int
}

// InboundAudio is an encoded audio payload received from the remote peer.
type InboundAudio struct {
	Payload     []byte
	PayloadType uint8
	Timestamp   uint32
	Sequence    uint16
}

// InboundVideo is a reassembled encoded video frame received from the remote peer.
type InboundVideo struct {
	Payload    []byte
	Timestamp  uint32
	IsKeyFrame bool
}

// PCMBytes returns interleaved samples as little-endian 16-bit PCM.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMSamples is the inverse of PCMBytes. A trailing odd byte is dropped.
func PCMSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
