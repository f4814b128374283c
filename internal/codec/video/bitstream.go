package video

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Frame header layout (12 bytes, big endian):
//
//	[version(1)][flags(1)][width(2)][height(2)][quant(1)][seq(1)][rawLength(4)]
const (
	headerSize     = 12
	bitstreamV1    = 1
	flagKeyFrame   = 0x01
	flagCompressed = 0x02
)

var errMalformed = errors.New("malformed video frame")

type header struct {
	key        bool
	compressed bool
	width      int
	height     int
	quant      uint8
	seq        uint8
	rawLength  int
}

func (h header) marshal(dst []byte) {
	dst[0] = bitstreamV1
	var flags byte
	if h.key {
		flags |= flagKeyFrame
	}
	if h.compressed {
		flags |= flagCompressed
	}
	dst[1] = flags
	binary.BigEndian.PutUint16(dst[2:4], uint16(h.width))
	binary.BigEndian.PutUint16(dst[4:6], uint16(h.height))
	dst[6] = h.quant
	dst[7] = h.seq
	binary.BigEndian.PutUint32(dst[8:12], uint32(h.rawLength))
}

func parseHeader(data []byte) (header, []byte, error) {
	if len(data) < headerSize {
		return header{}, nil, fmt.Errorf("%w: %d bytes", errMalformed, len(data))
	}
	if data[0] != bitstreamV1 {
		return header{}, nil, fmt.Errorf("%w: version %d", errMalformed, data[0])
	}
	h := header{
		key:        data[1]&flagKeyFrame != 0,
		compressed: data[1]&flagCompressed != 0,
		width:      int(binary.BigEndian.Uint16(data[2:4])),
		height:     int(binary.BigEndian.Uint16(data[4:6])),
		quant:      data[6],
		seq:        data[7],
		rawLength:  int(binary.BigEndian.Uint32(data[8:12])),
	}
	if h.width > MaxDimension || h.height > MaxDimension {
		return header{}, nil, fmt.Errorf("%w: %dx%d exceeds %d", errMalformed, h.width, h.height, MaxDimension)
	}
	if h.width == 0 || h.height == 0 || h.rawLength != FrameBytes(h.width, h.height) || h.quant > maxQuant {
		return header{}, nil, fmt.Errorf("%w: bad header %dx%d len=%d q=%d", errMalformed, h.width, h.height, h.rawLength, h.quant)
	}
	return h, data[headerSize:], nil
}

// zstd encoder and decoder are safe for concurrent use and reused across frames.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("video: zstd encoder initialization failed: " + err.Error())
	}
	maxFrame := uint64(FrameBytes(MaxDimension, MaxDimension))
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxFrame),
		zstd.WithDecoderMaxWindow(maxFrame),
	)
	if err != nil {
		panic("video: zstd decoder initialization failed: " + err.Error())
	}
}

// compressKey compresses a keyframe body with zstd. Returns ok=false when the
// output would not be smaller than the input.
func compressKey(body []byte) ([]byte, bool) {
	out := zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)/4))
	if len(out) >= len(body) {
		return nil, false
	}
	return out, true
}

// decompressKey grows its output from what zstd produces; rawLength is only
// checked afterwards.
func decompressKey(compressed []byte, rawLength int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != rawLength {
		return nil, fmt.Errorf("%w: zstd produced %d bytes, expected %d", errMalformed, len(out), rawLength)
	}
	return out, nil
}

// compressDelta compresses a residual with LZ4 block mode.
func compressDelta(body []byte) ([]byte, bool) {
	dst := make([]byte, lz4.CompressBlockBound(len(body)))
	n, err := lz4.CompressBlock(body, dst, nil)
	if err != nil || n == 0 || n >= len(body) {
		return nil, false
	}
	return dst[:n], true
}

func decompressDelta(compressed []byte, rawLength int) ([]byte, error) {
	dst := make([]byte, rawLength)
	n, err := lz4.UncompressBlock(compressed, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != rawLength {
		return nil, fmt.Errorf("%w: lz4 produced %d bytes, expected %d", errMalformed, n, rawLength)
	}
	return dst, nil
}
