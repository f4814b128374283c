package opus

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(samples, channels int) []int16 {
	pcm := make([]int16, samples*channels)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/SampleRate))
		for ch := 0; ch < channels; ch++ {
			pcm[i*channels+ch] = v
		}
	}
	return pcm
}

func TestNewRejectsChannelCount(t *testing.T) {
	_, err := New(3)
	assert.Error(t, err)
}

func TestFrameSamples(t *testing.T) {
	assert.Equal(t, 960, FrameSamples(48000))
	assert.Equal(t, 160, FrameSamples(8000))
}

func TestBitrateClamp(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, DefaultBitrateKbps, c.Bitrate())

	for _, tc := range []struct{ in, want int }{
		{-5, 6}, {0, 6}, {6, 6}, {64, 64}, {510, 510}, {600, 510},
	} {
		c.SetBitrate(tc.in)
		assert.Equal(t, tc.want, c.Bitrate(), "input %d", tc.in)
	}
}

func TestExpectedLossDefaultAndClamp(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 10, c.ExpectedLossPercent())
	c.SetExpectedLossPercent(150)
	assert.Equal(t, 100, c.ExpectedLossPercent())
	c.SetExpectedLossPercent(-1)
	assert.Equal(t, 0, c.ExpectedLossPercent())
}

func TestEncodeDecodeSampleCount(t *testing.T) {
	for _, channels := range []int{1, 2} {
		c, err := New(channels)
		require.NoError(t, err)

		silence := make([]int16, c.FrameSize())
		packet := c.Encode(silence)
		require.NotEmpty(t, packet)

		pcm := c.Decode(packet)
		assert.Len(t, pcm, len(silence), "channels %d", channels)
		c.Close()
	}
}

func TestEncodeIgnoresExcessAndRejectsShortInput(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)
	defer c.Close()

	assert.Empty(t, c.Encode(sine(100, 1)))

	packet := c.Encode(sine(FrameSamples(SampleRate)*2, 1))
	require.NotEmpty(t, packet)
	assert.Len(t, c.Decode(packet), c.FrameSize())
}

func TestDecodeMalformedReturnsEmpty(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)
	defer c.Close()

	assert.Empty(t, c.Decode([]byte{0xff, 0xff, 0xff}))
}

func TestConcealmentWithoutHistory(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)
	defer c.Close()

	assert.NotPanics(t, func() {
		assert.Empty(t, c.GenerateLossConcealment())
		assert.Empty(t, c.Decode(nil))
	})
}

func TestConcealmentAfterPackets(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 5; i++ {
		require.NotEmpty(t, c.Decode(c.Encode(sine(FrameSamples(SampleRate), 1))))
	}
	assert.Len(t, c.Decode(nil), c.FrameSize())
	assert.Len(t, c.GenerateLossConcealment(), c.FrameSize())
}

func TestRecoverFromNextPacket(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)
	defer c.Close()

	frame := sine(FrameSamples(SampleRate), 1)
	require.NotEmpty(t, c.Decode(c.Encode(frame)))
	_ = c.Encode(frame) // lost
	next := c.Encode(frame)

	assert.Len(t, c.Recover(next), c.FrameSize())
	assert.Len(t, c.Decode(next), c.FrameSize())
}

func TestClosedCodecIsNoop(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)

	packet := c.Encode(make([]int16, c.FrameSize()))
	c.Close()
	c.Close()

	assert.NotPanics(t, func() {
		assert.Empty(t, c.Encode(make([]int16, c.FrameSize())))
		assert.Empty(t, c.Decode(packet))
		assert.Empty(t, c.Recover(packet))
		assert.Empty(t, c.GenerateLossConcealment())
		c.SetBitrate(64)
		c.SetExpectedLossPercent(20)
	})
	assert.Equal(t, 64, c.Bitrate())
}
