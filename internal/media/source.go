// Package media provides synthetic capture sources and simple playback sinks
// for running calls without devices.
package media

import (
	"fmt"
	"math"
	"sync"
	"time"

	"peercall/native/internal/domain"
)

// AudioFrameInterval is the capture period of ToneSource.
const AudioFrameInterval = 20 * time.Millisecond

// ticking runs fn on a ticker goroutine between Start and Stop.
type ticking struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (t *ticking) start(interval time.Duration, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return fmt.Errorf("source already started")
	}
	stop, done := make(chan struct{}), make(chan struct{})
	t.stop, t.done = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return nil
}

// halt stops the goroutine and waits for an in-flight callback to return.
func (t *ticking) halt() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// ToneSource generates a mono sine tone with a gentle tremolo.
type ToneSource struct {
	ticking
	rate    int
	freq    float64
	phase   float64
	elapsed float64
}

var _ domain.AudioSource = (*ToneSource)(nil)

// NewToneSource returns a source at sampleRate playing freq Hz.
func NewToneSource(sampleRate int, freq float64) *ToneSource {
	return &ToneSource{rate: sampleRate, freq: freq}
}

// Start delivers one 20 ms frame per tick until Stop.
func (s *ToneSource) Start(onSamples func(pcm []int16)) error {
	return s.start(AudioFrameInterval, func() { onSamples(s.Next()) })
}

func (s *ToneSource) Stop() { s.halt() }

// Next returns the next 20 ms of samples.
func (s *ToneSource) Next() []int16 {
	n := s.rate * int(AudioFrameInterval/time.Millisecond) / 1000
	frame := make([]int16, n)
	step := 2 * math.Pi * s.freq / float64(s.rate)
	for i := range frame {
		envelope := 0.5 + 0.3*math.Sin(s.elapsed*2*math.Pi*2)
		frame[i] = int16(envelope * 0.4 * math.Sin(s.phase) * 32767)
		s.phase = math.Mod(s.phase+step, 2*math.Pi)
		s.elapsed += 1 / float64(s.rate)
	}
	return frame
}

// bar colours as Y, U, V
var colorBars = [][3]byte{
	{235, 128, 128},
	{210, 16, 146},
	{170, 166, 16},
	{145, 54, 34},
	{106, 202, 222},
	{81, 90, 240},
	{41, 240, 110},
	{16, 128, 128},
}

// BarsSource generates I420 colour bars scrolling one column per frame.
type BarsSource struct {
	ticking
	width, height int
	fps           int
	offset        int
}

var _ domain.VideoSource = (*BarsSource)(nil)

// NewBarsSource returns a width x height source at fps frames per second.
func NewBarsSource(width, height, fps int) *BarsSource {
	if fps <= 0 {
		fps = 30
	}
	return &BarsSource{width: width, height: height, fps: fps}
}

func (s *BarsSource) Start(onFrame func(raw []byte, width, height int)) error {
	return s.start(time.Second/time.Duration(s.fps), func() {
		onFrame(s.Next(), s.width, s.height)
	})
}

func (s *BarsSource) Stop() { s.halt() }

// Next returns the next frame.
func (s *BarsSource) Next() []byte {
	w, h := s.width, s.height
	cw, ch := (w+1)/2, (h+1)/2
	frame := make([]byte, w*h+2*cw*ch)
	y, u, v := frame[:w*h], frame[w*h:w*h+cw*ch], frame[w*h+cw*ch:]

	barWidth := w / len(colorBars)
	if barWidth == 0 {
		barWidth = 1
	}
	bar := func(col int) [3]byte {
		i := ((col + s.offset) / barWidth) % len(colorBars)
		return colorBars[i]
	}

	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			y[row*w+col] = bar(col)[0]
		}
	}
	for row := 0; row < ch; row++ {
		for col := 0; col < cw; col++ {
			c := bar(col * 2)
			u[row*cw+col] = c[1]
			v[row*cw+col] = c[2]
		}
	}
	s.offset++
	return frame
}
