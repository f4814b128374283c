package media

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"peercall/native/internal/domain"
)

const statsEvery = 250

// LogSink counts played media and logs progress at debug level. If out is
// set, decoded audio is also written to it as little-endian 16-bit PCM.
type LogSink struct {
	out io.Writer
	log *logrus.Entry

	mu            sync.Mutex
	audioFrames   int
	audioSamples  int
	videoFrames   int
	width, height int
	writeFailed   bool
}

var (
	_ domain.AudioSink = (*LogSink)(nil)
	_ domain.VideoSink = (*LogSink)(nil)
)

// NewLogSink returns a sink; out may be nil.
func NewLogSink(out io.Writer) *LogSink {
	return &LogSink{out: out, log: logrus.WithField("component", "media")}
}

func (s *LogSink) PlayAudio(pcm []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioFrames++
	s.audioSamples += len(pcm)
	if s.audioFrames%statsEvery == 0 {
		s.log.WithField("frames", s.audioFrames).Debug("audio playing")
	}

	if s.out == nil || s.writeFailed {
		return
	}
	if _, err := s.out.Write(domain.PCMBytes(pcm)); err != nil {
		s.writeFailed = true
		s.log.WithError(err).Warn("audio output failed, discarding from now on")
	}
}

func (s *LogSink) RenderVideo(frame domain.DecodedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoFrames++
	if frame.Width != s.width || frame.Height != s.height {
		s.width, s.height = frame.Width, frame.Height
		s.log.WithFields(logrus.Fields{"width": frame.Width, "height": frame.Height}).Info("video resolution")
	}
	if s.videoFrames%statsEvery == 0 {
		s.log.WithField("frames", s.videoFrames).Debug("video rendering")
	}
}

// Stats reports audio frames, audio samples and video frames played.
func (s *LogSink) Stats() (audioFrames, audioSamples, videoFrames int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioFrames, s.audioSamples, s.videoFrames
}
