// Package webrtc implements the transport engine on top of pion/webrtc.
package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"peercall/native/internal/codec"
	"peercall/native/internal/domain"
	"peercall/native/internal/session"
)

const (
	// videoMTU leaves room for SRTP and the RTP header inside a 1280 byte path.
	videoMTU   = 1200
	streamID   = "peercall"
	opusFmtp   = "minptime=10;useinbandfec=1"
	readBuffer = 1500
)

// Engine wraps a pion PeerConnection with one audio and one video track.
type Engine struct {
	pc     *pion.PeerConnection
	events session.EngineEvents
	caps   codec.CapabilitySet
	log    *logrus.Entry

	audioMu     sync.Mutex
	audioKind   codec.AudioKind
	audioTrack  *pion.TrackLocalStaticRTP
	audioSender *pion.RTPSender
	audioSeq    rtp.Sequencer

	videoTrack  *pion.TrackLocalStaticRTP
	videoSender *pion.RTPSender
	videoSeq    rtp.Sequencer
	remoteVideo atomic.Uint32

	closeOnce sync.Once
}

var _ session.Engine = (*Engine)(nil)

// NewEngine builds a peer connection registering exactly the codecs in caps.
// It has the session.EngineFactory signature.
func NewEngine(cfg domain.WebRTCConfig, caps codec.CapabilitySet, events session.EngineEvents) (session.Engine, error) {
	if len(caps.Audio) == 0 {
		return nil, fmt.Errorf("%w: capability set has no audio codec", domain.ErrUnsupportedCodec)
	}

	m := &pion.MediaEngine{}
	if err := registerCodecs(m, caps, cfg.EnableFeedback); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if cfg.EnableFeedback {
		if err := registerFeedback(m, i); err != nil {
			return nil, err
		}
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	pcConfig := pion.Configuration{
		ICEServers:   iceServers(cfg.ICEServers),
		BundlePolicy: pion.BundlePolicyMaxBundle,
	}
	if cfg.CandidatePolicy == domain.CandidatePolicyRelay {
		pcConfig.ICETransportPolicy = pion.ICETransportPolicyRelay
	}

	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	e := &Engine{
		pc:       pc,
		events:   events,
		caps:     caps,
		log:      logrus.WithField("component", "webrtc"),
		audioSeq: rtp.NewRandomSequencer(),
		videoSeq: rtp.NewRandomSequencer(),
	}
	if err := e.addTracks(); err != nil {
		pc.Close()
		return nil, err
	}
	e.wireCallbacks()
	return e, nil
}

func registerCodecs(m *pion.MediaEngine, caps codec.CapabilitySet, feedback bool) error {
	for _, kind := range caps.Audio {
		params := pion.RTPCodecParameters{
			RTPCodecCapability: audioCapability(kind),
			PayloadType:        pion.PayloadType(kind.PayloadType()),
		}
		if err := m.RegisterCodec(params, pion.RTPCodecTypeAudio); err != nil {
			return fmt.Errorf("register %s: %w", kind, err)
		}
	}

	var videoFeedback []pion.RTCPFeedback
	if feedback {
		videoFeedback = []pion.RTCPFeedback{
			{Type: pion.TypeRTCPFBNACK},
			{Type: pion.TypeRTCPFBNACK, Parameter: "pli"},
			{Type: pion.TypeRTCPFBCCM, Parameter: "fir"},
		}
	}
	for _, kind := range caps.Video {
		params := pion.RTPCodecParameters{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     kind.MimeType(),
				ClockRate:    kind.ClockRate(),
				RTCPFeedback: videoFeedback,
			},
			PayloadType: pion.PayloadType(kind.PayloadType()),
		}
		if err := m.RegisterCodec(params, pion.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("register %s: %w", kind, err)
		}
	}
	return nil
}

func registerFeedback(m *pion.MediaEngine, i *interceptor.Registry) error {
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responder)

	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)

	receiver, err := report.NewReceiverInterceptor()
	if err != nil {
		return fmt.Errorf("create receiver report: %w", err)
	}
	i.Add(receiver)

	sender, err := report.NewSenderInterceptor()
	if err != nil {
		return fmt.Errorf("create sender report: %w", err)
	}
	i.Add(sender)

	m.RegisterFeedback(pion.RTCPFeedback{Type: pion.TypeRTCPFBNACK}, pion.RTPCodecTypeAudio)
	return nil
}

func audioCapability(kind codec.AudioKind) pion.RTPCodecCapability {
	c := pion.RTPCodecCapability{
		MimeType:  kind.MimeType(),
		ClockRate: kind.ClockRate(),
		Channels:  kind.SDPChannels(),
	}
	if kind == codec.AudioOpus {
		c.SDPFmtpLine = opusFmtp
	}
	return c
}

func iceServers(servers []domain.ICEServerConfig) []pion.ICEServer {
	var out []pion.ICEServer
	for _, s := range servers {
		server := pion.ICEServer{
			URLs:     s.URLs,
			Username: s.Username,
		}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = pion.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

func (e *Engine) addTracks() error {
	e.audioKind = e.caps.Audio[0]
	audio, err := pion.NewTrackLocalStaticRTP(audioCapability(e.audioKind), "audio", streamID)
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	e.audioTrack = audio
	if e.audioSender, err = e.pc.AddTrack(audio); err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	go e.drainRTCP(e.audioSender)

	if len(e.caps.Video) == 0 {
		return nil
	}
	kind := e.caps.Video[0]
	video, err := pion.NewTrackLocalStaticRTP(pion.RTPCodecCapability{
		MimeType:  kind.MimeType(),
		ClockRate: kind.ClockRate(),
	}, "video", streamID)
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}
	e.videoTrack = video
	if e.videoSender, err = e.pc.AddTrack(video); err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	go e.readVideoFeedback(e.videoSender)
	return nil
}

func (e *Engine) wireCallbacks() {
	e.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			e.log.Debug("ice gathering complete")
			return
		}
		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			e.log.Debug("filtering loopback ice candidate")
			return
		}
		msg := domain.ICECandidateMessage{
			Candidate: init.Candidate,
			SDPMid:    init.SDPMid,
		}
		if init.SDPMLineIndex != nil {
			msg.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		e.log.WithField("candidate", init.Candidate).Debug("local ice candidate")
		e.events.OnICECandidate(msg)
	})

	e.pc.OnICEConnectionStateChange(func(s pion.ICEConnectionState) {
		e.log.WithField("state", s.String()).Debug("ice connection state")
		if mapped, ok := iceState(s); ok {
			e.events.OnICEState(mapped)
		}
	})

	e.pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		e.log.WithField("state", s.String()).Debug("peer connection state")
		if mapped, ok := connectionState(s); ok {
			e.events.OnConnectionState(mapped)
		}
	})

	e.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		c := track.Codec()
		e.log.WithFields(logrus.Fields{
			"kind":  track.Kind().String(),
			"codec": c.MimeType,
			"pt":    c.PayloadType,
		}).Info("remote track")

		switch track.Kind() {
		case pion.RTPCodecTypeAudio:
			go e.readAudio(track)
		case pion.RTPCodecTypeVideo:
			e.remoteVideo.Store(uint32(track.SSRC()))
			go e.readVideo(track)
		}
	})
}

func iceState(s pion.ICEConnectionState) (session.ICEState, bool) {
	switch s {
	case pion.ICEConnectionStateNew:
		return session.ICENew, true
	case pion.ICEConnectionStateChecking:
		return session.ICEChecking, true
	case pion.ICEConnectionStateConnected:
		return session.ICEConnected, true
	case pion.ICEConnectionStateCompleted:
		return session.ICECompleted, true
	case pion.ICEConnectionStateDisconnected:
		return session.ICEDisconnected, true
	case pion.ICEConnectionStateFailed:
		return session.ICEFailed, true
	case pion.ICEConnectionStateClosed:
		return session.ICEClosed, true
	}
	return 0, false
}

func connectionState(s pion.PeerConnectionState) (session.ConnectionState, bool) {
	switch s {
	case pion.PeerConnectionStateNew:
		return session.ConnectionNew, true
	case pion.PeerConnectionStateConnecting:
		return session.ConnectionConnecting, true
	case pion.PeerConnectionStateConnected:
		return session.ConnectionConnected, true
	case pion.PeerConnectionStateDisconnected:
		return session.ConnectionDisconnected, true
	case pion.PeerConnectionStateFailed:
		return session.ConnectionFailed, true
	case pion.PeerConnectionStateClosed:
		return session.ConnectionClosed, true
	}
	return 0, false
}

func (e *Engine) readAudio(track *pion.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			e.log.WithError(err).Debug("audio track ended")
			return
		}
		e.events.OnAudio(domain.InboundAudio{
			Payload:     pkt.Payload,
			PayloadType: pkt.PayloadType,
			Timestamp:   pkt.Timestamp,
			Sequence:    pkt.SequenceNumber,
		})
	}
}

func (e *Engine) readVideo(track *pion.TrackRemote) {
	assembler := NewFrameAssembler()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			e.log.WithError(err).Debug("video track ended")
			return
		}
		frame, key, ok := assembler.Push(pkt)
		if !ok {
			continue
		}
		e.events.OnVideo(domain.InboundVideo{
			Payload:    frame,
			Timestamp:  pkt.Timestamp,
			IsKeyFrame: key,
		})
	}
}

// drainRTCP reads sender RTCP so the interceptors see it.
func (e *Engine) drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, readBuffer)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (e *Engine) readVideoFeedback(sender *pion.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				e.log.Debug("keyframe requested by remote")
				e.events.OnKeyFrameRequest()
			}
		}
	}
}

func (e *Engine) CreateOffer() (domain.SDPMessage, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPMessage{}, fmt.Errorf("create offer: %w", err)
	}
	return domain.SDPMessage{Type: domain.SDPTypeOffer, SDP: offer.SDP}, nil
}

func (e *Engine) CreateAnswer() (domain.SDPMessage, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPMessage{}, fmt.Errorf("create answer: %w", err)
	}
	return domain.SDPMessage{Type: domain.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (e *Engine) SetLocalDescription(desc domain.SDPMessage) error {
	if err := e.pc.SetLocalDescription(toPion(desc)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	e.log.WithField("type", desc.Type).Info("local description set")
	return nil
}

func (e *Engine) SetRemoteDescription(desc domain.SDPMessage) error {
	if err := e.pc.SetRemoteDescription(toPion(desc)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	e.log.WithField("type", desc.Type).Info("remote description set")
	return nil
}

func (e *Engine) Rollback() error {
	if err := e.pc.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeRollback}); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (e *Engine) AddICECandidate(c domain.ICECandidateMessage) error {
	index := uint16(c.SDPMLineIndex)
	if err := e.pc.AddICECandidate(pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: &index,
	}); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	e.log.Debug("added remote ice candidate")
	return nil
}

// SelectAudioCodec replaces the outbound audio track with one for kind.
func (e *Engine) SelectAudioCodec(kind codec.AudioKind) error {
	if !e.caps.SupportsAudio(kind) {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedCodec, kind)
	}
	e.audioMu.Lock()
	defer e.audioMu.Unlock()
	if kind == e.audioKind {
		return nil
	}
	track, err := pion.NewTrackLocalStaticRTP(audioCapability(kind), "audio", streamID)
	if err != nil {
		return fmt.Errorf("create %s track: %w", kind, err)
	}
	if err := e.audioSender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace audio track: %w", err)
	}
	e.audioTrack, e.audioKind = track, kind
	e.log.WithField("codec", kind.String()).Info("audio codec selected")
	return nil
}

func (e *Engine) WriteAudio(payload []byte, timestamp uint32) error {
	e.audioMu.Lock()
	track, kind := e.audioTrack, e.audioKind
	e.audioMu.Unlock()

	return track.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    kind.PayloadType(),
			SequenceNumber: e.audioSeq.NextSequenceNumber(),
			Timestamp:      timestamp,
		},
		Payload: payload,
	})
}

func (e *Engine) WriteVideo(frame *domain.EncodedFrame) error {
	if e.videoTrack == nil {
		return errors.New("no video track negotiated")
	}
	fragments := (&VideoPayloader{KeyFrame: frame.IsKeyFrame}).Payload(videoMTU, frame.Data)
	for i, fragment := range fragments {
		err := e.videoTrack.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    codec.PayloadTypeKeyframe,
				SequenceNumber: e.videoSeq.NextSequenceNumber(),
				Timestamp:      frame.Timestamp,
				Marker:         i == len(fragments)-1,
			},
			Payload: fragment,
		})
		if err != nil {
			return fmt.Errorf("write video fragment %d/%d: %w", i+1, len(fragments), err)
		}
	}
	return nil
}

// SendKeyFrameRequest sends a PLI for the remote video stream. Before the
// remote track arrives there is nothing to ask for.
func (e *Engine) SendKeyFrameRequest() error {
	ssrc := e.remoteVideo.Load()
	if ssrc == 0 {
		return nil
	}
	if err := e.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		return fmt.Errorf("write pli: %w", err)
	}
	return nil
}

// Close shuts down the peer connection.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.pc.Close()
	})
	return err
}

func toPion(desc domain.SDPMessage) pion.SessionDescription {
	t := pion.SDPTypeOffer
	if desc.Type == domain.SDPTypeAnswer {
		t = pion.SDPTypeAnswer
	}
	return pion.SessionDescription{Type: t, SDP: desc.SDP}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
