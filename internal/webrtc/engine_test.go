package webrtc

import (
	"testing"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/native/internal/codec"
	"peercall/native/internal/domain"
	"peercall/native/internal/session"
)

func noEvents() session.EngineEvents {
	return session.EngineEvents{
		OnICECandidate:    func(domain.ICECandidateMessage) {},
		OnConnectionState: func(session.ConnectionState) {},
		OnICEState:        func(session.ICEState) {},
		OnAudio:           func(domain.InboundAudio) {},
		OnVideo:           func(domain.InboundVideo) {},
		OnKeyFrameRequest: func() {},
	}
}

func newTestEngine(t *testing.T, caps codec.CapabilitySet) *Engine {
	t.Helper()
	e, err := NewEngine(domain.DefaultWebRTCConfig(), caps, noEvents())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e.(*Engine)
}

func TestOfferAdvertisesCodecTable(t *testing.T) {
	e := newTestEngine(t, codec.DefaultCapabilities())

	offer, err := e.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, domain.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "a=rtpmap:111 opus/48000/2")
	assert.Contains(t, offer.SDP, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, offer.SDP, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, offer.SDP, "a=rtpmap:96 KFV/90000")
	assert.Contains(t, offer.SDP, "a=rtcp-fb:96 nack pli")

	n, err := codec.NegotiateFromSDP(codec.DefaultCapabilities(), offer.SDP)
	require.NoError(t, err)
	assert.Equal(t, codec.AudioOpus, n.Audio)
	assert.True(t, n.HasVideo)
}

func TestAudioOnlyCapabilities(t *testing.T) {
	e := newTestEngine(t, codec.CapabilitySet{Audio: []codec.AudioKind{codec.AudioPCMU}})

	offer, err := e.CreateOffer()
	require.NoError(t, err)
	assert.NotContains(t, offer.SDP, "m=video")
	assert.Error(t, e.WriteVideo(&domain.EncodedFrame{Data: []byte{1}}))
}

func TestEmptyCapabilitiesRejected(t *testing.T) {
	_, err := NewEngine(domain.DefaultWebRTCConfig(), codec.CapabilitySet{}, noEvents())
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)
}

func TestOfferAnswerOffline(t *testing.T) {
	caller := newTestEngine(t, codec.DefaultCapabilities())
	callee := newTestEngine(t, codec.DefaultCapabilities())

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, caller.SetLocalDescription(offer))
	require.NoError(t, callee.SetRemoteDescription(offer))

	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, domain.SDPTypeAnswer, answer.Type)
	require.NoError(t, callee.SetLocalDescription(answer))
	require.NoError(t, caller.SetRemoteDescription(answer))

	require.NoError(t, caller.SelectAudioCodec(codec.AudioPCMU))
	assert.Equal(t, codec.AudioPCMU, caller.audioKind)
	assert.NoError(t, caller.SendKeyFrameRequest(), "no remote video yet")
}

func TestSelectAudioCodecOutsideCapabilities(t *testing.T) {
	e := newTestEngine(t, codec.CapabilitySet{Audio: []codec.AudioKind{codec.AudioOpus}})
	assert.ErrorIs(t, e.SelectAudioCodec(codec.AudioPCMA), domain.ErrUnsupportedCodec)
	assert.NoError(t, e.SelectAudioCodec(codec.AudioOpus))
}

func TestRollbackLocalOffer(t *testing.T) {
	e := newTestEngine(t, codec.DefaultCapabilities())

	offer, err := e.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, e.SetLocalDescription(offer))
	require.NoError(t, e.Rollback())

	_, err = e.CreateOffer()
	assert.NoError(t, err)
}

func TestICEServerMapping(t *testing.T) {
	servers := iceServers([]domain.ICEServerConfig{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"},
	})
	require.Len(t, servers, 2)
	assert.Nil(t, servers[0].Credential)
	assert.Equal(t, "p", servers[1].Credential)
	assert.Equal(t, "u", servers[1].Username)
}

func TestStateMapping(t *testing.T) {
	_, ok := connectionState(pion.PeerConnectionStateUnknown)
	assert.False(t, ok)
	s, ok := connectionState(pion.PeerConnectionStateDisconnected)
	assert.True(t, ok)
	assert.Equal(t, session.ConnectionDisconnected, s)

	ice, ok := iceState(pion.ICEConnectionStateCompleted)
	assert.True(t, ok)
	assert.Equal(t, session.ICECompleted, ice)
}

func TestLoopbackFilter(t *testing.T) {
	assert.True(t, isLoopback("candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host"))
	assert.False(t, isLoopback("candidate:1 1 udp 2130706431 192.168.1.4 5000 typ host"))
}

func TestCloseIdempotent(t *testing.T) {
	e, err := NewEngine(domain.DefaultWebRTCConfig(), codec.DefaultCapabilities(), noEvents())
	require.NoError(t, err)
	assert.NoError(t, e.Close())
	assert.NoError(t, e.Close())
}
