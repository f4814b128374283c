package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/native/internal/codec"
	"peercall/native/internal/domain"
	"peercall/native/internal/session"
	"peercall/native/internal/session/sessiontest"
)

const waitFor = 2 * time.Second

func newPair(t *testing.T) (*sessiontest.Network, *session.Transport, *session.Transport) {
	t.Helper()
	net := sessiontest.NewNetwork()
	caller := session.New(net.Factory("caller"), codec.DefaultCapabilities())
	callee := session.New(net.Factory("callee"), codec.DefaultCapabilities())
	t.Cleanup(caller.Close)
	t.Cleanup(callee.Close)

	ctx := context.Background()
	require.NoError(t, caller.Initialize(ctx, domain.DefaultWebRTCConfig()))
	require.NoError(t, callee.Initialize(ctx, domain.DefaultWebRTCConfig()))
	return net, caller, callee
}

// trickle forwards local candidates of from to to.
func trickle(from, to *session.Transport) {
	from.OnICECandidate(func(c domain.ICECandidateMessage) {
		_ = to.AddICECandidate(context.Background(), c)
	})
}

func TestOperationsBeforeInitialize(t *testing.T) {
	tr := session.New(sessiontest.NewNetwork().Factory("a"), codec.DefaultCapabilities())
	defer tr.Close()

	_, err := tr.CreateOffer(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidSequence)
	assert.ErrorIs(t, err, domain.ErrNotInitialized)

	err = tr.AddICECandidate(context.Background(), domain.ICECandidateMessage{Candidate: "candidate:1"})
	assert.ErrorIs(t, err, domain.ErrInvalidSequence)
}

func TestInitializeTwiceAndInvalidConfig(t *testing.T) {
	tr := session.New(sessiontest.NewNetwork().Factory("a"), codec.DefaultCapabilities())
	defer tr.Close()
	ctx := context.Background()

	cfg := domain.DefaultWebRTCConfig()
	cfg.CandidatePolicy = domain.CandidatePolicyRelay
	assert.Error(t, tr.Initialize(ctx, cfg), "relay policy without a turn server")

	require.NoError(t, tr.Initialize(ctx, domain.DefaultWebRTCConfig()))
	assert.ErrorIs(t, tr.Initialize(ctx, domain.DefaultWebRTCConfig()), domain.ErrInvalidSequence)
}

func TestCreateAnswerBeforeOffer(t *testing.T) {
	_, _, callee := newPair(t)

	_, err := callee.CreateAnswer(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidSequence)
}

func TestNegotiationOrdering(t *testing.T) {
	_, caller, callee := newPair(t)
	ctx := context.Background()

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)

	_, err = caller.CreateOffer(ctx)
	assert.ErrorIs(t, err, domain.ErrInvalidSequence, "offer already outstanding")

	assert.ErrorIs(t, caller.SetLocalDescription(ctx, domain.SDPMessage{Type: domain.SDPTypeAnswer, SDP: offer.SDP}),
		domain.ErrInvalidSequence, "answer was never created")
	require.NoError(t, caller.SetLocalDescription(ctx, offer))
	assert.Equal(t, session.NegotiationHaveLocalOffer, caller.Negotiation())

	assert.ErrorIs(t, caller.SetRemoteDescription(ctx, offer), domain.ErrInvalidSequence, "remote offer while holding a local offer")
	assert.ErrorIs(t, callee.SetRemoteDescription(ctx, domain.SDPMessage{Type: domain.SDPTypeAnswer, SDP: "x"}),
		domain.ErrInvalidSequence, "answer without a local offer")

	require.NoError(t, callee.SetRemoteDescription(ctx, offer))
	assert.Equal(t, session.NegotiationHaveRemoteOffer, callee.Negotiation())
	_, err = callee.CreateOffer(ctx)
	assert.ErrorIs(t, err, domain.ErrInvalidSequence)

	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, callee.SetLocalDescription(ctx, answer))
	require.NoError(t, caller.SetRemoteDescription(ctx, answer))

	assert.Equal(t, session.NegotiationStable, caller.Negotiation())
	assert.Equal(t, session.NegotiationStable, callee.Negotiation())
}

func TestRollback(t *testing.T) {
	_, caller, _ := newPair(t)
	ctx := context.Background()

	assert.ErrorIs(t, caller.Rollback(ctx), domain.ErrInvalidSequence)

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, caller.SetLocalDescription(ctx, offer))
	require.NoError(t, caller.Rollback(ctx))
	assert.Equal(t, session.NegotiationStable, caller.Negotiation())

	_, err = caller.CreateOffer(ctx)
	assert.NoError(t, err)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	net, caller, callee := newPair(t)
	ctx := context.Background()

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)

	early := []string{"candidate:a", "candidate:b", "candidate:c"}
	for _, c := range early {
		require.NoError(t, callee.AddICECandidate(ctx, domain.ICECandidateMessage{Candidate: c}))
	}
	assert.Empty(t, net.Engine("callee").RemoteCandidates())

	require.NoError(t, callee.SetRemoteDescription(ctx, offer))
	got := net.Engine("callee").RemoteCandidates()
	require.Len(t, got, 3)
	for i, c := range got {
		assert.Equal(t, early[i], c.Candidate)
	}
}

func TestFullExchangeConnects(t *testing.T) {
	net, caller, callee := newPair(t)
	ctx := context.Background()

	var mu sync.Mutex
	var callerStates []session.ConnectionState
	connected := make(chan struct{}, 2)
	caller.OnConnectionState(func(s session.ConnectionState) {
		mu.Lock()
		callerStates = append(callerStates, s)
		mu.Unlock()
		if s == session.ConnectionConnected {
			connected <- struct{}{}
		}
	})
	callee.OnConnectionState(func(s session.ConnectionState) {
		if s == session.ConnectionConnected {
			connected <- struct{}{}
		}
	})
	trickle(caller, callee)
	trickle(callee, caller)

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, caller.SetLocalDescription(ctx, offer))
	require.NoError(t, callee.SetRemoteDescription(ctx, offer))
	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, callee.SetLocalDescription(ctx, answer))
	require.NoError(t, caller.SetRemoteDescription(ctx, answer))

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(waitFor):
			t.Fatal("transports did not connect")
		}
	}
	assert.Equal(t, session.ConnectionConnected, caller.ConnectionState())
	assert.Equal(t, session.ICEConnected, callee.ICEState())
	for _, id := range []string{"caller", "callee"} {
		engine := net.Engine(id)
		require.Eventually(t, func() bool { return len(engine.RemoteCandidates()) == 2 },
			waitFor, 5*time.Millisecond, "%s applies both remote candidates", id)
		got := engine.RemoteCandidates()
		assert.Contains(t, got[0].Candidate, "typ host")
		assert.Contains(t, got[1].Candidate, "typ srflx")
	}
	mu.Lock()
	assert.Equal(t, []session.ConnectionState{session.ConnectionConnecting, session.ConnectionConnected}, callerStates)
	mu.Unlock()

	audio := make(chan domain.InboundAudio, 1)
	callee.OnAudio(func(a domain.InboundAudio) { audio <- a })
	caller.SendAudio([]byte{1, 2, 3}, 960)
	select {
	case a := <-audio:
		assert.Equal(t, []byte{1, 2, 3}, a.Payload)
		assert.Equal(t, uint32(960), a.Timestamp)
		assert.Equal(t, uint8(codec.PayloadTypeOpus), a.PayloadType)
	case <-time.After(waitFor):
		t.Fatal("audio not delivered")
	}

	keyRequest := make(chan struct{}, 1)
	caller.OnKeyFrameRequest(func() { keyRequest <- struct{}{} })
	callee.RequestKeyFrame()
	select {
	case <-keyRequest:
	case <-time.After(waitFor):
		t.Fatal("keyframe request not delivered")
	}
	_, _, requests := net.Engine("callee").Stats()
	assert.Equal(t, 1, requests)
}

func TestFailureSurfacesError(t *testing.T) {
	net, caller, _ := newPair(t)

	errs := make(chan error, 4)
	caller.OnError(func(err error) { errs <- err })
	net.Engine("caller").Fail()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, domain.ErrTransportFailure)
	case <-time.After(waitFor):
		t.Fatal("no error event")
	}
}

func TestInvalidEngineTransitionIgnored(t *testing.T) {
	net, caller, _ := newPair(t)

	states := make(chan session.ICEState, 4)
	caller.OnICEState(func(s session.ICEState) { states <- s })

	// disconnected and failed are not reachable from new
	net.Engine("caller").Fail()
	select {
	case s := <-states:
		t.Fatalf("unexpected ice event %s", s)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, session.ICENew, caller.ICEState())
}

func TestUnsubscribe(t *testing.T) {
	net, caller, _ := newPair(t)

	first := make(chan error, 4)
	second := make(chan error, 4)
	unsubscribeFirst := caller.OnError(func(err error) { first <- err })
	caller.OnError(func(err error) { second <- err })
	unsubscribeFirst() // stale, must not remove the replacement

	net.Engine("caller").Fail()
	select {
	case <-second:
	case <-time.After(waitFor):
		t.Fatal("replacement subscriber not called")
	}
	assert.Empty(t, first)
}

func TestCloseIsIdempotentAndRejectsLaterCalls(t *testing.T) {
	net, caller, _ := newPair(t)

	closed := make(chan session.ConnectionState, 2)
	caller.OnConnectionState(func(s session.ConnectionState) { closed <- s })

	caller.Close()
	caller.Close()

	assert.True(t, net.Engine("caller").Closed())
	assert.Equal(t, session.ConnectionClosed, caller.ConnectionState())
	assert.Equal(t, session.ICEClosed, caller.ICEState())
	select {
	case s := <-closed:
		assert.Equal(t, session.ConnectionClosed, s)
	case <-time.After(waitFor):
		t.Fatal("no closed event")
	}

	_, err := caller.CreateOffer(context.Background())
	assert.True(t, errors.Is(err, domain.ErrInvalidSequence))
	assert.True(t, errors.Is(err, domain.ErrUseAfterDispose))

	assert.NotPanics(t, func() {
		caller.SendAudio([]byte{1}, 0)
		caller.RequestKeyFrame()
	})
	select {
	case <-caller.Done():
	default:
		t.Fatal("done not closed")
	}
}

// stallingEngine blocks SetRemoteDescription until release is closed.
type stallingEngine struct {
	session.Engine
	entered chan struct{}
	release chan struct{}
}

func (e *stallingEngine) SetRemoteDescription(desc domain.SDPMessage) error {
	close(e.entered)
	<-e.release
	return e.Engine.SetRemoteDescription(desc)
}

func TestCloseDoesNotWaitForPendingSignaling(t *testing.T) {
	net := sessiontest.NewNetwork()
	inner := net.Factory("callee")
	engine := &stallingEngine{entered: make(chan struct{}), release: make(chan struct{})}
	defer close(engine.release)
	factory := func(cfg domain.WebRTCConfig, caps codec.CapabilitySet, events session.EngineEvents) (session.Engine, error) {
		e, err := inner(cfg, caps, events)
		engine.Engine = e
		return engine, err
	}

	tr := session.New(factory, codec.DefaultCapabilities())
	ctx := context.Background()
	require.NoError(t, tr.Initialize(ctx, domain.DefaultWebRTCConfig()))

	setErr := make(chan error, 1)
	go func() {
		setErr <- tr.SetRemoteDescription(ctx, domain.SDPMessage{Type: domain.SDPTypeOffer, SDP: "v=0"})
	}()
	select {
	case <-engine.entered:
	case <-time.After(waitFor):
		t.Fatal("remote description never reached the engine")
	}

	closed := make(chan struct{})
	go func() {
		tr.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("close waited for the pending signaling step")
	}

	assert.Equal(t, session.ConnectionClosed, tr.ConnectionState())
	assert.Equal(t, session.ICEClosed, tr.ICEState())
	assert.True(t, net.Engine("callee").Closed())

	select {
	case err := <-setErr:
		assert.ErrorIs(t, err, domain.ErrUseAfterDispose)
	case <-time.After(waitFor):
		t.Fatal("pending call not released by close")
	}
}
