package main

import (
	"context"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"peercall/native/internal/api"
	"peercall/native/internal/call"
	"peercall/native/internal/codec"
	"peercall/native/internal/config"
	"peercall/native/internal/media"
	sigclient "peercall/native/internal/signal"
	"peercall/native/internal/store"
	"peercall/native/internal/webrtc"
)

const helpText = `peercall - two-party audio/video calls over WebRTC

Usage:
  peercall [options]

Registers with a websocket signaling relay and either places a call
(--call) or waits for incoming ones. Capture is synthetic: a sine tone
and scrolling colour bars. Received audio can be written as raw
16-bit little-endian PCM with --audio-out.

Environment Variables:
  PEERCALL_IDENTITY         local identity (required, or --identity)
  PEERCALL_SIGNAL_URL       signaling relay websocket URL (required, or --signal-url)
  PEERCALL_STUN_URLS        comma separated STUN URLs
  PEERCALL_TURN_URLS        comma separated TURN URLs
  PEERCALL_TURN_USERNAME    TURN username
  PEERCALL_TURN_CREDENTIAL  TURN password
  PEERCALL_ICE_ENDPOINT     HTTP endpoint returning ICE servers
  PEERCALL_ICE_TOKEN        bearer token for PEERCALL_ICE_ENDPOINT
  PEERCALL_ICE_POLICY       all or relay
  PEERCALL_RTCP_FEEDBACK    NACK/PLI/receiver reports (default true)
  PEERCALL_RING_TIMEOUT     e.g. 30s
  PEERCALL_DB_PATH          call history database (default peercall.db)
  LOG_LEVEL                 DEBUG, INFO, WARN or ERROR

Examples:
  # Wait for calls and answer them
  peercall --identity bob --auto-answer

  # Call bob, play his audio
  peercall --identity alice --call bob --audio-out - | ffplay -f s16le -ar 48000 -ac 1 -

  # Show the last 20 calls
  peercall --identity alice --history 20

Options:
`

type options struct {
	identity   string
	signalURL  string
	callee     string
	autoAnswer bool
	noVideo    bool
	audioOut   string
	history    int
	logLevel   string
	help       bool
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.identity, "identity", "", "local identity (overrides PEERCALL_IDENTITY)")
	flag.StringVar(&o.signalURL, "signal-url", "", "signaling relay URL (overrides PEERCALL_SIGNAL_URL)")
	flag.StringVar(&o.callee, "call", "", "identity to call")
	flag.BoolVar(&o.autoAnswer, "auto-answer", false, "accept incoming calls")
	flag.BoolVar(&o.noVideo, "no-video", false, "audio only")
	flag.StringVar(&o.audioOut, "audio-out", "", "write received PCM to this file (- for stdout)")
	flag.IntVar(&o.history, "history", 0, "print the last N calls and exit")
	flag.StringVar(&o.logLevel, "log-level", "", "overrides LOG_LEVEL")
	flag.BoolVarP(&o.help, "help", "h", false, "show this help message")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()
	if opts.help {
		fmt.Print(helpText)
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	if opts.identity != "" {
		cfg.Identity = opts.identity
	}
	if opts.signalURL != "" {
		cfg.SignalURL = opts.signalURL
	}
	if opts.logLevel != "" {
		if cfg.LogLevel, err = config.ParseLevel(opts.logLevel); err != nil {
			logrus.Fatal(err)
		}
	}
	config.ConfigureLogging(cfg.LogLevel)
	log := logrus.WithField("component", "main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	// Step 1: Open call history
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer st.Close()

	if opts.history > 0 {
		if cfg.Identity == "" {
			log.Fatal("--history needs an identity")
		}
		if err := printHistory(ctx, st, cfg.Identity, opts.history, os.Stdout); err != nil {
			log.WithError(err).Fatal("history")
		}
		return
	}

	// Step 2: Fetch ICE servers from the credential endpoint, if configured
	if cfg.ICEEndpoint != "" {
		fetchCtx, fetchCancel := context.WithTimeout(ctx, 10*time.Second)
		servers, err := api.NewClient().FetchICEServers(fetchCtx, cfg.ICEEndpoint, cfg.ICEToken)
		fetchCancel()
		if err != nil {
			log.WithError(err).Fatal("fetch ice servers")
		}
		cfg.ICEServers = append(cfg.ICEServers, servers...)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	log = log.WithField("identity", cfg.Identity)

	// Step 3: Capture and playback
	caps := codec.DefaultCapabilities()
	if opts.noVideo {
		caps.Video = nil
	}
	out, closeOut, err := openAudioOut(opts.audioOut)
	if err != nil {
		log.WithError(err).Fatal("open audio output")
	}
	defer closeOut()
	sink := media.NewLogSink(out)

	// Step 4: Create coordinator (implements domain.Handler)
	coord := call.NewCoordinator(cfg.Identity, call.Config{
		WebRTC:        cfg.WebRTC(),
		Capabilities:  caps,
		EngineFactory: webrtc.NewEngine,
		RingTimeout:   cfg.RingTimeout,
		Store:         st,
		Media: call.Media{
			AudioSource: media.NewToneSource(call.DefaultCaptureRate, 440),
			VideoSource: media.NewBarsSource(320, 240, 30),
			AudioSink:   sink,
			VideoSink:   sink,
		},
	})

	// Step 5: Create signal client with coordinator as handler
	sc := sigclient.NewClient(cfg.SignalURL, cfg.Identity, coord)

	// Step 6: Complete the circular dependency
	coord.SetSignaler(sc)

	// Step 7: Decide on incoming calls, stop after an outgoing one
	coord.OnIncoming(func(s *call.Session) {
		l := log.WithFields(logrus.Fields{"call_id": s.ID(), "caller": s.Remote()})
		if !opts.autoAnswer {
			l.Info("incoming call ringing, start with --auto-answer to accept")
			return
		}
		l.Info("answering")
		if err := s.Accept(); err != nil {
			l.WithError(err).Warn("accept")
		}
	})
	coord.OnEnded(func(s *call.Session) {
		c := s.Call()
		audioFrames, _, videoFrames := sink.Stats()
		log.WithFields(logrus.Fields{
			"call_id":      c.CallID,
			"status":       c.Status.String(),
			"duration":     c.DurationSeconds,
			"audio_frames": audioFrames,
			"video_frames": videoFrames,
		}).Info("call ended")
		if opts.callee != "" {
			cancel()
		}
	})

	// Step 8: Connect signaling
	if err := sc.Connect(); err != nil {
		log.WithError(err).Fatal("signal connect")
	}

	// Step 9: Place the call
	if opts.callee != "" {
		if _, err := coord.Dial(ctx, opts.callee); err != nil {
			log.WithError(err).Fatal("dial")
		}
	}

	select {
	case <-ctx.Done():
	case <-sc.Done():
		log.Warn("signaling connection lost")
	}

	coord.Close()
	sc.Close()
	log.Info("done")
}

func openAudioOut(path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func printHistory(ctx context.Context, st *store.Store, identity string, limit int, w io.Writer) error {
	h, err := st.History(ctx, identity, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d calls, %s total\n", h.TotalCount, time.Duration(h.TotalDurationSeconds)*time.Second)
	for _, c := range h.Calls {
		peer, direction := c.CalleeIdentity, "->"
		if c.CalleeIdentity == identity {
			peer, direction = c.CallerIdentity, "<-"
		}
		fmt.Fprintf(w, "%s  %s %-16s %-9s %4ds  %s\n",
			c.CreatedAt.Local().Format("2006-01-02 15:04"), direction, peer,
			c.Status, c.DurationSeconds, c.CallID)
	}
	return nil
}
