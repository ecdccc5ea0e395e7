package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"roomlink/native/internal/api"
	"roomlink/native/internal/capture"
	"roomlink/native/internal/config"
	"roomlink/native/internal/domain"
	"roomlink/native/internal/events"
	"roomlink/native/internal/heartbeat"
	"roomlink/native/internal/logging"
	"roomlink/native/internal/metrics"
	"roomlink/native/internal/session"
	sigclient "roomlink/native/internal/signal"
	"roomlink/native/internal/systemd"
	"roomlink/native/internal/webrtc"
)

const longHelp = `roomlink streams a room microphone to a voice server over WebRTC.

Audio is captured with ffmpeg, encoded to Opus and sent on a single audio
track. A "meta" data channel carries the room metadata and a ping/pong
heartbeat. Any failure tears the session down and a fresh one is started
after RECONNECT_DELAY; the process runs until SIGINT or SIGTERM.

Configuration is read from the environment and an optional .env file.
Flags override the environment.

Examples:
  # Default server, explicit room
  roomlink --room kitchen

  # WebSocket signaling and a specific pulse source
  PIPECAT_SERVER=ws://voice.lan:7860 roomlink --device alsa_input.usb-mic`

// overrides holds flag values that replace environment configuration.
type overrides struct {
	room        string
	server      string
	device      string
	logLevel    string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:           "roomlink",
		Short:         "Stream room audio to a voice server over WebRTC",
		Long:          longHelp,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := o.apply(cmd.Flags(), cfg); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&o.room, "room", "", "room identifier (overrides ROOM)")
	cmd.Flags().StringVar(&o.server, "server", "", "server base URL (overrides PIPECAT_SERVER)")
	cmd.Flags().StringVar(&o.device, "device", "", "capture device for every backend (overrides CAPTURE_DEVICE)")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "listen address for /metrics (overrides METRICS_ADDR)")
	return cmd
}

// apply copies the flags that were set into cfg and revalidates it.
func (o overrides) apply(flags *pflag.FlagSet, cfg *config.Config) error {
	if flags.Changed("room") {
		cfg.Room = o.room
	}
	if flags.Changed("server") {
		cfg.ServerURL = strings.TrimRight(o.server, "/")
	}
	if flags.Changed("device") {
		cfg.Capture.SetDevice(o.device)
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	return cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.Initialize(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger := logging.GetLogger("main")

	ctx, stop := ossignal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.New()
	defer bus.Close()
	defer metrics.Subscribe(bus)()

	notifier := systemd.New()
	defer notifier.Subscribe(bus)()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	opener := capture.NewOpener(cfg.Capture, logging.GetLogger("capture"))
	newChannel := func() (domain.SessionChannel, error) {
		peer, err := webrtc.NewPeer(webrtc.Options{
			ICEServers: cfg.ICEServers,
			SampleRate: cfg.Capture.SampleRate,
			Channels:   cfg.Capture.Channels,
			Label:      "meta",
			StreamID:   "roomlink",
			OnRTCP:     metrics.ObserveRTCP,
		})
		if err != nil {
			return nil, err
		}
		return peer, nil
	}

	supervisor := session.NewSupervisor(opener, newChannel, newSignaler(cfg), session.Settings{
		Room:   cfg.Room,
		Client: cfg.ClientName,
		Heartbeat: heartbeat.Config{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
			Tick:     cfg.WatchdogTick,
		},
		SignalingTimeout: cfg.SignalingTimeout,
		CloseTimeout:     cfg.Capture.CloseTimeout,
	}, bus).WithFrameHook(metrics.IncFrames)

	go notifier.Watch(ctx)
	notifier.Ready()

	logger.Info("roomlink starting",
		"room", cfg.Room,
		"server", cfg.ServerURL,
		"backends", cfg.Capture.Backends,
		"sample_rate", cfg.Capture.SampleRate,
		"channels", cfg.Capture.Channels)

	err := session.NewLoop(supervisor.Run, cfg.ReconnectDelay).Run(ctx)
	notifier.Stopping()
	if errors.Is(err, context.Canceled) {
		logger.Info("shut down")
		return nil
	}
	return err
}

// newSignaler picks WebSocket signaling for ws:// and wss:// servers and
// HTTP otherwise.
func newSignaler(cfg *config.Config) domain.Signaler {
	if strings.HasPrefix(cfg.ServerURL, "ws://") || strings.HasPrefix(cfg.ServerURL, "wss://") {
		return sigclient.NewClient(cfg.OfferURL())
	}
	return api.NewClient(cfg.OfferURL(), &http.Client{})
}

func serveMetrics(addr string) *http.Server {
	logger := logging.GetLogger("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logging.GetLogger("main").Error("roomlink failed", "error", err)
		os.Exit(1)
	}
}
