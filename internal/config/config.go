package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	Room       string
	ServerURL  string
	ClientName string

	Capture Capture

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WatchdogTick      time.Duration
	ReconnectDelay    time.Duration
	SignalingTimeout  time.Duration

	ICEServers []string

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Capture configures the external capture process.
type Capture struct {
	// Backends is the fallback order, e.g. ["pulse", "alsa"].
	Backends []string
	// Devices maps a backend name to its input device.
	Devices      map[string]string
	FFmpegPath   string
	Probe        time.Duration
	CloseTimeout time.Duration
	SampleRate   int
	Channels     int
	FrameSamples int
}

// Device returns the configured input device for backend.
func (c Capture) Device(backend string) string {
	return c.Devices[backend]
}

// SetDevice points every backend at dev. avfoundation names audio inputs
// as ":<index>", so a bare index gets the prefix.
func (c Capture) SetDevice(dev string) {
	for backend := range c.Devices {
		if backend == "avfoundation" && !strings.HasPrefix(dev, ":") {
			c.Devices[backend] = ":" + dev
			continue
		}
		c.Devices[backend] = dev
	}
}

// OfferURL returns the signaling endpoint.
func (c *Config) OfferURL() string {
	return c.ServerURL + "/api/offer"
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function and validates it.
func FromEnv(getenv func(string) string) (*Config, error) {
	r := reader{getenv: getenv}

	devices := map[string]string{
		"pulse":        r.str("PULSE_DEVICE", "default"),
		"alsa":         r.str("ALSA_DEVICE", "default"),
		"avfoundation": ":" + r.str("MAC_AUDIO_INDEX", "0"),
	}

	cfg := &Config{
		Room:       r.str("ROOM", "bedroom"),
		ServerURL:  strings.TrimRight(r.str("PIPECAT_SERVER", "http://pi-voice.local:7860"), "/"),
		ClientName: r.str("CLIENT_NAME", "roomlink"),
		Capture: Capture{
			Backends:     r.list("CAPTURE_BACKENDS", defaultBackends()),
			Devices:      devices,
			FFmpegPath:   r.str("FFMPEG_PATH", "ffmpeg"),
			Probe:        r.duration("CAPTURE_PROBE", 500*time.Millisecond),
			CloseTimeout: r.duration("CLOSE_TIMEOUT", 2*time.Second),
			SampleRate:   r.integer("SAMPLE_RATE", 16000),
			Channels:     r.integer("CHANNELS", 1),
			FrameSamples: r.integer("FRAME_SAMPLES", 320),
		},
		HeartbeatInterval: r.duration("HEARTBEAT_INTERVAL", 5*time.Second),
		HeartbeatTimeout:  r.duration("HEARTBEAT_TIMEOUT", 15*time.Second),
		WatchdogTick:      r.duration("WATCHDOG_TICK", time.Second),
		ReconnectDelay:    r.duration("RECONNECT_DELAY", 3*time.Second),
		SignalingTimeout:  r.duration("SIGNALING_TIMEOUT", 15*time.Second),
		ICEServers:        r.list("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		LogLevel:          r.str("LOG_LEVEL", "info"),
		LogFormat:         r.str("LOG_FORMAT", "text"),
		MetricsAddr:       getenv("METRICS_ADDR"),
	}
	if dev := getenv("CAPTURE_DEVICE"); dev != "" {
		cfg.Capture.SetDevice(dev)
	}

	if r.err != nil {
		return nil, r.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Room == "" {
		return fmt.Errorf("ROOM must not be empty")
	}
	if !strings.Contains(c.ServerURL, "://") {
		return fmt.Errorf("PIPECAT_SERVER %q must include a scheme", c.ServerURL)
	}

	switch c.Capture.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("SAMPLE_RATE %d not supported (8000, 12000, 16000, 24000, 48000)", c.Capture.SampleRate)
	}
	if c.Capture.Channels != 1 && c.Capture.Channels != 2 {
		return fmt.Errorf("CHANNELS must be 1 or 2, got %d", c.Capture.Channels)
	}
	if c.Capture.FrameSamples <= 0 {
		return fmt.Errorf("FRAME_SAMPLES must be positive, got %d", c.Capture.FrameSamples)
	}
	frameDur := time.Duration(c.Capture.FrameSamples) * time.Second / time.Duration(c.Capture.SampleRate)
	if time.Duration(c.Capture.FrameSamples)*time.Second%time.Duration(c.Capture.SampleRate) != 0 {
		return fmt.Errorf("FRAME_SAMPLES %d is not a whole number of ms at %d Hz", c.Capture.FrameSamples, c.Capture.SampleRate)
	}
	switch frameDur {
	case 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
	default:
		return fmt.Errorf("frame duration %s not supported (10ms, 20ms, 40ms, 60ms)", frameDur)
	}
	if len(c.Capture.Backends) == 0 {
		return fmt.Errorf("CAPTURE_BACKENDS must name at least one backend")
	}
	for _, b := range c.Capture.Backends {
		if _, ok := c.Capture.Devices[b]; !ok {
			return fmt.Errorf("unknown capture backend %q", b)
		}
	}

	for name, d := range map[string]time.Duration{
		"HEARTBEAT_INTERVAL": c.HeartbeatInterval,
		"HEARTBEAT_TIMEOUT":  c.HeartbeatTimeout,
		"WATCHDOG_TICK":      c.WatchdogTick,
		"SIGNALING_TIMEOUT":  c.SignalingTimeout,
		"CLOSE_TIMEOUT":      c.Capture.CloseTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("RECONNECT_DELAY must not be negative, got %s", c.ReconnectDelay)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT %s must exceed HEARTBEAT_INTERVAL %s", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	return nil
}

func defaultBackends() []string {
	if runtime.GOOS == "darwin" {
		return []string{"avfoundation"}
	}
	return []string{"pulse", "alsa"}
}

// reader collects the first parse error so FromEnv can stay linear.
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) str(key, def string) string {
	if v := r.getenv(key); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("parse %s: %w", key, err)
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("parse %s: %w", key, err)
	}
	return d
}

// list splits a comma-separated value. An explicitly empty value is not
// distinguishable from unset, so "none" disables the list.
func (r *reader) list(key string, def []string) []string {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	if v == "none" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
