package capture

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"roomlink/native/internal/config"
	"roomlink/native/internal/domain"
)

// StartFunc starts a producer process.
type StartFunc func(logger *slog.Logger, name string, args ...string) (Producer, error)

func startProcess(logger *slog.Logger, name string, args ...string) (Producer, error) {
	return StartProcess(logger, name, args...)
}

// FFmpegArgs builds the ffmpeg argument list that captures device through
// backend (an ffmpeg input format) and writes s16le PCM to stdout.
func FFmpegArgs(backend, device string, sampleRate, channels int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", backend,
		"-i", device,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
		"-f", "s16le",
		"pipe:1",
	}
}

// Opener starts capture sources, walking the configured backend fallback order.
type Opener struct {
	cfg    config.Capture
	logger *slog.Logger
	start  StartFunc
}

// NewOpener creates an Opener that starts ffmpeg processes.
func NewOpener(cfg config.Capture, logger *slog.Logger) *Opener {
	return &Opener{cfg: cfg, logger: logger, start: startProcess}
}

// Format returns the PCM format sources will produce.
func (o *Opener) Format() Format {
	return Format{
		SampleRate:   o.cfg.SampleRate,
		Channels:     o.cfg.Channels,
		FrameSamples: o.cfg.FrameSamples,
	}
}

// Open starts the first backend whose process survives the probe window.
// A backend that exits early is stopped and the next one is tried.
func (o *Opener) Open(ctx context.Context) (domain.FrameSource, error) {
	var errs []error
	for _, backend := range o.cfg.Backends {
		device := o.cfg.Device(backend)
		log := o.logger.With("backend", backend, "device", device)

		p, err := o.start(log, o.cfg.FFmpegPath, FFmpegArgs(backend, device, o.cfg.SampleRate, o.cfg.Channels)...)
		if err != nil {
			log.Warn("capture backend failed to start", "error", err)
			errs = append(errs, &domain.CaptureError{Backend: backend, Err: err})
			continue
		}

		select {
		case <-p.Exited():
			capErr := &domain.CaptureError{Backend: backend, Diagnostic: p.Diagnostic(), Err: p.ExitErr()}
			if capErr.Err == nil {
				capErr.Err = errors.New("exited during probe")
			}
			log.Warn("capture backend exited during probe", "error", capErr)
			_ = p.Stop(o.cfg.CloseTimeout)
			errs = append(errs, capErr)
			continue
		case <-time.After(o.cfg.Probe):
		case <-ctx.Done():
			_ = p.Stop(o.cfg.CloseTimeout)
			return nil, ctx.Err()
		}

		log.Info("capture started", "sample_rate", o.cfg.SampleRate, "channels", o.cfg.Channels, "frame_samples", o.cfg.FrameSamples)
		return NewSource(p, backend, o.Format(), o.cfg.CloseTimeout), nil
	}

	return nil, &domain.CaptureError{
		Backend: strings.Join(o.cfg.Backends, ","),
		Err:     errors.Join(errs...),
	}
}
