package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"roomlink/native/internal/domain"
)

// Format describes the PCM layout the producer emits.
type Format struct {
	SampleRate   int
	Channels     int
	FrameSamples int // per channel
}

// FrameBytes is the size of one frame of 16-bit interleaved PCM.
func (f Format) FrameBytes() int {
	return f.FrameSamples * f.Channels * 2
}

// Source implements domain.FrameSource over a Producer. It never reads
// ahead: each Next performs exactly one frame-sized read.
type Source struct {
	producer     Producer
	backend      string
	format       Format
	closeTimeout time.Duration

	buf   []byte
	seq   uint64
	ended bool

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// exitGrace bounds how long a short read waits for the producer to be
// reaped, so its exit status and stderr can be reported.
const exitGrace = 300 * time.Millisecond

// NewSource takes exclusive ownership of producer.
func NewSource(producer Producer, backend string, format Format, closeTimeout time.Duration) *Source {
	return &Source{
		producer:     producer,
		backend:      backend,
		format:       format,
		closeTimeout: closeTimeout,
		buf:          make([]byte, format.FrameBytes()),
	}
}

// Backend returns the capture backend the producer was started with.
func (s *Source) Backend() string { return s.backend }

// Next blocks until one full frame has been read. Not safe for concurrent
// use with itself; Close may be called from another goroutine.
func (s *Source) Next() (domain.Frame, error) {
	if s.ended {
		return domain.Frame{}, domain.ErrEndOfStream
	}

	select {
	case <-s.producer.Exited():
		s.ended = true
		return domain.Frame{}, s.exitError(nil)
	default:
	}

	n, err := io.ReadFull(s.producer, s.buf)
	if n < len(s.buf) {
		s.ended = true
		eos := fmt.Errorf("%w: read %d of %d bytes: %v", domain.ErrEndOfStream, n, len(s.buf), err)
		if s.closing.Load() {
			return domain.Frame{}, eos
		}
		// The producer usually dies while a read is pending; give it a
		// moment to be reaped so the failure carries its diagnostic.
		select {
		case <-s.producer.Exited():
			return domain.Frame{}, s.exitError(eos)
		case <-time.After(min(exitGrace, s.closeTimeout)):
			return domain.Frame{}, eos
		}
	}

	samples := make([]int16, len(s.buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(s.buf[i*2:]))
	}

	frame := domain.Frame{
		Sequence:   s.seq,
		Samples:    samples,
		SampleRate: uint32(s.format.SampleRate),
		Channels:   uint8(s.format.Channels),
	}
	s.seq += uint64(s.format.FrameSamples)
	return frame, nil
}

// exitError describes a producer that has exited. cause, if set, is the
// read failure that revealed it.
func (s *Source) exitError(cause error) error {
	err := errors.Join(cause, s.producer.ExitErr())
	if err == nil {
		err = errors.New("producer exited")
	}
	return &domain.CaptureError{
		Backend:    s.backend,
		Diagnostic: s.producer.Diagnostic(),
		Err:        err,
	}
}

// Close terminates the producer. Idempotent.
func (s *Source) Close() error {
	s.closing.Store(true)
	s.closeOnce.Do(func() {
		s.closeErr = s.producer.Stop(s.closeTimeout)
	})
	return s.closeErr
}

// Pump reads frames from src and hands them to out until src fails or ctx is
// done. out should have capacity 1: the worker then blocks until the previous
// frame was consumed instead of buffering and drifting from real time.
// Pump never interrupts a blocked Next; closing src does.
func Pump(ctx context.Context, src domain.FrameSource, out chan<- domain.Frame) error {
	for {
		frame, err := src.Next()
		if err != nil {
			return err
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
