package session

import (
	"context"
	"log/slog"
	"time"

	"roomlink/native/internal/domain"
	"roomlink/native/internal/logging"
)

// RunFunc runs one session attempt. attempt is 1-based.
type RunFunc func(ctx context.Context, attempt int) error

// WaitFunc sleeps for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Loop reruns session attempts forever with a fixed delay between them.
type Loop struct {
	run    RunFunc
	delay  time.Duration
	wait   WaitFunc
	logger *slog.Logger
}

// NewLoop creates a loop around run.
func NewLoop(run RunFunc, delay time.Duration) *Loop {
	return &Loop{
		run:    run,
		delay:  delay,
		wait:   sleep,
		logger: logging.GetLogger("loop"),
	}
}

// WithWait replaces the delay implementation.
func (l *Loop) WithWait(wait WaitFunc) *Loop {
	l.wait = wait
	return l
}

// Run blocks until ctx is cancelled. Every attempt outcome, success or
// failure, is followed by the same fixed delay and a fresh attempt.
func (l *Loop) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := l.run(ctx, attempt)
		if ctx.Err() != nil {
			l.logger.Info("reconnect loop stopped", "attempts", attempt)
			return ctx.Err()
		}

		l.logger.Warn("session attempt ended, retrying",
			"attempt", attempt,
			"cause", domain.Cause(err),
			"error", err,
			"delay", l.delay)

		if err := l.wait(ctx, l.delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
