package session

import "sync"

// Latch is a one-shot failure signal. The first Fire wins; later calls are
// ignored, so concurrent triggers cannot tear an attempt down twice.
type Latch struct {
	once   sync.Once
	done   chan struct{}
	err    error
	onFire func()
}

// NewLatch creates an unfired latch. onFire, if set, runs once inside the
// first Fire before Done is closed.
func NewLatch(onFire func()) *Latch {
	return &Latch{done: make(chan struct{}), onFire: onFire}
}

// Fire records err as the attempt's outcome. Reports whether this call won.
func (l *Latch) Fire(err error) bool {
	fired := false
	l.once.Do(func() {
		l.err = err
		if l.onFire != nil {
			l.onFire()
		}
		close(l.done)
		fired = true
	})
	return fired
}

// Done is closed once the latch fired.
func (l *Latch) Done() <-chan struct{} {
	return l.done
}

// Err returns the winning error. Only valid after Done is closed.
func (l *Latch) Err() error {
	<-l.done
	return l.err
}
