package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tensorlab/rtmlink/internal/observability"
)

// Measurement tracks the outstanding sample count of one measure request
// and accumulates streamed samples in arrival order.
type Measurement struct {
	log zerolog.Logger

	mu        sync.Mutex
	remaining int
	samples   []float64
	idle      chan struct{}
	lost      chan struct{}
	lostErr   error
	aborted   bool
}

func NewMeasurement(log zerolog.Logger) *Measurement {
	idle := make(chan struct{})
	close(idle)
	return &Measurement{
		log:  log.With().Str("component", "measurement").Logger(),
		idle: idle,
		lost: make(chan struct{}),
	}
}

// Start sets the outstanding count to n. A request that overlaps a
// still-outstanding one is rejected so partially fulfilled counts are
// never silently lost.
func (m *Measurement) Start(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSampleCount, n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remaining > 0 {
		return fmt.Errorf("%w: %d samples outstanding", ErrMeasurementInProgress, m.remaining)
	}
	m.remaining = n
	m.idle = make(chan struct{})
	return nil
}

// ApplySample appends v and decrements the outstanding count, floored at
// zero. An extra sample past zero is an anomaly but is still kept.
func (m *Measurement) ApplySample(v float64) {
	m.mu.Lock()
	m.samples = append(m.samples, v)
	if m.remaining > 0 {
		m.remaining--
		if m.remaining == 0 {
			close(m.idle)
		}
	} else {
		observability.RecordAnomaly("unexpected_sample")
		m.log.Warn().Float64("value", v).Msg("data sample with no measurement outstanding")
	}
	m.mu.Unlock()
	observability.RecordSample()
}

// Remaining reports the outstanding sample count.
func (m *Measurement) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// Drain returns all buffered samples in arrival order and clears the
// buffer. The outstanding count is unaffected.
func (m *Measurement) Drain() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.samples
	m.samples = nil
	return out
}

// Clear discards buffered samples without touching the outstanding count.
func (m *Measurement) Clear() {
	m.mu.Lock()
	m.samples = nil
	m.mu.Unlock()
}

// Cancel zeroes the outstanding count, e.g. when the measure command
// never reached the wire. Buffered samples are kept.
func (m *Measurement) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remaining == 0 {
		return
	}
	m.remaining = 0
	close(m.idle)
}

// AwaitIdle blocks until the outstanding count reaches zero or the
// connection is lost.
func (m *Measurement) AwaitIdle(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if m.aborted {
		err := m.lostErr
		m.mu.Unlock()
		return err
	}
	idle := m.idle
	lost := m.lost
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return nil
	case <-lost:
		m.mu.Lock()
		err := m.lostErr
		m.mu.Unlock()
		return err
	case <-timer.C:
		return fmt.Errorf("%w: measurement after %v", ErrAwaitTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort fails waiters with err and discards the outstanding count so a
// new measurement can start after a reconnect. Buffered samples are
// kept.
func (m *Measurement) Abort(err error) {
	if err == nil {
		err = ErrConnectionLost
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aborted {
		return
	}
	m.aborted = true
	m.lostErr = err
	if m.remaining > 0 {
		m.log.Warn().Int("remaining", m.remaining).Msg("measurement aborted")
		m.remaining = 0
		// Waiters holding the old idle channel wake through lost; a
		// fresh closed channel keeps later idle checks immediate.
		idle := make(chan struct{})
		close(idle)
		m.idle = idle
	}
	close(m.lost)
}

// Resume re-arms waiting after a reconnect.
func (m *Measurement) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.aborted {
		return
	}
	m.aborted = false
	m.lostErr = nil
	m.lost = make(chan struct{})
}
