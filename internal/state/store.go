// Package state holds the client-side mirror of instrument state: the
// parameter store and the measurement accumulator. The connection's
// receive loop is the sole writer; everything else reads or waits.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tensorlab/rtmlink/internal/observability"
	"github.com/tensorlab/rtmlink/internal/protocol/catalog"
)

// Parameter is one mirrored value with its update counter.
type Parameter struct {
	Value   any
	Version uint64
}

// Store mirrors server-pushed parameter values. Values persist across a
// reconnect until the server overwrites them.
type Store struct {
	cat *catalog.Catalog
	log zerolog.Logger

	mu      sync.RWMutex
	params  map[string]Parameter
	changed map[string]chan struct{}
	any     chan struct{}
	lost    chan struct{}
	lostErr error
	aborted bool
}

func NewStore(cat *catalog.Catalog, log zerolog.Logger) *Store {
	return &Store{
		cat:     cat,
		log:     log.With().Str("component", "store").Logger(),
		params:  make(map[string]Parameter),
		changed: make(map[string]chan struct{}),
		any:     make(chan struct{}),
		lost:    make(chan struct{}),
	}
}

// Apply coerces raw per the catalog and atomically replaces the stored
// value, bumping the version and waking waiters. A failed coercion leaves
// the prior value untouched.
func (s *Store) Apply(name string, raw []byte) error {
	if !s.cat.Has(name) {
		observability.RecordAnomaly("unknown_parameter")
		s.log.Warn().Str("param", name).Int("bytes", len(raw)).Msg("update for unknown parameter")
		return fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	value, err := s.cat.Unpack(name, raw)
	if err != nil {
		observability.RecordCoercionFailure(name)
		s.log.Warn().Str("param", name).Err(err).Msg("dropping malformed update")
		return err
	}

	s.mu.Lock()
	prev := s.params[name]
	s.params[name] = Parameter{Value: value, Version: prev.Version + 1}
	if ch, ok := s.changed[name]; ok {
		close(ch)
		delete(s.changed, name)
	}
	close(s.any)
	s.any = make(chan struct{})
	s.mu.Unlock()

	observability.RecordUpdate(name)
	return nil
}

// Get returns the current mirrored value. A catalog parameter that was
// never pushed reads as nil; a name outside the catalog is an error.
func (s *Store) Get(name string) (any, error) {
	s.mu.RLock()
	p, observed := s.params[name]
	s.mu.RUnlock()
	if observed {
		return copyValue(p.Value), nil
	}
	if !s.cat.Has(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	return nil, nil
}

// Version returns the update counter for name (0 if never pushed).
func (s *Store) Version(name string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params[name].Version
}

// Snapshot copies all observed name/value pairs. Individual entries are
// never torn; cross-entry consistency follows the server's independent
// per-parameter pushes.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.params))
	for name, p := range s.params {
		out[name] = copyValue(p.Value)
	}
	return out
}

// copyValue detaches slice-kinded values so callers cannot mutate the
// mirror through a returned reference.
func copyValue(v any) any {
	switch vals := v.(type) {
	case []float64:
		return append([]float64(nil), vals...)
	case []uint32:
		return append([]uint32(nil), vals...)
	case []int32:
		return append([]int32(nil), vals...)
	case [][]float64:
		out := make([][]float64, len(vals))
		for i, row := range vals {
			out[i] = append([]float64(nil), row...)
		}
		return out
	default:
		return v
	}
}

// AwaitChange blocks until the named parameter is pushed again, the
// timeout elapses, the context ends, or the connection is lost.
func (s *Store) AwaitChange(ctx context.Context, name string, timeout time.Duration) (any, error) {
	return s.AwaitNewer(ctx, name, s.Version(name), timeout)
}

// AwaitNewer blocks until the named parameter's version exceeds version.
// Capturing the version before a send closes the gap where the server's
// echo lands before the caller starts waiting.
func (s *Store) AwaitNewer(ctx context.Context, name string, version uint64, timeout time.Duration) (any, error) {
	if !s.cat.Has(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}

	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.aborted {
			err := s.lostErr
			s.mu.Unlock()
			return nil, err
		}
		if p, ok := s.params[name]; ok && p.Version > version {
			s.mu.Unlock()
			return copyValue(p.Value), nil
		}
		ch, ok := s.changed[name]
		if !ok {
			ch = make(chan struct{})
			s.changed[name] = ch
		}
		lost := s.lost
		s.mu.Unlock()

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-ch:
			timer.Stop()
		case <-lost:
			timer.Stop()
			s.mu.RLock()
			err := s.lostErr
			s.mu.RUnlock()
			return nil, err
		case <-timer.C:
			return nil, fmt.Errorf("%w: %q after %v", ErrAwaitTimeout, name, timeout)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// AwaitAny blocks until any parameter is pushed.
func (s *Store) AwaitAny(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.aborted {
		err := s.lostErr
		s.mu.Unlock()
		return err
	}
	ch := s.any
	lost := s.lost
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-lost:
		s.mu.RLock()
		err := s.lostErr
		s.mu.RUnlock()
		return err
	case <-timer.C:
		return fmt.Errorf("%w: after %v", ErrAwaitTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort wakes every waiter with err. Mirrored values stay intact.
func (s *Store) Abort(err error) {
	if err == nil {
		err = ErrConnectionLost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return
	}
	s.aborted = true
	s.lostErr = err
	close(s.lost)
}

// Resume re-arms waiting after a reconnect.
func (s *Store) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		return
	}
	s.aborted = false
	s.lostErr = nil
	s.lost = make(chan struct{})
}
