// Package rtm is the caller-facing surface of the engine. A Client
// composes the parameter store, the measurement accumulator, and one
// connection at a time; it carries no state of its own.
package rtm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tensorlab/rtmlink/internal/protocol"
	"github.com/tensorlab/rtmlink/internal/protocol/catalog"
	"github.com/tensorlab/rtmlink/internal/session"
	"github.com/tensorlab/rtmlink/internal/state"
)

var ErrAddressRequired = errors.New("rtm: address required")

// Config configures one client.
type Config struct {
	// Addr is the instrument endpoint, host:port.
	Addr string
	// Catalog defaults to the RTM parameter table.
	Catalog *catalog.Catalog
	// AwaitTimeout bounds SetSync and AwaitChange; defaults to 500ms,
	// matching the instrument's push latency budget.
	AwaitTimeout time.Duration
	Session      session.Config
	Logger       zerolog.Logger
}

const defaultAwaitTimeout = 500 * time.Millisecond

// Client mirrors instrument state and dispatches commands. One Client
// serves one logical connection; a process may hold many.
type Client struct {
	cfg   Config
	log   zerolog.Logger
	cat   *catalog.Catalog
	store *state.Store
	meas  *state.Measurement

	mu   sync.Mutex
	conn *session.Conn
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrAddressRequired
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = defaultAwaitTimeout
	}
	cfg.Session = cfg.Session.WithDefaults()
	log := cfg.Logger.With().Str("component", "rtm").Logger()
	return &Client{
		cfg:   cfg,
		log:   log,
		cat:   cfg.Catalog,
		store: state.NewStore(cfg.Catalog, log),
		meas:  state.NewMeasurement(log),
	}, nil
}

// router feeds the receive loop's messages into the shared state.
type router struct {
	c *Client
}

func (r router) HandleUpdate(name string, raw []byte) {
	// The store logs and counts rejected updates; a bad push must not
	// end the session.
	_ = r.c.store.Apply(name, raw)
}

func (r router) HandleSample(value float64) {
	r.c.meas.ApplySample(value)
}

func (r router) ConnectionLost(err error) {
	lost := state.ErrConnectionLost
	if err != nil {
		lost = fmt.Errorf("%w: %v", state.ErrConnectionLost, err)
	}
	r.c.store.Abort(lost)
	// An interrupted measurement can never complete; discard its count
	// so a fresh Measure works after reconnecting.
	r.c.meas.Abort(lost)
}

// Connect dials the instrument and requests its identity. Mirrored
// values from a previous session persist until overwritten.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.State() != session.StateDisconnected {
		return session.ErrAlreadyConnected
	}

	conn, err := session.NewConn(c.cfg.Addr, c.cat, router{c: c}, c.cfg.Session, c.log)
	if err != nil {
		return err
	}
	c.store.Resume()
	c.meas.Resume()
	if err := conn.Dial(ctx); err != nil {
		c.store.Abort(state.ErrConnectionLost)
		c.meas.Abort(state.ErrConnectionLost)
		return err
	}
	c.conn = conn

	if err := conn.Send(protocol.IdentifyCommand, nil); err != nil {
		c.log.Warn().Err(err).Msg("identity request failed")
	}
	return nil
}

// Close releases the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Done is closed when the current connection's receive loop has exited.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.conn.Done()
}

func (c *Client) send(cmd string, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return session.ErrNotConnected
	}
	return conn.Send(cmd, payload)
}

// Get reads the mirrored value of name without touching the network.
func (c *Client) Get(name string) (any, error) {
	return c.store.Get(name)
}

// Snapshot copies the full mirrored parameter set.
func (c *Client) Snapshot() map[string]any {
	return c.store.Snapshot()
}

// Set sends a parameter assignment. The mirror changes only when the
// server pushes the confirming update back.
func (c *Client) Set(name string, value any) error {
	payload, err := c.cat.Pack(name, value)
	if err != nil {
		return err
	}
	return c.send(name, payload)
}

// SetSync sends a parameter assignment and waits for the server's echo,
// returning the confirmed value.
func (c *Client) SetSync(ctx context.Context, name string, value any) (any, error) {
	payload, err := c.cat.Pack(name, value)
	if err != nil {
		return nil, err
	}
	// Capture the version first so an echo that beats the wait is not
	// missed.
	baseline := c.store.Version(name)
	if err := c.send(name, payload); err != nil {
		return nil, err
	}
	return c.store.AwaitNewer(ctx, name, baseline, c.cfg.AwaitTimeout)
}

// AwaitChange blocks until name is pushed again or the configured await
// timeout elapses.
func (c *Client) AwaitChange(ctx context.Context, name string) (any, error) {
	return c.store.AwaitChange(ctx, name, c.cfg.AwaitTimeout)
}

// AwaitAny blocks until any parameter push arrives.
func (c *Client) AwaitAny(ctx context.Context) error {
	return c.store.AwaitAny(ctx, c.cfg.AwaitTimeout)
}

// Measure requests n samples. Overlapping requests are rejected while a
// prior one is outstanding.
func (c *Client) Measure(n int) error {
	if err := c.meas.Start(n); err != nil {
		return err
	}
	payload, err := c.cat.Pack(protocol.MeasureCommand, n)
	if err != nil {
		c.meas.Cancel()
		return err
	}
	if err := c.send(protocol.MeasureCommand, payload); err != nil {
		c.meas.Cancel()
		return err
	}
	return nil
}

// ClearData discards buffered samples on both ends.
func (c *Client) ClearData() error {
	if err := c.send(protocol.ClearCommand, nil); err != nil {
		return err
	}
	c.meas.Clear()
	return nil
}

// Data drains the local sample buffer in arrival order.
func (c *Client) Data() []float64 {
	return c.meas.Drain()
}

// Remaining reports how many requested samples are still outstanding.
func (c *Client) Remaining() int {
	return c.meas.Remaining()
}

// AwaitIdle blocks until the outstanding measurement completes.
func (c *Client) AwaitIdle(ctx context.Context) error {
	return c.meas.AwaitIdle(ctx, c.cfg.AwaitTimeout)
}

// SelectChannels configures which instrument channels report data.
func (c *Client) SelectChannels(channels []int32) error {
	payload, err := c.cat.Pack("selc", channels)
	if err != nil {
		return err
	}
	return c.send("selc", payload)
}

// Identity returns the mirrored instrument identity string, empty until
// the identify reply arrives.
func (c *Client) Identity() string {
	v, err := c.store.Get(protocol.IdentityParameter)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
