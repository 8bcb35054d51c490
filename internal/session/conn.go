package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tensorlab/rtmlink/internal/observability"
	"github.com/tensorlab/rtmlink/internal/protocol"
	"github.com/tensorlab/rtmlink/internal/protocol/catalog"
	"github.com/tensorlab/rtmlink/internal/protocol/frame"
)

var (
	ErrAddressRequired  = errors.New("session: address required")
	ErrHandlerRequired  = errors.New("session: handler required")
	ErrNotConnected     = errors.New("session: not connected")
	ErrAlreadyConnected = errors.New("session: already connected")
	ErrClosed           = errors.New("session: connection closed")
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives classified messages from the receive loop. The loop
// is the sole caller, so implementations see updates in wire order.
type Handler interface {
	HandleUpdate(name string, raw []byte)
	HandleSample(value float64)
	ConnectionLost(err error)
}

// Conn is one instrument connection. It is single-use: after the receive
// loop exits the Conn stays Disconnected and a new Conn must be dialed.
type Conn struct {
	addr    string
	cfg     Config
	cat     *catalog.Catalog
	handler Handler
	log     zerolog.Logger
	rng     *rand.Rand

	state atomic.Int32
	done  chan struct{}

	mu     sync.Mutex // serializes writes and guards conn
	conn   net.Conn
	closed bool
}

func NewConn(addr string, cat *catalog.Catalog, handler Handler, cfg Config, log zerolog.Logger) (*Conn, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, ErrAddressRequired
	}
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	return &Conn{
		addr:    addr,
		cfg:     cfg.WithDefaults(),
		cat:     cat,
		handler: handler,
		log:     log.With().Str("component", "session").Str("addr", addr).Logger(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		done:    make(chan struct{}),
	}, nil
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Done is closed when the receive loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Dial opens the transport and starts the receive loop. Attempts are
// bounded by MaxConnectAttempts with backoff between them.
func (c *Conn) Dial(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("%w: state=%s", ErrAlreadyConnected, c.State())
	}
	if err := c.cfg.ValidateTransport(); err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}

	var attempt int
	for {
		attempt++
		conn, err := c.dialOnce(ctx)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = conn.Close()
				c.state.Store(int32(StateDisconnected))
				return ErrClosed
			}
			c.conn = conn
			c.mu.Unlock()
			c.state.Store(int32(StateConnected))
			observability.RecordConnect(true)
			c.log.Info().Msg("connected")
			go c.recvLoop(conn)
			return nil
		}

		observability.RecordConnect(false)
		c.log.Warn().Int("attempt", attempt).Err(err).Msg("dial failed")
		if c.cfg.MaxConnectAttempts > 0 && attempt >= c.cfg.MaxConnectAttempts {
			c.state.Store(int32(StateDisconnected))
			return fmt.Errorf("session: dial %s: %w", c.addr, err)
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			c.state.Store(int32(StateDisconnected))
			return err
		}
	}
}

func (c *Conn) dialOnce(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	if !c.cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.clientTLSConfig()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Conn) clientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.cfg.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(c.addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("session: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if c.cfg.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.cfg.TLS.CertFile, c.cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (c *Conn) sleepBackoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.cfg.Backoff.Delay(attempt, c.rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Send writes one command frame. Concurrent callers are serialized so
// frames never interleave on the wire. Confirmation, if any, arrives
// asynchronously through the receive loop.
func (c *Conn) Send(cmd string, payload []byte) error {
	if c.State() != StateConnected {
		return fmt.Errorf("%w: state=%s", ErrNotConnected, c.State())
	}
	buf, err := frame.Encode(cmd, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, err = conn.Write(buf)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("session: send %q: %w", cmd, err)
	}
	observability.RecordSend(cmd)
	c.log.Debug().Str("command", cmd).Int("bytes", len(buf)).Msg("sent")
	return nil
}

// recvLoop is the sole reader of the socket and the sole writer of
// downstream state. It runs until a read error or orderly close.
func (c *Conn) recvLoop(conn net.Conn) {
	dec := frame.NewDecoder(frame.Limits{MaxPayloadBytes: c.cfg.MaxPayloadBytes})
	buf := make([]byte, c.cfg.ReadBufferBytes)

	var readErr error
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			observability.RecordBytes(n)
			for _, m := range dec.Feed(buf[:n]) {
				c.route(m)
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}
	c.teardown(readErr)
}

func (c *Conn) route(m frame.Message) {
	switch msg := protocol.Classify(m, c.cat).(type) {
	case protocol.Malformed:
		observability.RecordMalformed()
		c.log.Warn().Str("reason", msg.Reason).Msg("malformed frame")
	case protocol.DataSample:
		observability.RecordFrame()
		c.handler.HandleSample(msg.Value)
	case protocol.ParameterUpdate:
		observability.RecordFrame()
		c.log.Debug().Str("param", msg.Name).Int("bytes", len(msg.Raw)).Msg("received")
		c.handler.HandleUpdate(msg.Name, msg.Raw)
	}
}

func (c *Conn) teardown(err error) {
	orderly := c.State() == StateClosing || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
	c.state.Store(int32(StateClosing))

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if orderly {
		c.log.Info().Msg("connection closed")
	} else {
		c.log.Error().Err(err).Msg("connection lost")
	}
	// Loss must be fully propagated before Done observers can see the
	// socket as reusable, or a reconnect races the late abort.
	c.handler.ConnectionLost(err)
	c.state.Store(int32(StateDisconnected))
	close(c.done)
}

// Close releases the socket. It is idempotent and safe in any state; the
// receive loop observes the closed socket and finishes teardown. Closing
// before or during Dial makes the dial fail with ErrClosed so a socket
// installed by a racing dial is never stranded.
func (c *Conn) Close() error {
	if c.State() == StateConnected || c.State() == StateConnecting {
		c.state.Store(int32(StateClosing))
	}
	c.mu.Lock()
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	return nil
}
