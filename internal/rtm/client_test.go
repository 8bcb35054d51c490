package rtm

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/tensorlab/rtmlink/internal/protocol/catalog"
	"github.com/tensorlab/rtmlink/internal/protocol/frame"
	"github.com/tensorlab/rtmlink/internal/session"
	"github.com/tensorlab/rtmlink/internal/state"
	"github.com/tensorlab/rtmlink/internal/testutil/testlog"
)

// fakeRTM is a minimal instrument: it pushes an initial parameter burst,
// echoes parameter assignments, answers the identity request, and streams
// samples for measure requests.
type fakeRTM struct {
	ln       net.Listener
	identity string
	samples  []float64
	// measDrop > 0 drops the connection after streaming that many
	// samples of a measure request.
	measDrop int
}

func startFakeRTM(t *testing.T) *fakeRTM {
	return startFakeRTMWith(t, 0)
}

func startFakeRTMWith(t *testing.T, measDrop int) *fakeRTM {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &fakeRTM{
		ln:       ln,
		identity: "ormeter RTM1 v2.4",
		samples:  []float64{1.1, 2.2, 3.3, 4.4, 5.5},
		measDrop: measDrop,
	}
	t.Cleanup(func() { _ = ln.Close() })
	go srv.acceptLoop()
	return srv
}

func (s *fakeRTM) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeRTM) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

// serve handles one connection. All writes happen on this goroutine, so
// pushed frames never interleave.
func (s *fakeRTM) serve(conn net.Conn) {
	defer conn.Close()
	cat := catalog.Default()

	s.push(conn, cat, "lfrq", 1000.0)
	s.push(conn, cat, "avgt", 0.5)

	for {
		cmd, payload, err := readFrame(conn)
		if err != nil {
			return
		}
		switch cmd {
		case "*IDN?":
			raw := []byte(s.identity)
			buf, _ := frame.Encode("TENS", raw)
			_, _ = conn.Write(buf)
		case "meas":
			n := int(int32(binary.BigEndian.Uint32(payload)))
			// Streaming starts after a beat, like the real instrument.
			time.Sleep(50 * time.Millisecond)
			limit := n
			if s.measDrop > 0 && s.measDrop < limit {
				limit = s.measDrop
			}
			for i := 0; i < limit && i < len(s.samples); i++ {
				s.push(conn, cat, "newd", s.samples[i])
			}
			if s.measDrop > 0 && s.measDrop < n {
				return
			}
		case "cldt":
			// Server-side buffer clear has no visible reply.
		default:
			// Parameter assignment: accept and echo the new value back.
			buf, _ := frame.Encode(cmd, payload)
			_, _ = conn.Write(buf)
		}
	}
}

func (s *fakeRTM) push(conn net.Conn, cat *catalog.Catalog, name string, v any) {
	payload, err := cat.Pack(name, v)
	if err != nil {
		return
	}
	buf, err := frame.Encode(name, payload)
	if err != nil {
		return
	}
	_, _ = conn.Write(buf)
}

func readFrame(r io.Reader) (string, []byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return "", nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(head[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return "", nil, err
	}
	if strings.HasPrefix(string(body), "*IDN?") {
		return "*IDN?", body[5:], nil
	}
	if len(body) < 4 {
		return "", nil, errors.New("short command")
	}
	return string(body[:4]), body[4:], nil
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	client, err := New(Config{
		Addr:         addr,
		AwaitTimeout: 2 * time.Second,
		Logger:       testlog.Logger(t),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func connect(t *testing.T, client *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
}

// awaitBurst waits for the connect-time parameter burst so later version
// baselines are stable.
func awaitBurst(t *testing.T, client *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := client.Snapshot()
		if _, ok := snap["lfrq"]; ok {
			if _, ok := snap["avgt"]; ok {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("initial burst never arrived: %v", client.Snapshot())
}

func TestConnectAndIdentity(t *testing.T) {
	srv := startFakeRTM(t)
	client := newTestClient(t, srv.addr())
	connect(t, client)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.Identity() == "ormeter RTM1 v2.4" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("identity never mirrored: %q", client.Identity())
}

func TestInitialBurstAndSnapshot(t *testing.T) {
	srv := startFakeRTM(t)
	client := newTestClient(t, srv.addr())
	connect(t, client)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := client.Snapshot()
		if snap["lfrq"] == 1000.0 && snap["avgt"] == 0.5 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("initial burst never mirrored: %v", client.Snapshot())
}

func TestSetSyncEcho(t *testing.T) {
	srv := startFakeRTM(t)
	client := newTestClient(t, srv.addr())
	connect(t, client)
	awaitBurst(t, client)

	ctx := context.Background()
	echoed, err := client.SetSync(ctx, "lfrq", 1200.0)
	if err != nil {
		t.Fatalf("setsync: %v", err)
	}
	if echoed.(float64) != 1200.0 {
		t.Fatalf("unexpected echo: %v", echoed)
	}
	v, err := client.Get("lfrq")
	if err != nil || v.(float64) != 1200.0 {
		t.Fatalf("mirror not updated: v=%v err=%v", v, err)
	}
}

func TestSetDoesNotTouchMirrorLocally(t *testing.T) {
	srv := startFakeRTM(t)
	client := newTestClient(t, srv.addr())
	connect(t, client)

	if err := client.Set("avgt", 0.25); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Only the server echo updates the mirror; poll for it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, err := client.Get("avgt"); err == nil && v == 0.25 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	v, err := client.Get("avgt")
	t.Fatalf("echo never mirrored: v=%v err=%v", v, err)
}

func TestMeasureFlow(t *testing.T) {
	srv := startFakeRTM(t)
	client := newTestClient(t, srv.addr())
	connect(t, client)

	if err := client.Measure(3); err != nil {
		t.Fatalf("measure: %v", err)
	}
	if got := client.Remaining(); got != 3 {
		t.Fatalf("remaining after request: %d", got)
	}
	if err := client.AwaitIdle(context.Background()); err != nil {
		t.Fatalf("await idle: %v", err)
	}
	if got := client.Remaining(); got != 0 {
		t.Fatalf("remaining after completion: %d", got)
	}
	samples := client.Data()
	want := []float64{1.1, 2.2, 3.3}
	if len(samples) != len(want) {
		t.Fatalf("unexpected samples: %v", samples)
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Fatalf("sample %d: got %v want %v", i, samples[i], want[i])
		}
	}
	if rest := client.Data(); len(rest) != 0 {
		t.Fatalf("drain not empty: %v", rest)
	}
}

func TestMeasureOverlapRejected(t *testing.T) {
	srv := startFakeRTM(t)
	client := newTestClient(t, srv.addr())
	connect(t, client)

	if err := client.Measure(5); err != nil {
		t.Fatalf("measure: %v", err)
	}
	if err := client.Measure(2); !errors.Is(err, state.ErrMeasurementInProgress) {
		t.Fatalf("expected ErrMeasurementInProgress, got %v", err)
	}
	if err := client.AwaitIdle(context.Background()); err != nil {
		t.Fatalf("await idle: %v", err)
	}
}

func TestMeasureAbortedOnConnectionLoss(t *testing.T) {
	srv := startFakeRTMWith(t, 1)
	client := newTestClient(t, srv.addr())
	connect(t, client)

	if err := client.Measure(3); err != nil {
		t.Fatalf("measure: %v", err)
	}
	// The link drops after one sample; the waiter fails with the loss
	// instead of timing out.
	if err := client.AwaitIdle(context.Background()); !errors.Is(err, state.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if got := client.Remaining(); got != 0 {
		t.Fatalf("remaining stuck after loss: %d", got)
	}
	if samples := client.Data(); len(samples) != 1 || samples[0] != 1.1 {
		t.Fatalf("partial samples lost: %v", samples)
	}

	<-client.Done()
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	// The interrupted request must not block a fresh one.
	if err := client.Measure(2); err != nil {
		t.Fatalf("measure after reconnect: %v", err)
	}
}

func TestMeasureWithoutConnection(t *testing.T) {
	client := newTestClient(t, "127.0.0.1:1")
	if err := client.Measure(3); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	// The failed request must not leave a phantom outstanding count.
	if got := client.Remaining(); got != 0 {
		t.Fatalf("remaining after failed measure: %d", got)
	}
}

func TestClearData(t *testing.T) {
	srv := startFakeRTM(t)
	client := newTestClient(t, srv.addr())
	connect(t, client)

	if err := client.Measure(2); err != nil {
		t.Fatalf("measure: %v", err)
	}
	if err := client.AwaitIdle(context.Background()); err != nil {
		t.Fatalf("await idle: %v", err)
	}
	if err := client.ClearData(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if samples := client.Data(); len(samples) != 0 {
		t.Fatalf("samples survived clear: %v", samples)
	}
}

func TestConnectTwiceRejected(t *testing.T) {
	srv := startFakeRTM(t)
	client := newTestClient(t, srv.addr())
	connect(t, client)

	if err := client.Connect(context.Background()); !errors.Is(err, session.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestCloseAbortsWaiters(t *testing.T) {
	srv := startFakeRTM(t)
	client := newTestClient(t, srv.addr())
	connect(t, client)

	done := make(chan error, 1)
	go func() {
		_, err := client.AwaitChange(context.Background(), "sres")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, state.ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter not aborted on close")
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("done not closed")
	}
}

func TestMirrorSurvivesReconnect(t *testing.T) {
	srv := startFakeRTM(t)
	client := newTestClient(t, srv.addr())
	connect(t, client)

	ctx := context.Background()
	if _, err := client.SetSync(ctx, "sres", 50.0); err != nil {
		t.Fatalf("setsync: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	<-client.Done()

	// Values persist across the gap and waiting works again after
	// reconnect.
	if v, err := client.Get("sres"); err != nil || v.(float64) != 50.0 {
		t.Fatalf("mirror lost across close: v=%v err=%v", v, err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if v, err := client.SetSync(ctx, "sres", 60.0); err != nil || v.(float64) != 60.0 {
		t.Fatalf("setsync after reconnect: v=%v err=%v", v, err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}
