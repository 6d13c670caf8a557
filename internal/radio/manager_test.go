package radio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshrelay/meshrelay/internal/backoff"
	"github.com/meshrelay/meshrelay/internal/bus"
	"github.com/meshrelay/meshrelay/internal/connectors"
	"github.com/meshrelay/meshrelay/internal/domain"
)

type fakeHandle struct {
	mu      sync.Mutex
	closed  bool
	sent    []string
	sendErr error
	nodes   []domain.Node

	// onLocalNode runs on the first LocalNode call, which the manager makes
	// right after attaching the handle.
	onLocalNode func()
}

func (h *fakeHandle) SendText(_ context.Context, text string, _ uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, text)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) LocalNode() domain.Node {
	h.mu.Lock()
	hook := h.onLocalNode
	h.onLocalNode = nil
	h.mu.Unlock()
	if hook != nil {
		hook()
	}

	return domain.Node{NodeID: "!00000001", Num: 1, ShortName: "LO"}
}

func (h *fakeHandle) Nodes() []domain.Node {
	return h.nodes
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	calls    atomic.Int32
	failures int
	block    chan struct{}
	handles  []*fakeHandle
	sinks    []Sink

	// loseInDial reports loss for dial n before Dial returns, like a device
	// whose reader fails during the config handshake.
	loseInDial func(n int32) bool
	// loseOnAttach reports loss for dial n just after the manager attaches it.
	loseOnAttach func(n int32) bool
}

func (d *fakeDialer) Dial(ctx context.Context, sink Sink) (Handle, error) {
	n := d.calls.Add(1)
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(n) <= d.failures {
		return nil, errors.New("dial refused")
	}
	h := &fakeHandle{}
	d.handles = append(d.handles, h)
	d.sinks = append(d.sinks, sink)
	if d.loseOnAttach != nil && d.loseOnAttach(n) {
		h.onLocalNode = func() { sink.ConnectionLost(h, io.EOF) }
	}
	if d.loseInDial != nil && d.loseInDial(n) {
		sink.ConnectionLost(h, io.EOF)
	}
	return h, nil
}

func (d *fakeDialer) handle(i int) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

func (d *fakeDialer) last() (*fakeHandle, Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil, nil
	}
	return d.handles[len(d.handles)-1], d.sinks[len(d.sinks)-1]
}

func testPolicy() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Multiplier: 2, Max: 4 * time.Millisecond}
}

func newTestManager(t *testing.T, dialer Dialer, opts Options) (*Manager, *bus.PubSubBus) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	t.Cleanup(b.Close)
	if opts.ConnectionType == "" {
		opts.ConnectionType = ConnectionNetwork
	}
	opts.ConnectPolicy = testPolicy()
	if opts.ReconnectPolicy == (backoff.Policy{}) {
		opts.ReconnectPolicy = testPolicy()
	}
	if opts.PortRetryDelay == 0 {
		opts.PortRetryDelay = time.Millisecond
	}
	m := NewManager(logger, b, dialer, opts)
	t.Cleanup(m.Shutdown)

	return m, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerConnectRetriesUntilSuccess(t *testing.T) {
	dialer := &fakeDialer{failures: 3}
	m, _ := newTestManager(t, dialer, Options{})

	h, err := m.Connect(context.Background(), false)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if h == nil {
		t.Fatalf("expected handle")
	}
	if got := dialer.calls.Load(); got != 4 {
		t.Fatalf("expected 4 dial attempts, got %d", got)
	}
	if m.State() != connectors.ConnectionStateConnected {
		t.Fatalf("expected connected state, got %s", m.State())
	}
}

func TestManagerConnectIsIdempotentWithoutForce(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, Options{})

	first, err := m.Connect(context.Background(), false)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	second, err := m.Connect(context.Background(), false)
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if first != second {
		t.Fatalf("expected the existing handle to be returned")
	}
	if got := dialer.calls.Load(); got != 1 {
		t.Fatalf("expected one dial, got %d", got)
	}
}

func TestManagerForceConnectReplacesHandle(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, Options{})

	first, err := m.Connect(context.Background(), false)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	second, err := m.Connect(context.Background(), true)
	if err != nil {
		t.Fatalf("force connect: %v", err)
	}
	if first == second {
		t.Fatalf("expected a new handle")
	}
	if !first.(*fakeHandle).isClosed() {
		t.Fatalf("expected previous handle to be closed")
	}
}

func TestManagerConcurrentConnectDialsOnce(t *testing.T) {
	dialer := &fakeDialer{block: make(chan struct{})}
	m, _ := newTestManager(t, dialer, Options{})

	var wg sync.WaitGroup
	handles := make([]Handle, 4)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Connect(context.Background(), false)
			if err != nil {
				t.Errorf("connect: %v", err)
			}
			handles[i] = h
		}(i)
	}
	waitFor(t, "first dial", func() bool { return dialer.calls.Load() == 1 })
	close(dialer.block)
	wg.Wait()

	if got := dialer.calls.Load(); got != 1 {
		t.Fatalf("expected one dial, got %d", got)
	}
	for i, h := range handles {
		if h != handles[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
}

func TestManagerSerialPortMissingWaitsWithoutEscalation(t *testing.T) {
	var checks atomic.Int32
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, Options{
		ConnectionType: ConnectionSerial,
		SerialPort:     "/dev/ttyUSB0",
		PortExists: func(string) (bool, error) {
			return checks.Add(1) > 3, nil
		},
	})

	if _, err := m.Connect(context.Background(), false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := checks.Load(); got != 4 {
		t.Fatalf("expected 4 port checks, got %d", got)
	}
	if got := dialer.calls.Load(); got != 1 {
		t.Fatalf("expected dial only once the port appeared, got %d", got)
	}
}

func TestManagerReconnectWaitsForSerialPortWithoutEscalation(t *testing.T) {
	var (
		missing atomic.Bool
		checks  atomic.Int32
	)
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, Options{
		ConnectionType: ConnectionSerial,
		SerialPort:     "/dev/ttyACM0",
		// Any backoff step would stall the test for an hour.
		ReconnectPolicy: backoff.Policy{Initial: time.Hour, Multiplier: 2, Max: time.Hour},
		PortExists: func(string) (bool, error) {
			if !missing.Load() {
				return true, nil
			}
			return checks.Add(1) > 5, nil
		},
	})

	if _, err := m.Connect(context.Background(), false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h, sink := dialer.last()
	missing.Store(true)
	sink.ConnectionLost(h, io.EOF)

	waitFor(t, "reconnect after the port reappeared", func() bool {
		return dialer.calls.Load() == 2 && m.State() == connectors.ConnectionStateConnected && !m.Reconnecting()
	})
	if got := checks.Load(); got != 6 {
		t.Fatalf("expected 6 port checks, got %d", got)
	}
}

func TestManagerLossDuringDialIsNotAttached(t *testing.T) {
	dialer := &fakeDialer{loseInDial: func(n int32) bool { return n == 1 }}
	m, _ := newTestManager(t, dialer, Options{})

	h, err := m.Connect(context.Background(), false)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := dialer.calls.Load(); got != 2 {
		t.Fatalf("expected a second dial after the lost one, got %d dials", got)
	}
	dead := dialer.handle(0)
	if !dead.isClosed() {
		t.Fatalf("expected handle lost during setup to be closed")
	}
	if h == Handle(dead) {
		t.Fatalf("connect returned the handle lost during setup")
	}
	if h.(*fakeHandle).isClosed() || m.currentHandle() != h {
		t.Fatalf("expected the live handle to be attached")
	}
	if m.Reconnecting() || m.State() != connectors.ConnectionStateConnected {
		t.Fatalf("unexpected state: reconnecting=%v state=%s", m.Reconnecting(), m.State())
	}
}

func TestManagerReconnectSurvivesLossDuringDial(t *testing.T) {
	dialer := &fakeDialer{loseInDial: func(n int32) bool { return n == 2 }}
	m, _ := newTestManager(t, dialer, Options{})

	if _, err := m.Connect(context.Background(), false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h, sink := dialer.last()
	sink.ConnectionLost(h, io.EOF)

	waitFor(t, "reconnect", func() bool {
		return dialer.calls.Load() == 3 && m.State() == connectors.ConnectionStateConnected && !m.Reconnecting()
	})
	if !dialer.handle(1).isClosed() {
		t.Fatalf("expected handle lost during setup to be closed")
	}
	live := dialer.handle(2)
	if m.currentHandle() != Handle(live) || live.isClosed() {
		t.Fatalf("expected the third handle to be attached and open")
	}
}

func TestManagerLossRightAfterReconnectStartsAnotherReconnect(t *testing.T) {
	dialer := &fakeDialer{loseOnAttach: func(n int32) bool { return n == 2 }}
	m, _ := newTestManager(t, dialer, Options{})

	if _, err := m.Connect(context.Background(), false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h, sink := dialer.last()
	sink.ConnectionLost(h, io.EOF)

	waitFor(t, "second reconnect", func() bool {
		return dialer.calls.Load() == 3 && m.State() == connectors.ConnectionStateConnected && !m.Reconnecting()
	})
	if !dialer.handle(1).isClosed() {
		t.Fatalf("expected handle lost after attach to be closed")
	}
	live := dialer.handle(2)
	if m.currentHandle() != Handle(live) || live.isClosed() {
		t.Fatalf("expected the third handle to be attached and open")
	}
}

func TestManagerConnectStopsOnShutdown(t *testing.T) {
	dialer := &fakeDialer{failures: 1 << 30}
	m, _ := newTestManager(t, dialer, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), false)
		errCh <- err
	}()
	waitFor(t, "dial attempts", func() bool { return dialer.calls.Load() > 2 })
	m.Shutdown()

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrShuttingDown) {
			t.Fatalf("expected shutdown error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connect did not return after shutdown")
	}
	if _, err := m.Connect(context.Background(), false); !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("expected connect after shutdown to fail, got %v", err)
	}
}

func TestManagerDoubleLossStartsOneReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, Options{})

	if _, err := m.Connect(context.Background(), false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first, sink := dialer.last()
	dialer.mu.Lock()
	dialer.failures = 3
	dialer.calls.Store(0)
	dialer.mu.Unlock()

	sink.ConnectionLost(first, errors.New("eof"))
	sink.ConnectionLost(first, errors.New("eof again"))
	m.OnConnectionLost()

	if !first.isClosed() {
		t.Fatalf("expected stale handle to be closed")
	}
	waitFor(t, "reconnect", func() bool {
		return m.State() == connectors.ConnectionStateConnected && !m.Reconnecting()
	})
	if got := dialer.calls.Load(); got != 4 {
		t.Fatalf("expected a single reconnect task making 4 attempts, got %d dials", got)
	}
}

func TestManagerStaleLossSignalIgnored(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, Options{})

	first, err := m.Connect(context.Background(), false)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := m.Connect(context.Background(), true); err != nil {
		t.Fatalf("force connect: %v", err)
	}
	_, sink := dialer.last()
	sink.ConnectionLost(first, errors.New("late"))

	if m.Reconnecting() {
		t.Fatalf("expected stale loss signal to be ignored")
	}
	if m.State() != connectors.ConnectionStateConnected {
		t.Fatalf("expected connected state, got %s", m.State())
	}
}

func TestManagerShutdownCancelsReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, Options{})

	if _, err := m.Connect(context.Background(), false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h, sink := dialer.last()
	dialer.mu.Lock()
	dialer.failures = 1 << 30
	dialer.mu.Unlock()

	sink.ConnectionLost(h, errors.New("eof"))
	waitFor(t, "reconnect attempts", func() bool { return dialer.calls.Load() > 3 })

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown did not cancel reconnect task")
	}
	if m.Reconnecting() {
		t.Fatalf("expected reconnect flag to be cleared")
	}
	if m.State() != connectors.ConnectionStateShuttingDown {
		t.Fatalf("expected shutting down state, got %s", m.State())
	}

	sink.ConnectionLost(nil, errors.New("after shutdown"))
	if m.Reconnecting() {
		t.Fatalf("loss after shutdown must not reconnect")
	}
}

func TestManagerSendWhenDisconnected(t *testing.T) {
	m, _ := newTestManager(t, &fakeDialer{}, Options{})

	err := m.Send(context.Background(), "hi", 0)
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected not connected error, got %v", err)
	}
}

func TestManagerSendWrapsTransportErrors(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, Options{})

	h, err := m.Connect(context.Background(), false)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.(*fakeHandle).sendErr = errors.New("broken pipe")

	if err := m.Send(context.Background(), "hi", 0); !errors.Is(err, domain.ErrTransportSend) {
		t.Fatalf("expected transport send error, got %v", err)
	}
}

func TestManagerStartRelaysEnvelopesAndPackets(t *testing.T) {
	dialer := &fakeDialer{}
	m, b := newTestManager(t, dialer, Options{})

	if _, err := m.Connect(context.Background(), false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h, sink := dialer.last()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan domain.RadioPacket, 4)
	m.Start(ctx, func(_ context.Context, pkt domain.RadioPacket) { got <- pkt })

	bus.Send(b, connectors.RelayToRadio, domain.RadioEnvelope{ID: "1", Channel: 2, Text: "one"})
	bus.Send(b, connectors.RelayToRadio, domain.RadioEnvelope{ID: "2", Channel: 2, Text: "two"})
	waitFor(t, "sent envelopes", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.sent) == 2
	})
	h.mu.Lock()
	if h.sent[0] != "one" || h.sent[1] != "two" {
		t.Fatalf("unexpected send order: %v", h.sent)
	}
	h.mu.Unlock()

	sink.PacketReceived(domain.RadioPacket{SenderID: "!a", Text: "first"})
	sink.PacketReceived(domain.RadioPacket{SenderID: "!a", Text: "second"})
	for _, want := range []string{"first", "second"} {
		select {
		case pkt := <-got:
			if pkt.Text != want {
				t.Fatalf("expected %q, got %q", want, pkt.Text)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for packet %q", want)
		}
	}
}

func TestManagerInboundQueueDropsWhenFull(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, Options{InboundQueueSize: 1})

	if _, err := m.Connect(context.Background(), false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, sink := dialer.last()

	done := make(chan struct{})
	go func() {
		sink.PacketReceived(domain.RadioPacket{Text: "kept"})
		sink.PacketReceived(domain.RadioPacket{Text: "dropped"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("packet delivery blocked the reader")
	}
	if len(m.inbound) != 1 {
		t.Fatalf("expected one queued packet, got %d", len(m.inbound))
	}
}
