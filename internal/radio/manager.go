// Package radio owns the Meshtastic side of the relay: dialing a node,
// detecting link loss and reconnecting with backoff.
package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshrelay/meshrelay/internal/backoff"
	"github.com/meshrelay/meshrelay/internal/bus"
	"github.com/meshrelay/meshrelay/internal/connectors"
	"github.com/meshrelay/meshrelay/internal/domain"
	"github.com/meshrelay/meshrelay/internal/metrics"
)

const (
	ConnectionSerial  = "serial"
	ConnectionNetwork = "network"

	defaultPortRetryDelay = 5 * time.Second
	defaultInboundQueue   = 128
	defaultSendTimeout    = 8 * time.Second
)

type Options struct {
	// ConnectionType is ConnectionSerial or ConnectionNetwork.
	ConnectionType string
	SerialPort     string
	Target         string

	ConnectPolicy    backoff.Policy
	ReconnectPolicy  backoff.Policy
	PortRetryDelay   time.Duration
	InboundQueueSize int
	SendTimeout      time.Duration

	// PortExists checks serial port presence before each serial attempt.
	PortExists func(port string) (bool, error)
}

func (o Options) withDefaults() Options {
	if o.ConnectPolicy == (backoff.Policy{}) {
		o.ConnectPolicy = backoff.Linear()
	}
	if o.ReconnectPolicy == (backoff.Policy{}) {
		o.ReconnectPolicy = backoff.Exponential()
	}
	if o.PortRetryDelay <= 0 {
		o.PortRetryDelay = defaultPortRetryDelay
	}
	if o.InboundQueueSize <= 0 {
		o.InboundQueueSize = defaultInboundQueue
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}

	return o
}

// Manager is the radio connection lifecycle. connectMu serialises the
// check/close/attempt sequence; mu guards the handle, state and the
// reconnecting flag and is shared with the loss callback. statusMu keeps
// state changes and their bus publication in the same order.
type Manager struct {
	logger *slog.Logger
	bus    bus.MessageBus
	dialer Dialer
	opts   Options

	lifetime     context.Context
	stopLifetime context.CancelFunc

	connectMu sync.Mutex
	statusMu  sync.Mutex

	mu              sync.Mutex
	handle          Handle
	state           connectors.ConnectionState
	reconnecting    bool
	shuttingDown    bool
	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}

	// A device may report loss from inside Dial, before its handle is
	// attached. Such reports are parked here and checked once Dial returns.
	dialing     bool
	setupLosses []setupLoss

	inbound chan domain.RadioPacket
}

func NewManager(logger *slog.Logger, b bus.MessageBus, dialer Dialer, opts Options) *Manager {
	opts = opts.withDefaults()
	lifetime, stop := context.WithCancel(context.Background())

	return &Manager{
		logger:       logger,
		bus:          b,
		dialer:       dialer,
		opts:         opts,
		lifetime:     lifetime,
		stopLifetime: stop,
		state:        connectors.ConnectionStateDisconnected,
		inbound:      make(chan domain.RadioPacket, opts.InboundQueueSize),
	}
}

// Connect returns the live handle, or establishes one. With force set an
// existing handle is closed and replaced. Attempts repeat with the connect
// policy until one succeeds, ctx ends or shutdown begins.
func (m *Manager) Connect(ctx context.Context, force bool) (Handle, error) {
	if m.isShuttingDown() {
		m.logger.Info("shutdown in progress, not connecting")
		return nil, domain.ErrShuttingDown
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if h := m.currentHandle(); h != nil {
		if !force {
			return h, nil
		}
		m.closeHandle(h)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.lifetime, cancel)
	defer stop()

	m.setState(connectors.ConnectionStateConnecting, nil)
	seq := m.opts.ConnectPolicy.Start()
	for {
		h, err := m.attempt(ctx)
		if err == nil {
			return h, nil
		}
		if m.isShuttingDown() {
			m.logger.Info("shutdown in progress, aborting connection attempts")
			return nil, domain.ErrShuttingDown
		}
		if ctx.Err() != nil {
			m.setState(connectors.ConnectionStateDisconnected, nil)
			return nil, ctx.Err()
		}

		var wait time.Duration
		if errors.Is(err, errPortMissing) {
			wait = m.opts.PortRetryDelay
			m.logger.Warn("serial port does not exist, waiting", "port", m.opts.SerialPort, "wait", wait)
		} else {
			wait = seq.Next()
			m.logger.Warn("radio connect attempt failed", "attempt", seq.Failures(), "retry_in", wait, "error", err)
		}
		if !backoff.Sleep(ctx, wait) {
			if m.isShuttingDown() {
				return nil, domain.ErrShuttingDown
			}
			m.setState(connectors.ConnectionStateDisconnected, nil)
			return nil, ctx.Err()
		}
	}
}

var errPortMissing = errors.New("serial port missing")

type setupLoss struct {
	handle Handle
	cause  error
}

// attempt runs a single dial. The caller holds connectMu.
func (m *Manager) attempt(ctx context.Context) (Handle, error) {
	if m.opts.ConnectionType == ConnectionSerial && m.opts.PortExists != nil {
		ok, err := m.opts.PortExists(m.opts.SerialPort)
		if err != nil {
			m.logger.Debug("serial port listing failed", "error", err)
		}
		if !ok {
			return nil, errPortMissing
		}
	}

	m.logger.Info("connecting to radio", "connection_type", m.opts.ConnectionType, "target", m.opts.Target)
	m.mu.Lock()
	m.dialing = true
	m.setupLosses = nil
	m.mu.Unlock()

	h, err := m.dialer.Dial(ctx, deviceSink{m: m})

	m.mu.Lock()
	m.dialing = false
	losses := m.setupLosses
	m.setupLosses = nil
	if err != nil {
		m.mu.Unlock()
		metrics.ConnectAttempts.WithLabelValues(connectors.TransportRadio, "failure").Inc()
		return nil, err
	}
	if m.shuttingDown {
		m.mu.Unlock()
		_ = h.Close()
		return nil, domain.ErrShuttingDown
	}
	for _, loss := range losses {
		if loss.handle == h {
			m.mu.Unlock()
			metrics.ConnectAttempts.WithLabelValues(connectors.TransportRadio, "failure").Inc()
			if err := h.Close(); err != nil {
				m.logger.Warn("close radio connection failed", "error", err)
			}
			return nil, fmt.Errorf("%w: link lost during setup: %v", domain.ErrTransportConnect, loss.cause)
		}
	}
	m.handle = h
	m.reconnecting = false
	m.mu.Unlock()
	metrics.ConnectAttempts.WithLabelValues(connectors.TransportRadio, "success").Inc()

	local := h.LocalNode()
	m.logger.Info("connected to radio",
		"node_id", local.NodeID,
		"short_name", local.ShortName,
		"hw_model", local.HWModel,
	)
	m.setStateFor(h, connectors.ConnectionStateConnected)

	return h, nil
}

// OnConnectionLost handles a link-loss signal for the current handle.
func (m *Manager) OnConnectionLost() {
	m.connectionLost(nil, nil)
}

// connectionLost drops the handle and schedules a reconnect. A signal for a
// handle that has already been replaced is ignored; nil means current.
func (m *Manager) connectionLost(from Handle, cause error) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		m.logger.Info("shutdown in progress, not reconnecting")
		return
	}
	if from != nil && m.handle != from {
		if m.dialing {
			m.setupLosses = append(m.setupLosses, setupLoss{handle: from, cause: cause})
			m.mu.Unlock()
			m.logger.Debug("connection lost during setup", "error", cause)
			return
		}
		m.mu.Unlock()
		m.logger.Debug("connection lost signal for stale handle ignored")
		return
	}
	if m.reconnecting {
		m.mu.Unlock()
		m.logger.Info("reconnection already in progress, skipping")
		return
	}
	m.reconnecting = true
	stale := m.handle
	m.handle = nil
	ctx, cancel := context.WithCancel(m.lifetime)
	done := make(chan struct{})
	m.reconnectCancel = cancel
	m.reconnectDone = done
	m.mu.Unlock()

	metrics.ConnectionLosses.WithLabelValues(connectors.TransportRadio).Inc()
	m.logger.Error("lost connection to radio, reconnecting", "error", cause)
	m.setState(connectors.ConnectionStateReconnecting, cause)
	if stale != nil {
		if err := stale.Close(); err != nil {
			m.logger.Warn("close stale radio connection failed", "error", err)
		}
	}

	go m.reconnect(ctx, done)
}

func (m *Manager) reconnect(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		// A newer task may own these once our handle was attached and lost.
		if m.reconnectDone == done {
			m.reconnecting = false
			m.reconnectCancel = nil
		}
		m.mu.Unlock()
	}()

	seq := m.opts.ReconnectPolicy.Start()
	for {
		m.connectMu.Lock()
		h := m.currentHandle()
		var err error
		if h == nil {
			_, err = m.attempt(ctx)
		}
		m.connectMu.Unlock()
		if err == nil {
			m.logger.Info("reconnected to radio")
			return
		}
		if ctx.Err() != nil || m.isShuttingDown() {
			m.logger.Info("reconnection task cancelled")
			return
		}

		var wait time.Duration
		if errors.Is(err, errPortMissing) {
			wait = m.opts.PortRetryDelay
			m.logger.Warn("serial port does not exist, waiting", "port", m.opts.SerialPort, "wait", wait)
		} else {
			wait = seq.Next()
			m.logger.Warn("reconnection failed", "attempt", seq.Failures(), "retry_in", wait, "error", err)
		}
		if !backoff.Sleep(ctx, wait) {
			m.logger.Info("reconnection task cancelled")
			return
		}
	}
}

// Send writes a text packet to the radio. Failures are logged and returned
// for the caller's bookkeeping; they never panic or block past SendTimeout.
func (m *Manager) Send(ctx context.Context, text string, channel uint32) error {
	h := m.currentHandle()
	if h == nil {
		m.logger.Warn("radio send skipped: not connected", "channel", channel)
		return fmt.Errorf("send to channel %d: %w", channel, domain.ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()
	if err := h.SendText(ctx, text, channel); err != nil {
		m.logger.Warn("radio send failed", "channel", channel, "error", err)
		if errors.Is(err, domain.ErrTransportSend) || errors.Is(err, domain.ErrNotConnected) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrTransportSend, err)
	}

	return nil
}

// Close tears down the current handle. Errors are logged only.
func (m *Manager) Close() {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.mu.Unlock()
	if h == nil {
		return
	}
	m.closeHandle(h)
	if !m.isShuttingDown() {
		m.setState(connectors.ConnectionStateDisconnected, nil)
	}
}

// Shutdown suppresses further connects, cancels any reconnect task and
// waits for it to finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	cancel := m.reconnectCancel
	done := m.reconnectDone
	m.mu.Unlock()

	m.setState(connectors.ConnectionStateShuttingDown, nil)
	m.stopLifetime()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) State() connectors.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reconnecting reports whether a reconnect task is in flight.
func (m *Manager) Reconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnecting
}

// Nodes returns the node database of the current connection.
func (m *Manager) Nodes() []domain.Node {
	h := m.currentHandle()
	if h == nil {
		return nil
	}
	return h.Nodes()
}

// Start relays outbound envelopes from the bus to the radio and delivers
// inbound packets to handle in arrival order. Both loops end with ctx.
func (m *Manager) Start(ctx context.Context, handle func(context.Context, domain.RadioPacket)) {
	bus.Consume(ctx, m.bus, connectors.RelayToRadio, func(env domain.RadioEnvelope) {
		if err := m.Send(ctx, env.Text, env.Channel); err != nil {
			metrics.SendFailures.WithLabelValues(connectors.TransportRadio).Inc()
			return
		}
		metrics.MessagesRelayed.WithLabelValues(metrics.DirectionToRadio).Inc()
		m.logger.Info("relayed to radio", "envelope_id", env.ID, "channel", env.Channel)
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case pkt := <-m.inbound:
				handle(ctx, pkt)
			}
		}
	}()
}

func (m *Manager) enqueue(pkt domain.RadioPacket) {
	if m.isShuttingDown() {
		return
	}
	select {
	case m.inbound <- pkt:
	default:
		metrics.MessagesDropped.WithLabelValues(metrics.DirectionToChat, "queue_full").Inc()
		m.logger.Warn("inbound radio queue full, packet dropped", "sender_id", pkt.SenderID, "port", pkt.Port.String())
	}
}

func (m *Manager) currentHandle() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

func (m *Manager) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

func (m *Manager) closeHandle(h Handle) {
	m.mu.Lock()
	if m.handle == h {
		m.handle = nil
	}
	m.mu.Unlock()
	if err := h.Close(); err != nil {
		m.logger.Warn("close radio connection failed", "error", err)
	}
}

func (m *Manager) setState(state connectors.ConnectionState, err error) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.publishState(state, err)
}

// setStateFor changes state only while h is still the attached handle, so a
// loss racing the attach is not overwritten.
func (m *Manager) setStateFor(h Handle, state connectors.ConnectionState) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	m.mu.Lock()
	if m.handle != h || m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()
	m.publishState(state, nil)
}

func (m *Manager) publishState(state connectors.ConnectionState, err error) {
	metrics.SetConnected(connectors.TransportRadio, state == connectors.ConnectionStateConnected)
	status := connectors.ConnectionStatus{
		Transport: connectors.TransportRadio,
		State:     state,
		Target:    m.opts.Target,
		Timestamp: time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	bus.Send(m.bus, connectors.ConnStatus, status)
}

// deviceSink adapts device callbacks onto the manager. Packet delivery is a
// non-blocking enqueue.
type deviceSink struct {
	m *Manager
}

func (s deviceSink) PacketReceived(pkt domain.RadioPacket) {
	s.m.enqueue(pkt)
}

func (s deviceSink) NodeUpdated(update domain.NodeUpdate) {
	bus.Send(s.m.bus, connectors.NodeInfo, update)
}

func (s deviceSink) ConnectionLost(h Handle, err error) {
	s.m.connectionLost(h, err)
}
