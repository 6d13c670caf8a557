package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshrelay/meshrelay/internal/domain"
	"github.com/meshrelay/meshrelay/internal/meshtastic"
	"github.com/meshrelay/meshrelay/internal/transport"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultKeepAlive        = 25 * time.Second
	heartbeatWriteTimeout   = 5 * time.Second
	wantConfigWriteTimeout  = 6 * time.Second
)

// Sink receives device events. Calls arrive on the device reader goroutine
// and must not block.
type Sink interface {
	PacketReceived(pkt domain.RadioPacket)
	NodeUpdated(update domain.NodeUpdate)
	ConnectionLost(h Handle, err error)
}

// Handle is a live radio connection.
type Handle interface {
	SendText(ctx context.Context, text string, channel uint32) error
	Close() error
	LocalNode() domain.Node
	Nodes() []domain.Node
}

// Dialer opens a radio connection and registers sink for its events.
type Dialer interface {
	Dial(ctx context.Context, sink Sink) (Handle, error)
}

// DeviceDialer dials a Meshtastic node over a stream transport.
type DeviceDialer struct {
	logger           *slog.Logger
	newTransport     func() transport.Transport
	handshakeTimeout time.Duration
	keepAlive        time.Duration
}

func NewDeviceDialer(logger *slog.Logger, newTransport func() transport.Transport) *DeviceDialer {
	return &DeviceDialer{
		logger:           logger,
		newTransport:     newTransport,
		handshakeTimeout: defaultHandshakeTimeout,
		keepAlive:        defaultKeepAlive,
	}
}

// Dial connects the transport, downloads the node database and starts the
// reader and keep-alive loops.
func (d *DeviceDialer) Dial(ctx context.Context, sink Sink) (Handle, error) {
	tr := d.newTransport()
	if err := tr.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportConnect, err)
	}
	codec, err := meshtastic.NewCodec()
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	dev := &Device{
		logger:    d.logger.With("transport", tr.Name(), "target", tr.Target()),
		transport: tr,
		codec:     codec,
		nodes:     make(map[uint32]domain.Node),
		keepAlive: d.keepAlive,
	}
	hsCtx, cancel := context.WithTimeout(ctx, d.handshakeTimeout)
	err = dev.handshake(hsCtx)
	cancel()
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportConnect, err)
	}
	dev.start(sink)

	return dev, nil
}

// Device is one connected Meshtastic node.
type Device struct {
	logger    *slog.Logger
	transport transport.Transport
	codec     *meshtastic.Codec
	keepAlive time.Duration

	mu    sync.RWMutex
	nodes map[uint32]domain.Node

	sink     Sink
	cancel   context.CancelFunc
	closing  atomic.Bool
	lostOnce sync.Once
}

func (d *Device) handshake(ctx context.Context) error {
	payload, err := d.codec.EncodeWantConfig()
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wantConfigWriteTimeout)
	err = d.transport.WriteFrame(writeCtx, payload)
	cancel()
	if err != nil {
		return fmt.Errorf("send want_config: %w", err)
	}

	for {
		payload, err := d.transport.ReadFrame(ctx)
		if err != nil {
			return fmt.Errorf("await config complete: %w", err)
		}
		frame, err := d.codec.DecodeFromRadio(payload)
		if err != nil {
			d.logger.Debug("decode fromradio failed during handshake", "error", err)
			continue
		}
		if frame.NodeUpdate != nil {
			d.storeNode(frame.NodeUpdate.Node)
		}
		if frame.WantConfigReady {
			d.logger.Debug("config download complete", "nodes", len(d.Nodes()))
			return nil
		}
	}
}

func (d *Device) start(sink Sink) {
	ctx, cancel := context.WithCancel(context.Background())
	d.sink = sink
	d.cancel = cancel

	for _, n := range d.Nodes() {
		sink.NodeUpdated(domain.NodeUpdate{Node: n})
	}
	go d.runReader(ctx)
	go d.runKeepAlive(ctx)
}

func (d *Device) runReader(ctx context.Context) {
	for {
		payload, err := d.transport.ReadFrame(ctx)
		if err != nil {
			d.lost(fmt.Errorf("read frame: %w", err))
			return
		}

		frame, err := d.codec.DecodeFromRadio(payload)
		if err != nil {
			d.logger.Warn("decode fromradio failed", "error", err)
			continue
		}
		if frame.Rebooted {
			d.lost(errors.New("device rebooted"))
			return
		}
		if frame.NodeUpdate != nil {
			d.storeNode(frame.NodeUpdate.Node)
			d.sink.NodeUpdated(*frame.NodeUpdate)
		}
		if frame.Packet != nil {
			d.sink.PacketReceived(*frame.Packet)
		}
	}
}

func (d *Device) runKeepAlive(ctx context.Context) {
	ticker := time.NewTicker(d.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := d.codec.EncodeHeartbeat()
			if err != nil {
				d.logger.Debug("encode heartbeat failed", "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, heartbeatWriteTimeout)
			err = d.transport.WriteFrame(writeCtx, payload)
			cancel()
			if err != nil {
				d.lost(fmt.Errorf("heartbeat write: %w", err))
				return
			}
		}
	}
}

// lost reports the first failure once. Failures caused by our own Close are
// expected and not reported.
func (d *Device) lost(err error) {
	if d.closing.Load() {
		return
	}
	d.lostOnce.Do(func() {
		d.logger.Warn("radio link failed", "error", err)
		d.sink.ConnectionLost(d, err)
	})
}

func (d *Device) SendText(ctx context.Context, text string, channel uint32) error {
	if d.closing.Load() {
		return domain.ErrNotConnected
	}
	payload, err := d.codec.EncodeText(text, channel)
	if err != nil {
		return fmt.Errorf("encode text: %w", err)
	}
	if err := d.transport.WriteFrame(ctx, payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportSend, err)
	}

	return nil
}

// Close stops the loops and closes the transport. It does not wait for the
// reader, so it is safe to call from a Sink callback.
func (d *Device) Close() error {
	if d.closing.Swap(true) {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	if err := d.transport.Close(); err != nil {
		return fmt.Errorf("close %s transport: %w", d.transport.Name(), err)
	}

	return nil
}

// LocalNode returns the connected node, falling back to a bare id when the
// radio has not sent its own node info.
func (d *Device) LocalNode() domain.Node {
	num := d.codec.LocalNodeNum()
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n, ok := d.nodes[num]; ok {
		return n
	}

	return domain.Node{NodeID: domain.FormatNodeID(num), Num: num}
}

func (d *Device) Nodes() []domain.Node {
	d.mu.RLock()
	out := make([]domain.Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })

	return out
}

func (d *Device) storeNode(n domain.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.nodes[n.Num]
	if ok {
		if n.LongName == "" {
			n.LongName = prev.LongName
		}
		if n.ShortName == "" {
			n.ShortName = prev.ShortName
		}
		if n.HWModel == "" {
			n.HWModel = prev.HWModel
		}
	}
	d.nodes[n.Num] = n
}
