package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

const (
	DefaultTCPPort  = 4403
	tcpDialDeadline = 6 * time.Second
)

// TCPTransport speaks the stream protocol to a node on the network API port.
type TCPTransport struct {
	link
	addr string
}

func NewTCPTransport(host string, port int) *TCPTransport {
	if port <= 0 {
		port = DefaultTCPPort
	}
	addr := ""
	if host != "" {
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	return &TCPTransport{link: newLink("network", addr), addr: addr}
}

func (t *TCPTransport) Name() string   { return "network" }
func (t *TCPTransport) Target() string { return t.addr }

func (t *TCPTransport) Connect(ctx context.Context) error {
	if t.addr == "" {
		return errors.New("network host is empty")
	}

	return t.attach(func() (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: tcpDialDeadline}
		conn, err := d.DialContext(ctx, "tcp", t.addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", t.addr, err)
		}
		t.log.Info("connected", "remote", conn.RemoteAddr().String())

		return conn, nil
	})
}

func (t *TCPTransport) Close() error { return t.detach() }

func (t *TCPTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	conn, err := t.conn()
	if err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)

	return readFrame(fillFrom(conn))
}

func (t *TCPTransport) WriteFrame(ctx context.Context, payload []byte) error {
	conn, err := t.conn()
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)

	return t.send(ctx, conn, payload)
}

func (t *TCPTransport) conn() (net.Conn, error) {
	stream, err := t.current()
	if err != nil {
		return nil, err
	}

	return stream.(net.Conn), nil
}
