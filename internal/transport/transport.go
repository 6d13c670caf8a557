// Package transport moves framed Meshtastic stream-protocol payloads over a
// serial port or a TCP socket. It knows nothing about protobufs.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

type Transport interface {
	Name() string
	Target() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}

var errNotOpen = errors.New("transport is not connected")

// link holds the open byte stream shared by both transports. Reads are
// serialized by the single reader loop in the radio layer; writes take wmu.
type link struct {
	kind string
	log  *slog.Logger

	mu     sync.Mutex
	stream io.ReadWriteCloser
	wmu    sync.Mutex
}

func newLink(kind, target string) link {
	return link{
		kind: kind,
		log:  slog.With("component", "transport", "kind", kind, "target", target),
	}
}

// attach opens a stream unless one is already installed.
func (l *link) attach(open func() (io.ReadWriteCloser, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream != nil {
		l.log.Debug("already connected")
		return nil
	}
	stream, err := open()
	if err != nil {
		return err
	}
	l.stream = stream

	return nil
}

func (l *link) detach() error {
	l.mu.Lock()
	stream := l.stream
	l.stream = nil
	l.mu.Unlock()
	if stream == nil {
		return nil
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("close %s stream: %w", l.kind, err)
	}
	l.log.Info("stream closed")

	return nil
}

func (l *link) current() (io.ReadWriteCloser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream == nil {
		return nil, errNotOpen
	}

	return l.stream, nil
}

func (l *link) send(ctx context.Context, w io.Writer, payload []byte) error {
	frame, err := encodeFrame(payload)
	if err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := writeFull(ctx, w, frame); err != nil {
		return fmt.Errorf("write %s frame: %w", l.kind, err)
	}

	return nil
}

// readFullPolling fills buf from a reader that returns (0, nil) on read
// timeout, checking ctx between polls.
func readFullPolling(ctx context.Context, r io.Reader, buf []byte) error {
	for off := 0; off < len(buf); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf[off:])
		off += n
		if err != nil {
			return err
		}
	}

	return nil
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}

	return nil
}
