package transport

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestTCPTransportExchangesFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	serverGot := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		payload, err := readFrame(fillFrom(conn))
		if err != nil {
			return
		}
		serverGot <- payload
		reply, _ := encodeFrame([]byte("pong"))
		_, _ = conn.Write(append([]byte("boot log\n"), reply...))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	tr := NewTCPTransport("127.0.0.1", addr.Port)
	if tr.Target() != net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port)) {
		t.Fatalf("unexpected target: %q", tr.Target())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if err := tr.WriteFrame(ctx, []byte("ping")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	select {
	case got := <-serverGot:
		if !bytes.Equal(got, []byte("ping")) {
			t.Fatalf("server got %q", got)
		}
	case <-ctx.Done():
		t.Fatalf("server did not receive frame")
	}

	reply, err := tr.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(reply, []byte("pong")) {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestTCPTransportRequiresConnection(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1", 0)
	if tr.Target() != "127.0.0.1:4403" {
		t.Fatalf("expected default port in target, got %q", tr.Target())
	}
	if _, err := tr.ReadFrame(context.Background()); err == nil {
		t.Fatalf("expected read on closed transport to fail")
	}
	if err := tr.WriteFrame(context.Background(), []byte{1}); err == nil {
		t.Fatalf("expected write on closed transport to fail")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close on idle transport: %v", err)
	}
}

func TestTCPTransportRejectsEmptyHost(t *testing.T) {
	tr := NewTCPTransport("", 0)
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatalf("expected error for empty host")
	}
}

func TestSerialTransportRejectsEmptyPort(t *testing.T) {
	tr := NewSerialTransport("", 0)
	if tr.Name() != "serial" {
		t.Fatalf("unexpected name %q", tr.Name())
	}
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatalf("expected error for empty serial port")
	}
}
