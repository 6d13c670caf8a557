package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultSerialBaud = 115200
	// serialPoll bounds each blocking read so ctx is rechecked.
	serialPoll = 300 * time.Millisecond
)

// SerialPortExists reports whether the OS currently lists the port.
func SerialPortExists(portName string) (bool, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return false, fmt.Errorf("enumerate serial ports: %w", err)
	}

	return slices.Contains(ports, portName), nil
}

// SerialTransport talks to a node attached over USB serial.
type SerialTransport struct {
	link
	device string
	baud   int
}

func NewSerialTransport(device string, baud int) *SerialTransport {
	if baud <= 0 {
		baud = DefaultSerialBaud
	}

	return &SerialTransport{link: newLink("serial", device), device: device, baud: baud}
}

func (t *SerialTransport) Name() string   { return "serial" }
func (t *SerialTransport) Target() string { return t.device }

func (t *SerialTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.device == "" {
		return errors.New("serial device path is empty")
	}

	return t.attach(func() (io.ReadWriteCloser, error) {
		t.log.Info("opening serial device", "baud", t.baud)
		port, err := serial.Open(t.device, &serial.Mode{BaudRate: t.baud})
		if err != nil {
			return nil, fmt.Errorf("open serial device %q: %w", t.device, err)
		}
		if err := port.SetReadTimeout(serialPoll); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("configure serial read timeout: %w", err)
		}

		return port, nil
	})
}

func (t *SerialTransport) Close() error { return t.detach() }

func (t *SerialTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	stream, err := t.current()
	if err != nil {
		return nil, err
	}

	return readFrame(func(buf []byte) error {
		return readFullPolling(ctx, stream, buf)
	})
}

func (t *SerialTransport) WriteFrame(ctx context.Context, payload []byte) error {
	stream, err := t.current()
	if err != nil {
		return err
	}

	return t.send(ctx, stream, payload)
}
