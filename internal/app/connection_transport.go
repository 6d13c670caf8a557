package app

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/meshrelay/meshrelay/internal/config"
	"github.com/meshrelay/meshrelay/internal/radio"
	"github.com/meshrelay/meshrelay/internal/transport"
)

// NewTransportFactory returns a constructor producing a fresh link for every
// dial attempt, so a reconnect never reuses a half-closed port or socket.
func NewTransportFactory(cfg config.MeshtasticConfig) (func() transport.Transport, error) {
	switch cfg.ConnectionType {
	case config.ConnectionSerial:
		port := strings.TrimSpace(cfg.SerialPort)
		if port == "" {
			return nil, fmt.Errorf("serial port is required")
		}
		baud := cfg.SerialBaud
		return func() transport.Transport { return transport.NewSerialTransport(port, baud) }, nil
	case config.ConnectionNetwork:
		host := strings.TrimSpace(cfg.Host)
		if host == "" {
			return nil, fmt.Errorf("host is required")
		}
		port := cfg.Port
		return func() transport.Transport { return transport.NewTCPTransport(host, port) }, nil
	default:
		return nil, fmt.Errorf("unsupported connection type: %q", cfg.ConnectionType)
	}
}

func ConnectionTarget(cfg config.MeshtasticConfig) string {
	switch cfg.ConnectionType {
	case config.ConnectionNetwork:
		host := strings.TrimSpace(cfg.Host)
		if host == "" {
			return ""
		}
		port := cfg.Port
		if port <= 0 {
			port = config.DefaultTCPPort
		}
		return net.JoinHostPort(host, strconv.Itoa(port))
	case config.ConnectionSerial:
		return strings.TrimSpace(cfg.SerialPort)
	default:
		return ""
	}
}

// RadioOptions maps the config onto the radio manager's options.
func RadioOptions(cfg config.Config) radio.Options {
	opts := radio.Options{
		ConnectionType:   radio.ConnectionNetwork,
		Target:           ConnectionTarget(cfg.Meshtastic),
		InboundQueueSize: cfg.Relay.InboundQueueSize,
	}
	if cfg.Meshtastic.ConnectionType == config.ConnectionSerial {
		opts.ConnectionType = radio.ConnectionSerial
		opts.SerialPort = strings.TrimSpace(cfg.Meshtastic.SerialPort)
		opts.PortExists = transport.SerialPortExists
	}

	return opts
}
