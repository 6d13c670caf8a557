package domain

import "errors"

var (
	ErrTransportConnect = errors.New("transport connect failed")
	ErrTransportSend    = errors.New("transport send failed")
	ErrNotConnected     = errors.New("transport is not connected")
	ErrUnmapped         = errors.New("no room mapping")
	ErrProtocolDecode   = errors.New("protocol decode failed")
	ErrShuttingDown     = errors.New("shutdown in progress")
)
