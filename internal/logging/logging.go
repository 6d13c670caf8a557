// Package logging routes the relay's slog output, and the zerolog output of
// the Matrix client library, to stdout and an optional log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meshrelay/meshrelay/internal/config"
)

const zerologTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Manager owns the process-wide log destination.
type Manager struct {
	level slog.LevelVar

	mu   sync.RWMutex
	out  io.Writer
	root *slog.Logger
	file *os.File
}

func NewManager() *Manager {
	m := &Manager{}
	m.install(os.Stdout)

	return m
}

func (m *Manager) install(out io.Writer) {
	m.out = out
	m.root = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: &m.level}))
}

// Configure applies the level and, when enabled, tees output into filePath.
// The default slog logger is replaced so stray slog calls land in the same place.
func (m *Manager) Configure(cfg config.LoggingConfig, filePath string) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeFileLocked()
	out := io.Writer(os.Stdout)
	if cfg.LogToFile {
		// #nosec G304 -- path comes from the operator's config file.
		f, err := os.OpenFile(filepath.Clean(filePath), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file %q: %w", filePath, err)
		}
		m.file = f
		out = tee{os.Stdout, f}
	}

	m.level.Set(level)
	m.install(out)
	slog.SetDefault(m.root)

	return nil
}

func (m *Manager) Logger(component string) *slog.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.root.With("component", component)
}

// Zerolog returns a zerolog logger writing to the same destination at the
// same threshold.
func (m *Manager) Zerolog(component string) zerolog.Logger {
	m.mu.RLock()
	out := m.out
	m.mu.RUnlock()

	console := zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: zerologTimeFormat}

	return zerolog.New(console).
		Level(toZerolog(m.level.Level())).
		With().Timestamp().Str("component", component).
		Logger()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closeFileLocked()
}

func (m *Manager) closeFileLocked() error {
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil

	return err
}

var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func parseLevel(raw string) (slog.Level, error) {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}

	return level, nil
}

func toZerolog(level slog.Level) zerolog.Level {
	switch {
	case level < slog.LevelInfo:
		return zerolog.DebugLevel
	case level < slog.LevelWarn:
		return zerolog.InfoLevel
	case level < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// tee writes to every destination and succeeds if any one of them took the
// whole line. A closed stdout must not stop the log file.
type tee []io.Writer

func (t tee) Write(p []byte) (int, error) {
	var firstErr error
	delivered := false
	for _, w := range t {
		n, err := w.Write(p)
		switch {
		case err == nil && n == len(p):
			delivered = true
		case err == nil:
			err = io.ErrShortWrite
			fallthrough
		default:
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if delivered || firstErr == nil {
		return len(p), nil
	}

	return 0, firstErr
}
