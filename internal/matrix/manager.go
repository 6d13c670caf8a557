// Package matrix owns the chat side of the relay: one mautrix client, the
// configured rooms and the inbound message filter.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/meshrelay/meshrelay/internal/bus"
	"github.com/meshrelay/meshrelay/internal/connectors"
	"github.com/meshrelay/meshrelay/internal/domain"
	"github.com/meshrelay/meshrelay/internal/metrics"
)

const defaultSendTimeout = 5 * time.Second

// Relay metadata keys carried next to the body of relayed messages.
const (
	KeyLongname  = "meshtastic_longname"
	KeyShortname = "meshtastic_shortname"
	KeyMeshnet   = "meshtastic_meshnet"
)

type Options struct {
	Homeserver  string
	UserID      string
	AccessToken string
	SendTimeout time.Duration
}

// MessageHandler receives room messages that passed the inbound filter.
type MessageHandler func(ctx context.Context, evt domain.ChatEvent)

type Manager struct {
	logger *slog.Logger
	zlog   zerolog.Logger
	bus    bus.MessageBus
	rooms  *domain.RoomMap
	opts   Options
	now    func() time.Time

	mu          sync.RWMutex
	client      *mautrix.Client
	state       connectors.ConnectionState
	displayName string
	joined      map[id.RoomID]struct{}
	aliases     map[string]id.RoomID
	startedAt   time.Time
	handler     MessageHandler
}

func NewManager(logger *slog.Logger, zlog zerolog.Logger, b bus.MessageBus, rooms *domain.RoomMap, opts Options) *Manager {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}

	return &Manager{
		logger:  logger,
		zlog:    zlog,
		bus:     b,
		rooms:   rooms,
		opts:    opts,
		now:     time.Now,
		state:   connectors.ConnectionStateDisconnected,
		joined:  make(map[id.RoomID]struct{}),
		aliases: make(map[string]id.RoomID),
	}
}

// OnMessage registers the inbound handler. Call before Sync.
func (m *Manager) OnMessage(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Connect makes a single attempt to reach the homeserver: it loads the
// joined room list and the bot's own display name. Events older than the
// moment Connect succeeds are never relayed.
func (m *Manager) Connect(ctx context.Context) error {
	m.setState(connectors.ConnectionStateConnecting, nil)
	m.logger.Info("connecting to homeserver", "homeserver", m.opts.Homeserver, "user_id", m.opts.UserID)

	client, err := mautrix.NewClient(m.opts.Homeserver, id.UserID(m.opts.UserID), m.opts.AccessToken)
	if err != nil {
		m.connectFailed(err)
		return fmt.Errorf("%w: create client: %v", domain.ErrTransportConnect, err)
	}
	client.Log = m.zlog
	syncer := &failFastSyncer{DefaultSyncer: mautrix.NewDefaultSyncer()}
	syncer.OnEventType(event.EventMessage, m.handleEvent)
	client.Syncer = syncer

	joined, err := client.JoinedRooms(ctx)
	if err != nil {
		m.connectFailed(err)
		return fmt.Errorf("%w: list joined rooms: %v", domain.ErrTransportConnect, err)
	}

	displayName := m.opts.UserID
	if resp, err := client.GetOwnDisplayName(ctx); err != nil {
		m.logger.Warn("own display name lookup failed", "error", err)
	} else if resp.DisplayName != "" {
		displayName = resp.DisplayName
	}

	m.mu.Lock()
	m.client = client
	m.displayName = displayName
	m.startedAt = m.now()
	for _, roomID := range joined.JoinedRooms {
		m.joined[roomID] = struct{}{}
	}
	m.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues(connectors.TransportChat, "success").Inc()
	m.setState(connectors.ConnectionStateConnected, nil)
	m.logger.Info("connected to homeserver", "display_name", displayName, "joined_rooms", len(joined.JoinedRooms))

	return nil
}

func (m *Manager) connectFailed(err error) {
	metrics.ConnectAttempts.WithLabelValues(connectors.TransportChat, "failure").Inc()
	m.setState(connectors.ConnectionStateDisconnected, err)
	m.logger.Error("homeserver connection failed", "error", err)
}

// JoinRoom resolves an alias, records the canonical id in the room map and
// joins unless already a member.
func (m *Manager) JoinRoom(ctx context.Context, roomOrAlias string) error {
	client, err := m.currentClient()
	if err != nil {
		return err
	}

	roomID := id.RoomID(roomOrAlias)
	if domain.IsRoomAlias(roomOrAlias) {
		resp, err := client.ResolveAlias(ctx, id.RoomAlias(roomOrAlias))
		if err != nil {
			return fmt.Errorf("resolve alias %s: %w", roomOrAlias, err)
		}
		roomID = resp.RoomID
		m.mu.Lock()
		m.aliases[roomOrAlias] = roomID
		m.mu.Unlock()
		if m.rooms.ResolveAlias(roomOrAlias, roomID.String()) {
			m.logger.Info("resolved room alias", "alias", roomOrAlias, "room_id", roomID)
		}
	}

	m.mu.RLock()
	_, member := m.joined[roomID]
	m.mu.RUnlock()
	if member {
		m.logger.Debug("already in room", "room_id", roomID)
		return nil
	}

	if _, err := client.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	m.mu.Lock()
	m.joined[roomID] = struct{}{}
	m.mu.Unlock()
	m.logger.Info("joined room", "room_id", roomID)

	return nil
}

// JoinRooms joins every room in the map. Failures are logged; the relay
// keeps running with the rooms it could join.
func (m *Manager) JoinRooms(ctx context.Context) {
	for _, link := range m.rooms.Links() {
		if err := m.JoinRoom(ctx, link.RoomID); err != nil {
			m.logger.Error("join room failed", "room", link.RoomID, "error", err)
		}
	}
}

// Send posts a relayed message. The wait is bounded by SendTimeout; a
// timeout is logged and reported but never retried.
func (m *Manager) Send(ctx context.Context, env domain.ChatEnvelope) error {
	client, err := m.currentClient()
	if err != nil {
		m.logger.Warn("chat send skipped: not connected", "room", env.RoomID)
		return err
	}

	content := relayContent{
		MsgType:   event.MsgText,
		Body:      env.Text,
		Longname:  env.OriginLongname,
		Shortname: env.OriginShortname,
		Meshnet:   env.OriginMeshnet,
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()
	roomID := m.canonicalRoom(env.RoomID)
	if _, err := client.SendMessageEvent(sendCtx, roomID, event.EventMessage, content); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			m.logger.Warn("chat send timed out", "room_id", roomID, "timeout", m.opts.SendTimeout)
		} else {
			m.logger.Warn("chat send failed", "room_id", roomID, "error", err)
		}
		return fmt.Errorf("%w: %v", domain.ErrTransportSend, err)
	}

	return nil
}

// DisplayName looks up a user's display name, falling back to the user id.
func (m *Manager) DisplayName(ctx context.Context, userID string) string {
	client, err := m.currentClient()
	if err != nil {
		return userID
	}
	resp, err := client.GetDisplayName(ctx, id.UserID(userID))
	if err != nil {
		m.logger.Debug("display name lookup failed", "user_id", userID, "error", err)
		return userID
	}
	if resp.DisplayName == "" {
		return userID
	}

	return resp.DisplayName
}

// Sync runs the long-poll loop until ctx ends or the homeserver fails.
func (m *Manager) Sync(ctx context.Context) error {
	client, err := m.currentClient()
	if err != nil {
		return err
	}

	m.setState(connectors.ConnectionStateConnected, nil)
	err = client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		m.setState(connectors.ConnectionStateReconnecting, err)
		return fmt.Errorf("sync: %w", err)
	}

	return nil
}

// Close stops syncing and drops idle connections. It never fails.
func (m *Manager) Close() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client == nil {
		return
	}
	client.StopSync()
	if client.Client != nil {
		client.Client.CloseIdleConnections()
	}
	m.setState(connectors.ConnectionStateDisconnected, nil)
	m.logger.Info("chat client closed")
}

func (m *Manager) State() connectors.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Start delivers envelopes published for chat until ctx ends.
func (m *Manager) Start(ctx context.Context) <-chan struct{} {
	return bus.Consume(ctx, m.bus, connectors.RelayToChat, func(env domain.ChatEnvelope) {
		if err := m.Send(ctx, env); err != nil {
			metrics.SendFailures.WithLabelValues(connectors.TransportChat).Inc()
			return
		}
		metrics.MessagesRelayed.WithLabelValues(metrics.DirectionToChat).Inc()
		m.logger.Info("relayed to chat", "envelope_id", env.ID, "room", env.RoomID)
	})
}

func (m *Manager) handleEvent(ctx context.Context, evt *event.Event) {
	m.mu.RLock()
	startedAt := m.startedAt
	handler := m.handler
	m.mu.RUnlock()

	if evt.Sender.String() == m.opts.UserID {
		m.logger.Debug("ignoring own message", "event_id", evt.ID)
		return
	}
	ts := time.UnixMilli(evt.Timestamp)
	if ts.Before(startedAt) {
		m.logger.Debug("ignoring message from before start", "event_id", evt.ID, "timestamp", ts)
		return
	}

	raw := evt.Content.Raw
	msgType := rawString(raw, "msgtype")
	if msgType != string(event.MsgText) && msgType != string(event.MsgNotice) {
		metrics.MessagesDropped.WithLabelValues(metrics.DirectionToRadio, "msgtype").Inc()
		m.logger.Debug("ignoring non-text message", "event_id", evt.ID, "msgtype", msgType)
		return
	}
	if handler == nil {
		return
	}

	handler(ctx, domain.ChatEvent{
		EventID:         evt.ID.String(),
		SenderID:        evt.Sender.String(),
		RoomID:          evt.RoomID.String(),
		ServerTimestamp: ts,
		MsgType:         msgType,
		Body:            strings.TrimSpace(rawString(raw, "body")),
		OriginLongname:  rawString(raw, KeyLongname),
		OriginShortname: rawString(raw, KeyShortname),
		OriginMeshnet:   rawString(raw, KeyMeshnet),
	})
}

func (m *Manager) canonicalRoom(roomOrAlias string) id.RoomID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if roomID, ok := m.aliases[roomOrAlias]; ok {
		return roomID
	}

	return id.RoomID(roomOrAlias)
}

func (m *Manager) currentClient() (*mautrix.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, domain.ErrNotConnected
	}

	return m.client, nil
}

func (m *Manager) setState(state connectors.ConnectionState, err error) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	metrics.SetConnected(connectors.TransportChat, state == connectors.ConnectionStateConnected)
	status := connectors.ConnectionStatus{
		Transport: connectors.TransportChat,
		State:     state,
		Target:    m.opts.Homeserver,
		Timestamp: time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	bus.Send(m.bus, connectors.ConnStatus, status)
}

// relayContent is an m.room.message body plus the relay metadata keys.
type relayContent struct {
	MsgType   event.MessageType `json:"msgtype"`
	Body      string            `json:"body"`
	Longname  string            `json:"meshtastic_longname,omitempty"`
	Shortname string            `json:"meshtastic_shortname,omitempty"`
	Meshnet   string            `json:"meshtastic_meshnet,omitempty"`
}

func rawString(raw map[string]any, key string) string {
	v, _ := raw[key].(string)
	return v
}

// failFastSyncer returns sync failures from Sync instead of retrying inside
// mautrix.
type failFastSyncer struct {
	*mautrix.DefaultSyncer
}

func (s *failFastSyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	return 0, err
}
