package relay

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meshrelay/meshrelay/internal/bus"
	"github.com/meshrelay/meshrelay/internal/connectors"
	"github.com/meshrelay/meshrelay/internal/domain"
	"github.com/meshrelay/meshrelay/internal/metrics"
)

// NameSource resolves cached device names.
type NameSource interface {
	GetLongname(ctx context.Context, deviceID string) (string, bool, error)
	GetShortname(ctx context.Context, deviceID string) (string, bool, error)
}

// DisplayNamer resolves a chat user's display name.
type DisplayNamer interface {
	DisplayName(ctx context.Context, userID string) string
}

// Relay applies the transforms to inbound traffic and publishes the
// resulting envelopes on the bus.
type Relay struct {
	logger *slog.Logger
	bus    bus.MessageBus
	rooms  *domain.RoomMap
	names  NameSource
	namer  DisplayNamer
	opts   Options
	newID  func() string
}

func New(logger *slog.Logger, b bus.MessageBus, rooms *domain.RoomMap, names NameSource, namer DisplayNamer, opts Options) *Relay {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}

	return &Relay{
		logger: logger,
		bus:    b,
		rooms:  rooms,
		names:  names,
		namer:  namer,
		opts:   opts,
		newID:  uuid.NewString,
	}
}

func (r *Relay) HandleRadioPacket(ctx context.Context, pkt domain.RadioPacket) {
	sender := r.lookupSender(ctx, pkt.SenderID)
	envs, drop := RadioToChat(pkt, sender, r.opts.Meshnet, r.rooms)
	if drop != Kept {
		r.dropped(metrics.DirectionToChat, drop, "sender", pkt.SenderID, "channel", pkt.Channel, "port", pkt.Port.String())
		return
	}

	r.logger.Info("relaying radio message", "sender", pkt.SenderID, "longname", sender.Longname, "channel", pkt.Channel, "rooms", len(envs))
	for _, env := range envs {
		env.ID = r.newID()
		bus.Send(r.bus, connectors.RelayToChat, env)
	}
}

func (r *Relay) HandleChatEvent(ctx context.Context, evt domain.ChatEvent) {
	senderName := ""
	if !evt.HasOrigin() {
		// Display names cost a homeserver round trip; skip them for rooms
		// that would be dropped anyway.
		if _, ok := r.rooms.ChannelForRoom(evt.RoomID); !ok {
			r.dropped(metrics.DirectionToRadio, DropUnmapped, "event_id", evt.EventID, "room", evt.RoomID, "sender", evt.SenderID)
			return
		}
		senderName = r.namer.DisplayName(ctx, evt.SenderID)
	}
	env, drop := ChatToRadio(evt, senderName, r.rooms, r.opts)
	if drop != Kept {
		r.dropped(metrics.DirectionToRadio, drop, "event_id", evt.EventID, "room", evt.RoomID, "sender", evt.SenderID)
		return
	}

	env.ID = r.newID()
	if evt.HasOrigin() {
		r.logger.Info("relaying remote mesh message", "envelope_id", env.ID, "origin", evt.OriginLongname+"/"+evt.OriginMeshnet, "channel", env.Channel)
	} else {
		r.logger.Info("relaying chat message", "envelope_id", env.ID, "display_name", senderName, "channel", env.Channel)
	}
	bus.Send(r.bus, connectors.RelayToRadio, env)
}

// lookupSender falls back to the device id for names the cache lacks.
func (r *Relay) lookupSender(ctx context.Context, deviceID string) Sender {
	sender := Sender{Longname: deviceID, Shortname: deviceID}
	if r.names == nil {
		return sender
	}
	if name, ok, err := r.names.GetLongname(ctx, deviceID); err != nil {
		r.logger.Warn("longname lookup failed", "device_id", deviceID, "error", err)
	} else if ok && name != "" {
		sender.Longname = name
	}
	if name, ok, err := r.names.GetShortname(ctx, deviceID); err != nil {
		r.logger.Warn("shortname lookup failed", "device_id", deviceID, "error", err)
	} else if ok && name != "" {
		sender.Shortname = name
	}

	return sender
}

func (r *Relay) dropped(direction string, reason Drop, args ...any) {
	metrics.MessagesDropped.WithLabelValues(direction, string(reason)).Inc()
	args = append([]any{"direction", direction, "reason", string(reason)}, args...)
	if reason == DropBroadcastDisabled {
		r.logger.Info("message dropped", args...)
		return
	}
	r.logger.Debug("message dropped", args...)
}
