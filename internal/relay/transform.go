// Package relay turns inbound radio packets and chat events into envelopes
// for the opposite network.
package relay

import (
	"fmt"
	"strings"

	"github.com/meshrelay/meshrelay/internal/domain"
)

// DefaultMaxBytes is the largest text body, in bytes, sent over the mesh.
const DefaultMaxBytes = 227

// Drop names the reason an inbound message produced no envelope.
type Drop string

const (
	Kept                  Drop = ""
	DropEmpty             Drop = "empty"
	DropNotText           Drop = "not_text"
	DropNoChannel         Drop = "no_channel"
	DropUnmapped          Drop = "unmapped"
	DropLoop              Drop = "loop"
	DropBroadcastDisabled Drop = "broadcast_disabled"
)

type Options struct {
	Meshnet          string
	BroadcastEnabled bool
	MaxBytes         int
}

// Sender identifies the mesh device a packet came from.
type Sender struct {
	Longname  string
	Shortname string
}

// RadioToChat builds one envelope per room mapped to the packet's channel.
func RadioToChat(pkt domain.RadioPacket, sender Sender, meshnet string, rooms *domain.RoomMap) ([]domain.ChatEnvelope, Drop) {
	if pkt.Text == "" {
		return nil, DropEmpty
	}
	channel := pkt.Channel
	if !pkt.HasChannel {
		if pkt.Port != domain.PortTextMessage {
			return nil, DropNoChannel
		}
		channel = 0
	}
	if pkt.Port != domain.PortTextMessage {
		return nil, DropNotText
	}

	roomIDs := rooms.RoomsForChannel(channel)
	if len(roomIDs) == 0 {
		return nil, DropUnmapped
	}

	text := fmt.Sprintf("[%s/%s]: %s", sender.Longname, meshnet, pkt.Text)
	out := make([]domain.ChatEnvelope, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		out = append(out, domain.ChatEnvelope{
			RoomID:          roomID,
			Text:            text,
			OriginLongname:  sender.Longname,
			OriginShortname: sender.Shortname,
			OriginMeshnet:   meshnet,
		})
	}

	return out, Kept
}

// ChatToRadio builds the mesh envelope for a filtered chat event. senderName
// is the chat display name and is only used for messages without mesh origin.
func ChatToRadio(evt domain.ChatEvent, senderName string, rooms *domain.RoomMap, opts Options) (domain.RadioEnvelope, Drop) {
	var text string
	if evt.HasOrigin() {
		if evt.OriginMeshnet == opts.Meshnet {
			return domain.RadioEnvelope{}, DropLoop
		}
		shortname := evt.OriginShortname
		if shortname == "" {
			shortname = firstRunes(evt.OriginLongname, 3)
		}
		body := strings.TrimPrefix(evt.Body, fmt.Sprintf("[%s/%s]: ", evt.OriginLongname, evt.OriginMeshnet))
		text = fmt.Sprintf("%s/%s: %s", shortname, firstRunes(evt.OriginMeshnet, 4), Truncate(body, opts.MaxBytes))
	} else {
		text = fmt.Sprintf("%s[M]: %s", firstRunes(senderName, 5), Truncate(evt.Body, opts.MaxBytes))
	}

	channel, ok := rooms.ChannelForRoom(evt.RoomID)
	if !ok {
		return domain.RadioEnvelope{}, DropUnmapped
	}
	if !opts.BroadcastEnabled {
		return domain.RadioEnvelope{}, DropBroadcastDisabled
	}

	return domain.RadioEnvelope{Channel: channel, Text: text}, Kept
}

// Truncate cuts text to at most maxBytes bytes and drops any bytes that do
// not form complete UTF-8 sequences.
func Truncate(text string, maxBytes int) string {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(text) > maxBytes {
		text = text[:maxBytes]
	}

	return strings.ToValidUTF8(text, "")
}

func firstRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}

	return s
}
