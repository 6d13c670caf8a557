package domain

import (
	"strings"
	"sync"
)

// RoomLink maps one chat room (id or alias) to one mesh channel.
type RoomLink struct {
	RoomID  string
	Channel uint32
}

// RoomMap is the ordered channel<->room mapping used in both relay directions.
// The only mutation after startup is recording a resolved alias.
type RoomMap struct {
	mu    sync.RWMutex
	links []RoomLink
}

func NewRoomMap(links []RoomLink) *RoomMap {
	cp := make([]RoomLink, len(links))
	copy(cp, links)

	return &RoomMap{links: cp}
}

// Links returns a snapshot of the mapping in configured order.
func (m *RoomMap) Links() []RoomLink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomLink, len(m.links))
	copy(out, m.links)

	return out
}

// RoomsForChannel returns every room mapped to the channel, in configured order.
func (m *RoomMap) RoomsForChannel(channel uint32) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, link := range m.links {
		if link.Channel == channel {
			out = append(out, link.RoomID)
		}
	}

	return out
}

// ChannelForRoom returns the channel of the first entry matching the room.
func (m *RoomMap) ChannelForRoom(roomID string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, link := range m.links {
		if link.RoomID == roomID {
			return link.Channel, true
		}
	}

	return 0, false
}

// HasChannel reports whether any room is mapped to the channel.
func (m *RoomMap) HasChannel(channel uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, link := range m.links {
		if link.Channel == channel {
			return true
		}
	}

	return false
}

// ResolveAlias replaces every entry naming alias with the canonical room id.
// Channels are left untouched, so re-resolving is a no-op.
func (m *RoomMap) ResolveAlias(alias, roomID string) bool {
	if alias == "" || roomID == "" || alias == roomID {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for i := range m.links {
		if m.links[i].RoomID == alias {
			m.links[i].RoomID = roomID
			changed = true
		}
	}

	return changed
}

// IsRoomAlias reports whether the value uses the "#alias:server" form.
func IsRoomAlias(roomOrAlias string) bool {
	return strings.HasPrefix(strings.TrimSpace(roomOrAlias), "#")
}
