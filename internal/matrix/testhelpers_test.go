package matrix

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshrelay/meshrelay/internal/bus"
	"github.com/meshrelay/meshrelay/internal/domain"
)

type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeHomeserver simulates the client-server API endpoints the relay uses.
// It records calls and serves canned responses.
type fakeHomeserver struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// JoinedRooms is returned from /joined_rooms.
	JoinedRooms []string
	// DisplayNames maps user ids to profile display names.
	DisplayNames map[string]string
	// Aliases maps room aliases to room ids.
	Aliases map[string]string
	// SyncEvents are served on the first /sync, keyed by room id.
	SyncEvents map[string][]map[string]any
	// RejectToken makes every endpoint answer M_UNKNOWN_TOKEN.
	RejectToken bool
	// SendDelay holds /send responses.
	SendDelay time.Duration

	syncs int
}

func newFakeHomeserver() *fakeHomeserver {
	f := &fakeHomeserver{
		DisplayNames: make(map[string]string),
		Aliases:      make(map[string]string),
		SyncEvents:   make(map[string][]map[string]any),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeHomeserver) Close() {
	f.Server.Close()
}

func (f *fakeHomeserver) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeHomeserver) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeHomeserver) CallsTo(fragment string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, fragment) {
			out = append(out, c)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))
	path := r.URL.Path

	f.mu.Lock()
	reject := f.RejectToken
	f.mu.Unlock()
	if reject {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"errcode": "M_UNKNOWN_TOKEN", "error": "Invalid access token"})
		return
	}

	switch {
	case strings.HasSuffix(path, "/joined_rooms"):
		writeJSON(w, http.StatusOK, map[string]any{"joined_rooms": f.JoinedRooms})

	case strings.Contains(path, "/profile/") && strings.HasSuffix(path, "/displayname"):
		user := strings.TrimSuffix(path[strings.Index(path, "/profile/")+len("/profile/"):], "/displayname")
		name, ok := f.DisplayNames[user]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "Profile not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"displayname": name})

	case strings.Contains(path, "/directory/room/"):
		alias := path[strings.Index(path, "/directory/room/")+len("/directory/room/"):]
		roomID, ok := f.Aliases[alias]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "Room alias not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "servers": []string{"example.org"}})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/join"):
		roomID := strings.TrimSuffix(path[strings.Index(path, "/rooms/")+len("/rooms/"):], "/join")
		writeJSON(w, http.StatusOK, map[string]string{"room_id": roomID})

	case r.Method == http.MethodPost && strings.Contains(path, "/join/"):
		roomID := path[strings.Index(path, "/join/")+len("/join/"):]
		writeJSON(w, http.StatusOK, map[string]string{"room_id": roomID})

	case r.Method == http.MethodPut && strings.Contains(path, "/send/m.room.message/"):
		if f.SendDelay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(f.SendDelay):
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$sent"})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/filter"):
		writeJSON(w, http.StatusOK, map[string]string{"filter_id": "1"})

	case strings.HasSuffix(path, "/sync"):
		f.mu.Lock()
		f.syncs++
		first := f.syncs == 1
		f.mu.Unlock()
		if !first {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			writeJSON(w, http.StatusOK, map[string]any{"next_batch": "s2"})
			return
		}
		join := make(map[string]any)
		for roomID, events := range f.SyncEvents {
			join[roomID] = map[string]any{"timeline": map[string]any{"events": events}}
		}
		writeJSON(w, http.StatusOK, map[string]any{"next_batch": "s1", "rooms": map[string]any{"join": join}})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_UNRECOGNIZED", "error": "Unrecognized request"})
	}
}

func messageEvent(eventID, sender string, ts time.Time, content map[string]any) map[string]any {
	return map[string]any{
		"type":             "m.room.message",
		"event_id":         eventID,
		"sender":           sender,
		"origin_server_ts": ts.UnixMilli(),
		"content":          content,
	}
}

func newTestManager(t *testing.T, hs *fakeHomeserver, rooms *domain.RoomMap) (*Manager, *bus.PubSubBus) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	t.Cleanup(b.Close)
	if rooms == nil {
		rooms = domain.NewRoomMap(nil)
	}
	m := NewManager(logger, zerolog.Nop(), b, rooms, Options{
		Homeserver:  hs.Server.URL,
		UserID:      "@relay:example.org",
		AccessToken: "token",
		SendTimeout: time.Second,
	})

	return m, b
}
