// Package meshtastic encodes and decodes the protobuf payloads carried inside
// stream-protocol frames. Only the messages the relay needs are modelled:
// node identity, text packets, the config handshake and heartbeats.
package meshtastic

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/meshrelay/meshrelay/internal/domain"
)

const defaultHopLimit = 3

// Frame is a parsed FromRadio message. Only the variants present on the wire
// are set.
type Frame struct {
	MyNodeNum        uint32
	NodeUpdate       *domain.NodeUpdate
	Packet           *domain.RadioPacket
	ConfigCompleteID uint32
	WantConfigReady  bool
	Rebooted         bool
}

// Codec keeps the small amount of state the handshake needs: the pending
// want_config id, the packet id sequence and the local node number.
type Codec struct {
	wantConfigID atomic.Uint32
	packetID     atomic.Uint32
	localNodeNum atomic.Uint32
	now          func() time.Time
}

func NewCodec() (*Codec, error) {
	var seedRaw [4]byte
	if _, err := rand.Read(seedRaw[:]); err != nil {
		return nil, fmt.Errorf("seed meshtastic codec packet id: %w", err)
	}
	c := &Codec{now: time.Now}
	c.packetID.Store(binary.BigEndian.Uint32(seedRaw[:]))

	return c, nil
}

// LocalNodeNum is zero until the radio has reported its identity.
func (c *Codec) LocalNodeNum() uint32 {
	return c.localNodeNum.Load()
}

// EncodeWantConfig starts the config download. The id is remembered so the
// matching config_complete_id marks the handshake as done.
func (c *Codec) EncodeWantConfig() ([]byte, error) {
	id := c.nextNonZeroID()
	c.wantConfigID.Store(id)

	return newMessage(mesh.toRadio).
		set("want_config_id", protoreflect.ValueOfUint32(id)).
		marshal()
}

func (c *Codec) EncodeHeartbeat() ([]byte, error) {
	return newMessage(mesh.toRadio).
		setMessage("heartbeat", newMessage(mesh.heartbeat)).
		marshal()
}

// EncodeText builds a broadcast TEXT_MESSAGE_APP packet on the given channel.
func (c *Codec) EncodeText(text string, channel uint32) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("text is empty")
	}

	data := newMessage(mesh.data).
		set("portnum", protoreflect.ValueOfInt32(int32(domain.PortTextMessage))).
		set("payload", protoreflect.ValueOfBytes([]byte(text)))

	packet := newMessage(mesh.packet).
		set("to", protoreflect.ValueOfUint32(domain.BroadcastNodeNum))
	if channel != 0 {
		packet.set("channel", protoreflect.ValueOfUint32(channel))
	}
	packet.setMessage("decoded", data).
		set("id", protoreflect.ValueOfUint32(c.nextNonZeroID())).
		set("hop_limit", protoreflect.ValueOfUint32(defaultHopLimit))

	b, err := newMessage(mesh.toRadio).setMessage("packet", packet).marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal text packet: %w", err)
	}

	return b, nil
}

// DecodeFromRadio parses one FromRadio payload. Malformed input yields an
// error wrapping domain.ErrProtocolDecode.
func (c *Codec) DecodeFromRadio(payload []byte) (Frame, error) {
	msg, err := unmarshal(mesh.fromRadio, payload)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: fromradio: %v", domain.ErrProtocolDecode, err)
	}

	var out Frame
	now := c.now()
	if msg.has("my_info") {
		if num := msg.sub("my_info").u32("my_node_num"); num != 0 {
			out.MyNodeNum = num
			c.localNodeNum.Store(num)
		}
	}
	if msg.has("config_complete_id") {
		out.ConfigCompleteID = msg.u32("config_complete_id")
		expected := c.wantConfigID.Load()
		out.WantConfigReady = expected != 0 && out.ConfigCompleteID == expected
	}
	out.Rebooted = msg.flag("rebooted")
	if msg.has("node_info") {
		out.NodeUpdate = decodeNodeInfo(msg.sub("node_info"), now)
	}
	if msg.has("packet") {
		pkt, update := decodePacket(msg.sub("packet"), now)
		out.Packet = pkt
		if update != nil && out.NodeUpdate == nil {
			out.NodeUpdate = update
		}
	}

	return out, nil
}

func decodeNodeInfo(info message, now time.Time) *domain.NodeUpdate {
	num := info.u32("num")
	if num == 0 {
		return nil
	}

	node := domain.Node{NodeID: domain.FormatNodeID(num), Num: num, UpdatedAt: now}
	if info.has("user") {
		applyUser(&node, info.sub("user"))
	}

	return &domain.NodeUpdate{Node: node}
}

func applyUser(node *domain.Node, user message) {
	if id := domain.NormalizeNodeID(user.str("id")); id != "" {
		node.NodeID = id
	}
	node.LongName = user.str("long_name")
	node.ShortName = user.str("short_name")
	if user.has("hw_model") {
		node.HWModel = hardwareModelName(uint64(uint32(user.i32("hw_model"))))
	}
}

func decodePacket(packet message, now time.Time) (*domain.RadioPacket, *domain.NodeUpdate) {
	from := packet.u32("from")
	out := &domain.RadioPacket{
		Port:       domain.PortUnknown,
		SenderID:   domain.FormatNodeID(from),
		ReceivedAt: now,
	}
	if packet.has("channel") {
		out.Channel = packet.u32("channel")
		out.HasChannel = true
	}
	if rxTime := packet.u32("rx_time"); rxTime != 0 {
		out.ReceivedAt = time.Unix(int64(rxTime), 0)
	}
	if !packet.has("decoded") {
		// Encrypted for a channel we do not hold the key for.
		return out, nil
	}

	data := packet.sub("decoded")
	if data.has("portnum") {
		out.Port = domain.PortNum(data.i32("portnum"))
	}
	payload := data.raw("payload")

	switch out.Port {
	case domain.PortTextMessage:
		out.Text = string(payload)
	case domain.PortNodeInfo:
		user, err := unmarshal(mesh.user, payload)
		if err != nil {
			return out, nil
		}
		node := domain.Node{NodeID: out.SenderID, Num: from, UpdatedAt: now}
		applyUser(&node, user)
		return out, &domain.NodeUpdate{Node: node, FromPacket: true}
	}

	return out, nil
}

var hardwareModels = map[uint64]string{
	0:   "UNSET",
	4:   "TBEAM",
	7:   "T_ECHO",
	9:   "RAK4631",
	10:  "HELTEC_V2_1",
	43:  "HELTEC_V3",
	44:  "HELTEC_WSL_V3",
	48:  "HELTEC_WIRELESS_TRACKER",
	50:  "T_DECK",
	255: "PRIVATE_HW",
}

func hardwareModelName(v uint64) string {
	if name, ok := hardwareModels[v]; ok {
		return name
	}

	return "HW_" + strconv.FormatUint(v, 10)
}

func (c *Codec) nextNonZeroID() uint32 {
	for {
		id := c.packetID.Add(1)
		if id != 0 {
			return id
		}
	}
}
