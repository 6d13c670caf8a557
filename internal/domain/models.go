package domain

import "time"

// PortNum identifies the application a decoded mesh payload belongs to.
type PortNum uint32

const (
	PortUnknown          PortNum = 0
	PortTextMessage      PortNum = 1
	PortRemoteHardware   PortNum = 2
	PortPosition         PortNum = 3
	PortNodeInfo         PortNum = 4
	PortRouting          PortNum = 5
	PortAdmin            PortNum = 6
	PortTextCompressed   PortNum = 7
	PortWaypoint         PortNum = 8
	PortDetectionSensor  PortNum = 10
	PortRangeTest        PortNum = 66
	PortTelemetry        PortNum = 67
	PortStoreForward     PortNum = 65
	PortTraceroute       PortNum = 70
	PortNeighborInfo     PortNum = 71
	PortMapReport        PortNum = 73
	PortPrivateApp       PortNum = 256
	PortAtakForwarder    PortNum = 257
	PortMaxApplicationID PortNum = 511
)

var portNames = map[PortNum]string{
	PortUnknown:         "UNKNOWN_APP",
	PortTextMessage:     "TEXT_MESSAGE_APP",
	PortRemoteHardware:  "REMOTE_HARDWARE_APP",
	PortPosition:        "POSITION_APP",
	PortNodeInfo:        "NODEINFO_APP",
	PortRouting:         "ROUTING_APP",
	PortAdmin:           "ADMIN_APP",
	PortTextCompressed:  "TEXT_MESSAGE_COMPRESSED_APP",
	PortWaypoint:        "WAYPOINT_APP",
	PortDetectionSensor: "DETECTION_SENSOR_APP",
	PortRangeTest:       "RANGE_TEST_APP",
	PortTelemetry:       "TELEMETRY_APP",
	PortStoreForward:    "STORE_FORWARD_APP",
	PortTraceroute:      "TRACEROUTE_APP",
	PortNeighborInfo:    "NEIGHBORINFO_APP",
	PortMapReport:       "MAP_REPORT_APP",
	PortPrivateApp:      "PRIVATE_APP",
	PortAtakForwarder:   "ATAK_FORWARDER",
}

func (p PortNum) String() string {
	if name, ok := portNames[p]; ok {
		return name
	}

	return "UNKNOWN_APP"
}

// RadioPacket is one inbound mesh packet as seen by the relay.
// HasChannel is false when the frame carried no channel index.
type RadioPacket struct {
	SenderID   string
	Channel    uint32
	HasChannel bool
	Port       PortNum
	Text       string
	ReceivedAt time.Time
}

// ChatEvent is one inbound room message from the chat network.
type ChatEvent struct {
	EventID         string
	SenderID        string
	RoomID          string
	ServerTimestamp time.Time
	MsgType         string
	Body            string
	OriginLongname  string
	OriginShortname string
	OriginMeshnet   string
}

// HasOrigin reports whether the event was itself relayed from some mesh network.
func (e ChatEvent) HasOrigin() bool {
	return e.OriginLongname != "" && e.OriginMeshnet != ""
}

// ChatEnvelope is a relay unit bound for a chat room.
type ChatEnvelope struct {
	ID              string
	RoomID          string
	Text            string
	OriginLongname  string
	OriginShortname string
	OriginMeshnet   string
}

// RadioEnvelope is a relay unit bound for a mesh channel.
type RadioEnvelope struct {
	ID      string
	Channel uint32
	Text    string
}

// Node is the identity of a mesh device as reported by the radio.
type Node struct {
	NodeID    string
	Num       uint32
	LongName  string
	ShortName string
	HWModel   string
	UpdatedAt time.Time
}

// NodeUpdate is published whenever the radio reports fresh node metadata.
type NodeUpdate struct {
	Node       Node
	FromPacket bool
}
