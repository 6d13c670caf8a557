package connectors

import (
	"github.com/meshrelay/meshrelay/internal/bus"
	"github.com/meshrelay/meshrelay/internal/domain"
)

const (
	TopicConnStatus   = "conn.status"
	TopicNodeInfo     = "node.info"
	TopicRelayToChat  = "relay.to_chat"
	TopicRelayToRadio = "relay.to_radio"
)

var (
	ConnStatus   = bus.Topic[ConnectionStatus](TopicConnStatus)
	NodeInfo     = bus.Topic[domain.NodeUpdate](TopicNodeInfo)
	RelayToChat  = bus.Topic[domain.ChatEnvelope](TopicRelayToChat)
	RelayToRadio = bus.Topic[domain.RadioEnvelope](TopicRelayToRadio)
)
