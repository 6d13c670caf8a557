package meshtastic

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// The part of meshtastic/mesh.proto the relay reads and writes. Field numbers
// and wire types follow the upstream schema; enums are declared as int32,
// which shares their varint encoding. Fields not listed here are kept as
// unknown fields and ignored.
type schema struct {
	fromRadio protoreflect.MessageDescriptor
	toRadio   protoreflect.MessageDescriptor
	myInfo    protoreflect.MessageDescriptor
	nodeInfo  protoreflect.MessageDescriptor
	user      protoreflect.MessageDescriptor
	packet    protoreflect.MessageDescriptor
	data      protoreflect.MessageDescriptor
	heartbeat protoreflect.MessageDescriptor
}

var mesh = mustLoadSchema()

type fieldType = descriptorpb.FieldDescriptorProto_Type

const (
	tUint32  = descriptorpb.FieldDescriptorProto_TYPE_UINT32
	tInt32   = descriptorpb.FieldDescriptorProto_TYPE_INT32
	tFixed32 = descriptorpb.FieldDescriptorProto_TYPE_FIXED32
	tBool    = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
	tBytes   = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
)

func scalar(name string, number int32, typ fieldType) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func nested(name string, number int32, message string) *descriptorpb.FieldDescriptorProto {
	f := scalar(name, number, tMessage)
	f.TypeName = proto.String(".meshtastic." + message)
	return f
}

func messageType(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

// proto2 syntax keeps explicit presence and skips UTF-8 validation of names
// typed on radios with broken keyboards.
func meshFile() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("meshtastic/mesh_subset.proto"),
		Package: proto.String("meshtastic"),
		Syntax:  proto.String("proto2"),
		MessageType: []*descriptorpb.DescriptorProto{
			messageType("FromRadio",
				nested("packet", 2, "MeshPacket"),
				nested("my_info", 3, "MyNodeInfo"),
				nested("node_info", 4, "NodeInfo"),
				scalar("config_complete_id", 7, tUint32),
				scalar("rebooted", 8, tBool),
			),
			messageType("ToRadio",
				nested("packet", 1, "MeshPacket"),
				scalar("want_config_id", 3, tUint32),
				nested("heartbeat", 7, "Heartbeat"),
			),
			messageType("MyNodeInfo",
				scalar("my_node_num", 1, tUint32),
			),
			messageType("NodeInfo",
				scalar("num", 1, tUint32),
				nested("user", 2, "User"),
			),
			messageType("User",
				scalar("id", 1, tString),
				scalar("long_name", 2, tString),
				scalar("short_name", 3, tString),
				scalar("hw_model", 5, tInt32),
			),
			messageType("MeshPacket",
				scalar("from", 1, tFixed32),
				scalar("to", 2, tFixed32),
				scalar("channel", 3, tUint32),
				nested("decoded", 4, "Data"),
				scalar("encrypted", 5, tBytes),
				scalar("id", 6, tFixed32),
				scalar("rx_time", 7, tFixed32),
				scalar("hop_limit", 9, tUint32),
			),
			messageType("Data",
				scalar("portnum", 1, tInt32),
				scalar("payload", 2, tBytes),
			),
			messageType("Heartbeat"),
		},
	}
}

func mustLoadSchema() schema {
	file, err := protodesc.NewFile(meshFile(), nil)
	if err != nil {
		panic(fmt.Sprintf("meshtastic schema: %v", err))
	}
	byName := func(name protoreflect.Name) protoreflect.MessageDescriptor {
		md := file.Messages().ByName(name)
		if md == nil {
			panic(fmt.Sprintf("meshtastic schema: message %s missing", name))
		}
		return md
	}

	return schema{
		fromRadio: byName("FromRadio"),
		toRadio:   byName("ToRadio"),
		myInfo:    byName("MyNodeInfo"),
		nodeInfo:  byName("NodeInfo"),
		user:      byName("User"),
		packet:    byName("MeshPacket"),
		data:      byName("Data"),
		heartbeat: byName("Heartbeat"),
	}
}

// message wraps a dynamic message with by-name accessors. Names are the
// static ones declared in meshFile.
type message struct {
	protoreflect.Message
}

func newMessage(md protoreflect.MessageDescriptor) message {
	return message{dynamicpb.NewMessage(md)}
}

func unmarshal(md protoreflect.MessageDescriptor, b []byte) (message, error) {
	m := newMessage(md)
	if err := proto.Unmarshal(b, m.Interface()); err != nil {
		return message{}, err
	}

	return m, nil
}

func (m message) marshal() ([]byte, error) {
	return proto.Marshal(m.Interface())
}

func (m message) fd(name protoreflect.Name) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByName(name)
}

func (m message) has(name protoreflect.Name) bool { return m.Has(m.fd(name)) }

func (m message) u32(name protoreflect.Name) uint32 { return uint32(m.Get(m.fd(name)).Uint()) }

func (m message) i32(name protoreflect.Name) int32 { return int32(m.Get(m.fd(name)).Int()) }

func (m message) flag(name protoreflect.Name) bool { return m.Get(m.fd(name)).Bool() }

func (m message) str(name protoreflect.Name) string { return m.Get(m.fd(name)).String() }

func (m message) raw(name protoreflect.Name) []byte { return m.Get(m.fd(name)).Bytes() }

func (m message) sub(name protoreflect.Name) message {
	return message{m.Get(m.fd(name)).Message()}
}

func (m message) set(name protoreflect.Name, v protoreflect.Value) message {
	m.Set(m.fd(name), v)
	return m
}

func (m message) setMessage(name protoreflect.Name, v message) message {
	return m.set(name, protoreflect.ValueOfMessage(v.Message))
}
