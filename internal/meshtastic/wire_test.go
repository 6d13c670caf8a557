package meshtastic

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Raw field numbers from the Meshtastic mesh.proto / portnums.proto
// definitions. Tests build and inspect frames with these so the schema in
// schema.go is checked against hand-encoded bytes.
const (
	fromRadioPacket           protowire.Number = 2
	fromRadioMyInfo           protowire.Number = 3
	fromRadioNodeInfo         protowire.Number = 4
	fromRadioConfigCompleteID protowire.Number = 7
	fromRadioRebooted         protowire.Number = 8

	myInfoNodeNum protowire.Number = 1

	nodeInfoNum  protowire.Number = 1
	nodeInfoUser protowire.Number = 2

	userID        protowire.Number = 1
	userLongName  protowire.Number = 2
	userShortName protowire.Number = 3
	userHWModel   protowire.Number = 5

	packetFrom      protowire.Number = 1
	packetTo        protowire.Number = 2
	packetChannel   protowire.Number = 3
	packetDecoded   protowire.Number = 4
	packetEncrypted protowire.Number = 5
	packetID        protowire.Number = 6
	packetRxTime    protowire.Number = 7
	packetHopLimit  protowire.Number = 9

	dataPortnum protowire.Number = 1
	dataPayload protowire.Number = 2

	toRadioPacket       protowire.Number = 1
	toRadioWantConfigID protowire.Number = 3
	toRadioHeartbeat    protowire.Number = 7
)

// field is one decoded tag/value pair. Scalar values land in num, length
// delimited ones in raw.
type field struct {
	number protowire.Number
	typ    protowire.Type
	num    uint64
	raw    []byte
}

// walkFields visits every known-typed field in b. Groups are skipped.
func walkFields(b []byte, visit func(f field)) error {
	for len(b) > 0 {
		number, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{number: number, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", number, protowire.ParseError(n))
			}
			f.num = v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", number, protowire.ParseError(n))
			}
			f.num = uint64(v)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", number, protowire.ParseError(n))
			}
			f.num = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", number, protowire.ParseError(n))
			}
			f.raw = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(number, typ, b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", number, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		visit(f)
	}

	return nil
}

func appendVarintField(b []byte, number protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, number, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed32Field(b []byte, number protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, number, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendBytesField(b []byte, number protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, number, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
