package envelope

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers for Envelope, fixed forever (spec §6: "stable field
// ordering"). Adding a field means picking the next unused number; never
// reuse or renumber an existing one.
const (
	fieldID              protowire.Number = 1
	fieldCorrelationID   protowire.Number = 2
	fieldPublisherID     protowire.Number = 3
	fieldDirection       protowire.Number = 4
	fieldPayloadTypeURL  protowire.Number = 5
	fieldPayloadValue    protowire.Number = 6
	fieldCurrentHopCount protowire.Number = 7
	fieldMaxHopCount     protowire.Number = 8
	fieldVisitedAgent    protowire.Number = 9 // repeated
	fieldTimestampMillis protowire.Number = 10
)

// Encode renders e using a self-delimiting binary encoding with stable
// field ordering (spec §6). The encoding is the protobuf wire format
// (length-delimited / varint tags via protowire), which gives us
// self-delimitation and forward-compatible "unknown trailing fields are
// ignored on read" for free without requiring a generated .proto schema.
func Encode(e Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, e.ID.String())

	if e.HasCorrelation() {
		b = protowire.AppendTag(b, fieldCorrelationID, protowire.BytesType)
		b = protowire.AppendString(b, e.CorrelationID.String())
	}

	b = protowire.AppendTag(b, fieldPublisherID, protowire.BytesType)
	b = protowire.AppendString(b, e.PublisherID.String())

	b = protowire.AppendTag(b, fieldDirection, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Direction))

	b = protowire.AppendTag(b, fieldPayloadTypeURL, protowire.BytesType)
	b = protowire.AppendString(b, e.Payload.TypeURL)

	b = protowire.AppendTag(b, fieldPayloadValue, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload.Value)

	b = protowire.AppendTag(b, fieldCurrentHopCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.CurrentHopCount))

	b = protowire.AppendTag(b, fieldMaxHopCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.MaxHopCount))

	for _, agent := range e.VisitedSlice() {
		b = protowire.AppendTag(b, fieldVisitedAgent, protowire.BytesType)
		b = protowire.AppendString(b, agent.String())
	}

	b = protowire.AppendTag(b, fieldTimestampMillis, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.TimestampMillis))

	return b
}

// Decode parses bytes previously produced by Encode. Unknown fields
// (future extensions, or trailing garbage from a newer writer) are skipped
// rather than rejected, per spec §6.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	e.VisitedAgents = make(map[AgentId]struct{})

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Envelope{}, fmt.Errorf("decode envelope: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldID:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode envelope id: %w", err)
			}
			data = data[m:]
			id, err := ParseEventId(s)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode envelope id: %w", err)
			}
			e.ID = id
		case fieldCorrelationID:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode correlation id: %w", err)
			}
			data = data[m:]
			id, err := ParseEventId(s)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode correlation id: %w", err)
			}
			e.CorrelationID = id
		case fieldPublisherID:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode publisher id: %w", err)
			}
			data = data[m:]
			id, err := ParseAgentId(s)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode publisher id: %w", err)
			}
			e.PublisherID = id
		case fieldDirection:
			v, m, err := consumeVarint(data, typ)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode direction: %w", err)
			}
			data = data[m:]
			e.Direction = Direction(v)
		case fieldPayloadTypeURL:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode payload type url: %w", err)
			}
			data = data[m:]
			e.Payload.TypeURL = s
		case fieldPayloadValue:
			v, m, err := consumeBytes(data, typ)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode payload value: %w", err)
			}
			data = data[m:]
			e.Payload.Value = v
		case fieldCurrentHopCount:
			v, m, err := consumeVarint(data, typ)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode current hop count: %w", err)
			}
			data = data[m:]
			e.CurrentHopCount = uint32(v)
		case fieldMaxHopCount:
			v, m, err := consumeVarint(data, typ)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode max hop count: %w", err)
			}
			data = data[m:]
			e.MaxHopCount = uint32(v)
		case fieldVisitedAgent:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode visited agent: %w", err)
			}
			data = data[m:]
			id, err := ParseAgentId(s)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode visited agent: %w", err)
			}
			e.VisitedAgents[id] = struct{}{}
		case fieldTimestampMillis:
			v, m, err := consumeVarint(data, typ)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode timestamp: %w", err)
			}
			data = data[m:]
			e.TimestampMillis = int64(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("decode envelope: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return e, nil
}

func consumeString(data []byte, typ protowire.Type) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, fmt.Errorf("unexpected wire type %v", typ)
	}
	v, n := protowire.ConsumeString(data)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(data []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %v", typ)
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func consumeVarint(data []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %v", typ)
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
