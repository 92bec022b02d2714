package envelope

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a := NewAgentId()
	b := NewAgentId()
	c := NewAgentId()
	original := Envelope{
		ID:              NewEventId(),
		CorrelationID:   NewEventId(),
		PublisherID:     a,
		Direction:       Both,
		Payload:         Payload{TypeURL: "type.aevatar.io/aevatar.Ping", Value: []byte{1, 2, 3}},
		CurrentHopCount: 2,
		MaxHopCount:     50,
		VisitedAgents:   map[AgentId]struct{}{a: {}, b: {}, c: {}},
		TimestampMillis: 1_700_000_000_000,
	}

	encoded := Encode(original)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	require.Equal(t, original.ID, decoded.ID)
	require.Equal(t, original.CorrelationID, decoded.CorrelationID)
	require.Equal(t, original.PublisherID, decoded.PublisherID)
	require.Equal(t, original.Direction, decoded.Direction)
	require.Equal(t, original.Payload, decoded.Payload)
	require.Equal(t, original.CurrentHopCount, decoded.CurrentHopCount)
	require.Equal(t, original.MaxHopCount, decoded.MaxHopCount)
	require.Equal(t, original.VisitedAgents, decoded.VisitedAgents)
	require.Equal(t, original.TimestampMillis, decoded.TimestampMillis)

	// Round trip of the re-encoded bytes must be byte-stable.
	require.Equal(t, encoded, Encode(decoded))
}

func TestEncodeDecodeNoCorrelation(t *testing.T) {
	original := Envelope{
		ID:            NewEventId(),
		PublisherID:   NewAgentId(),
		Direction:     Up,
		Payload:       Payload{TypeURL: "aevatar.Ping"},
		MaxHopCount:   50,
		VisitedAgents: map[AgentId]struct{}{},
	}
	decoded, err := Decode(Encode(original))
	require.NoError(t, err)
	require.True(t, decoded.CorrelationID.IsNil())
}

func TestDecodeIgnoresUnknownTrailingFields(t *testing.T) {
	original := Envelope{
		ID:            NewEventId(),
		PublisherID:   NewAgentId(),
		Direction:     Down,
		Payload:       Payload{TypeURL: "aevatar.Ping"},
		MaxHopCount:   50,
		VisitedAgents: map[AgentId]struct{}{},
	}
	encoded := Encode(original)

	// Append an unknown field (number 999, varint type) that a future
	// writer might emit; the reader must skip it rather than fail.
	unknown := appendUnknownVarintField(encoded, 999, 42)

	decoded, err := Decode(unknown)
	require.NoError(t, err)
	require.Equal(t, original.ID, decoded.ID)
}

func appendUnknownVarintField(b []byte, field uint64, value uint64) []byte {
	// Hand-rolled varint tag: (field << 3) | wireType(0 = varint).
	tag := field<<3 | 0
	b = appendVarintRaw(b, tag)
	b = appendVarintRaw(b, value)
	return b
}

func appendVarintRaw(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

func TestEncodeRoundTripQuick(t *testing.T) {
	f := func(hop, maxHop uint8, ts int64, typeName string, value []byte) bool {
		e := Envelope{
			ID:              NewEventId(),
			PublisherID:     NewAgentId(),
			Direction:       Direction(int(hop) % 3),
			Payload:         Payload{TypeURL: "type.aevatar.io/" + typeName, Value: value},
			CurrentHopCount: uint32(hop),
			MaxHopCount:     uint32(maxHop),
			VisitedAgents:   map[AgentId]struct{}{},
			TimestampMillis: ts,
		}
		decoded, err := Decode(Encode(e))
		if err != nil {
			return false
		}
		return decoded.CurrentHopCount == e.CurrentHopCount &&
			decoded.MaxHopCount == e.MaxHopCount &&
			decoded.TimestampMillis == e.TimestampMillis &&
			decoded.Payload.TypeName() == Payload{TypeURL: "type.aevatar.io/" + typeName}.TypeName()
	}
	require.NoError(t, quick.Check(f, nil))
}
