package handler

import (
	"encoding/json"
	"fmt"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
)

// HandlerExceptionEventTypeName is the stable wire type name for
// HandlerExceptionEvent (spec §9: "specifies the EventHandlerExceptionEvent
// wire form as a regular payload").
const HandlerExceptionEventTypeName = "aevatar.EventHandlerExceptionEvent"

// HandlerExceptionEvent summarizes a handler failure: the handler name,
// the envelope whose dispatch triggered it, the error message, and — for
// recovered panics — a captured stack trace. It is published UP by the
// registry whenever a handler panics or returns an error (spec §4.3,
// §7 fault 2).
type HandlerExceptionEvent struct {
	HandlerName string
	EnvelopeID  envelope.EventId
	Message     string
	Stack       string
}

// TypeName implements envelope.TypedMessage.
func (HandlerExceptionEvent) TypeName() string { return HandlerExceptionEventTypeName }

// MarshalPayload implements envelope.TypedMessage. The payload encoding is
// plain JSON: spec §6 only fixes the wire stability of the envelope
// wrapper itself, leaving payload encoding to the application.
func (e HandlerExceptionEvent) MarshalPayload() ([]byte, error) {
	return json.Marshal(handlerExceptionWire{
		HandlerName: e.HandlerName,
		EnvelopeID:  e.EnvelopeID.String(),
		Message:     e.Message,
		Stack:       e.Stack,
	})
}

// DecodeHandlerExceptionEvent is the DecodeFunc counterpart to
// MarshalPayload, registered by hosts that want to observe exception
// events through the same typed-handler path as any other payload.
func DecodeHandlerExceptionEvent(data []byte) (envelope.TypedMessage, error) {
	var wire handlerExceptionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode %s: %w", HandlerExceptionEventTypeName, err)
	}
	envID, err := envelope.ParseEventId(wire.EnvelopeID)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", HandlerExceptionEventTypeName, err)
	}
	return HandlerExceptionEvent{
		HandlerName: wire.HandlerName,
		EnvelopeID:  envID,
		Message:     wire.Message,
		Stack:       wire.Stack,
	}, nil
}

type handlerExceptionWire struct {
	HandlerName string `json:"handler_name"`
	EnvelopeID  string `json:"envelope_id"`
	Message     string `json:"message"`
	Stack       string `json:"stack,omitempty"`
}
