package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

const pingSchema = `{
  "type": "object",
  "properties": { "value": { "type": "string" } },
  "required": ["value"]
}`

func TestSchemaValidatorAcceptsValidPayload(t *testing.T) {
	v := NewSchemaValidator()
	require.NoError(t, v.RegisterSchema("test.Ping", []byte(pingSchema)))

	require.NoError(t, v.Validate(context.Background(), "test.Ping", []byte(`{"value":"hi"}`)))
}

func TestSchemaValidatorRejectsInvalidPayload(t *testing.T) {
	v := NewSchemaValidator()
	require.NoError(t, v.RegisterSchema("test.Ping", []byte(pingSchema)))

	err := v.Validate(context.Background(), "test.Ping", []byte(`{"value":42}`))
	require.Error(t, err)
}

func TestSchemaValidatorNoOpWhenUnregistered(t *testing.T) {
	v := NewSchemaValidator()
	require.NoError(t, v.Validate(context.Background(), "test.Unregistered", []byte(`anything`)))
}
