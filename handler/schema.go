package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaValidator validates the JSON-rendered shape of a decoded payload
// against a registered JSON Schema, letting an agent type catch malformed
// upstream payloads at decode time rather than deep inside handler logic.
// This is optional: RegisterDecoder works without ever calling
// RegisterSchema.
type SchemaValidator struct {
	mu       sync.RWMutex
	compiler *jsonschema.Compiler
	schemas  map[string]*jsonschema.Schema
}

// NewSchemaValidator constructs an empty SchemaValidator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		compiler: jsonschema.NewCompiler(),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// RegisterSchema compiles schemaJSON once and associates it with typeName.
// Intended to be called at startup, alongside RegisterDecoder, for payload
// types whose shape should be enforced.
func (v *SchemaValidator) RegisterSchema(typeName string, schemaJSON []byte) error {
	resourceURL := "mem://" + typeName + ".schema.json"
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("register schema %s: %w", typeName, err)
	}
	if err := v.compiler.AddResource(resourceURL, doc); err != nil {
		return fmt.Errorf("register schema %s: %w", typeName, err)
	}
	schema, err := v.compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", typeName, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[typeName] = schema
	return nil
}

// Validate checks payload (the raw, JSON-encoded bytes of a decoded
// message) against the schema registered for typeName. If no schema was
// registered for typeName, Validate is a no-op that returns nil — schema
// enforcement is opt-in per type.
func (v *SchemaValidator) Validate(_ context.Context, typeName string, payload []byte) error {
	v.mu.RLock()
	schema, ok := v.schemas[typeName]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	var instance any
	if err := json.NewDecoder(bytes.NewReader(payload)).Decode(&instance); err != nil {
		return fmt.Errorf("validate %s: decode instance: %w", typeName, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("validate %s: %w", typeName, err)
	}
	return nil
}
