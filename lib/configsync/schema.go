// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package configsync

import (
	"bytes"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fleetforge-io/fleetforge/lib/fleet"
)

// SchemaRegistry maps config types to compiled JSON Schemas. Schemas
// are compiled once at registration; validation is a pure in-memory
// check and never touches the network.
type SchemaRegistry struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: map[string]*jsonschema.Schema{}}
}

// Register compiles raw schema JSON for a config type, replacing any
// previous registration.
func (r *SchemaRegistry) Register(configType string, rawSchema []byte) error {
	document, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawSchema))
	if err != nil {
		return fmt.Errorf("parsing schema for %s: %w", configType, err)
	}

	name := configType + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, document); err != nil {
		return fmt.Errorf("registering schema for %s: %w", configType, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return fmt.Errorf("compiling schema for %s: %w", configType, err)
	}
	r.schemas[configType] = compiled
	return nil
}

// LoadFromConfig registers every schema file the fleet configuration
// references. Config types without a schema are allowed; they simply
// cannot be validated.
func (r *SchemaRegistry) LoadFromConfig(cfg *fleet.Config) error {
	for configType, entry := range cfg.Configs {
		if entry.Schema == "" {
			continue
		}
		rawSchema, err := os.ReadFile(entry.Schema)
		if err != nil {
			return fmt.Errorf("reading schema for %s: %w", configType, err)
		}
		if err := r.Register(configType, rawSchema); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a document against the schema registered for the
// config type. Requesting validation for a type with no schema is a
// configuration error, not a pass.
func (r *SchemaRegistry) Validate(configType string, document any) error {
	schema, ok := r.schemas[configType]
	if !ok {
		return fmt.Errorf("no schema registered for config type %q", configType)
	}
	if err := schema.Validate(document); err != nil {
		return fmt.Errorf("document does not match %s schema: %w", configType, err)
	}
	return nil
}
