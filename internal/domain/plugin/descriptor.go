package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/streamplug/streamplug/internal/domain/permission"
)

// Descriptor is the static metadata a sandboxed extension presents in its
// handshake. It is immutable for the lifetime of the plugin process.
type Descriptor struct {
	Name        Name
	Version     *semver.Version
	Author      string
	Description string

	// Declared is the permission set the extension requested.
	Declared permission.Set

	// Granted is the filtered set actually usable by this instance,
	// computed once at load time. Always a subset of Declared plus the
	// baseline fallback.
	Granted permission.Set

	// Commands and Events are the handler names the extension registered.
	Commands []string
	Events   []string
}

// HasCommand reports whether the extension registered the named command.
func (d *Descriptor) HasCommand(name string) bool {
	for _, c := range d.Commands {
		if c == name {
			return true
		}
	}
	return false
}

// HasEvent reports whether the extension registered the named event hook.
func (d *Descriptor) HasEvent(name string) bool {
	for _, e := range d.Events {
		if e == name {
			return true
		}
	}
	return false
}

// handshakeSchema constrains the untrusted handshake payload before any
// field is interpreted. Bounds here are deliberately tight: the payload
// crosses the sandbox boundary.
const handshakeSchema = `{
  "type": "object",
  "required": ["name", "version"],
  "properties": {
    "name":        {"type": "string", "minLength": 1, "maxLength": 64},
    "version":     {"type": "string", "minLength": 1, "maxLength": 32},
    "author":      {"type": "string", "maxLength": 128},
    "description": {"type": "string", "maxLength": 512},
    "permissions": {
      "type": "array",
      "maxItems": 32,
      "items": {"type": "string", "minLength": 1, "maxLength": 64}
    },
    "commands": {
      "type": "array",
      "maxItems": 64,
      "items": {"type": "string", "minLength": 1, "maxLength": 64}
    },
    "events": {
      "type": "array",
      "maxItems": 32,
      "items": {"type": "string", "minLength": 1, "maxLength": 64}
    }
  },
  "additionalProperties": false
}`

var compiledHandshakeSchema = mustCompileSchema(handshakeSchema)

func mustCompileSchema(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("handshake.json", strings.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("invalid handshake schema resource: %v", err))
	}
	schema, err := compiler.Compile("handshake.json")
	if err != nil {
		panic(fmt.Sprintf("invalid handshake schema: %v", err))
	}
	return schema
}

// handshakeWire is the JSON shape of the handshake metadata.
type handshakeWire struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Author      string   `json:"author,omitempty"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Commands    []string `json:"commands,omitempty"`
	Events      []string `json:"events,omitempty"`
}

// ParseHandshake validates raw handshake metadata and builds a Descriptor.
// The Granted set is left empty; the loader attaches it after filtering.
func ParseHandshake(raw json.RawMessage) (*Descriptor, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed handshake metadata: %w", err)
	}
	if err := compiledHandshakeSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("handshake metadata rejected by schema: %w", err)
	}

	var wire handshakeWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("malformed handshake metadata: %w", err)
	}

	name, err := NewName(wire.Name)
	if err != nil {
		return nil, err
	}

	version, err := semver.NewVersion(wire.Version)
	if err != nil {
		return nil, fmt.Errorf("plugin %s declares invalid version %q: %w", name, wire.Version, err)
	}

	return &Descriptor{
		Name:        name,
		Version:     version,
		Author:      wire.Author,
		Description: wire.Description,
		Declared:    permission.FromStrings(wire.Permissions),
		Commands:    wire.Commands,
		Events:      wire.Events,
	}, nil
}
