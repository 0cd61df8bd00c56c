// Package plugin defines the descriptor a sandboxed extension presents at
// handshake time and the validation applied to it.
package plugin

import (
	"fmt"
	"regexp"
	"strings"
)

// Plugin names must be alphanumeric with dashes and underscores. The name is
// used in file paths and log records, so path separators are rejected.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Name represents a validated plugin identifier.
type Name struct {
	value string
}

// NewName creates a Name with validation.
func NewName(name string) (Name, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Name{}, fmt.Errorf("plugin name cannot be empty")
	}
	if len(name) > 64 {
		return Name{}, fmt.Errorf("plugin name too long: %d characters (max 64)", len(name))
	}
	if !namePattern.MatchString(name) {
		return Name{}, fmt.Errorf("plugin name %q contains invalid characters", name)
	}
	return Name{value: name}, nil
}

// MustNewName creates a Name or panics.
func MustNewName(name string) Name {
	n, err := NewName(name)
	if err != nil {
		panic(err)
	}
	return n
}

// String returns the string representation.
func (n Name) String() string {
	return n.value
}

// IsEmpty returns true if this is the zero value.
func (n Name) IsEmpty() bool {
	return n.value == ""
}

// Equals checks if two plugin names are equal.
func (n Name) Equals(other Name) bool {
	return n.value == other.value
}
