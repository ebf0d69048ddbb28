// Package uuid generates worker and request identifiers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 identifiers, optionally prefixed.
type Generator struct {
	prefix string
}

// New returns a Generator. A non-empty prefix is joined with a dash.
func New(prefix string) *Generator {
	return &Generator{prefix: strings.TrimSpace(prefix)}
}

// NewID returns a fresh identifier such as "worker-0190c3b1-...".
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "-" + id.String(), nil
}

// Short trims the uuid part of an identifier produced by NewID to its
// first block, for logs. Other strings are returned unchanged.
func Short(id string) string {
	const uuidLen = 36
	if len(id) < uuidLen {
		return id
	}
	head, tail := id[:len(id)-uuidLen], id[len(id)-uuidLen:]
	if _, err := uuid.Parse(tail); err != nil {
		return id
	}
	return head + tail[:8]
}
