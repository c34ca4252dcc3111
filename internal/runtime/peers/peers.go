// Package peers exposes the stack's peer table as Diameter identities.
package peers

import (
	"strings"

	"github.com/drblury/rfbridge/internal/runtime/diameter"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
)

// StackSource returns the current stack, or nil before activation.
type StackSource func() diameter.Stack

// Directory is a read-only view of connected peers.
type Directory struct {
	source StackSource
	logger loggingpkg.ServiceLogger
}

// NewDirectory builds a Directory over source.
func NewDirectory(source StackSource, logger loggingpkg.ServiceLogger) *Directory {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Directory{source: source, logger: logger}
}

// Snapshot returns the identity of every peer in the table. It never
// returns nil; a missing stack or failed lookup yields an empty slice.
func (d *Directory) Snapshot() []diameter.Identity {
	out := []diameter.Identity{}
	if d == nil || d.source == nil {
		return out
	}
	stack := d.source()
	if stack == nil {
		return out
	}
	table, err := stack.PeerTable()
	if err != nil {
		d.logger.Error("Unable to read peer table", err, nil)
		return out
	}
	for _, p := range table {
		if p == nil {
			continue
		}
		out = append(out, IdentityOf(p.URI()))
	}
	return out
}

// Count returns the number of peers in the table.
func (d *Directory) Count() int {
	return len(d.Snapshot())
}

// IdentityOf returns the identity of a peer: its full URI, e.g.
// "aaa://host:3868;transport=tcp". Port and transport are kept so two peers
// on one host stay distinct.
func IdentityOf(uri string) diameter.Identity {
	return diameter.Identity(strings.TrimSpace(uri))
}
