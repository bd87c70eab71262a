package app

import (
	"geist/internal/manifest"
	"geist/internal/resolve"
)

// Command is one of the fixed operator commands. The set is closed: only
// the types in this file implement it.
type Command interface {
	name() string
}

// Update moves every component that differs from Version.
type Update struct {
	Version resolve.Selector
}

// Verify fetches and verifies Version without touching the device.
type Verify struct {
	Version resolve.Selector
}

// Rollback returns to the last-known-good set, or to Version when given.
type Rollback struct {
	Version resolve.Selector
}

// UpdateSelf updates only the supervisor binary.
type UpdateSelf struct {
	Version resolve.Selector
}

// Recover finishes or rolls back an interrupted session. It is what the
// supervisor runs after re-executing itself.
type Recover struct{}

func (Update) name() string     { return "update" }
func (Verify) name() string     { return "verify" }
func (Rollback) name() string   { return "rollback" }
func (UpdateSelf) name() string { return "update-self" }
func (Recover) name() string    { return "recover" }

func onlySupervisor(kind manifest.Kind) bool {
	return kind == manifest.Supervisor
}
