// Package cf manages the lifecycle of column families: independent
// keyspaces sharing one storage engine. A Manager recovers the family set
// from the engine's manifest, creates and drops families, and routes reads
// and writes through opaque handles.
package cf

import (
	"fmt"

	"github.com/google/uuid"
)

// DefaultName is the family every database has and nobody can drop.
const DefaultName = "default"

// ID identifies a family. IDs are allocated monotonically and never reused.
type ID uint64

// DefaultID is the id of the default family.
const DefaultID ID = 0

// State is a family's position in its lifecycle.
type State uint8

const (
	Active State = iota + 1
	Dropping
	Dropped
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Dropping:
		return "dropping"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Family is the registry record for one column family.
type Family struct {
	ID      ID
	Name    string
	Options []byte // opaque; see engine.FamilyOptions
	State   State
	// CreatedAt is the manifest offset of the Create record.
	CreatedAt uint64
}

// Handle is a capability for one family of one database. It never
// rebinds; once its family is dropped every use fails with ErrStaleHandle.
type Handle struct {
	id   ID
	name string
	db   uuid.UUID
}

func (h *Handle) ID() ID { return h.id }

func (h *Handle) Name() string { return h.name }

func (h *Handle) String() string {
	return fmt.Sprintf("%s#%d", h.name, h.id)
}
