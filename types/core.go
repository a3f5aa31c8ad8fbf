// Package types holds the error taxonomy and the small value types shared by
// every nanodoc package.
package types

// State is the lifecycle state of a document instance
type State int

const (
	// StateNew marks an instance that was never persisted
	StateNew State = iota
	// StateValidated marks an instance that passed validation within the
	// current save call. It is never observed after the call returns.
	StateValidated
	// StatePersisted marks an instance stored under its identity
	StatePersisted
	// StateDeleted is terminal: no further save or delete is allowed
	StateDeleted
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateValidated:
		return "validated"
	case StatePersisted:
		return "persisted"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// AutoMode controls automatic population of a field during save
type AutoMode int

const (
	// AutoNone never populates the field automatically
	AutoNone AutoMode = iota
	// AutoOnCreate populates the field only while the instance is new
	AutoOnCreate
	// AutoOnSave populates the field on every persist
	AutoOnSave
)

// String returns the string representation of the AutoMode
func (m AutoMode) String() string {
	switch m {
	case AutoNone:
		return "none"
	case AutoOnCreate:
		return "on-create"
	case AutoOnSave:
		return "on-every-save"
	default:
		return "unknown"
	}
}

// Reserved storage keys
const (
	IDKey    = "_id"
	ClassKey = "_cls"
)

// DefaultAlias is the connection alias used when a schema names none
const DefaultAlias = "default"
