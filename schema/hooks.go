package schema

import "context"

// Signal names a lifecycle point at which hooks fire
type Signal int

const (
	PreSave Signal = iota
	PostSave
	PreDelete
	PostDelete
)

// String returns the string representation of the Signal
func (s Signal) String() string {
	switch s {
	case PreSave:
		return "pre-save"
	case PostSave:
		return "post-save"
	case PreDelete:
		return "pre-delete"
	case PostDelete:
		return "post-delete"
	default:
		return "unknown"
	}
}

// Event is passed to hooks. Record is the live record of the document being
// saved or deleted; pre-save hooks may modify it.
type Event struct {
	Signal  Signal
	Schema  *Schema
	Record  *Record
	ID      interface{}
	Created bool // post-save only: the save inserted a new document
}

// Hook is a lifecycle callback. Returning an error aborts the remaining
// hooks and the operation.
type Hook func(ctx context.Context, e *Event) error

// Fire runs the hooks registered for e.Signal in order
func (s *Schema) Fire(ctx context.Context, e *Event) error {
	for _, h := range s.hooks[e.Signal] {
		if err := h(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// HasHooks reports whether any hook is registered for sig
func (s *Schema) HasHooks(sig Signal) bool {
	return len(s.hooks[sig]) > 0
}
