package cf

import (
	"errors"
	"fmt"

	"cfdb/internal/engine"
)

var (
	ErrDuplicateName     = errors.New("column family already exists")
	ErrNotFound          = errors.New("column family not found")
	ErrStaleHandle       = errors.New("stale column family handle")
	ErrInvalidTransition = errors.New("invalid column family state transition")
	ErrProtectedFamily   = fmt.Errorf("%w: the default column family cannot be dropped", ErrInvalidTransition)
	ErrCorruptManifest   = errors.New("corrupt manifest")
	ErrInvalidName       = errors.New("invalid column family name")
	ErrClosed            = errors.New("database closed")
	ErrValueTooLarge     = errors.New("value exceeds max_value_size")
	ErrKeyNotFound       = engine.ErrKeyNotFound
)

// OpenError reports why a database could not be opened. No state is
// exposed when it is returned.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("opening database: %v", e.Err)
	}
	return fmt.Sprintf("opening database %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// EngineError wraps a storage engine failure verbatim.
type EngineError struct {
	Op     string
	Family string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Family == "" {
		return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("engine %s on column family %q: %v", e.Op, e.Family, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func corrupt(offset uint64, format string, args ...any) error {
	return fmt.Errorf("%w: offset %d: %s", ErrCorruptManifest, offset, fmt.Sprintf(format, args...))
}
