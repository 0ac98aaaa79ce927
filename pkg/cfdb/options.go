package cfdb

import (
	"fmt"
	"strings"
	"time"
)

// Backends understood by Open.
const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Options configure Open and ListColumnFamilies.
type Options struct {
	// Backend selects the storage engine. Empty means BackendBolt.
	Backend string
	// CreateIfMissing creates the database directory when it does not
	// exist. Without it, opening a missing path fails.
	CreateIfMissing bool
	// LockTimeout bounds the wait for the bolt file lock. Zero waits
	// forever.
	LockTimeout time.Duration
	// ReclaimWorkers bounds concurrent reclamation of dropped families.
	ReclaimWorkers int
	// DefaultFamilyOptions apply to families with neither a caller config
	// nor persisted options.
	DefaultFamilyOptions FamilyOptions
	// NoSync skips fsync on commit. Tests only.
	NoSync bool
}

// DefaultOptions returns the options the CLI starts from.
func DefaultOptions() *Options {
	return &Options{
		Backend:         BackendBolt,
		CreateIfMissing: true,
		LockTimeout:     time.Second,
		ReclaimWorkers:  2,
	}
}

func (o *Options) backend() (string, error) {
	switch b := strings.ToLower(o.Backend); b {
	case "", BackendBolt:
		return BackendBolt, nil
	case BackendBadger, BackendMemory:
		return b, nil
	default:
		return "", fmt.Errorf("unknown backend %q", o.Backend)
	}
}
