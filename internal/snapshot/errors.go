package snapshot

import "errors"

// Error taxonomy of the COW engine. All engine errors wrap one of these
// sentinels; callers classify with errors.Is and must abort the enclosing
// journal transaction on any of the fatal ones, because a modification
// applied without its pre-image preserved corrupts the snapshot
// irrecoverably.
var (
	// ErrIO is a read, write or mapping failure. Always fatal to the
	// current transaction.
	ErrIO = errors.New("snapshot: i/o error")

	// ErrPermission is an attempt to modify the active snapshot outside a
	// sanctioned COW operation. A contract violation, always fatal.
	ErrPermission = errors.New("snapshot: active snapshot may only be modified during copy-on-write")

	// ErrNoSpace means snapshot storage allocation failed. Distinct from
	// ordinary device exhaustion so callers can surface it separately.
	ErrNoSpace = errors.New("snapshot: no space left for snapshot storage")
)
