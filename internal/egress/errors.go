package egress

import "errors"

var (
	// ErrNoEgressAvailable means the user owns no active, unassigned identity.
	ErrNoEgressAvailable = errors.New("no egress identity available")
	// ErrAlreadyAssigned means another live account holds the identity.
	ErrAlreadyAssigned = errors.New("egress identity already assigned to another account")
	// ErrEgressNotFound means the id or address does not name an identity of the user.
	ErrEgressNotFound = errors.New("egress identity not found")
	// ErrEgressInactive means the identity was deactivated and cannot carry traffic.
	ErrEgressInactive = errors.New("egress identity is inactive")
	// ErrNotBound means the account has no egress binding to route through.
	ErrNotBound = errors.New("account has no egress binding")
)
