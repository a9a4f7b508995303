package lockmgr

import "time"

// LockerID identifies the entity that owns locks — usually a
// transaction, but CDS-mode callers may lock directly as their own
// locker. IDs are opaque and caller-assigned via Manager.ID.
type LockerID uint64

// ObjectID names the thing being locked: a page, a logical record range,
// or a whole file, depending on what the caller passes as the byte key.
type ObjectID string

// request is one locker's queued-or-granted ask for a mode on an object.
type request struct {
	locker  LockerID
	mode    Mode
	granted bool
	created time.Time
	// done is closed when the request's state (granted, or removed due to
	// timeout/deadlock) changes, waking the blocked Get call.
	done chan struct{}
	err  error
}

// object holds every locker's interest — granted or queued — in one
// ObjectID, in FIFO arrival order.
type object struct {
	id       ObjectID
	requests []*request
}

// grantedModes returns the mode of every granted request on the object,
// in queue order, or nil if none is granted.
func (o *object) grantedModes() []Mode {
	var out []Mode
	for _, r := range o.requests {
		if r.granted {
			out = append(out, r.mode)
		}
	}
	return out
}

// LockStats is a point-in-time snapshot of the lock manager's counters,
// the engine's equivalent of a DB_LOCK_STAT dump.
type LockStats struct {
	NumLockers    int
	NumObjects    int
	NumLocks      int
	NumWaiting    int
	Deadlocks     uint64
	LockTimeouts  uint64
	TxnTimeouts   uint64
	MaxWaitTime   time.Duration
	GrantedNoWait uint64
	GrantedWait   uint64
}
