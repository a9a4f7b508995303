// Package lockmgr implements the engine's hierarchical lock manager:
// lockers acquire locks on objects in one of several modes, conflicting
// requests queue FIFO, and a background detector breaks cycles in the
// resulting waits-for graph.
package lockmgr

// Mode is a lock mode a locker can hold on an object.
type Mode uint8

const (
	NG Mode = iota // not granted; never actually held
	Read
	Write
	Wait
	IWrite
	IRead
	RIW // read-intent-write: read a page while intending to write a child
	DirtyRead
	WasWrite // held by a transaction that wrote the object and is committing
	numModes
)

func (m Mode) String() string {
	switch m {
	case NG:
		return "NG"
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Wait:
		return "WAIT"
	case IWrite:
		return "IWRITE"
	case IRead:
		return "IREAD"
	case RIW:
		return "RIW"
	case DirtyRead:
		return "DIRTY_READ"
	case WasWrite:
		return "WAS_WRITE"
	default:
		return "UNKNOWN"
	}
}

// conflict9[held][requested] is true when a lock already held in mode
// "held" conflicts with a new request for mode "requested" — i.e. the
// request must wait (or fail, under NOWAIT).
var conflict9 = [numModes][numModes]bool{
	NG:        {},
	Read:      {Write: true, IWrite: true, RIW: true},
	Write:     {Read: true, Write: true, IWrite: true, IRead: true, RIW: true, DirtyRead: true},
	Wait:      {},
	IWrite:    {Read: true, Write: true},
	IRead:     {Write: true},
	RIW:       {Read: true, Write: true},
	DirtyRead: {Write: true},
	WasWrite:  {Write: true},
}

// Conflicts reports whether a lock held in mode "held" conflicts with a
// new request for mode "requested" under the full 9-mode matrix.
func Conflicts(held, requested Mode) bool {
	return conflict9[held][requested]
}

// conflict5 is the reduced compatibility matrix used in CDS (concurrent
// data store) mode, where only a single writer is ever admitted and
// readers never block each other.
var conflict5 = [numModes][numModes]bool{
	Read:   {Write: true, IWrite: true},
	Write:  {Read: true, Write: true, IWrite: true},
	IWrite: {Read: true, Write: true, IWrite: true},
}

// ConflictsCDS reports conflicts under the degenerate CDS mode matrix
// (NG/READ/WRITE/WAIT/IWRITE only).
func ConflictsCDS(held, requested Mode) bool {
	return conflict5[held][requested]
}
