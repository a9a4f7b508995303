package lockmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/logging"
)

// Policy selects which locker a deadlock cycle sacrifices.
type Policy uint8

const (
	PolicyDefault Policy = iota // youngest transaction in the cycle
	PolicyExpire
	PolicyMaxLocks
	PolicyMaxWrite
	PolicyMinLocks
	PolicyMinWrite
	PolicyOldest
	PolicyRandom
	PolicyYoungest
)

// Config configures a Manager.
type Config struct {
	LockTimeout    time.Duration // 0 disables
	TxnTimeout     time.Duration // stored only; no transaction expiry is enforced
	DetectInterval time.Duration // 0 disables background detection
	Policy         Policy
	CDS            bool // use the reduced 5-mode compatibility matrix
}

// Lock is the handle Get returns; callers present it back to Put or
// Downgrade.
type Lock struct {
	locker LockerID
	obj    ObjectID
	mode   Mode
	req    *request
}

// Manager is one environment's lock table.
type Manager struct {
	mu      sync.Mutex
	objects map[ObjectID]*object
	// held indexes, for each locker, the requests it currently has
	// granted, across every object — used by IDFree, deadlock-graph
	// construction and the MAXLOCKS/MINLOCKS victim policies.
	held map[LockerID]map[*request]ObjectID

	cfg Config

	nextLocker uint64
	born       map[LockerID]time.Time
	bornMu     sync.Mutex

	stats   LockStats
	statsMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a lock manager and, if cfg.DetectInterval > 0, starts its
// background deadlock detector.
func New(cfg Config) *Manager {
	m := &Manager{
		objects: make(map[ObjectID]*object),
		held:    make(map[LockerID]map[*request]ObjectID),
		born:    make(map[LockerID]time.Time),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	if cfg.DetectInterval > 0 {
		m.wg.Add(1)
		go m.detectLoop()
	}
	return m
}

// Close stops the background detector. Outstanding lockers are not
// released; callers must IDFree them first.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

// ID allocates a fresh locker identity.
func (m *Manager) ID() LockerID {
	id := LockerID(atomic.AddUint64(&m.nextLocker, 1))
	m.bornMu.Lock()
	m.born[id] = time.Now()
	m.bornMu.Unlock()
	return id
}

// IDFree releases every lock the locker holds or is waiting on, the
// operation a transaction's abort/commit calls as its last step.
func (m *Manager) IDFree(locker LockerID) {
	m.mu.Lock()
	reqs := m.held[locker]
	delete(m.held, locker)
	var objs []*object
	for req, objID := range reqs {
		if obj, ok := m.objects[objID]; ok {
			m.removeRequest(obj, req)
			objs = append(objs, obj)
		}
	}
	m.mu.Unlock()

	for _, obj := range objs {
		m.grantWaiting(obj)
	}

	m.bornMu.Lock()
	delete(m.born, locker)
	m.bornMu.Unlock()
}

func (m *Manager) conflicts(held, requested Mode) bool {
	if m.cfg.CDS {
		return ConflictsCDS(held, requested)
	}
	return Conflicts(held, requested)
}

// Get acquires mode on obj for locker, blocking until granted, timed out,
// deadlocked, or ctx is canceled. When locker already has a granted
// request on obj, a request for the same mode, or for a mode that does
// not conflict with the held one and would not overtake another locker's
// conflicting waiter, is merged into it in place, keeping the stronger
// mode. Any other request is queued as a separate request, which the
// locker's own granted requests never block.
func (m *Manager) Get(ctx context.Context, locker LockerID, objID ObjectID, mode Mode) (*Lock, error) {
	const op = "lockmgr.Get"

	m.mu.Lock()
	obj, ok := m.objects[objID]
	if !ok {
		obj = &object{id: objID}
		m.objects[objID] = obj
	}

	if existing := m.findOwn(obj, locker); existing != nil {
		if existing.mode == mode || !m.conflicts(existing.mode, mode) && !m.wouldBlockOthers(obj, locker, mode) {
			existing.mode = upgradeMode(existing.mode, mode)
			m.mu.Unlock()
			return &Lock{locker: locker, obj: objID, mode: existing.mode, req: existing}, nil
		}
	}

	req := &request{locker: locker, mode: mode, created: time.Now(), done: make(chan struct{})}
	obj.requests = append(obj.requests, req)

	if m.canGrant(obj, req) {
		req.granted = true
		m.recordHeld(locker, req, objID)
		m.statsMu.Lock()
		m.stats.GrantedNoWait++
		m.statsMu.Unlock()
		m.mu.Unlock()
		return &Lock{locker: locker, obj: objID, mode: mode, req: req}, nil
	}
	m.mu.Unlock()

	timeout := m.cfg.LockTimeout
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-req.done:
		if req.err != nil {
			return nil, errors.Annotatef(req.err, "%s: locker=%d obj=%s mode=%v", op, locker, objID, mode)
		}
		m.statsMu.Lock()
		m.stats.GrantedWait++
		m.statsMu.Unlock()
		return &Lock{locker: locker, obj: objID, mode: mode, req: req}, nil
	case <-timeoutCh:
		m.mu.Lock()
		m.removeRequest(obj, req)
		m.mu.Unlock()
		m.statsMu.Lock()
		m.stats.LockTimeouts++
		m.statsMu.Unlock()
		return nil, errors.Annotatef(errs.New(op, errs.LOCK_TIMEOUT), "locker=%d obj=%s mode=%v waited %s", locker, objID, mode, timeout)
	case <-ctx.Done():
		m.mu.Lock()
		m.removeRequest(obj, req)
		m.mu.Unlock()
		return nil, errors.Annotatef(errs.Wrap(op, errs.INVAL, ctx.Err()), "locker=%d obj=%s mode=%v", locker, objID, mode)
	}
}

func upgradeMode(current, requested Mode) Mode {
	rank := func(mo Mode) int {
		switch mo {
		case NG:
			return 0
		case IRead:
			return 1
		case Read:
			return 2
		case RIW:
			return 3
		case IWrite:
			return 4
		case WasWrite, DirtyRead:
			return 5
		case Write:
			return 6
		default:
			return 0
		}
	}
	if rank(requested) > rank(current) {
		return requested
	}
	return current
}

func (m *Manager) findOwn(obj *object, locker LockerID) *request {
	for _, r := range obj.requests {
		if r.locker == locker && r.granted {
			return r
		}
	}
	return nil
}

// canGrant reports whether req may be granted immediately: it conflicts
// with no other granted request, and (FIFO fairness) no earlier-queued,
// still-waiting request from a different locker is ahead of it.
func (m *Manager) canGrant(obj *object, req *request) bool {
	ahead := true
	for _, other := range obj.requests {
		if other == req {
			ahead = false
			continue
		}
		if other.locker == req.locker {
			continue
		}
		if other.granted {
			if m.conflicts(other.mode, req.mode) {
				return false
			}
			continue
		}
		// a different, still-waiting, earlier request blocks req unless
		// it doesn't actually conflict (e.g. two waiting readers behind a
		// writer can be granted together once the writer releases).
		if ahead && m.conflicts(other.mode, req.mode) {
			return false
		}
	}
	return true
}

// wouldBlockOthers is used on the in-place upgrade path: an upgrade must
// not skip ahead of an already-waiting conflicting request.
func (m *Manager) wouldBlockOthers(obj *object, locker LockerID, mode Mode) bool {
	for _, other := range obj.requests {
		if other.locker == locker || other.granted {
			continue
		}
		if m.conflicts(mode, other.mode) {
			return true
		}
	}
	return false
}

func (m *Manager) recordHeld(locker LockerID, req *request, objID ObjectID) {
	set, ok := m.held[locker]
	if !ok {
		set = make(map[*request]ObjectID)
		m.held[locker] = set
	}
	set[req] = objID
}

func (m *Manager) removeRequest(obj *object, req *request) {
	for i, r := range obj.requests {
		if r == req {
			obj.requests = append(obj.requests[:i], obj.requests[i+1:]...)
			break
		}
	}
	if set, ok := m.held[req.locker]; ok {
		delete(set, req)
		if len(set) == 0 {
			delete(m.held, req.locker)
		}
	}
	if len(obj.requests) == 0 {
		delete(m.objects, obj.id)
	}
}

// grantWaiting walks obj's FIFO queue front-to-back granting every
// request that canGrant now accepts, stopping at the first one that
// still conflicts.
func (m *Manager) grantWaiting(obj *object) {
	m.mu.Lock()
	var granted []*request
	for _, r := range obj.requests {
		if r.granted {
			continue
		}
		if m.canGrant(obj, r) {
			r.granted = true
			m.recordHeld(r.locker, r, obj.id)
			granted = append(granted, r)
		} else {
			break
		}
	}
	m.mu.Unlock()

	for _, r := range granted {
		close(r.done)
	}
}

// Put releases a previously granted lock, then attempts to grant any
// request it was blocking.
func (m *Manager) Put(lock *Lock) error {
	const op = "lockmgr.Put"
	if lock == nil || lock.req == nil {
		return errs.New(op, errs.INVAL)
	}

	m.mu.Lock()
	obj, ok := m.objects[lock.obj]
	if !ok {
		m.mu.Unlock()
		return errs.New(op, errs.NOTFOUND)
	}
	m.removeRequest(obj, lock.req)
	m.mu.Unlock()

	m.grantWaiting(obj)
	return nil
}

// Op is one step of a Vec batch.
type Op struct {
	Action OpAction
	Object ObjectID
	Mode   Mode
	Lock   *Lock // required for OpPut
}

type OpAction uint8

const (
	OpGet OpAction = iota
	OpPut
	OpPutAll
)

// Vec executes a sequence of lock operations for one locker. If any Get
// in the sequence fails, every lock acquired earlier in the same call is
// released before returning the error, matching the all-or-nothing
// contract callers need when staging a multi-page operation.
func (m *Manager) Vec(ctx context.Context, locker LockerID, ops []Op) ([]*Lock, error) {
	var acquired []*Lock
	for _, op := range ops {
		switch op.Action {
		case OpGet:
			lk, err := m.Get(ctx, locker, op.Object, op.Mode)
			if err != nil {
				for _, held := range acquired {
					m.Put(held)
				}
				return nil, err
			}
			acquired = append(acquired, lk)
		case OpPut:
			if err := m.Put(op.Lock); err != nil {
				return acquired, err
			}
		case OpPutAll:
			m.IDFree(locker)
		}
	}
	return acquired, nil
}

// Downgrade lowers a granted lock to a weaker mode without blocking, then
// re-evaluates the object's wait queue since the weaker mode may now
// admit waiters it previously blocked.
func (m *Manager) Downgrade(lock *Lock, newMode Mode) error {
	const op = "lockmgr.Downgrade"
	m.mu.Lock()
	if lock == nil || lock.req == nil || !lock.req.granted {
		m.mu.Unlock()
		return errs.New(op, errs.INVAL)
	}
	lock.req.mode = newMode
	lock.mode = newMode
	obj := m.objects[lock.obj]
	m.mu.Unlock()

	if obj != nil {
		m.grantWaiting(obj)
	}
	return nil
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() LockStats {
	m.mu.Lock()
	numObjects := len(m.objects)
	numLocks, numWaiting := 0, 0
	for _, obj := range m.objects {
		for _, r := range obj.requests {
			numLocks++
			if !r.granted {
				numWaiting++
			}
		}
	}
	numLockers := len(m.held)
	m.mu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	st := m.stats
	st.NumLockers = numLockers
	st.NumObjects = numObjects
	st.NumLocks = numLocks
	st.NumWaiting = numWaiting
	return st
}

func (m *Manager) logDeadlock(victim LockerID, cycle []LockerID) {
	logging.Warnf("lockmgr: deadlock detected, aborting locker %d (cycle length %d)", victim, len(cycle))
}
