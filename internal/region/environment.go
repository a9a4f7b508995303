// Package region models the lowest layer of the engine: a process-wide
// shared Environment, the named Arenas ("regions") the other subsystems
// carve their state out of, and the mutex service they acquire through.
package region

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/logging"
)

// Environment is the root shared state a database composes its buffer
// pool, lock manager, log manager and transactions over. One Environment
// is created per Open call; RECOVER/REGISTER coordinate which opener in a
// multi-process deployment actually runs recovery.
type Environment struct {
	Home  string
	Flags OpenFlag

	Mutexes *MutexService

	mu       sync.Mutex
	regions  map[string]*Arena
	refCount int32
	panicked int32 // atomic bool, sticky once set

	registerFile *os.File
	ranRecovery  bool
}

// Open creates or joins a shared environment rooted at home. CREATE makes
// home if it does not exist. REGISTER coordinates so exactly one process
// in a multi-process deployment performs recovery: the opener that
// creates the marker file runs it; any other opener that finds the
// marker fails with RUNRECOVERY unless it passes RECOVER or
// RECOVER_FATAL. No opener waits for the marker to clear.
func Open(home string, flags OpenFlag) (*Environment, error) {
	const op = "region.Open"

	if home == "" {
		return nil, errs.New(op, errs.INVAL)
	}

	if flags.Has(CREATE) {
		if err := os.MkdirAll(home, 0755); err != nil {
			return nil, errs.Wrap(op, errs.IO, err)
		}
	} else if _, err := os.Stat(home); err != nil {
		return nil, errs.Wrap(op, errs.NOENT, err)
	}

	env := &Environment{
		Home:    home,
		Flags:   flags,
		Mutexes: NewMutexService(),
		regions: make(map[string]*Arena),
	}

	if flags.Has(REGISTER) {
		if err := env.register(flags); err != nil {
			return nil, err
		}
	}

	env.refCount = 1
	logging.Infof("environment opened at %s (flags=%#x)", home, uint32(flags))
	return env, nil
}

// register coordinates single-writer-runs-recovery across concurrent
// openers of the same home directory: an O_EXCL marker file lets exactly
// one opener win the right to run recovery, since no library in this
// module's dependency set provides cross-platform file locking
// (documented in DESIGN.md — stdlib os is used deliberately here).
func (e *Environment) register(flags OpenFlag) error {
	const op = "region.register"
	markerPath := filepath.Join(e.Home, "__db.register")

	f, err := os.OpenFile(markerPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		// We are the process that must run recovery.
		e.registerFile = f
		e.ranRecovery = true
		return nil
	}
	if !os.IsExist(err) {
		return errs.Wrap(op, errs.IO, err)
	}

	// Marker already present. Without a live holder to ask, the only
	// evidence available is the marker's existence; a fresh RECOVER flag
	// from the caller is required to proceed, otherwise this looks like a
	// process that died mid-recovery.
	if !flags.Has(RECOVER) && !flags.Has(RECOVER_FATAL) {
		return errs.New(op, errs.RUNRECOVERY)
	}
	return nil
}

// RanRecovery reports whether this process is the one that acquired the
// REGISTER marker and is therefore responsible for running recovery.
func (e *Environment) RanRecovery() bool { return e.ranRecovery }

// FinishRegister releases the REGISTER marker once recovery has completed.
func (e *Environment) FinishRegister() error {
	if e.registerFile == nil {
		return nil
	}
	path := e.registerFile.Name()
	if err := e.registerFile.Close(); err != nil {
		return errs.Wrap("region.FinishRegister", errs.IO, err)
	}
	e.registerFile = nil
	return os.Remove(path)
}

// Region returns the named arena, creating it with the given initial size
// on first use. No subsystem calls it; mpool, lockmgr, logmgr and txn
// keep their tables and buffers in ordinary Go maps, lists and slices.
func (e *Environment) Region(name string, initialSize int) *Arena {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.regions[name]
	if !ok {
		a = NewArena(initialSize)
		e.regions[name] = a
	}
	return a
}

// Panic sets the sticky environment-wide panic flag. Once set every entry
// point must immediately fail with errs.PANIC; only Close remains
// meaningful.
func (e *Environment) Panic(cause error) {
	if atomic.CompareAndSwapInt32(&e.panicked, 0, 1) {
		logging.Errorf("environment panic: %v", cause)
	}
}

// IsPanicked reports whether the sticky panic flag is set.
func (e *Environment) IsPanicked() bool {
	return atomic.LoadInt32(&e.panicked) == 1
}

// CheckPanic returns errs.PANIC if the environment has panicked, nil
// otherwise. Every subsystem entry point should call this first.
func (e *Environment) CheckPanic(op string) error {
	if e.IsPanicked() {
		return errs.New(op, errs.PANIC)
	}
	return nil
}

// Close releases the environment. When the reference count reaches zero
// the REGISTER marker, if held, is removed.
func (e *Environment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.refCount--
	if e.refCount > 0 {
		return nil
	}
	if e.registerFile != nil {
		path := e.registerFile.Name()
		e.registerFile.Close()
		os.Remove(path)
		e.registerFile = nil
	}
	return nil
}

// AddRef increments the environment's reference count for an additional
// handle sharing this environment (e.g. a second Database.Open call).
func (e *Environment) AddRef() {
	e.mu.Lock()
	e.refCount++
	e.mu.Unlock()
}
