// Package kvengine ties the layered internal packages into one
// embeddable storage engine: Environment owns the shared buffer pool,
// lock manager, log manager and transaction manager for one on-disk
// home directory, and Database opens a single file against it under
// the btree, hash, or queue access method.
package kvengine

import (
	"github.com/pkg/errors"

	"github.com/kvengine/core/internal/config"
	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/lockmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/region"
	"github.com/kvengine/core/internal/txn"
)

// Environment is one open home directory: the region, buffer pool,
// lock and log managers, and the transaction manager built on top of
// them, shared by every Database opened against it.
type Environment struct {
	cfg    config.Config
	region *region.Environment
	pool   *mpool.Pool
	locks  *lockmgr.Manager
	log    *logmgr.Manager
	txns   *txn.Manager

	dbs map[page.Fid]*Database
}

// Open creates or attaches to an environment's home directory. With
// cfg.Register set it coordinates single-opener-runs-recovery across
// concurrent openers (spec §4.5); with cfg.Recover or cfg.RecoverFatal
// set (or once Register determines this process is the recoverer), Open
// runs recovery itself before returning, the same replay
// Environment.Recover exposes for a caller that wants to run it again
// once every Database is reopened (recovery dispatches each record, for
// the page allocator and the access methods alike, only to the files of
// Databases this Environment already knows; none are open yet when Open
// runs it, so a Database's pages are reached only by a later
// Environment.Recover call made after that Database is opened).
func Open(cfg config.Config) (*Environment, error) {
	const op = "kvengine.Open"
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, op)
	}

	home := cfg.Home
	if home == "" {
		home = cfg.DataDir
	}
	regionFlags := region.CREATE
	if cfg.Register {
		regionFlags |= region.REGISTER
	}
	if cfg.RecoverFatal {
		regionFlags |= region.RECOVER | region.RECOVER_FATAL
	} else if cfg.Recover {
		regionFlags |= region.RECOVER
	}
	reg, err := region.Open(home, regionFlags)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	logDir := cfg.LogDir
	if logDir == "" {
		logDir = home
	}
	logm, err := logmgr.Open(logmgr.Config{
		Dir:         logDir,
		MaxFileSize: cfg.LogFileMax,
		BufferSize:  cfg.LogBufferSize,
	})
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	locks := lockmgr.New(lockmgr.Config{
		LockTimeout:    cfg.LockTimeout,
		TxnTimeout:     cfg.TxnTimeout,
		DetectInterval: cfg.DeadlockDetectInterval,
		Policy:         cfg.DeadlockPolicy,
		CDS:            cfg.CDS,
	})

	pool := mpool.New(reg, mpool.Config{PageSize: cfg.PageSize, Watermark: logm})

	env := &Environment{
		cfg:    cfg,
		region: reg,
		pool:   pool,
		locks:  locks,
		log:    logm,
		dbs:    make(map[page.Fid]*Database),
	}
	redoer := &compositeRedoer{env: env}
	env.txns = txn.New(txn.Config{Locks: locks, Log: logm, Pool: pool, Undoer: redoer, TxnTimeout: cfg.TxnTimeout})

	needsRecovery := regionFlags.Has(region.RECOVER) || regionFlags.Has(region.RECOVER_FATAL) ||
		(regionFlags.Has(region.REGISTER) && reg.RanRecovery())
	if needsRecovery {
		if err := env.txns.Recover(redoer); err != nil {
			return nil, errors.Wrap(err, op)
		}
		if regionFlags.Has(region.REGISTER) {
			if err := reg.FinishRegister(); err != nil {
				return nil, errors.Wrap(err, op)
			}
		}
	}
	return env, nil
}

// Begin starts a transaction against this environment.
func (e *Environment) Begin(parent *txn.Transaction, flags txn.Flag) *txn.Transaction {
	return e.txns.Begin(parent, flags)
}

// Commit commits a transaction started with Begin.
func (e *Environment) Commit(t *txn.Transaction) error { return e.txns.Commit(t) }

// Abort rolls back a transaction started with Begin.
func (e *Environment) Abort(t *txn.Transaction) error { return e.txns.Abort(t) }

// Checkpoint records a recovery checkpoint covering every registered file.
func (e *Environment) Checkpoint() (page.LSN, error) { return e.txns.Checkpoint() }

// Recover replays the log against every Database opened so far,
// dispatching each record to whichever access method (or the shared
// page allocator) recognizes it.
func (e *Environment) Recover() error {
	return e.txns.Recover(&compositeRedoer{env: e})
}

// Close flushes and releases every resource the environment owns.
func (e *Environment) Close() error {
	e.locks.Close()
	if err := e.log.Close(); err != nil {
		return err
	}
	return e.region.Close()
}

// PageSize returns the page size every Database under this environment
// shares.
func (e *Environment) PageSize() int { return e.cfg.PageSize }

// Stats is a point-in-time snapshot across every subsystem, the data
// cmd/dbengineadmin's dump-stats command prints.
type Stats struct {
	Lock           lockmgr.LockStats
	Pool           mpool.Stats
	LogDurableLSN  page.LSN
	LastCheckpoint page.LSN
	ActiveTxns     int
}

// Stat gathers a Stats snapshot from the lock manager, buffer pool, log
// manager and transaction manager.
func (e *Environment) Stat() Stats {
	return Stats{
		Lock:           e.locks.Stats(),
		Pool:           e.pool.Stats(),
		LogDurableLSN:  e.log.DurableLSN(),
		LastCheckpoint: e.txns.LastCheckpoint(),
		ActiveTxns:     len(e.txns.Active()),
	}
}
