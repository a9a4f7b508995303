package region

// OpenFlag selects which subsystems Environment.Open initializes or joins,
// and how. Bits compose freely; Open interprets the set as a whole.
type OpenFlag uint32

const (
	CREATE OpenFlag = 1 << iota
	PRIVATE
	THREAD
	SYSTEM_MEM
	INIT_MPOOL
	INIT_LOCK
	INIT_LOG
	INIT_TXN
	INIT_CDB
	RECOVER
	RECOVER_FATAL
	REGISTER
	LOCKDOWN
	USE_ENVIRON
)

func (f OpenFlag) Has(bit OpenFlag) bool { return f&bit != 0 }

// TransactionalMode reports whether Open was asked to initialize the log
// and transaction subsystems; absent that, a database runs in the
// degenerate CDS mode (lock manager only, no log).
func (f OpenFlag) TransactionalMode() bool {
	return f.Has(INIT_LOG) && f.Has(INIT_TXN)
}
