// Package logmgr implements the write-ahead log: an append-only sequence
// of LSN-addressed, checksummed records spread across numbered segment
// files, with a buffered append path, an explicit durability watermark,
// and a cursor for scanning records forward or backward during recovery.
package logmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/logging"
	"github.com/kvengine/core/internal/page"
)

// Config configures a Manager.
type Config struct {
	Dir         string
	MaxFileSize int64 // segment rollover threshold; 0 uses a 16MiB default
	BufferSize  int   // in-memory append buffer before an implicit flush; 0 uses a 64KiB default
}

// Manager owns the log's segment files and append buffer.
type Manager struct {
	dir         string
	maxFileSize int64
	bufCap      int

	// appendMu guards everything about the logical append position:
	// the in-memory buffer, the current file, and its in-memory offset.
	appendMu sync.Mutex
	buf      []byte
	curFile  *os.File
	curNum   uint32
	curOff   uint32 // offset of curFile, including buffered-but-unflushed bytes
	flushOff uint32 // offset of curFile already durable on disk

	// diskMu serializes actual writes to curFile, held only while
	// flushing, separate from appendMu so Put never blocks behind disk IO
	// for longer than it takes to copy into the buffer.
	diskMu sync.Mutex

	durableMu sync.Mutex
	durable   page.LSN

	regMu      sync.Mutex
	registered map[page.Fid]string
}

func segmentName(num uint32) string {
	return fmt.Sprintf("log.%010d", num)
}

func parseSegmentName(name string) (uint32, bool) {
	if !strings.HasPrefix(name, "log.") {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(name, "log."), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// Open opens (creating if necessary) the log directory and positions the
// manager at the end of the highest-numbered existing segment, or
// creates segment 1 if the directory is empty.
func Open(cfg Config) (*Manager, error) {
	const op = "logmgr.Open"
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 16 << 20
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 << 10
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errs.Wrap(op, errs.IO, err)
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, errs.Wrap(op, errs.IO, err)
	}
	var nums []uint32
	for _, e := range entries {
		if n, ok := parseSegmentName(e.Name()); ok {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	m := &Manager{
		dir:         cfg.Dir,
		maxFileSize: cfg.MaxFileSize,
		bufCap:      cfg.BufferSize,
		registered:  make(map[page.Fid]string),
	}

	var num uint32 = 1
	if len(nums) > 0 {
		num = nums[len(nums)-1]
	}
	f, err := os.OpenFile(filepath.Join(cfg.Dir, segmentName(num)), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.Wrap(op, errs.IO, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(op, errs.IO, err)
	}

	m.curFile = f
	m.curNum = num
	m.curOff = uint32(info.Size())
	m.flushOff = m.curOff
	m.durable = page.LSN{File: num, Offset: m.curOff}
	return m, nil
}

// Put appends a record and returns its LSN. The record is placed in the
// in-memory buffer; it is not guaranteed durable until Flush covers its
// LSN (or it is flushed implicitly because the buffer filled).
func (m *Manager) Put(recType RecordType, payload []byte) (page.LSN, error) {
	const op = "logmgr.Put"
	encoded := encodeRecord(recType, payload)

	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	if uint32(len(encoded)) > uint32(m.maxFileSize) {
		return page.LSN{}, errs.New(op, errs.INVAL)
	}
	if int64(m.curOff)+int64(len(encoded)) > m.maxFileSize {
		if err := m.rollLocked(); err != nil {
			return page.LSN{}, err
		}
	}

	lsn := page.LSN{File: m.curNum, Offset: m.curOff}
	m.buf = append(m.buf, encoded...)
	m.curOff += uint32(len(encoded))

	if len(m.buf) >= m.bufCap {
		if err := m.flushLocked(lsn); err != nil {
			return page.LSN{}, err
		}
	}
	return lsn, nil
}

// rollLocked closes the current segment and opens the next one. Callers
// hold appendMu.
func (m *Manager) rollLocked() error {
	const op = "logmgr.roll"
	if err := m.flushLocked(page.LSN{File: m.curNum, Offset: m.curOff}); err != nil {
		return err
	}
	if err := m.curFile.Close(); err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	m.curNum++
	f, err := os.OpenFile(filepath.Join(m.dir, segmentName(m.curNum)), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	m.curFile = f
	m.curOff = 0
	m.flushOff = 0
	logging.Infof("logmgr: rolled to segment %s", segmentName(m.curNum))
	return nil
}

// NewFile forces an immediate rollover, the operation a checkpoint uses
// so its CHECKPOINT record begins a fresh segment.
func (m *Manager) NewFile() error {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	return m.rollLocked()
}

// Flush writes every buffered byte needed to make through durable, then
// fsyncs. If through is already durable this is a no-op.
func (m *Manager) Flush(through page.LSN) error {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	return m.flushLocked(through)
}

// flushLocked does the actual write+sync. Callers hold appendMu.
func (m *Manager) flushLocked(through page.LSN) error {
	const op = "logmgr.Flush"

	m.durableMu.Lock()
	already := m.durable
	m.durableMu.Unlock()
	if through.LessEqual(already) && len(m.buf) == 0 {
		return nil
	}

	m.diskMu.Lock()
	defer m.diskMu.Unlock()

	if len(m.buf) > 0 {
		if _, err := m.curFile.WriteAt(m.buf, int64(m.flushOff)); err != nil {
			return errs.Wrap(op, errs.IO, err)
		}
		m.flushOff += uint32(len(m.buf))
		m.buf = m.buf[:0]
	}
	if err := m.curFile.Sync(); err != nil {
		return errs.Wrap(op, errs.IO, err)
	}

	m.durableMu.Lock()
	newDurable := page.LSN{File: m.curNum, Offset: m.flushOff}
	if already.Less(newDurable) {
		m.durable = newDurable
	}
	m.durableMu.Unlock()
	return nil
}

// DurableLSN returns the highest LSN guaranteed to survive a crash.
func (m *Manager) DurableLSN() page.LSN {
	m.durableMu.Lock()
	defer m.durableMu.Unlock()
	return m.durable
}

// Register records that fid's on-disk name is name, so recovery can
// resolve log records that reference fid back to an openable file even
// if the database was renamed since the record was written.
func (m *Manager) Register(fid page.Fid, name string) {
	m.regMu.Lock()
	m.registered[fid] = name
	m.regMu.Unlock()
}

// Unregister drops fid's name mapping, called when a database is closed.
func (m *Manager) Unregister(fid page.Fid) {
	m.regMu.Lock()
	delete(m.registered, fid)
	m.regMu.Unlock()
}

// LookupName returns the name most recently registered for fid.
func (m *Manager) LookupName(fid page.Fid) (string, bool) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	name, ok := m.registered[fid]
	return name, ok
}

// Close flushes and closes the current segment file.
func (m *Manager) Close() error {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	if err := m.flushLocked(page.LSN{File: m.curNum, Offset: m.curOff}); err != nil {
		return err
	}
	return m.curFile.Close()
}
