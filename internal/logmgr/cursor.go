package logmgr

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/page"
)

// CursorOp selects how Cursor.Get moves before returning a record.
type CursorOp uint8

const (
	CursorFirst CursorOp = iota
	CursorNext
	CursorCurrent
	CursorLast
	CursorPrev
	CursorSet
)

// Cursor scans the log's records in LSN order, forward or backward,
// the access pattern recovery uses to find the last checkpoint and then
// replay from it.
type Cursor struct {
	m   *Manager
	at  page.LSN
	has bool
}

// NewCursor creates a cursor with no current position; the first Get
// must use CursorFirst, CursorLast, or CursorSet.
func (m *Manager) NewCursor() *Cursor {
	return &Cursor{m: m}
}

func (m *Manager) segmentNums() ([]uint32, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, errs.Wrap("logmgr.segmentNums", errs.IO, err)
	}
	var nums []uint32
	for _, e := range entries {
		if n, ok := parseSegmentName(e.Name()); ok {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// scanFile decodes every record in segment num from byte 0, returning
// the decoded records and their LSNs in file order.
func (m *Manager) scanFile(num uint32) ([]Record, []page.LSN, error) {
	const op = "logmgr.scanFile"
	// ensure this manager's own buffered bytes for the current segment are
	// visible to a reader opening the file directly.
	if num == m.curNum {
		if err := m.Flush(page.LSN{File: m.curNum, Offset: m.curOff}); err != nil {
			return nil, nil, err
		}
	}

	data, err := os.ReadFile(filepath.Join(m.dir, segmentName(num)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errs.New(op, errs.NOTFOUND)
		}
		return nil, nil, errs.Wrap(op, errs.IO, err)
	}

	var recs []Record
	var lsns []page.LSN
	var off uint32
	for off < uint32(len(data)) {
		rec, n, err := decodeRecord(data[off:])
		if err != nil {
			// a short trailing record means we hit the live write frontier
			// (or a torn write); stop scanning rather than fail the cursor.
			break
		}
		rec.LSN = page.LSN{File: num, Offset: off}
		recs = append(recs, rec)
		lsns = append(lsns, rec.LSN)
		off += uint32(n)
	}
	return recs, lsns, nil
}

// Get positions the cursor per op and returns the record found there.
func (c *Cursor) Get(op CursorOp, lsn page.LSN) (Record, error) {
	const errOp = "logmgr.Cursor.Get"

	switch op {
	case CursorFirst:
		nums, err := c.m.segmentNums()
		if err != nil {
			return Record{}, err
		}
		if len(nums) == 0 {
			return Record{}, errs.New(errOp, errs.NOTFOUND)
		}
		return c.seekInFile(nums[0], 0)

	case CursorLast:
		nums, err := c.m.segmentNums()
		if err != nil {
			return Record{}, err
		}
		for i := len(nums) - 1; i >= 0; i-- {
			recs, _, err := c.m.scanFile(nums[i])
			if err != nil {
				return Record{}, err
			}
			if len(recs) > 0 {
				rec := recs[len(recs)-1]
				c.at = rec.LSN
				c.has = true
				return rec, nil
			}
		}
		return Record{}, errs.New(errOp, errs.NOTFOUND)

	case CursorSet:
		return c.seekInFile(lsn.File, lsn.Offset)

	case CursorCurrent:
		if !c.has {
			return Record{}, errs.New(errOp, errs.INVAL)
		}
		return c.seekInFile(c.at.File, c.at.Offset)

	case CursorNext:
		if !c.has {
			return Record{}, errs.New(errOp, errs.INVAL)
		}
		return c.step(1)

	case CursorPrev:
		if !c.has {
			return Record{}, errs.New(errOp, errs.INVAL)
		}
		return c.step(-1)

	default:
		return Record{}, errs.New(errOp, errs.INVAL)
	}
}

func (c *Cursor) seekInFile(fileNum, offset uint32) (Record, error) {
	const op = "logmgr.Cursor.seek"
	recs, _, err := c.m.scanFile(fileNum)
	if err != nil {
		return Record{}, err
	}
	for _, r := range recs {
		if r.LSN.Offset == offset {
			c.at = r.LSN
			c.has = true
			return r, nil
		}
	}
	return Record{}, errs.New(op, errs.NOTFOUND)
}

// step moves by one record within the current segment, crossing into the
// adjacent segment file at either boundary.
func (c *Cursor) step(dir int) (Record, error) {
	const op = "logmgr.Cursor.step"
	recs, _, err := c.m.scanFile(c.at.File)
	if err != nil {
		return Record{}, err
	}
	idx := -1
	for i, r := range recs {
		if r.LSN.Offset == c.at.Offset {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Record{}, errs.New(op, errs.NOTFOUND)
	}

	next := idx + dir
	if next >= 0 && next < len(recs) {
		c.at = recs[next].LSN
		return recs[next], nil
	}

	nums, err := c.m.segmentNums()
	if err != nil {
		return Record{}, err
	}
	pos := -1
	for i, n := range nums {
		if n == c.at.File {
			pos = i
			break
		}
	}
	if pos < 0 {
		return Record{}, errs.New(op, errs.NOTFOUND)
	}

	if dir > 0 {
		for i := pos + 1; i < len(nums); i++ {
			recs, _, err := c.m.scanFile(nums[i])
			if err != nil {
				return Record{}, err
			}
			if len(recs) > 0 {
				c.at = recs[0].LSN
				return recs[0], nil
			}
		}
	} else {
		for i := pos - 1; i >= 0; i-- {
			recs, _, err := c.m.scanFile(nums[i])
			if err != nil {
				return Record{}, err
			}
			if len(recs) > 0 {
				last := recs[len(recs)-1]
				c.at = last.LSN
				return last, nil
			}
		}
	}
	return Record{}, errs.New(op, errs.NOTFOUND)
}
