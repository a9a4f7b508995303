package mpool

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/page"
)

// Store is the on-disk backing for one database's pages: a single
// growable file addressed by page number. The buffer pool is the only
// caller; access methods never touch a Store directly.
type Store interface {
	ReadPage(pgno page.No, size int) ([]byte, error)
	WritePage(pgno page.No, data []byte) error
	LastPgno() page.No
	// Extend grows the file by one page and returns its page number.
	Extend(size int) page.No
	Sync() error
	Close() error
}

// FileStore is a Store backed by one *os.File, the natural mapping for an
// embeddable disk-resident engine addressing pages as fixed-size units of I/O.
type FileStore struct {
	mu       sync.Mutex
	f        *os.File
	lastPgno page.No
}

// OpenFileStore opens (creating if needed) the file backing one database,
// and derives lastPgno from its current size.
func OpenFileStore(dir string, fid page.Fid, pageSize int) (*FileStore, error) {
	const op = "mpool.OpenFileStore"
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.Wrap(op, errs.IO, err)
	}
	path := filepath.Join(dir, fidFileName(fid))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.Wrap(op, errs.IO, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(op, errs.IO, err)
	}
	var last page.No
	if pageSize > 0 && info.Size() > 0 {
		last = page.No(info.Size()/int64(pageSize)) - 1
	}
	return &FileStore{f: f, lastPgno: last}, nil
}

func fidFileName(fid page.Fid) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, len(fid)*2)
	for i, c := range fid {
		b[i*2] = hexdigits[c>>4]
		b[i*2+1] = hexdigits[c&0xf]
	}
	return string(b) + ".db"
}

func (s *FileStore) ReadPage(pgno page.No, size int) ([]byte, error) {
	buf := make([]byte, size)
	off := int64(pgno) * int64(size)
	n, err := s.f.ReadAt(buf, off)
	if err != nil && n == 0 {
		return nil, errs.Wrap("mpool.FileStore.ReadPage", errs.IO, err)
	}
	return buf, nil
}

func (s *FileStore) WritePage(pgno page.No, data []byte) error {
	off := int64(pgno) * int64(len(data))
	if _, err := s.f.WriteAt(data, off); err != nil {
		return errs.Wrap("mpool.FileStore.WritePage", errs.IO, err)
	}
	return nil
}

func (s *FileStore) LastPgno() page.No {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPgno
}

func (s *FileStore) Extend(size int) page.No {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPgno == 0 {
		// first allocation past the meta page
		s.lastPgno = 1
	} else {
		s.lastPgno++
	}
	return s.lastPgno
}

func (s *FileStore) Sync() error {
	if err := s.f.Sync(); err != nil {
		return errs.Wrap("mpool.FileStore.Sync", errs.IO, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return s.f.Close()
}
