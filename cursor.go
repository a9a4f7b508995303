package kvengine

import (
	"github.com/kvengine/core/internal/access/queue"
	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/txn"
)

// QueueCursor scans a queue Database's present records; it has no
// key/value equivalent, so it's exposed separately from Cursor rather
// than forced into the same shape.
type QueueCursor = queue.Cursor

// NewQueueCursor opens a snapshot cursor over a queue Database's
// current [head,tail) range.
func (d *Database) NewQueueCursor(tx *txn.Transaction) (*QueueCursor, error) {
	const op = "kvengine.Database.NewQueueCursor"
	if d.kind != KindQueue {
		return nil, errs.New(op, errs.INVAL)
	}
	return d.queue.NewCursor(tx)
}
