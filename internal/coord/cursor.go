package coord

import (
	"context"
	"time"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

// Cursors provides durable, monotonic stream positions for at-least-once
// consumers (spec.md §4.D). Unlike reservations/locks, cursor advances are
// not logged as substrate events — a cursor is itself bookkeeping *about*
// the event log, and logging its own advance would be circular.
type Cursors struct {
	db *storex.Store
}

// NewCursors wires a Cursors service directly to the store.
func NewCursors(db *storex.Store) *Cursors {
	return &Cursors{db: db}
}

// Advance sets stream+checkpoint's position, rejecting any position that is
// not strictly ahead of the current one: consumers call this after successfully processing up to
// position, so a regression would silently replay already-handled work.
func (c *Cursors) Advance(ctx context.Context, stream, checkpoint string, position int64) error {
	return c.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		var current int64
		err := tx.QueryRow(ctx, `SELECT position FROM cursors WHERE stream = ? AND checkpoint = ?`, stream, checkpoint).
			Scan(&current)
		if err != nil && !errs.IsNotFound(err) {
			return err
		}
		if err == nil && position <= current {
			return errs.Wrapf(errs.Invalid, "cursor %s/%s: position %d is not ahead of current %d", stream, checkpoint, position, current)
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err = tx.Exec(ctx, `
			INSERT INTO cursors (stream, checkpoint, position, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(stream, checkpoint) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`,
			stream, checkpoint, position, now)
		return errs.Wrap("advance cursor", err)
	})
}

// Read returns the current position for stream+checkpoint, or 0 if the
// cursor has never been advanced.
func (c *Cursors) Read(ctx context.Context, stream, checkpoint string) (*types.Cursor, error) {
	cur := &types.Cursor{Stream: stream, Checkpoint: checkpoint}
	var updatedAt string
	err := c.db.QueryRow(ctx, `SELECT position, updated_at FROM cursors WHERE stream = ? AND checkpoint = ?`, stream, checkpoint).
		Scan(&cur.Position, &updatedAt)
	if errs.IsNotFound(err) {
		return cur, nil
	}
	if err != nil {
		return nil, errs.Wrap("read cursor", err)
	}
	cur.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return cur, nil
}
