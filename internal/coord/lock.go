package coord

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/event"
	"github.com/swarmgrid/substrate/internal/projection"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

// Locks provides the distributed mutex with fencing tokens (spec.md §4.D):
// a resource can be held by one holder at a time, and every successful
// acquire hands back a strictly increasing seq so a stale holder's writes
// can be rejected downstream even after a lock has since changed hands.
type Locks struct {
	db   *storex.Store
	proj *projection.Registry
	pub  event.Publisher
}

// NewLocks wires a Locks service to the store and projection registry.
func NewLocks(db *storex.Store, proj *projection.Registry) *Locks {
	return &Locks{db: db, proj: proj}
}

// SetPublisher attaches the live event-stream publisher.
func (l *Locks) SetPublisher(pub event.Publisher) { l.pub = pub }

func (l *Locks) publish(e *types.Event) {
	if l.pub != nil {
		l.pub.Publish(e)
	}
}

// TryAcquire attempts to take resource for holder. If the current holder's
// lease has not expired and belongs to a different holder, returns a
// ConflictErr. Re-acquiring one's own lock extends the lease and bumps seq.
func (l *Locks) TryAcquire(ctx context.Context, resource, holder string, ttl time.Duration) (*types.Lock, error) {
	var result *types.Lock
	var published *types.Event
	err := l.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		now := time.Now().UTC()
		var existingHolder, expiresAt string
		var existingSeq int64
		var releasedAt sql.NullString
		err := tx.QueryRow(ctx, `SELECT holder, seq, expires_at, released_at FROM locks WHERE resource = ?`, resource).
			Scan(&existingHolder, &existingSeq, &expiresAt, &releasedAt)
		nextSeq := int64(1)
		switch {
		case errs.IsNotFound(err):
			// no current holder
		case err != nil:
			return err
		default:
			// The row survives release/expiry so its seq keeps counting up;
			// only an unreleased, unexpired lock held by someone else conflicts.
			exp, _ := time.Parse(time.RFC3339Nano, expiresAt)
			if !releasedAt.Valid && existingHolder != holder && exp.After(now) {
				return &errs.ConflictErr{WithAgent: existingHolder, Reason: "resource " + resource + " is locked"}
			}
			nextSeq = existingSeq + 1
		}

		payload, _ := json.Marshal(map[string]any{
			"resource": resource, "holder": holder, "seq": nextSeq,
			"expiresAt": now.Add(ttl).UnixMilli(),
		})
		e := &types.Event{Type: "lock_acquired", ProjectKey: "", Timestamp: now.UnixMilli(), Data: payload}
		id, seq, err := event.Append(ctx, tx, e)
		if err != nil {
			return err
		}
		e.ID, e.Sequence = id, seq
		if err := l.proj.Apply(ctx, tx, e); err != nil {
			return err
		}
		result = &types.Lock{Resource: resource, Holder: holder, Seq: nextSeq, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
		published = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(published)
	return result, nil
}

// Release drops resource's lock if its row still names holder; releasing a
// lock held by someone else, or one never acquired, is a no-op, so a caller
// whose lease expired and was taken over can never release the new
// holder's lock. Only the holder is compared: a matching row is released
// even if its lease has expired or it was already released.
func (l *Locks) Release(ctx context.Context, resource, holder string) error {
	var published *types.Event
	err := l.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		var existingHolder string
		err := tx.QueryRow(ctx, `SELECT holder FROM locks WHERE resource = ?`, resource).Scan(&existingHolder)
		if errs.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if existingHolder != holder {
			return nil
		}
		now := time.Now().UTC()
		payload, _ := json.Marshal(map[string]any{"resource": resource})
		e := &types.Event{Type: "lock_released", ProjectKey: "", Timestamp: now.UnixMilli(), Data: payload}
		id, seq, err := event.Append(ctx, tx, e)
		if err != nil {
			return err
		}
		e.ID, e.Sequence = id, seq
		if err := l.proj.Apply(ctx, tx, e); err != nil {
			return err
		}
		published = e
		return nil
	})
	if err == nil {
		l.publish(published)
	}
	return err
}

// Get returns the current lock state for resource, or errs.NotFound if it
// has never been held or its holder has since released it.
func (l *Locks) Get(ctx context.Context, resource string) (*types.Lock, error) {
	var lk types.Lock
	var acquiredAt, expiresAt string
	err := l.db.QueryRow(ctx,
		`SELECT resource, holder, seq, acquired_at, expires_at FROM locks WHERE resource = ? AND released_at IS NULL`,
		resource).
		Scan(&lk.Resource, &lk.Holder, &lk.Seq, &acquiredAt, &expiresAt)
	if err != nil {
		return nil, errs.Wrap("get lock", err)
	}
	lk.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAt)
	lk.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return &lk, nil
}
