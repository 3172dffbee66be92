package coord

import (
	"context"
	"time"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

// Deferreds provides the single-resolution primitive (spec.md §4.D): one
// agent creates a deferred awaiting a result, another resolves it exactly
// once, and any further resolution attempt fails with AlreadyResolved.
type Deferreds struct {
	db *storex.Store
}

// NewDeferreds wires a Deferreds service directly to the store.
func NewDeferreds(db *storex.Store) *Deferreds {
	return &Deferreds{db: db}
}

// Create registers a new deferred at url with the given TTL. Creating a
// deferred that already exists and is unresolved is idempotent (returns
// the existing row); creating one that already resolved is an error,
// since a resolved deferred's identity (its url) must stay unique.
func (d *Deferreds) Create(ctx context.Context, url string, ttl time.Duration) (*types.Deferred, error) {
	var out *types.Deferred
	err := d.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		existing, err := getDeferred(ctx, tx, url)
		if err == nil {
			if existing.Resolved {
				return errs.Wrapf(errs.AlreadyResolved, "deferred %s already resolved", url)
			}
			out = existing
			return nil
		}
		if !errs.IsNotFound(err) {
			return err
		}
		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `
			INSERT INTO deferreds (url, resolved, expires_at, created_at) VALUES (?, 0, ?, ?)`,
			url, now.Add(ttl).Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return errs.Wrap("create deferred", err)
		}
		out = &types.Deferred{URL: url, ExpiresAt: now.Add(ttl), CreatedAt: now}
		return nil
	})
	return out, err
}

// Resolve sets url's value (or error) exactly once. A second call returns
// AlreadyResolved; resolving past expiry returns Expired.
func (d *Deferreds) Resolve(ctx context.Context, url string, value []byte, resolveErr string) error {
	return d.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		cur, err := getDeferred(ctx, tx, url)
		if err != nil {
			return err
		}
		if cur.Resolved {
			return errs.Wrapf(errs.AlreadyResolved, "deferred %s already resolved", url)
		}
		if time.Now().UTC().After(cur.ExpiresAt) {
			return errs.Wrapf(errs.Expired, "deferred %s expired at %s", url, cur.ExpiresAt)
		}
		_, err = tx.Exec(ctx, `UPDATE deferreds SET resolved = 1, value = ?, error = ? WHERE url = ?`,
			value, resolveErr, url)
		return errs.Wrap("resolve deferred", err)
	})
}

// Await returns the current state of url, resolved or not — callers poll
// this (the substrate has no in-process blocking wait; a streaming
// consumer should watch for the corresponding projection change instead).
func (d *Deferreds) Await(ctx context.Context, url string) (*types.Deferred, error) {
	var out *types.Deferred
	err := d.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		var err error
		out, err = getDeferred(ctx, tx, url)
		return err
	})
	return out, err
}

func getDeferred(ctx context.Context, tx *storex.Tx, url string) (*types.Deferred, error) {
	def := &types.Deferred{URL: url}
	var resolved int
	var value []byte
	var errStr *string
	var expiresAt, createdAt string
	err := tx.QueryRow(ctx, `SELECT resolved, value, error, expires_at, created_at FROM deferreds WHERE url = ?`, url).
		Scan(&resolved, &value, &errStr, &expiresAt, &createdAt)
	if err != nil {
		return nil, errs.Wrap("get deferred", err)
	}
	def.Resolved = resolved != 0
	def.Value = value
	if errStr != nil {
		def.Error = *errStr
	}
	def.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	def.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return def, nil
}
