// Package coord implements the substrate's coordination primitives: file
// scope reservations, a fencing distributed lock, durable cursors, and a
// single-resolution deferred. Every write goes through an event append
// (internal/event) with the matching internal/projection handler applying
// synchronously in the same transaction, so a reservation or lock is
// never visible to a reader before it is durable.
package coord

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/event"
	"github.com/swarmgrid/substrate/internal/projection"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

// Reservations provides file-scope reservation operations (spec.md §4.D).
type Reservations struct {
	db   *storex.Store
	proj *projection.Registry
	pub  event.Publisher
}

// NewReservations wires a Reservations service to the store and projection
// registry, so Acquire can append and project within one transaction.
func NewReservations(db *storex.Store, proj *projection.Registry) *Reservations {
	return &Reservations{db: db, proj: proj}
}

// SetPublisher attaches the live event-stream publisher.
func (r *Reservations) SetPublisher(pub event.Publisher) { r.pub = pub }

func (r *Reservations) publish(e *types.Event) {
	if r.pub != nil {
		r.pub.Publish(e)
	}
}

// AcquireInput describes a reservation request.
type AcquireInput struct {
	ProjectKey  string
	AgentName   string
	PathPattern string
	Exclusive   bool
	Reason      string
	TTL         time.Duration
}

// Acquire reserves a path pattern for an agent, rejecting the request if an
// active, overlapping reservation held by a different agent already exists
// and either it or the request is exclusive. Conflict detection compares path-pattern overlap via
// filepath.Match in both directions, since either pattern may be the more
// specific one.
func (r *Reservations) Acquire(ctx context.Context, in AcquireInput) (*types.Reservation, error) {
	var result *types.Reservation
	var published *types.Event
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		now := time.Now().UTC()
		active, err := activeReservations(ctx, tx, in.ProjectKey, now)
		if err != nil {
			return err
		}
		for _, existing := range active {
			if existing.AgentName == in.AgentName {
				continue
			}
			if !existing.Exclusive && !in.Exclusive {
				continue
			}
			if patternsOverlap(existing.PathPattern, in.PathPattern) {
				return &errs.ConflictErr{WithAgent: existing.AgentName, WithPath: existing.PathPattern}
			}
		}

		payload, err := json.Marshal(map[string]any{
			"agentName":   in.AgentName,
			"pathPattern": in.PathPattern,
			"exclusive":   in.Exclusive,
			"reason":      in.Reason,
			"expiresAt":   now.Add(in.TTL).UnixMilli(),
		})
		if err != nil {
			return errs.Wrap("marshal reservation_acquired", err)
		}
		e := &types.Event{Type: "reservation_acquired", ProjectKey: in.ProjectKey, Timestamp: now.UnixMilli(), Data: payload}
		id, seq, err := event.Append(ctx, tx, e)
		if err != nil {
			return err
		}
		e.ID, e.Sequence = id, seq
		if err := r.proj.Apply(ctx, tx, e); err != nil {
			return err
		}
		result = &types.Reservation{
			ID: id, ProjectKey: in.ProjectKey, AgentName: in.AgentName, PathPattern: in.PathPattern,
			Exclusive: in.Exclusive, Reason: in.Reason, CreatedAt: now, ExpiresAt: now.Add(in.TTL),
		}
		published = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.publish(published)
	return result, nil
}

// Release ends a reservation early.
func (r *Reservations) Release(ctx context.Context, projectKey string, reservationID int64) error {
	var published *types.Event
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		now := time.Now().UTC()
		payload, _ := json.Marshal(map[string]any{"reservationId": reservationID})
		e := &types.Event{Type: "reservation_released", ProjectKey: projectKey, Timestamp: now.UnixMilli(), Data: payload}
		id, seq, err := event.Append(ctx, tx, e)
		if err != nil {
			return err
		}
		e.ID, e.Sequence = id, seq
		if err := r.proj.Apply(ctx, tx, e); err != nil {
			return err
		}
		published = e
		return nil
	})
	if err == nil {
		r.publish(published)
	}
	return err
}

// SweepExpired releases every reservation whose TTL has elapsed, emitting
// one reservation_expired event per row so the projection and event log
// both record the expiry. Returns the number of reservations released.
func (r *Reservations) SweepExpired(ctx context.Context, projectKey string) (int, error) {
	count := 0
	var published []*types.Event
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		now := time.Now().UTC()
		rows, err := tx.Query(ctx, `
			SELECT id FROM reservations
			WHERE project_key = ? AND released_at IS NULL AND expires_at <= ?`,
			projectKey, now.Format(time.RFC3339Nano))
		if err != nil {
			return errs.Wrap("sweep expired: query", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errs.Wrap("sweep expired: scan", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			payload, _ := json.Marshal(map[string]any{"reservationId": id})
			e := &types.Event{Type: "reservation_expired", ProjectKey: projectKey, Timestamp: now.UnixMilli(), Data: payload}
			eid, seq, err := event.Append(ctx, tx, e)
			if err != nil {
				return err
			}
			e.ID, e.Sequence = eid, seq
			if err := r.proj.Apply(ctx, tx, e); err != nil {
				return err
			}
			published = append(published, e)
			count++
		}
		return nil
	})
	if err == nil {
		for _, e := range published {
			r.publish(e)
		}
	}
	return count, err
}

// Active lists currently active reservations for a project.
func (r *Reservations) Active(ctx context.Context, projectKey string) ([]*types.Reservation, error) {
	var out []*types.Reservation
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		var err error
		out, err = activeReservations(ctx, tx, projectKey, time.Now().UTC())
		return err
	})
	return out, err
}

func activeReservations(ctx context.Context, tx *storex.Tx, projectKey string, now time.Time) ([]*types.Reservation, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, project_key, agent_name, path_pattern, exclusive, reason, created_at, expires_at, released_at, lock_holder_id
		FROM reservations
		WHERE project_key = ? AND released_at IS NULL AND expires_at > ?`,
		projectKey, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, errs.Wrap("active reservations", err)
	}
	defer rows.Close()

	var out []*types.Reservation
	for rows.Next() {
		res := &types.Reservation{}
		var createdAt, expiresAt string
		var releasedAt, lockHolderID *string
		if err := rows.Scan(&res.ID, &res.ProjectKey, &res.AgentName, &res.PathPattern, &res.Exclusive,
			&res.Reason, &createdAt, &expiresAt, &releasedAt, &lockHolderID); err != nil {
			return nil, errs.Wrap("scan reservation", err)
		}
		res.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		res.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
		if releasedAt != nil {
			t, _ := time.Parse(time.RFC3339Nano, *releasedAt)
			res.ReleasedAt = &t
		}
		if lockHolderID != nil {
			res.LockHolderID = *lockHolderID
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// patternsOverlap reports whether two glob path patterns could both match
// a common path. Exact equality is the common case; otherwise each
// pattern is tested against the other's literal form with filepath.Match,
// since a glob like "src/**" and a literal "src/main.go" should conflict
// in either direction.
func patternsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	if ok, _ := filepath.Match(a, b); ok {
		return true
	}
	if ok, _ := filepath.Match(b, a); ok {
		return true
	}
	return false
}
