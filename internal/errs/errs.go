// Package errs defines the sentinel error kinds shared across the
// substrate, following the teacher's sentinel-plus-wrap convention
// (sqlite/errors.go): package-level sentinels, a context-wrapping helper,
// and errors.Is predicates rather than typed exceptions.
package errs

import (
	"database/sql"
	"errors"
	"fmt"
)

var (
	// NotFound indicates a missing resource by id/key.
	NotFound = errors.New("not found")

	// Conflict indicates a reservation overlap, duplicate link, or held
	// lock. Callers should inspect the wrapping error for the conflicting
	// partner.
	Conflict = errors.New("conflict")

	// Invalid indicates a schema, input, or SQL-shape rejection.
	Invalid = errors.New("invalid")

	// Ambiguous indicates a partial id resolved to more than one cell.
	Ambiguous = errors.New("ambiguous")

	// Unavailable indicates an external service (embedder, completer)
	// refused or could not be reached; callers should fall back.
	Unavailable = errors.New("unavailable")

	// AlreadyResolved indicates a deferred was resolved twice.
	AlreadyResolved = errors.New("already resolved")

	// Expired indicates a cursor/lock/reservation TTL elapsed.
	Expired = errors.New("expired")

	// Internal indicates a store invariant was violated.
	Internal = errors.New("internal")

	// Cycle indicates a dependency cycle would be created.
	Cycle = errors.New("dependency cycle detected")
)

// Wrap annotates err with operation context, converting sql.ErrNoRows to
// NotFound so callers never need to special-case the database driver.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, NotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Wrapf is Wrap with a formatted operation string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(fmt.Sprintf(format, args...), err)
}

// ConflictErr carries the partner the caller collided with.
type ConflictErr struct {
	WithAgent string
	WithPath  string
	Reason    string
}

func (e *ConflictErr) Error() string {
	if e.WithPath != "" {
		return fmt.Sprintf("conflict: %s holds %s", e.WithAgent, e.WithPath)
	}
	return fmt.Sprintf("conflict: %s", e.Reason)
}

func (e *ConflictErr) Unwrap() error { return Conflict }

// AmbiguousErr carries the candidate ids a partial id resolved to.
type AmbiguousErr struct {
	Fragment   string
	Candidates []string
}

func (e *AmbiguousErr) Error() string {
	return fmt.Sprintf("fragment %q matches %d cells", e.Fragment, len(e.Candidates))
}

func (e *AmbiguousErr) Unwrap() error { return Ambiguous }

// IsNotFound also matches a bare sql.ErrNoRows: Store/Tx's QueryRow, unlike
// Query and Exec, returns the driver's Scan error straight through without
// routing it via Wrap, so callers checking a QueryRow result never need to
// special-case which of the two forms they got.
func IsNotFound(err error) bool {
	return errors.Is(err, NotFound) || errors.Is(err, sql.ErrNoRows)
}
func IsConflict(err error) bool        { return errors.Is(err, Conflict) }
func IsInvalid(err error) bool         { return errors.Is(err, Invalid) }
func IsAmbiguous(err error) bool       { return errors.Is(err, Ambiguous) }
func IsUnavailable(err error) bool     { return errors.Is(err, Unavailable) }
func IsAlreadyResolved(err error) bool { return errors.Is(err, AlreadyResolved) }
func IsExpired(err error) bool         { return errors.Is(err, Expired) }
func IsCycle(err error) bool           { return errors.Is(err, Cycle) }
