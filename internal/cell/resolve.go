package cell

import (
	"context"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/idgen"
)

// Resolve matches a partial id fragment against every cell's hash segment
// (idgen.HashSegment/MatchFragment), returning the full id on exactly one
// match. Zero matches is errs.NotFound; more than one is an AmbiguousErr
// carrying every candidate, per spec.md's partial-id resolution semantics.
func (s *Store) Resolve(ctx context.Context, projectKey, fragment string) (string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM cells WHERE project_key = ? AND deleted_at IS NULL`, projectKey)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", errs.Wrap("resolve: scan", err)
		}
		if idgen.MatchFragment(id, fragment) {
			candidates = append(candidates, id)
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(candidates) {
	case 0:
		return "", errs.Wrapf(errs.NotFound, "no cell matches fragment %q", fragment)
	case 1:
		return candidates[0], nil
	default:
		return "", &errs.AmbiguousErr{Fragment: fragment, Candidates: candidates}
	}
}
