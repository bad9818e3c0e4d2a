package storage

import (
	"fmt"

	"github.com/mistakeknot/intercom/internal/core"
	"github.com/mistakeknot/intercom/internal/glob"
)

// CompilePatterns normalizes, de-duplicates and compiles requested patterns.
func CompilePatterns(raw []string) ([]string, []*glob.Pattern, error) {
	if len(raw) == 0 {
		return nil, nil, core.Invalid("at least one path pattern required")
	}
	seen := make(map[string]bool, len(raw))
	patterns := make([]string, 0, len(raw))
	compiled := make([]*glob.Pattern, 0, len(raw))
	for _, r := range raw {
		p, err := glob.Compile(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
		}
		if seen[p.String()] {
			continue
		}
		seen[p.String()] = true
		patterns = append(patterns, p.String())
		compiled = append(compiled, p)
	}
	return patterns, compiled, nil
}

// Conflicts reports whether a requested pattern collides with a held
// reservation: the globs overlap and at least one side is exclusive.
// Callers filter out the requester's own and expired reservations.
func Conflicts(requested *glob.Pattern, exclusive bool, held core.Reservation) (bool, error) {
	if !exclusive && !held.Exclusive {
		return false, nil
	}
	other, err := glob.Compile(held.PathPattern)
	if err != nil {
		return false, fmt.Errorf("compile held pattern %q: %w", held.PathPattern, err)
	}
	return requested.Overlaps(other), nil
}

// ConflictFor builds the detail reported for one blocking reservation.
func ConflictFor(pattern string, held core.Reservation) core.ConflictDetail {
	return core.ConflictDetail{
		Pattern:       pattern,
		ReservationID: held.ID,
		Holder:        held.Agent,
		HeldPattern:   held.PathPattern,
		Exclusive:     held.Exclusive,
		ExpiresAt:     held.ExpiresAt,
	}
}

// NormalizedSet maps normalized patterns to true; nil for an empty input.
func NormalizedSet(patterns []string) map[string]bool {
	if len(patterns) == 0 {
		return nil
	}
	out := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		out[glob.Normalize(p)] = true
	}
	return out
}
