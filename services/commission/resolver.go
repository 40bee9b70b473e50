package commission

import (
	"errors"
	"fmt"
	"time"
)

// ErrAmbiguousConfig means two eligible configs tie on priority and
// effective_from. The calculation is deferred until the data is fixed.
var ErrAmbiguousConfig = errors.New("ambiguous commission config")

// ResolveConfig picks the config that governs a sale made at the given time.
// Eligible configs are active and effective at that instant; the highest
// priority wins, then the most recent effective_from (an open start counts
// as the oldest). A nil config with a nil error means no rule applies.
func ResolveConfig(configs []*Config, at time.Time) (*Config, error) {
	var (
		best      *Config
		ambiguous *Config
	)

	for _, c := range configs {
		if c == nil || !c.EffectiveAt(at) {
			continue
		}
		if best == nil {
			best = c
			continue
		}

		switch cmp := compareCandidates(c, best); {
		case cmp > 0:
			best, ambiguous = c, nil
		case cmp == 0:
			ambiguous = c
		}
	}

	if ambiguous != nil {
		return nil, fmt.Errorf("%w: configs %s and %s share priority %d and effective_from",
			ErrAmbiguousConfig, best.ID, ambiguous.ID, best.Priority)
	}

	return best, nil
}

// compareCandidates orders a against b: positive when a should win.
func compareCandidates(a, b *Config) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return 1
		}
		return -1
	}

	switch {
	case a.EffectiveFrom == nil && b.EffectiveFrom == nil:
		return 0
	case a.EffectiveFrom == nil:
		return -1
	case b.EffectiveFrom == nil:
		return 1
	case a.EffectiveFrom.After(*b.EffectiveFrom):
		return 1
	case a.EffectiveFrom.Before(*b.EffectiveFrom):
		return -1
	}
	return 0
}
