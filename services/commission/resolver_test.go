package commission

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveConfig(t *testing.T) {
	at := time.Date(2024, time.March, 13, 12, 0, 0, 0, time.UTC)
	jan := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	apr := time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)

	t.Run("highest priority wins", func(t *testing.T) {
		low := &Config{ID: "low", Active: true, Priority: 1}
		high := &Config{ID: "high", Active: true, Priority: 5}

		got, err := ResolveConfig([]*Config{low, high}, at)
		require.NoError(t, err)
		require.Equal(t, "high", got.ID)
	})

	t.Run("tie broken by latest effective_from", func(t *testing.T) {
		open := &Config{ID: "open", Active: true, Priority: 5}
		older := &Config{ID: "older", Active: true, Priority: 5, EffectiveFrom: &jan}
		newer := &Config{ID: "newer", Active: true, Priority: 5, EffectiveFrom: &feb}

		got, err := ResolveConfig([]*Config{open, newer, older}, at)
		require.NoError(t, err)
		require.Equal(t, "newer", got.ID)
	})

	t.Run("inactive and out of window configs are ignored", func(t *testing.T) {
		inactive := &Config{ID: "inactive", Active: false, Priority: 9}
		future := &Config{ID: "future", Active: true, Priority: 9, EffectiveFrom: &apr}
		expired := &Config{ID: "expired", Active: true, Priority: 9, EffectiveTo: &feb}
		current := &Config{ID: "current", Active: true, Priority: 1, EffectiveFrom: &jan, EffectiveTo: &apr}

		got, err := ResolveConfig([]*Config{inactive, future, expired, current}, at)
		require.NoError(t, err)
		require.Equal(t, "current", got.ID)
	})

	t.Run("window bounds are inclusive", func(t *testing.T) {
		edge := &Config{ID: "edge", Active: true, EffectiveFrom: &at, EffectiveTo: &at}

		got, err := ResolveConfig([]*Config{edge}, at)
		require.NoError(t, err)
		require.Equal(t, "edge", got.ID)
	})

	t.Run("no eligible config", func(t *testing.T) {
		got, err := ResolveConfig([]*Config{{ID: "off", Active: false}}, at)
		require.NoError(t, err)
		require.Nil(t, got)

		got, err = ResolveConfig(nil, at)
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("full tie is ambiguous", func(t *testing.T) {
		a := &Config{ID: "a", Active: true, Priority: 3, EffectiveFrom: &jan}
		b := &Config{ID: "b", Active: true, Priority: 3, EffectiveFrom: &jan}

		got, err := ResolveConfig([]*Config{a, b}, at)
		require.Nil(t, got)
		require.True(t, errors.Is(err, ErrAmbiguousConfig))
	})

	t.Run("a tie below the winner is not ambiguous", func(t *testing.T) {
		a := &Config{ID: "a", Active: true, Priority: 3}
		b := &Config{ID: "b", Active: true, Priority: 3}
		top := &Config{ID: "top", Active: true, Priority: 4}

		got, err := ResolveConfig([]*Config{a, b, top}, at)
		require.NoError(t, err)
		require.Equal(t, "top", got.ID)
	})
}

func TestResolveConfigIsOrderIndependent(t *testing.T) {
	at := time.Date(2024, time.March, 13, 12, 0, 0, 0, time.UTC)
	jan := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)

	configs := []*Config{
		{ID: "a", Active: true, Priority: 2},
		{ID: "b", Active: true, Priority: 7, EffectiveFrom: &jan},
		{ID: "c", Active: true, Priority: 7, EffectiveFrom: &feb},
		{ID: "d", Active: false, Priority: 9},
	}

	permutations := [][]int{
		{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}, {1, 2, 0, 3}, {2, 1, 3, 0},
	}
	for _, perm := range permutations {
		ordered := make([]*Config, 0, len(perm))
		for _, i := range perm {
			ordered = append(ordered, configs[i])
		}
		got, err := ResolveConfig(ordered, at)
		require.NoError(t, err)
		require.Equal(t, "c", got.ID)
	}
}
