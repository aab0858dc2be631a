package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colony-sim/colony-sim/sim"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func runColony(t *testing.T, ticks int64) *sim.Colony {
	t.Helper()
	c, err := sim.NewColony(sim.DefaultColonyConfig())
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background(), ticks, nil))
	return c
}

func TestStore_SaveListLoad(t *testing.T) {
	// GIVEN a store holding two snapshots
	ctx := context.Background()
	s := openTemp(t)
	early := runColony(t, 10).Snapshot()
	late := runColony(t, 25).Snapshot()
	e1, err := s.Save(ctx, "early", early)
	require.NoError(t, err)
	e2, err := s.Save(ctx, "late", late)
	require.NoError(t, err)

	// WHEN listed
	entries, err := s.List(ctx)

	// THEN both appear oldest first with their metadata
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, e1.ID, entries[0].ID)
	assert.Equal(t, "late", entries[1].Label)
	assert.Equal(t, int64(25), entries[1].Tick)
	assert.Equal(t, e2.Size, entries[1].Size)

	// AND the loaded snapshot restores to the saved state
	got, err := s.Load(ctx, e2.ID)
	require.NoError(t, err)
	want, err := sim.MarshalSnapshot(late)
	require.NoError(t, err)
	have, err := sim.MarshalSnapshot(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(have))
	_, err = sim.Restore(got)
	assert.NoError(t, err)
}

func TestStore_LoadUnknown(t *testing.T) {
	s := openTemp(t)
	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(context.Background(), "nope"), ErrNotFound)
}

func TestStore_RefusesInvalidSnapshot(t *testing.T) {
	s := openTemp(t)
	snap := runColony(t, 5).Snapshot()
	snap.Version = 0
	_, err := s.Save(context.Background(), "broken", snap)
	assert.ErrorIs(t, err, sim.ErrInvalidSnapshot)

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	e, err := s.Save(ctx, "gone", runColony(t, 3).Snapshot())
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, e.ID))
	_, err = s.Load(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := Open(ctx, path)
	require.NoError(t, err)
	e, err := s.Save(ctx, "keep", runColony(t, 4).Snapshot())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	snap, err := s.Load(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Tick)
}
