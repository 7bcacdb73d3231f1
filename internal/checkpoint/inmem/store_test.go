package inmem

import (
	"context"
	"testing"

	"github.com/fentz26/waypoint/internal/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveLoad(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	blob := []byte(`{"run_id":"r1"}`)
	require.NoError(t, s.Save(ctx, "r1", blob))
	blob[0] = 'x'

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, `{"run_id":"r1"}`, string(got))

	got[0] = 'y'
	again, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, `{"run_id":"r1"}`, string(again))
}

func TestStore_LastWriteWins(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "r1", []byte("one")))
	require.NoError(t, s.Save(ctx, "r1", []byte("two")))
	require.NoError(t, s.Save(ctx, "r0", []byte("zero")))

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
	assert.Equal(t, []string{"r0", "r1"}, s.RunIDs())
}
