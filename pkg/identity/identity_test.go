package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerIDPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	id1, err := s1.LoadOrCreatePeerID()
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	id2, err := s2.LoadOrCreatePeerID()
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.False(t, id1.IsZero())
}

func TestTSCounterPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.SaveTSCounter(4242))
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	ts, err := s2.LoadTSCounter()
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), ts)
}

func TestTSCounterDefaultsToZero(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	ts, err := s.LoadTSCounter()
	require.NoError(t, err)
	assert.Zero(t, ts)
}
