package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bagEntry struct {
	UUID    string `json:"uuid"`
	Retries int    `json:"retries"`
}

func TestQueueBagPutGetDelete(t *testing.T) {
	bag, err := NewQueueBag(t.TempDir())
	require.NoError(t, err)
	defer bag.Close()

	require.NoError(t, bag.Put("to_stop", "vm-1", bagEntry{UUID: "vm-1", Retries: 0}))

	var got bagEntry
	found, err := bag.Get("to_stop", "vm-1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "vm-1", got.UUID)

	found, err = bag.Get("to_stop", "vm-2", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, bag.Delete("to_stop", "vm-1"))
	found, err = bag.Get("to_stop", "vm-1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueueBagMove(t *testing.T) {
	bag, err := NewQueueBag(t.TempDir())
	require.NoError(t, err)
	defer bag.Close()

	require.NoError(t, bag.Put("to_stop", "vm-1", bagEntry{UUID: "vm-1"}))
	require.NoError(t, bag.Move("to_stop", "stopping", "vm-1", bagEntry{UUID: "vm-1", Retries: 1}))

	var got bagEntry
	found, err := bag.Get("to_stop", "vm-1", &got)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = bag.Get("stopping", "vm-1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, got.Retries)

	n, err := bag.Len("stopping")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err := bag.Keys("stopping")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm-1"}, keys)
}

func TestQueueBagUnknownQueue(t *testing.T) {
	bag, err := NewQueueBag(t.TempDir())
	require.NoError(t, err)
	defer bag.Close()

	assert.Error(t, bag.Put("bogus", "k", bagEntry{}))
}
