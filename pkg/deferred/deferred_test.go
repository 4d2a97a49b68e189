package deferred

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openuds/engine/pkg/provider"
	"github.com/openuds/engine/pkg/provider/providertest"
	"github.com/openuds/engine/pkg/storage"
	"github.com/openuds/engine/pkg/types"
)

func newTestWorker(t *testing.T) (*Worker, *providertest.Fake, int64) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(dir + "/engine.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.NewStore(db)

	bag, err := storage.NewQueueBag(dir)
	require.NoError(t, err)
	t.Cleanup(func() { bag.Close() })

	prov := &types.Provider{UUID: uuid.NewString(), Name: "prov", TypeName: "fake", CreatedAt: time.Now()}
	require.NoError(t, store.CreateProvider(prov))

	fake := providertest.NewFake()
	w := NewWorker(bag, store)
	w.BuildDriver = func(*types.Provider) (provider.Driver, error) { return fake, nil }
	return w, fake, prov.ID
}

func queueOf(t *testing.T, w *Worker, vmid string) string {
	t.Helper()
	for _, q := range queueOrder {
		var e Entry
		found, err := w.bag.Get(q, vmid, &e)
		require.NoError(t, err)
		if found {
			return q
		}
	}
	return ""
}

// Full trajectory for a running machine that must stop before deletion.
func TestStopBeforeDeleteTrajectory(t *testing.T) {
	w, fake, provID := newTestWorker(t)
	fake.AddMachine("vm-1", true)

	require.NoError(t, w.Add(nil, provID, "svc-uuid", "vm-1", true, true))
	assert.Equal(t, QueueToStop, queueOf(t, w, "vm-1"))

	now := time.Now()
	// to_stop: running → stop issued → stopping
	w.RunOnce(now)
	assert.Equal(t, QueueStopping, queueOf(t, w, "vm-1"))
	assert.Equal(t, 1, fake.Stops)

	// stopping: fake stops instantly → to_delete
	now = now.Add(CheckInterval)
	w.RunOnce(now)
	assert.Equal(t, QueueToDelete, queueOf(t, w, "vm-1"))

	// to_delete: delete issued → deleting
	now = now.Add(CheckInterval)
	w.RunOnce(now)
	assert.Equal(t, QueueDeleting, queueOf(t, w, "vm-1"))
	assert.Equal(t, 1, fake.Deletes)

	// deleting: machine gone → discarded
	now = now.Add(CheckInterval)
	w.RunOnce(now)
	assert.Empty(t, queueOf(t, w, "vm-1"))
}

func TestAlreadyStoppedSkipsStopping(t *testing.T) {
	w, fake, provID := newTestWorker(t)
	fake.AddMachine("vm-2", false)

	require.NoError(t, w.Add(nil, provID, "svc-uuid", "vm-2", true, true))

	w.RunOnce(time.Now())
	assert.Equal(t, QueueToDelete, queueOf(t, w, "vm-2"))
	assert.Zero(t, fake.Stops)
}

func TestFastPathDeletesInline(t *testing.T) {
	w, fake, provID := newTestWorker(t)
	fake.AddMachine("vm-3", false)

	require.NoError(t, w.Add(fake, provID, "svc-uuid", "vm-3", false, false))
	assert.Equal(t, 1, fake.Deletes)
	assert.Equal(t, QueueDeleting, queueOf(t, w, "vm-3"))

	w.RunOnce(time.Now().Add(CheckInterval))
	assert.Empty(t, queueOf(t, w, "vm-3"))
}

func TestFastPathFallsBackOnError(t *testing.T) {
	w, fake, provID := newTestWorker(t)
	fake.AddMachine("vm-4", false)
	fake.FailNext(errors.New("hypervisor busy"))

	require.NoError(t, w.Add(fake, provID, "svc-uuid", "vm-4", false, false))
	assert.Equal(t, QueueToDelete, queueOf(t, w, "vm-4"))
}

func TestMachineVanishedIsSuccess(t *testing.T) {
	w, _, provID := newTestWorker(t)
	// never registered with the fake platform

	require.NoError(t, w.Add(nil, provID, "svc-uuid", "vm-5", true, true))
	w.RunOnce(time.Now())
	assert.Empty(t, queueOf(t, w, "vm-5"), "a missing machine counts as deleted")
}

func TestRetryableErrorIncrementsTotalRetries(t *testing.T) {
	w, fake, provID := newTestWorker(t)
	fake.AddMachine("vm-6", false)

	require.NoError(t, w.Add(nil, provID, "svc-uuid", "vm-6", false, true))
	fake.FailNext(types.Retryable(errors.New("rate limited")))

	now := time.Now()
	w.RunOnce(now)

	var e Entry
	found, err := w.bag.Get(QueueToDelete, "vm-6", &e)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, e.TotalRetries)
	assert.True(t, e.NextCheck.After(now))

	// next due tick succeeds
	w.RunOnce(e.NextCheck.Add(time.Second))
	assert.Equal(t, QueueDeleting, queueOf(t, w, "vm-6"))
}

func TestNoProgressBouncesBack(t *testing.T) {
	w, fake, provID := newTestWorker(t)
	fake.AddMachine("vm-7", true)

	require.NoError(t, w.Add(nil, provID, "svc-uuid", "vm-7", true, true))
	now := time.Now()
	w.RunOnce(now) // to_stop → stopping

	// machine stubbornly keeps running
	fake.AddMachine("vm-7", true)
	for i := 0; i < retriesToRetry; i++ {
		var e Entry
		found, err := w.bag.Get(QueueStopping, "vm-7", &e)
		require.NoError(t, err)
		require.True(t, found, "entry still stopping on observation %d", i)
		now = e.NextCheck.Add(time.Second)
		fake.AddMachine("vm-7", true) // undo the stop each time
		w.RunOnce(now)
	}

	// bounced back to re-issue the stop command
	var e Entry
	found, err := w.bag.Get(QueueToStop, "vm-7", &e)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Zero(t, e.Retries, "per-queue retries reset on bounce")
	assert.Equal(t, 1, e.TotalRetries)
}

func TestFatalErrorsAbandonEventually(t *testing.T) {
	w, fake, provID := newTestWorker(t)
	fake.AddMachine("vm-8", false)

	require.NoError(t, w.Add(nil, provID, "svc-uuid", "vm-8", false, true))

	now := time.Now()
	for i := 0; i < maxFatalErrorRetries; i++ {
		fake.FailNext(errors.New("unexpected provider failure"))
		w.RunOnce(now)
		var e Entry
		found, err := w.bag.Get(QueueToDelete, "vm-8", &e)
		require.NoError(t, err)
		if !found {
			break
		}
		now = e.NextCheck.Add(time.Second)
	}
	assert.Empty(t, queueOf(t, w, "vm-8"), "abandoned after fatal budget")
}
