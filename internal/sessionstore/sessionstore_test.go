package sessionstore

import (
	"testing"
	"time"

	"github.com/nimbuscloud/browser-launcher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(workerID string) *model.Session {
	return &model.Session{
		WorkerID:  workerID,
		SessionID: "session-" + workerID,
		CreatedAt: time.Now(),
	}
}

func TestInsertIfCapacityRespectsMaxSlots(t *testing.T) {
	store := New(2)

	require.NoError(t, store.InsertIfCapacity(newSession("w1")))
	require.NoError(t, store.InsertIfCapacity(newSession("w2")))

	err := store.InsertIfCapacity(newSession("w3"))
	assert.ErrorIs(t, err, ErrSlotFull{})
	assert.Equal(t, 2, store.Count())
	assert.False(t, store.HasAvailableSlots())
}

func TestLookupBySessionID(t *testing.T) {
	store := New(5)
	sess := newSession("w1")
	require.NoError(t, store.InsertIfCapacity(sess))

	found, ok := store.LookupBySessionID("session-w1")
	require.True(t, ok)
	assert.Equal(t, "w1", found.WorkerID)

	_, ok = store.LookupBySessionID("does-not-exist")
	assert.False(t, ok)
}

func TestRemoveAndRecordIsIdempotent(t *testing.T) {
	store := New(5)
	require.NoError(t, store.InsertIfCapacity(newSession("w1")))

	record := model.TerminatedSessionRecord{WorkerID: "w1", TerminationReason: model.ReasonClosed}
	_, ok := store.RemoveAndRecord("w1", record)
	assert.True(t, ok)
	assert.Equal(t, 0, store.Count())

	// Second removal of the same worker is a no-op, not an error.
	_, ok = store.RemoveAndRecord("w1", record)
	assert.False(t, ok)

	history := store.SnapshotTerminated()
	require.Len(t, history, 1)
	assert.Equal(t, model.ReasonClosed, history[0].TerminationReason)
}

func TestTerminatedHistoryIsBounded(t *testing.T) {
	store := New(1000)
	for i := 0; i < maxTerminatedHistory+10; i++ {
		workerID := string(rune('a' + i%26))
		require.NoError(t, store.InsertIfCapacity(newSession(workerID+string(rune(i)))))
	}
	for _, sess := range store.SnapshotActive() {
		store.RemoveAndRecord(sess.WorkerID, model.TerminatedSessionRecord{WorkerID: sess.WorkerID})
	}

	assert.Len(t, store.SnapshotTerminated(), maxTerminatedHistory)
}
