package portregistry

import (
	"errors"
	"testing"
	"time"

	"github.com/nimbuscloud/browser-launcher/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(c clock.Clock) *Registry {
	// A narrow range keeps the shuffle exhaustive in tests without relying
	// on real ports being free on the test machine; ProbeModeDelegated
	// dials instead of binding so it doesn't require root/port privileges.
	return New(20000, 20009, c, ProbeModeDelegated)
}

func TestReserveActivateRelease(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	reg := newTestRegistry(fake)

	port, err := reg.Reserve("worker-1")
	require.NoError(t, err)
	assert.True(t, port >= 20000 && port <= 20009)

	require.NoError(t, reg.Activate("worker-1", port))
	// Idempotent activate by the same worker is fine.
	require.NoError(t, reg.Activate("worker-1", port))

	reg.Release(port)
	// Idempotent release.
	reg.Release(port)
}

func TestActivateWrongWorkerFails(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	reg := newTestRegistry(fake)

	port, err := reg.Reserve("worker-1")
	require.NoError(t, err)

	err = reg.Activate("worker-2", port)
	assert.Error(t, err)
}

func TestRollbackFreesReservation(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	reg := newTestRegistry(fake)

	port, err := reg.Reserve("worker-1")
	require.NoError(t, err)

	reg.Rollback("worker-1", port)
	assert.True(t, reg.HasFreeCapacity())

	// The port should be reservable again immediately.
	port2, err := reg.Reserve("worker-2")
	require.NoError(t, err)
	assert.NotZero(t, port2)
}

func TestRollbackWrongWorkerIsNoop(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	reg := newTestRegistry(fake)

	port, err := reg.Reserve("worker-1")
	require.NoError(t, err)

	reg.Rollback("worker-2", port)
	// Port is still reserved by worker-1.
	err = reg.Activate("worker-1", port)
	assert.NoError(t, err)
}

func TestNoTwoWorkersShareAPort(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	reg := newTestRegistry(fake)

	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		port, err := reg.Reserve("worker")
		require.NoError(t, err)
		assert.False(t, seen[port], "port %d reserved twice", port)
		seen[port] = true
	}

	_, err := reg.Reserve("worker-overflow")
	var noFree *ErrNoFreePort
	assert.True(t, errors.As(err, &noFree))
}

func TestReservationExpiresAfterTimeout(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	reg := newTestRegistry(fake)

	port, err := reg.Reserve("worker-1")
	require.NoError(t, err)

	fake.Advance(reservationTimeout + time.Second)

	// Expired RESERVED entries are swept on the next Reserve call, freeing
	// the port back up even though it was never explicitly released.
	freed := false
	for i := 0; i < 10; i++ {
		p, err := reg.Reserve("worker-2")
		require.NoError(t, err)
		if p == port {
			freed = true
			break
		}
		reg.Release(p)
	}
	assert.True(t, freed, "expired reservation was never reclaimed")
}

func TestHasFreeCapacity(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	reg := newTestRegistry(fake)

	assert.True(t, reg.HasFreeCapacity())
	for i := 0; i < 10; i++ {
		_, err := reg.Reserve("worker")
		require.NoError(t, err)
	}
	assert.False(t, reg.HasFreeCapacity())
}
