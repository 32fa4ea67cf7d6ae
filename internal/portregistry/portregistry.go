// Package portregistry implements the Chrome debug port state machine (C2):
// FREE -> RESERVED -> ACTIVE -> FREE, guarded by a single mutex so the
// reserve/activate/rollback/release sequence in internal/sessionmanager
// never races two launches onto the same port. Grounded on
// original_source/src/workers/browser_launcher.py (_reserve_port_for_worker,
// _activate_reserved_port, _rollback_reserved_port, _release_port,
// _check_port_free, _has_free_port).
package portregistry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/nimbuscloud/browser-launcher/internal/clock"
)

// reservationTimeout is how long a RESERVED port may sit unclaimed before the
// registry treats the reservation as abandoned and frees it back up.
const reservationTimeout = 90 * time.Second

// probeTimeout bounds the socket freshness probe so a single stuck probe
// never stalls the registry's lock for long.
const probeTimeout = 100 * time.Millisecond

type portState string

const (
	stateReserved portState = "RESERVED"
	stateActive   portState = "ACTIVE"
)

type portEntry struct {
	state    portState
	workerID string
	since    time.Time
}

// ProbeMode selects how the registry checks whether a port is actually free
// at the socket level, matching the two launch modes in spec §4.2.
type ProbeMode int

const (
	// ProbeModeDirect binds 0.0.0.0:port, mirroring how a directly-spawned
	// Chromium binds its debug port.
	ProbeModeDirect ProbeMode = iota
	// ProbeModeDelegated connects to 127.0.0.1:port instead, since a
	// delegated launcher script has Chrome bind only to localhost.
	ProbeModeDelegated
)

// Registry owns the port range [start, end] and the state machine over it.
type Registry struct {
	mu    sync.Mutex
	start int
	end   int
	ports map[int]portEntry

	clock clock.Clock
	mode  ProbeMode
}

// New constructs a Registry over the inclusive port range [start, end].
func New(start, end int, c clock.Clock, mode ProbeMode) *Registry {
	return &Registry{
		start: start,
		end:   end,
		ports: make(map[int]portEntry),
		clock: c,
		mode:  mode,
	}
}

// ErrNoFreePort is returned by Reserve when every port in range is RESERVED
// or ACTIVE (or fails the socket freshness probe).
type ErrNoFreePort struct {
	Start, End int
}

func (e *ErrNoFreePort) Error() string {
	return fmt.Sprintf("no free ports found between %d and %d: all ports in use or reserved", e.Start, e.End)
}

// Reserve atomically finds a free port and transitions it FREE -> RESERVED
// for worker workerID. It first expires any stale RESERVED entries older
// than reservationTimeout, then shuffles the candidate ports so concurrent
// callers don't collide on the same low-numbered port.
func (r *Registry) Reserve(workerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.expireStaleLocked(now)

	candidates := r.shuffledRangeLocked()
	for _, port := range candidates {
		if entry, tracked := r.ports[port]; tracked && entry.state != "" {
			continue
		}
		if !r.probeFreeLocked(port) {
			continue
		}
		r.ports[port] = portEntry{state: stateReserved, workerID: workerID, since: now}
		return port, nil
	}

	return 0, &ErrNoFreePort{Start: r.start, End: r.end}
}

// Activate promotes a RESERVED port to ACTIVE once the worker's Chromium
// process is confirmed up. It is idempotent: calling it again for a port
// already ACTIVE by the same worker is a no-op success.
func (r *Registry) Activate(workerID string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.ports[port]
	switch {
	case ok && entry.state == stateReserved && entry.workerID == workerID:
		r.ports[port] = portEntry{state: stateActive, workerID: workerID, since: r.clock.Now()}
		return nil
	case ok && entry.state == stateActive && entry.workerID == workerID:
		return nil
	default:
		return fmt.Errorf("cannot activate port %d for worker %s: current state %+v", port, workerID, entry)
	}
}

// Rollback releases a RESERVED port after a failed launch. It only acts if
// the port is still RESERVED by this exact worker; otherwise it is treated
// as already cleaned up, which is not an error.
func (r *Registry) Rollback(workerID string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.ports[port]; ok && entry.state == stateReserved && entry.workerID == workerID {
		delete(r.ports, port)
	}
}

// Release frees a port regardless of its current state. Idempotent: safe to
// call on a port that was never tracked or already released.
func (r *Registry) Release(port int) {
	if port == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, port)
}

// HasFreeCapacity reports, without performing any socket probes, whether at
// least one port in the range is neither RESERVED nor ACTIVE. The session
// manager uses this as a cheap pre-check before starting a launch, to avoid
// a storm of probes when the range is already saturated.
func (r *Registry) HasFreeCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := r.end - r.start + 1
	return len(r.ports) < total
}

// Size returns the total number of ports in the configured range.
func (r *Registry) Size() int {
	return r.end - r.start + 1
}

// ActiveCount returns the number of ports currently ACTIVE, for metrics.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, e := range r.ports {
		if e.state == stateActive {
			count++
		}
	}
	return count
}

func (r *Registry) expireStaleLocked(now time.Time) {
	for port, entry := range r.ports {
		if entry.state == stateReserved && now.Sub(entry.since) > reservationTimeout {
			delete(r.ports, port)
		}
	}
}

func (r *Registry) shuffledRangeLocked() []int {
	n := r.end - r.start + 1
	ports := make([]int, n)
	for i := range ports {
		ports[i] = r.start + i
	}
	rand.Shuffle(len(ports), func(i, j int) { ports[i], ports[j] = ports[j], ports[i] })
	return ports
}

// probeFreeLocked performs the socket-level freshness check while the
// registry's lock is held; the 100ms timeout keeps a single stuck probe from
// blocking the rest of the registry for long. Delegated mode treats a refused
// connection as free and a successful connection or a timeout as "in use";
// direct mode treats every bind error as "in use", matching the original's
// _check_port_free.
func (r *Registry) probeFreeLocked(port int) bool {
	switch r.mode {
	case ProbeModeDelegated:
		d := net.Dialer{Timeout: probeTimeout}
		conn, err := d.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			// A timeout leaves the port's state unknown, so it counts as in
			// use; any other dial error (connection refused) means nothing
			// is listening and the port is free.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return false
			}
			return true
		}
		_ = conn.Close()
		return false
	default:
		// Disable SO_REUSEADDR so the bind accurately reflects whether
		// Chromium itself could claim the port, matching the teacher's
		// waitForPort probe in cmd/chromium-launcher.
		lc := net.ListenConfig{
			Control: func(network, address string, c syscall.RawConn) error {
				var sockErr error
				err := c.Control(func(fd uintptr) {
					sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 0)
				})
				if err != nil {
					return err
				}
				return sockErr
			},
		}
		ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			return false
		}
		_ = ln.Close()
		return true
	}
}
