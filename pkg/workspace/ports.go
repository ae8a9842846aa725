package workspace

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrPortsExhausted indicates no free port remains in the configured range.
var ErrPortsExhausted = errors.New("no free port in configured range")

// PortAllocator hands out exclusive ports from a fixed range. Allocation
// combines an in-process reservation set with a bind probe, so ports held by
// unrelated processes are skipped.
type PortAllocator struct {
	mu        sync.Mutex
	min       int
	max       int
	allocated map[int]bool
	probe     func(port int) bool // Injectable for tests
}

// NewPortAllocator creates an allocator over [minPort, maxPort] inclusive.
func NewPortAllocator(minPort, maxPort int) *PortAllocator {
	return &PortAllocator{
		min:       minPort,
		max:       maxPort,
		allocated: make(map[int]bool),
		probe:     probeBind,
	}
}

// probeBind checks that the port is actually bindable right now.
func probeBind(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// Allocate reserves the lowest free port in the range.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		if a.allocated[port] {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("%w (%d-%d)", ErrPortsExhausted, a.min, a.max)
}

// Reserve marks a specific port as taken, used when rehydrating workspaces
// from the database at startup. Out-of-range ports are rejected.
func (a *PortAllocator) Reserve(port int) error {
	if port < a.min || port > a.max {
		return fmt.Errorf("port %d outside configured range %d-%d", port, a.min, a.max)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allocated[port] {
		return fmt.Errorf("port %d already reserved", port)
	}
	a.allocated[port] = true
	return nil
}

// Release frees a previously allocated port. Releasing an unallocated port
// is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

// InUse returns the number of currently reserved ports.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}
