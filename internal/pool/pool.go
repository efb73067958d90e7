// Package pool hands out host ports for lab surfaces. Every session owns a set
// of bindings from allocation until its single release.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/p-arndt/labkasten/internal/runtime"
)

var (
	ErrExhausted = errors.New("no free host ports")
	ErrInUse     = errors.New("host port already bound")
)

// Ports is the free/used pool of host ports in [start, end].
type Ports struct {
	start, end int
	logger     *slog.Logger

	mu    sync.Mutex
	used  map[int]string                   // host port -> session id
	owned map[string][]runtime.PortBinding // session id -> bindings
	next  int
}

type Stats struct {
	Total    int `json:"total"`
	Used     int `json:"used"`
	Sessions int `json:"sessions"`
}

func New(start, end int, logger *slog.Logger) *Ports {
	return &Ports{
		start:  start,
		end:    end,
		logger: logger,
		used:   make(map[int]string),
		owned:  make(map[string][]runtime.PortBinding),
		next:   start,
	}
}

// Allocate reserves one host port per internal port, in order. Either all
// ports are reserved or none. A session that already holds bindings gets them
// back unchanged.
func (p *Ports) Allocate(sessionID string, internalPorts []int) ([]runtime.PortBinding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.owned[sessionID]; ok {
		return append([]runtime.PortBinding(nil), b...), nil
	}

	size := p.end - p.start + 1
	if len(internalPorts) > size-len(p.used) {
		return nil, fmt.Errorf("%w: need %d, %d free", ErrExhausted, len(internalPorts), size-len(p.used))
	}

	bindings := make([]runtime.PortBinding, 0, len(internalPorts))
	for _, internal := range internalPorts {
		host := p.nextFree(size)
		p.used[host] = sessionID
		bindings = append(bindings, runtime.PortBinding{InternalPort: internal, HostPort: host})
	}
	p.owned[sessionID] = bindings
	return append([]runtime.PortBinding(nil), bindings...), nil
}

// nextFree scans round-robin from the last handed-out port so freshly
// released ports are not reused immediately. Callers ensure a free port exists.
func (p *Ports) nextFree(size int) int {
	for i := 0; i < size; i++ {
		port := p.next
		p.next++
		if p.next > p.end {
			p.next = p.start
		}
		if _, taken := p.used[port]; !taken {
			return port
		}
	}
	panic("pool: no free port despite capacity check")
}

// Reserve records existing bindings for a session, used when re-adopting a
// container found at startup. It fails without side effects if any host port
// is outside the range or held by another session.
func (p *Ports) Reserve(sessionID string, bindings []runtime.PortBinding) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.owned[sessionID]; ok {
		return fmt.Errorf("%w: session %s already holds ports", ErrInUse, sessionID)
	}
	for _, b := range bindings {
		if b.HostPort < p.start || b.HostPort > p.end {
			return fmt.Errorf("port %d outside pool range %d-%d", b.HostPort, p.start, p.end)
		}
		if owner, taken := p.used[b.HostPort]; taken {
			return fmt.Errorf("%w: %d by %s", ErrInUse, b.HostPort, owner)
		}
	}
	for _, b := range bindings {
		p.used[b.HostPort] = sessionID
	}
	p.owned[sessionID] = append([]runtime.PortBinding(nil), bindings...)
	return nil
}

// Release returns every binding of the session to the free pool. It reports
// true only for the call that actually freed them.
func (p *Ports) Release(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	bindings, ok := p.owned[sessionID]
	if !ok {
		return false
	}
	for _, b := range bindings {
		if p.used[b.HostPort] == sessionID {
			delete(p.used, b.HostPort)
		}
	}
	delete(p.owned, sessionID)
	p.logger.Debug("ports released", "session_id", sessionID, "count", len(bindings))
	return true
}

// Bindings returns the bindings currently held by the session.
func (p *Ports) Bindings(sessionID string) []runtime.PortBinding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]runtime.PortBinding(nil), p.owned[sessionID]...)
}

// Free reports whether host port is unallocated.
func (p *Ports) Free(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, taken := p.used[port]
	return !taken && port >= p.start && port <= p.end
}

func (p *Ports) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:    p.end - p.start + 1,
		Used:     len(p.used),
		Sessions: len(p.owned),
	}
}
