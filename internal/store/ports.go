package store

import "fmt"

// PortLedger assigns unique TCP ports per application id. Released
// ports are never handed out again; nextPort only grows.
type PortLedger struct {
	fileStore
	state portState
}

type portState struct {
	NextPort int            `json:"nextPort"`
	Ports    map[string]int `json:"ports"`
}

// NewPortLedger loads (or initializes) the port ledger file at path.
// basePort is the first port handed out by a fresh ledger.
func NewPortLedger(path string, basePort int) (*PortLedger, error) {
	l := &PortLedger{
		fileStore: fileStore{path: path},
		state:     portState{NextPort: basePort, Ports: make(map[string]int)},
	}
	if err := readJSON(path, &l.state); err != nil {
		return nil, err
	}
	if l.state.Ports == nil {
		l.state.Ports = make(map[string]int)
	}
	if l.state.NextPort < basePort {
		l.state.NextPort = basePort
	}
	return l, nil
}

// Allocate returns the port already assigned to id, or assigns the next
// unassigned port and persists the ledger before returning. The
// read-increment-write sequence is one atomic unit under the store lock.
func (l *PortLedger) Allocate(id string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if port, ok := l.state.Ports[id]; ok {
		return port, nil
	}
	port := l.state.NextPort
	l.state.Ports[id] = port
	l.state.NextPort++
	if err := writeJSONAtomic(l.path, l.state); err != nil {
		delete(l.state.Ports, id)
		l.state.NextPort--
		return 0, err
	}
	return port, nil
}

// Release removes the mapping for id; releasing an unknown id is a no-op.
func (l *PortLedger) Release(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.state.Ports[id]; !ok {
		return nil
	}
	delete(l.state.Ports, id)
	return writeJSONAtomic(l.path, l.state)
}

// Claim records an explicitly chosen port for id, used when the caller
// supplies a port at creation or changes it later. A port already held
// by a different id is rejected; no two ids ever map to the same port.
func (l *PortLedger) Claim(id string, port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for owner, held := range l.state.Ports {
		if held == port && owner != id {
			return fmt.Errorf("port %d held by %q: %w", port, owner, ErrConflict)
		}
	}
	prev, had := l.state.Ports[id]
	if had && prev == port {
		return nil
	}
	l.state.Ports[id] = port
	if port >= l.state.NextPort {
		l.state.NextPort = port + 1
	}
	if err := writeJSONAtomic(l.path, l.state); err != nil {
		if had {
			l.state.Ports[id] = prev
		} else {
			delete(l.state.Ports, id)
		}
		return err
	}
	return nil
}
