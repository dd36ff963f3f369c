package bridge

import (
	"errors"
	"sync"
)

var (
	errSlotTaken      = errors.New("bridge slot taken")
	errRegistryClosed = errors.New("bridge registry closed")
)

type entryState int

const (
	// statePending marks a slot reserved by an opener that has not finished.
	statePending entryState = iota
	stateLive
	// stateClosing marks a connection whose session is being closed.
	stateClosing
)

func (s entryState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateLive:
		return "live"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type entry struct {
	state entryState
	conn  *Connection

	// changed is closed whenever the entry transitions or is removed.
	changed chan struct{}
}

// registry maps userID to its single bridge slot. Every check-and-insert
// happens under mu, so a user never has more than one entry.
type registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	// closed is set by shutdown; no slot can be reserved or committed after.
	closed bool
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

// reserve claims the user's slot. It fails with errSlotTaken if any entry
// exists and with errRegistryClosed after shutdown.
func (r *registry) reserve(userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRegistryClosed
	}
	if _, taken := r.entries[userID]; taken {
		return errSlotTaken
	}
	r.entries[userID] = &entry{state: statePending, changed: make(chan struct{})}
	return nil
}

// commit turns a pending slot into a live connection. It reports false when
// the slot is gone or the registry was shut down while the opener was
// working; a closed registry drops the pending slot and the caller owns conn.
func (r *registry) commit(userID string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok || e.state != statePending {
		return false
	}
	if r.closed {
		delete(r.entries, userID)
		close(e.changed)
		return false
	}
	e.state = stateLive
	e.conn = conn
	close(e.changed)
	e.changed = make(chan struct{})
	return true
}

// release drops a pending slot after a failed open.
func (r *registry) release(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok || e.state != statePending {
		return
	}
	delete(r.entries, userID)
	close(e.changed)
}

// beginClose moves a live connection to closing and returns it. The slot
// stays occupied until remove is called.
func (r *registry) beginClose(userID string, match func(*Connection) bool) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok || e.state != stateLive {
		return nil, false
	}
	if match != nil && !match(e.conn) {
		return nil, false
	}
	e.state = stateClosing
	close(e.changed)
	e.changed = make(chan struct{})
	return e.conn, true
}

// remove deletes a closing entry.
func (r *registry) remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok || e.state != stateClosing {
		return
	}
	delete(r.entries, userID)
	close(e.changed)
}

// lookup returns the live connection, or the state and a channel that is
// closed on the next transition when the slot is busy.
func (r *registry) lookup(userID string) (conn *Connection, state entryState, changed <-chan struct{}, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return nil, 0, nil, false
	}
	if e.state == stateLive {
		return e.conn, e.state, nil, true
	}
	return nil, e.state, e.changed, true
}

// liveCount returns the number of live connections.
func (r *registry) liveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.state == stateLive {
			n++
		}
	}
	return n
}

// shutdown closes the registry to new slots, moves every live connection to
// closing and returns them.
func (r *registry) shutdown() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]*Connection, 0, len(r.entries))
	for _, e := range r.entries {
		if e.state != stateLive {
			continue
		}
		e.state = stateClosing
		close(e.changed)
		e.changed = make(chan struct{})
		out = append(out, e.conn)
	}
	return out
}
