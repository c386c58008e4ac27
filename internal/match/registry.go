// Package match implements the matchmaking and relay core: the registry of
// connected users, the FIFO search queue, pairing state transitions, and the
// relay that forwards opaque messages between current partners.
//
// All mutable state (registry, queue, partner pointers) is owned by Service
// and guarded by a single mutex, so pairing decisions never interleave.
package match

import "fmt"

// Sender is the outbound half of a connection's transport. It is owned
// exclusively by the registered user and must be safe for concurrent use.
type Sender interface {
	Send(data []byte) error
}

// Location is the display location resolved once at connect time. It is
// cosmetic only and never influences candidate selection.
type Location struct {
	Code    string
	Country string
	Flag    string
}

// User is one live connection tracked by the registry.
type User struct {
	ID       string
	Location Location

	sender    Sender
	searching bool
	partnerID string // empty means unpaired
}

// Partner returns the id of the user's current partner, or "" if unpaired.
func (u *User) Partner() string { return u.partnerID }

// Searching reports whether the user is actively queued or mid-match-attempt.
func (u *User) Searching() bool { return u.searching }

// registry maps connection id -> User and is the single source of truth for
// liveness. It is not goroutine-safe on its own; Service's mutex guards it.
type registry struct {
	users map[string]*User
}

func newRegistry() *registry {
	return &registry{users: make(map[string]*User)}
}

// add registers a new user. Ids are generated to avoid collision upstream,
// but the contract still rejects duplicates explicitly.
func (r *registry) add(u *User) error {
	if _, ok := r.users[u.ID]; ok {
		return fmt.Errorf("match: user %s already registered", u.ID)
	}
	r.users[u.ID] = u
	return nil
}

// lookup returns the user for the given id, or nil if not registered.
func (r *registry) lookup(id string) *User {
	return r.users[id]
}

// remove deletes the user by id. Removing an unknown id is a no-op.
func (r *registry) remove(id string) {
	delete(r.users, id)
}

// count returns the number of registered users.
func (r *registry) count() int {
	return len(r.users)
}

// all returns a snapshot of all registered users.
func (r *registry) all() []*User {
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}
