package match

// queue is the FIFO ordering of users waiting for a partner. Entries are
// insertion-ordered and unique. Like the registry it is guarded by Service's
// mutex rather than locking internally.
type queue struct {
	ids []string
}

func newQueue() *queue {
	return &queue{}
}

// enqueue appends the id unless it is already present. Rapid repeated
// find-partner requests must not produce duplicate entries.
func (q *queue) enqueue(id string) {
	if q.contains(id) {
		return
	}
	q.ids = append(q.ids, id)
}

// remove deletes the id by value. Removing an absent id is a no-op.
func (q *queue) remove(id string) {
	for i, v := range q.ids {
		if v == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return
		}
	}
}

// contains reports whether the id is currently queued.
func (q *queue) contains(id string) bool {
	for _, v := range q.ids {
		if v == id {
			return true
		}
	}
	return false
}

// candidateFor scans in insertion order and returns the first entry, other
// than the requester, for which eligible returns true. Stale entries (user
// paired elsewhere or gone) are skipped, not purged; they are cleaned up at
// removal time instead.
func (q *queue) candidateFor(requesterID string, eligible func(id string) bool) string {
	for _, id := range q.ids {
		if id == requesterID {
			continue
		}
		if eligible(id) {
			return id
		}
	}
	return ""
}

// size returns the number of queued ids, valid or stale.
func (q *queue) size() int {
	return len(q.ids)
}

// snapshot returns a copy of the queue contents in order.
func (q *queue) snapshot() []string {
	out := make([]string, len(q.ids))
	copy(out, q.ids)
	return out
}
