package presence

import "sync"

// Roster maps user ids to their last known status. Entries may be stale.
type Roster struct {
	mu       sync.RWMutex
	statuses map[int64]Status
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{statuses: map[int64]Status{}}
}

// Set records status for userID. Zero ids and unknown statuses are ignored.
func (r *Roster) Set(userID int64, status Status) bool {
	if userID <= 0 || !status.Valid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[userID] = status
	return true
}

// StatusFor returns the last known status of userID.
func (r *Roster) StatusFor(userID int64) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[userID]
	return s, ok
}

// Snapshot returns a copy of every known status.
func (r *Roster) Snapshot() map[int64]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]Status, len(r.statuses))
	for id, s := range r.statuses {
		out[id] = s
	}
	return out
}

// Clear forgets every entry.
func (r *Roster) Clear() {
	r.mu.Lock()
	r.statuses = map[int64]Status{}
	r.mu.Unlock()
}
