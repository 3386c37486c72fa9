// Package roster tracks who is in the room and where they stand.
package roster

import (
	"sort"
	"strings"
	"sync"

	"github.com/cory-johannsen/roomlink/protocol"
)

// Record is one occupant. Anchor is set instead of Position while seated.
type Record struct {
	UserID   string
	Username string
	Position protocol.Position
	Anchor   *protocol.AnchorPosition

	seq uint64
}

// Roster tracks room occupants.
// All methods are safe for concurrent use.
type Roster struct {
	mu      sync.RWMutex
	records map[string]Record // userID → record
	nextSeq uint64

	held    bool
	journal []func()
}

// New creates an empty Roster.
func New() *Roster {
	return &Roster{records: make(map[string]Record)}
}

// Add registers a user. An existing record is never overwritten.
//
// Precondition: u.ID must be non-empty.
// Postcondition: Returns true if the user was added.
func (r *Roster) Add(u protocol.User, pos protocol.Position) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(func() { r.addLocked(u, pos) })
	return r.addLocked(u, pos)
}

func (r *Roster) addLocked(u protocol.User, pos protocol.Position) bool {
	if _, exists := r.records[u.ID]; exists {
		return false
	}
	r.nextSeq++
	r.records[u.ID] = Record{UserID: u.ID, Username: u.Username, Position: pos, seq: r.nextSeq}
	return true
}

// Remove forgets a user. Absent users are ignored.
//
// Postcondition: Returns true if a record was removed.
func (r *Roster) Remove(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(func() { r.removeLocked(userID) })
	return r.removeLocked(userID)
}

func (r *Roster) removeLocked(userID string) bool {
	if _, exists := r.records[userID]; !exists {
		return false
	}
	delete(r.records, userID)
	return true
}

// Move updates a present user's location from a move event.
//
// Postcondition: Returns false, and changes nothing, if the user is absent.
func (r *Roster) Move(ev protocol.UserMoved) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(func() { r.moveLocked(ev) })
	return r.moveLocked(ev)
}

func (r *Roster) moveLocked(ev protocol.UserMoved) bool {
	rec, exists := r.records[ev.User.ID]
	if !exists {
		return false
	}
	switch {
	case ev.Position != nil:
		rec.Position = *ev.Position
		rec.Anchor = nil
	case ev.Anchor != nil:
		a := *ev.Anchor
		rec.Anchor = &a
	}
	r.records[ev.User.ID] = rec
	return true
}

// Hold starts journaling Add, Remove and Move so a later Replace can reapply
// them on top of a listing requested now. Holding twice keeps the journal.
func (r *Roster) Hold() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held = true
}

// Release ends a hold without a listing and discards the journal.
func (r *Roster) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held = false
	r.journal = nil
}

// record journals op while held. Caller holds mu.
func (r *Roster) record(op func()) {
	if r.held {
		r.journal = append(r.journal, op)
	}
}

// Replace swaps the whole roster for a server listing, in listing order.
// Changes journaled since Hold are reapplied in arrival order and the hold ends.
func (r *Roster) Replace(users []protocol.RoomUser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]Record, len(users))
	for _, ru := range users {
		if _, dup := r.records[ru.User.ID]; dup {
			continue
		}
		r.nextSeq++
		r.records[ru.User.ID] = Record{UserID: ru.User.ID, Username: ru.User.Username, Position: ru.Position, seq: r.nextSeq}
	}
	for _, op := range r.journal {
		op()
	}
	r.held = false
	r.journal = nil
}

// Get returns the record for userID.
//
// Postcondition: Returns (record, true) if found, or (Record{}, false) otherwise.
func (r *Roster) Get(userID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[userID]
	return rec, ok
}

// List returns every record in arrival order.
func (r *Roster) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// IDByUsername resolves a username, ignoring case.
func (r *Roster) IDByUsername(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, rec := range r.records {
		if strings.EqualFold(rec.Username, username) {
			return id, true
		}
	}
	return "", false
}

// Len returns the number of occupants.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Clear empties the roster.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]Record)
	r.held = false
	r.journal = nil
}
