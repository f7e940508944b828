package matching

import (
	"fmt"
	"time"
)

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomActive  RoomStatus = "active"
	RoomClosing RoomStatus = "closing"
)

// Room pairs exactly two connections.
type Room struct {
	ID        string
	Members   [2]*Profile
	CreatedAt time.Time
	Status    RoomStatus
}

// Has reports whether connID is a member of r.
func (r *Room) Has(connID string) bool {
	return r.Members[0].ConnID == connID || r.Members[1].ConnID == connID
}

// Partner returns the member that is not connID.
func (r *Room) Partner(connID string) (*Profile, bool) {
	switch connID {
	case r.Members[0].ConnID:
		return r.Members[1], true
	case r.Members[1].ConnID:
		return r.Members[0], true
	}
	return nil, false
}

// Rooms is the room table with a member index so a connection's room is
// found without a scan.
type Rooms struct {
	byID     map[string]*Room
	byMember map[string]string
	newID    func() string
}

// NewRooms creates an empty room table that names rooms with newID.
func NewRooms(newID func() string) *Rooms {
	return &Rooms{
		byID:     make(map[string]*Room),
		byMember: make(map[string]string),
		newID:    newID,
	}
}

// Create opens a room for a and b. Both must be outside any room.
func (t *Rooms) Create(a, b *Profile, now time.Time) (*Room, error) {
	if a.ConnID == b.ConnID {
		return nil, fmt.Errorf("%w: %s paired with itself", ErrInvariant, a.ConnID)
	}
	for _, p := range []*Profile{a, b} {
		if roomID, ok := t.byMember[p.ConnID]; ok {
			return nil, fmt.Errorf("%w: %s already in room %s", ErrInvariant, p.ConnID, roomID)
		}
	}

	id := t.newID()
	if _, ok := t.byID[id]; ok {
		return nil, fmt.Errorf("%w: room id %s reused", ErrInvariant, id)
	}

	r := &Room{ID: id, Members: [2]*Profile{a, b}, CreatedAt: now, Status: RoomActive}
	t.byID[id] = r
	t.byMember[a.ConnID] = id
	t.byMember[b.ConnID] = id
	return r, nil
}

// Get returns the room with the given id or nil.
func (t *Rooms) Get(roomID string) *Room {
	return t.byID[roomID]
}

// FindByMember returns the room connID belongs to, or nil.
func (t *Rooms) FindByMember(connID string) *Room {
	id, ok := t.byMember[connID]
	if !ok {
		return nil
	}
	return t.byID[id]
}

// Close removes the room and its member index entries. Closing a room
// that is already gone returns false.
func (t *Rooms) Close(roomID string) (*Room, bool) {
	r, ok := t.byID[roomID]
	if !ok {
		return nil, false
	}
	r.Status = RoomClosing
	delete(t.byID, roomID)
	for _, m := range r.Members {
		if t.byMember[m.ConnID] == roomID {
			delete(t.byMember, m.ConnID)
		}
	}
	return r, true
}

// Len returns the number of open rooms.
func (t *Rooms) Len() int {
	return len(t.byID)
}
