package relay

import (
	"slices"
	"sort"
	"time"
)

// Room is one signaling session grouping.
//
// While a room exists its creator is a participant; the table deletes the room
// as soon as the creator leaves or the participant list becomes empty.
type Room struct {
	ID           string
	Creator      ConnID
	Participants []ConnID
	Active       bool
	CreatedAt    time.Time
	LastActivity time.Time
}

func (r *Room) Has(c ConnID) bool {
	return slices.Contains(r.Participants, c)
}

// Others returns a copy of the participant list without c, in join order.
func (r *Room) Others(c ConnID) []ConnID {
	out := make([]ConnID, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p != c {
			out = append(out, p)
		}
	}
	return out
}

func (r *Room) remove(c ConnID) bool {
	i := slices.Index(r.Participants, c)
	if i < 0 {
		return false
	}
	r.Participants = slices.Delete(r.Participants, i, i+1)
	return true
}

// Departure describes what happened to one room when a connection left it.
type Departure struct {
	RoomID     string
	WasCreator bool
	// Remaining lists the participants still connected to the room's session
	// at the moment of departure. When the creator leaves the room is deleted,
	// but Remaining is still populated so they can be notified.
	Remaining []ConnID
	Deleted   bool
}

// EndResult is returned by EndSession.
type EndResult struct {
	Notify     []ConnID
	WasCreator bool
	Deleted    bool
}

// RoomTable owns all rooms keyed by room identifier.
type RoomTable struct {
	rooms map[string]*Room
}

func NewRoomTable() *RoomTable {
	return &RoomTable{rooms: make(map[string]*Room)}
}

func (t *RoomTable) Len() int {
	return len(t.rooms)
}

func (t *RoomTable) Get(id string) (*Room, bool) {
	room, ok := t.rooms[id]
	return room, ok
}

// GetActive returns the room only if it exists and is active. Negotiation
// messages are gated on it.
func (t *RoomTable) GetActive(id string) (*Room, bool) {
	room, ok := t.rooms[id]
	if !ok || !room.Active {
		return nil, false
	}
	return room, true
}

// RoomsOf returns every room listing c as a participant, ordered by room id.
// Membership is exclusive so this is at most one room unless state is
// inconsistent.
func (t *RoomTable) RoomsOf(c ConnID) []*Room {
	var out []*Room
	for _, id := range t.sortedIDs() {
		if room := t.rooms[id]; room.Has(c) {
			out = append(out, room)
		}
	}
	return out
}

// CreateOrJoin removes c from any room it occupies, then either creates room
// id with c as creator or adds c to the existing room and reactivates it.
func (t *RoomTable) CreateOrJoin(id string, c ConnID, now time.Time) (room *Room, created bool, left []Departure) {
	left = t.LeaveAll(c)

	room, ok := t.rooms[id]
	if !ok {
		room = &Room{
			ID:           id,
			Creator:      c,
			Participants: []ConnID{c},
			Active:       true,
			CreatedAt:    now,
			LastActivity: now,
		}
		t.rooms[id] = room
		return room, true, left
	}

	if !room.Has(c) {
		room.Participants = append(room.Participants, c)
	}
	room.Active = true
	room.LastActivity = now
	return room, false, left
}

// LeaveAll removes c from every room containing it. A room is deleted when c
// was its creator or when no participants remain.
func (t *RoomTable) LeaveAll(c ConnID) []Departure {
	var out []Departure
	for _, id := range t.sortedIDs() {
		room := t.rooms[id]
		if !room.remove(c) {
			continue
		}
		d := Departure{
			RoomID:     id,
			WasCreator: room.Creator == c,
			Remaining:  slices.Clone(room.Participants),
		}
		if d.WasCreator || len(room.Participants) == 0 {
			delete(t.rooms, id)
			d.Deleted = true
		}
		out = append(out, d)
	}
	return out
}

// EndSession deactivates room id. It reports false, and changes nothing, when
// the room is missing or already inactive. When c is the creator it also
// leaves the room, which deletes it.
func (t *RoomTable) EndSession(id string, c ConnID, now time.Time) (EndResult, bool) {
	room, ok := t.rooms[id]
	if !ok || !room.Active {
		return EndResult{}, false
	}

	room.Active = false
	room.LastActivity = now
	res := EndResult{Notify: room.Others(c)}

	if room.Creator == c {
		res.WasCreator = true
		room.remove(c)
		delete(t.rooms, id)
		res.Deleted = true
	}
	return res, true
}

// Touch records negotiation activity on room id.
func (t *RoomTable) Touch(id string, now time.Time) {
	if room, ok := t.rooms[id]; ok {
		room.LastActivity = now
	}
}

func (t *RoomTable) sortedIDs() []string {
	ids := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
