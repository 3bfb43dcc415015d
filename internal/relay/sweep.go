package relay

import "time"

type RoomStat struct {
	ID           string        `json:"id"`
	Participants int           `json:"participants"`
	Active       bool          `json:"active"`
	Idle         time.Duration `json:"idleNanos"`
}

// Snapshot is a point-in-time view of relay occupancy.
type Snapshot struct {
	Taken      time.Time  `json:"taken"`
	Registered int        `json:"registered"`
	Rooms      []RoomStat `json:"rooms"`
}

// Sweep logs room occupancy and refreshes gauges. It never mutates state:
// stale rooms are only reported, not expired.
func (r *Relay) Sweep() Snapshot {
	now := r.now()
	snap := Snapshot{
		Taken:      now,
		Registered: r.registry.Len(),
		Rooms:      make([]RoomStat, 0, r.rooms.Len()),
	}
	for _, id := range r.rooms.sortedIDs() {
		room := r.rooms.rooms[id]
		snap.Rooms = append(snap.Rooms, RoomStat{
			ID:           room.ID,
			Participants: len(room.Participants),
			Active:       room.Active,
			Idle:         now.Sub(room.LastActivity),
		})
	}

	r.metrics.SetRooms(len(snap.Rooms))
	r.metrics.SetRegistered(snap.Registered)

	if len(snap.Rooms) > 0 {
		r.log.Info("active rooms", "active_rooms", len(snap.Rooms), "registered", snap.Registered)
		for _, st := range snap.Rooms {
			r.log.Info("room status",
				"room_id", st.ID,
				"participants", st.Participants,
				"active", st.Active,
				"idle", st.Idle.Round(time.Second).String(),
			)
		}
	}
	return snap
}
