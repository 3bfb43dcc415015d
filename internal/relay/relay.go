package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/metrics"
)

// Transport delivers outbound messages. Implementations must not block: a
// message that cannot be queued is dropped.
type Transport interface {
	// Send delivers msg to a single connection. Unknown connections are ignored.
	Send(to ConnID, msg Message)
	// Broadcast delivers msg to every live connection except the given one.
	Broadcast(except ConnID, msg Message)
}

type Options struct {
	Transport Transport
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Relay owns the registry and the room table and routes inbound events.
type Relay struct {
	registry  *Registry
	rooms     *RoomTable
	transport Transport
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		registry:  NewRegistry(),
		rooms:     NewRoomTable(),
		transport: opts.Transport,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

func (r *Relay) Registry() *Registry { return r.registry }

func (r *Relay) Rooms() *RoomTable { return r.rooms }

type handlerFunc func(r *Relay, from ConnID, ev Event)

var handlers = map[EventKind]handlerFunc{
	EventRegister:     (*Relay).handleRegister,
	EventCreateRoom:   (*Relay).handleCreateRoom,
	EventJoinRoom:     (*Relay).handleJoinRoom,
	EventAcceptJoin:   (*Relay).handleAcceptJoin,
	EventStartSharing: (*Relay).handleStartSharing,
	EventOffer:        (*Relay).handleOffer,
	EventAnswer:       (*Relay).handleAnswer,
	EventICECandidate: (*Relay).handleICECandidate,
	EventEndSession:   (*Relay).handleEndSession,
}

// Handle processes one inbound event from a connection.
func (r *Relay) Handle(from ConnID, ev Event) error {
	h, ok := handlers[ev.Kind]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownEvent, ev.Kind)
	}
	r.metrics.EventHandled(string(ev.Kind))
	h(r, from, ev)
	return nil
}

func (r *Relay) handleRegister(from ConnID, ev Event) {
	ident := Identity{DisplayName: ev.DisplayName, UserID: ev.UserID}
	r.registry.Register(from, ident)
	r.log.Info("user registered", "conn_id", from, "display_name", ident.DisplayName, "user_id", ident.UserID)

	r.broadcast(from, Message{Type: MsgUserJoined, Payload: UserJoined{
		DisplayName: ident.DisplayName,
		UserID:      ident.UserID,
	}})
}

func (r *Relay) handleCreateRoom(from ConnID, ev Event) {
	room, created, left := r.rooms.CreateOrJoin(ev.RoomID, from, r.now())
	r.announceDepartures(from, left)
	r.log.Info("room created or joined",
		"conn_id", from,
		"room_id", room.ID,
		"created", created,
		"participants", len(room.Participants),
	)
	r.send(from, Message{Type: MsgRoomCreated, Payload: RoomCreated{RoomID: room.ID}})
}

func (r *Relay) handleJoinRoom(from ConnID, ev Event) {
	if _, ok := r.rooms.Get(ev.RoomID); !ok {
		r.log.Debug("join for unknown room", "conn_id", from, "room_id", ev.RoomID)
		r.send(from, Message{Type: MsgError, Payload: ErrorPayload{Message: "Room not found"}})
		return
	}

	room, _, left := r.rooms.CreateOrJoin(ev.RoomID, from, r.now())
	r.announceDepartures(from, left)
	r.log.Info("joined room", "conn_id", from, "room_id", room.ID, "participants", len(room.Participants))

	if room.Creator == from {
		return
	}
	ident, _ := r.registry.Lookup(from)
	r.send(room.Creator, Message{Type: MsgJoinRequest, Payload: JoinRequest{
		RoomID:       room.ID,
		UserID:       ident.UserID,
		DisplayName:  ident.DisplayName,
		ConnectionID: from,
	}})
}

// handleAcceptJoin forwards the creator's acceptance. Pending requests are not
// tracked; the creator decides whom to accept.
func (r *Relay) handleAcceptJoin(from ConnID, ev Event) {
	r.log.Info("join accepted", "conn_id", from, "room_id", ev.RoomID, "target", ev.Target)
	r.send(ev.Target, Message{Type: MsgJoinAccepted, Payload: JoinAccepted{RoomID: ev.RoomID}})
}

func (r *Relay) handleStartSharing(from ConnID, ev Event) {
	room, ok := r.rooms.Get(ev.RoomID)
	if !ok {
		r.log.Debug("start-sharing for unknown room", "conn_id", from, "room_id", ev.RoomID)
		return
	}
	r.log.Info("sharing started", "conn_id", from, "room_id", room.ID)
	r.sendAll(room.Others(from), Message{Type: MsgSharingStarted, Payload: SharingStarted{
		Initiator: r.displayName(from),
	}})
}

func (r *Relay) handleOffer(from ConnID, ev Event) {
	room, ok := r.activeRoom(from, ev)
	if !ok {
		return
	}
	r.log.Debug("relaying offer", "conn_id", from, "room_id", room.ID, "sdp_type", sdpTypeOf(ev.Description).String())
	r.sendAll(room.Others(from), Message{Type: MsgOffer, Payload: RelayedDescription{
		Description: ev.Description,
		From:        from,
	}})
}

func (r *Relay) handleAnswer(from ConnID, ev Event) {
	room, ok := r.activeRoom(from, ev)
	if !ok {
		return
	}
	if ev.Target == "" {
		r.metrics.MessageDropped(metrics.DropReasonMissingTarget)
		r.log.Debug("dropping answer without target", "conn_id", from, "room_id", room.ID)
		return
	}
	r.log.Debug("relaying answer", "conn_id", from, "room_id", room.ID, "to", ev.Target, "sdp_type", sdpTypeOf(ev.Description).String())
	r.send(ev.Target, Message{Type: MsgAnswer, Payload: RelayedDescription{
		Description: ev.Description,
		From:        from,
	}})
}

func (r *Relay) handleICECandidate(from ConnID, ev Event) {
	room, ok := r.activeRoom(from, ev)
	if !ok {
		return
	}
	msg := Message{Type: MsgICECandidate, Payload: RelayedCandidate{
		Candidate: ev.Candidate,
		From:      from,
	}}
	if ev.Target != "" {
		r.send(ev.Target, msg)
		return
	}
	r.sendAll(room.Others(from), msg)
}

func (r *Relay) handleEndSession(from ConnID, ev Event) {
	res, ok := r.rooms.EndSession(ev.RoomID, from, r.now())
	if !ok {
		r.log.Debug("ignoring end-session for inactive room", "conn_id", from, "room_id", ev.RoomID)
		return
	}
	r.log.Info("session ended",
		"conn_id", from,
		"room_id", ev.RoomID,
		"by_creator", res.WasCreator,
		"room_deleted", res.Deleted,
	)
	r.sendAll(res.Notify, Message{Type: MsgSessionEnded, Payload: SessionEnded{By: r.displayName(from)}})
}

// Disconnect tears down everything owned by a closed connection: it notifies
// the rest of its room, removes it from the room table and forgets its
// identity.
func (r *Relay) Disconnect(from ConnID) {
	name := r.displayName(from)

	for _, room := range r.rooms.RoomsOf(from) {
		others := room.Others(from)
		r.sendAll(others, Message{Type: MsgUserLeft, Payload: UserLeft{DisplayName: name}})
		if room.Creator == from {
			r.sendAll(others, Message{Type: MsgSessionEnded, Payload: SessionEnded{By: name}})
		}
	}

	for _, d := range r.rooms.LeaveAll(from) {
		if d.Deleted {
			r.log.Info("room deleted after disconnect", "conn_id", from, "room_id", d.RoomID, "was_creator", d.WasCreator)
		}
	}

	r.registry.Remove(from)
	r.log.Info("connection closed", "conn_id", from, "display_name", name)
}

// activeRoom applies the negotiation gate: messages for a missing or inactive
// room are dropped without telling the sender.
func (r *Relay) activeRoom(from ConnID, ev Event) (*Room, bool) {
	room, ok := r.rooms.GetActive(ev.RoomID)
	if !ok {
		r.metrics.MessageDropped(metrics.DropReasonRoomInactive)
		r.log.Debug("ignoring message for inactive room", "event", ev.Kind, "conn_id", from, "room_id", ev.RoomID)
		return nil, false
	}
	r.rooms.Touch(room.ID, r.now())
	return room, true
}

// announceDepartures tells the remaining participants of any room that the
// connection created and just left that the session is over.
func (r *Relay) announceDepartures(from ConnID, left []Departure) {
	for _, d := range left {
		if d.WasCreator {
			r.sendAll(d.Remaining, Message{Type: MsgSessionEnded, Payload: SessionEnded{By: r.displayName(from)}})
		}
		if d.Deleted {
			r.log.Info("room deleted", "conn_id", from, "room_id", d.RoomID, "was_creator", d.WasCreator)
		}
	}
}

func (r *Relay) displayName(c ConnID) string {
	ident, _ := r.registry.Lookup(c)
	return ident.DisplayName
}

func (r *Relay) send(to ConnID, msg Message) {
	if r.transport == nil {
		return
	}
	r.transport.Send(to, msg)
	r.metrics.MessageSent(msg.Type)
}

func (r *Relay) sendAll(to []ConnID, msg Message) {
	for _, c := range to {
		r.send(c, msg)
	}
}

func (r *Relay) broadcast(except ConnID, msg Message) {
	if r.transport == nil {
		return
	}
	r.transport.Broadcast(except, msg)
	r.metrics.MessageSent(msg.Type)
}

func sdpTypeOf(raw json.RawMessage) webrtc.SDPType {
	var desc struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return webrtc.SDPTypeUnknown
	}
	return webrtc.NewSDPType(desc.Type)
}
