package relay

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"
)

var (
	testOffer     = json.RawMessage(`{"type":"offer","sdp":"v=0 offer"}`)
	testAnswer    = json.RawMessage(`{"type":"answer","sdp":"v=0 answer"}`)
	testCandidate = json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`)
)

func TestHandle_UnknownEvent(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	err := r.Handle("A", Event{Kind: "bogus"})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err=%v, want ErrUnknownEvent", err)
	}
	if len(tr.out) != 0 {
		t.Fatalf("unexpected output: %+v", tr.out)
	}
}

func TestRegister_BroadcastsToOthers(t *testing.T) {
	r, tr, _ := newTestRelay(t, "A", "B", "C")
	mustHandle(t, r, "A", Event{Kind: EventRegister, DisplayName: "alice", UserID: "u1"})

	if ident, ok := r.Registry().Lookup("A"); !ok || ident.DisplayName != "alice" || ident.UserID != "u1" {
		t.Fatalf("identity=%+v ok=%v", ident, ok)
	}
	if got := tr.to("A"); len(got) != 0 {
		t.Fatalf("registering connection received %v", got)
	}
	for _, c := range []ConnID{"B", "C"} {
		msgs := tr.to(c)
		if len(msgs) != 1 || msgs[0].Type != MsgUserJoined {
			t.Fatalf("%s got %+v, want one user-joined", c, msgs)
		}
		if p := msgs[0].Payload.(UserJoined); p.DisplayName != "alice" || p.UserID != "u1" {
			t.Fatalf("payload=%+v", p)
		}
	}

	tr.reset()
	mustHandle(t, r, "A", Event{Kind: EventRegister, DisplayName: "alice2", UserID: "u1"})
	if ident, _ := r.Registry().Lookup("A"); ident.DisplayName != "alice2" {
		t.Fatalf("register did not overwrite identity: %+v", ident)
	}
	if n := len(tr.out); n != 2 {
		t.Fatalf("re-register deliveries=%d, want 2", n)
	}
}

func TestCreateRoom_FreshRoom(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})

	room, ok := r.Rooms().Get("r1")
	if !ok {
		t.Fatalf("room not created")
	}
	if !room.Active || !slices.Equal(room.Participants, []ConnID{"A"}) {
		t.Fatalf("room=%+v", room)
	}
	msgs := tr.to("A")
	if len(msgs) != 1 || msgs[0].Type != MsgRoomCreated || msgs[0].Payload.(RoomCreated).RoomID != "r1" {
		t.Fatalf("A got %+v, want room-created r1", msgs)
	}
}

func TestCreateRoom_MovingCreatorEndsOldSession(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventRegister, DisplayName: "alice"})
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "r1"})
	tr.reset()

	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r2"})

	if _, ok := r.Rooms().Get("r1"); ok {
		t.Fatalf("r1 survived its creator moving away")
	}
	msgs := tr.to("B")
	if len(msgs) != 1 || msgs[0].Type != MsgSessionEnded || msgs[0].Payload.(SessionEnded).By != "alice" {
		t.Fatalf("B got %+v, want session-ended by alice", msgs)
	}
	if rooms := r.Rooms().RoomsOf("A"); len(rooms) != 1 || rooms[0].ID != "r2" {
		t.Fatalf("A rooms=%v, want [r2]", rooms)
	}
}

func TestJoinRoom_MissingRoomReportsError(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "nope"})

	msgs := tr.to("B")
	if len(msgs) != 1 || msgs[0].Type != MsgError {
		t.Fatalf("B got %+v, want error", msgs)
	}
	if p := msgs[0].Payload.(ErrorPayload); p.Message != "Room not found" {
		t.Fatalf("message=%q", p.Message)
	}
	if r.Rooms().Len() != 0 {
		t.Fatalf("join created a room")
	}
}

func TestJoinRoom_SendsJoinRequestToCreator(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	mustHandle(t, r, "B", Event{Kind: EventRegister, DisplayName: "bob", UserID: "u2"})
	tr.reset()

	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "r1"})
	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "r1"})

	room, _ := r.Rooms().Get("r1")
	if !slices.Equal(room.Participants, []ConnID{"A", "B"}) {
		t.Fatalf("participants=%v, want [A B]", room.Participants)
	}
	msgs := tr.to("A")
	if len(msgs) != 2 {
		t.Fatalf("A got %d messages, want 2 join-requests", len(msgs))
	}
	want := JoinRequest{RoomID: "r1", UserID: "u2", DisplayName: "bob", ConnectionID: "B"}
	if got := msgs[0].Payload.(JoinRequest); got != want {
		t.Fatalf("join-request=%+v, want %+v", got, want)
	}
}

func TestJoinRoom_CreatorGetsNoJoinRequest(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	tr.reset()

	mustHandle(t, r, "A", Event{Kind: EventJoinRoom, RoomID: "r1"})
	for _, m := range tr.to("A") {
		if m.Type == MsgJoinRequest {
			t.Fatalf("creator received its own join-request")
		}
	}
}

func TestAcceptJoin_Unicast(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventAcceptJoin, RoomID: "r1", Target: "B"})

	if len(tr.out) != 1 || tr.out[0].To != "B" || tr.out[0].Msg.Type != MsgJoinAccepted {
		t.Fatalf("out=%+v, want one join-accepted to B", tr.out)
	}
	if r.Rooms().Len() != 0 {
		t.Fatalf("accept-join changed the room table")
	}
}

func TestStartSharing_ExcludesSender(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventRegister, DisplayName: "alice"})
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "r1"})
	mustHandle(t, r, "C", Event{Kind: EventJoinRoom, RoomID: "r1"})
	tr.reset()

	mustHandle(t, r, "A", Event{Kind: EventStartSharing, RoomID: "r1"})
	if got := tr.types("A"); len(got) != 0 {
		t.Fatalf("sender got %v", got)
	}
	for _, c := range []ConnID{"B", "C"} {
		msgs := tr.to(c)
		if len(msgs) != 1 || msgs[0].Payload.(SharingStarted).Initiator != "alice" {
			t.Fatalf("%s got %+v", c, msgs)
		}
	}
}

func TestOffer_FansOutToRoom(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "r1"})
	mustHandle(t, r, "C", Event{Kind: EventJoinRoom, RoomID: "r1"})
	tr.reset()

	mustHandle(t, r, "A", Event{Kind: EventOffer, RoomID: "r1", Description: testOffer})

	for _, c := range []ConnID{"B", "C"} {
		msgs := tr.to(c)
		if len(msgs) != 1 || msgs[0].Type != MsgOffer {
			t.Fatalf("%s got %+v, want one offer", c, msgs)
		}
		p := msgs[0].Payload.(RelayedDescription)
		if p.From != "A" || string(p.Description) != string(testOffer) {
			t.Fatalf("%s payload=%+v", c, p)
		}
	}
	if len(tr.to("A")) != 0 {
		t.Fatalf("offer echoed to sender")
	}
}

func TestICECandidate_UnicastAndBroadcast(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "r1"})
	mustHandle(t, r, "C", Event{Kind: EventJoinRoom, RoomID: "r1"})
	tr.reset()

	mustHandle(t, r, "A", Event{Kind: EventICECandidate, RoomID: "r1", Candidate: testCandidate, Target: "C"})
	if len(tr.out) != 1 || tr.out[0].To != "C" {
		t.Fatalf("targeted candidate out=%+v, want only C", tr.out)
	}

	tr.reset()
	mustHandle(t, r, "B", Event{Kind: EventICECandidate, RoomID: "r1", Candidate: testCandidate})
	if got := len(tr.out); got != 2 {
		t.Fatalf("room candidate deliveries=%d, want 2", got)
	}
	if len(tr.to("B")) != 0 {
		t.Fatalf("candidate echoed to sender")
	}
	if p := tr.to("A")[0].Payload.(RelayedCandidate); p.From != "B" {
		t.Fatalf("from=%q, want B", p.From)
	}
}

func TestAnswerWithoutTargetIsDropped(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "r1"})
	tr.reset()

	mustHandle(t, r, "B", Event{Kind: EventAnswer, RoomID: "r1", Description: testAnswer})
	if len(tr.out) != 0 {
		t.Fatalf("out=%+v, want nothing", tr.out)
	}
}

// Negotiation messages for a missing room are dropped silently while join-room
// for a missing room replies with an error. Both behaviors are intentional.
func TestMissingRoom_JoinErrorsButNegotiationIsSilent(t *testing.T) {
	r, tr, _ := newTestRelay(t)

	mustHandle(t, r, "B", Event{Kind: EventICECandidate, RoomID: "never", Candidate: testCandidate})
	mustHandle(t, r, "B", Event{Kind: EventOffer, RoomID: "never", Description: testOffer})
	mustHandle(t, r, "B", Event{Kind: EventAnswer, RoomID: "never", Description: testAnswer, Target: "A"})
	if len(tr.out) != 0 {
		t.Fatalf("negotiation for missing room emitted %+v", tr.out)
	}
	if r.Rooms().Len() != 0 {
		t.Fatalf("negotiation created a room")
	}

	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "never"})
	if got := tr.types("B"); !equalTypes(got, []string{MsgError}) {
		t.Fatalf("join types=%v, want [error]", got)
	}
}

func TestEndSessionByViewer_GatesNegotiation(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "B", Event{Kind: EventRegister, DisplayName: "bob"})
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "r1"})
	tr.reset()

	mustHandle(t, r, "B", Event{Kind: EventEndSession, RoomID: "r1"})
	msgs := tr.to("A")
	if len(msgs) != 1 || msgs[0].Type != MsgSessionEnded || msgs[0].Payload.(SessionEnded).By != "bob" {
		t.Fatalf("A got %+v, want session-ended by bob", msgs)
	}

	room, ok := r.Rooms().Get("r1")
	if !ok || room.Active {
		t.Fatalf("room=%+v ok=%v, want existing and inactive", room, ok)
	}

	tr.reset()
	mustHandle(t, r, "B", Event{Kind: EventOffer, RoomID: "r1", Description: testOffer})
	mustHandle(t, r, "A", Event{Kind: EventAnswer, RoomID: "r1", Description: testAnswer, Target: "B"})
	mustHandle(t, r, "A", Event{Kind: EventICECandidate, RoomID: "r1", Candidate: testCandidate})
	mustHandle(t, r, "B", Event{Kind: EventEndSession, RoomID: "r1"})
	if len(tr.out) != 0 {
		t.Fatalf("inactive room relayed %+v", tr.out)
	}

	mustHandle(t, r, "C", Event{Kind: EventJoinRoom, RoomID: "r1"})
	if _, ok := r.Rooms().GetActive("r1"); !ok {
		t.Fatalf("join did not revive the inactive room")
	}
}

func TestEndSessionByCreator_DeletesRoom(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "r1"})
	tr.reset()

	mustHandle(t, r, "A", Event{Kind: EventEndSession, RoomID: "r1"})
	if got := tr.types("B"); !equalTypes(got, []string{MsgSessionEnded}) {
		t.Fatalf("B types=%v, want [session-ended]", got)
	}
	if _, ok := r.Rooms().Get("r1"); ok {
		t.Fatalf("room survived creator end-session")
	}

	tr.reset()
	mustHandle(t, r, "C", Event{Kind: EventJoinRoom, RoomID: "r1"})
	if got := tr.types("C"); !equalTypes(got, []string{MsgError}) {
		t.Fatalf("C types=%v, want [error]", got)
	}
}

func TestDisconnect_LastParticipantRemovesRoom(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventRegister, DisplayName: "alice"})
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	tr.reset()

	r.Disconnect("A")
	if r.Rooms().Len() != 0 {
		t.Fatalf("rooms=%d, want 0", r.Rooms().Len())
	}
	if _, ok := r.Registry().Lookup("A"); ok {
		t.Fatalf("identity survived disconnect")
	}
	if len(tr.out) != 0 {
		t.Fatalf("lone disconnect emitted %+v", tr.out)
	}
}

func TestDisconnect_ViewerKeepsRoom(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "B", Event{Kind: EventRegister, DisplayName: "bob"})
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "r1"})
	tr.reset()

	r.Disconnect("B")
	if got := tr.types("A"); !equalTypes(got, []string{MsgUserLeft}) {
		t.Fatalf("A types=%v, want [user-left]", got)
	}
	if p := tr.to("A")[0].Payload.(UserLeft); p.DisplayName != "bob" {
		t.Fatalf("user-left=%+v", p)
	}
	room, ok := r.Rooms().Get("r1")
	if !ok || !slices.Equal(room.Participants, []ConnID{"A"}) {
		t.Fatalf("room=%+v ok=%v, want [A]", room, ok)
	}
}

func TestScreenShareScenario(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventRegister, DisplayName: "alice", UserID: "u1"})
	mustHandle(t, r, "B", Event{Kind: EventRegister, DisplayName: "bob", UserID: "u2"})

	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	room, _ := r.Rooms().Get("r1")
	if !room.Active || !slices.Equal(room.Participants, []ConnID{"A"}) {
		t.Fatalf("after create: %+v", room)
	}

	tr.reset()
	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "r1"})
	if msgs := tr.to("A"); len(msgs) != 1 || msgs[0].Payload.(JoinRequest).ConnectionID != "B" {
		t.Fatalf("A got %+v, want join-request from B", msgs)
	}
	room, _ = r.Rooms().Get("r1")
	if !slices.Equal(room.Participants, []ConnID{"A", "B"}) {
		t.Fatalf("participants=%v", room.Participants)
	}

	tr.reset()
	mustHandle(t, r, "A", Event{Kind: EventAcceptJoin, RoomID: "r1", Target: "B"})
	if got := tr.types("B"); !equalTypes(got, []string{MsgJoinAccepted}) {
		t.Fatalf("B types=%v", got)
	}

	tr.reset()
	mustHandle(t, r, "B", Event{Kind: EventOffer, RoomID: "r1", Description: testOffer})
	if msgs := tr.to("A"); len(msgs) != 1 || msgs[0].Payload.(RelayedDescription).From != "B" {
		t.Fatalf("A got %+v, want offer from B", msgs)
	}

	tr.reset()
	mustHandle(t, r, "A", Event{Kind: EventAnswer, RoomID: "r1", Description: testAnswer, Target: "B"})
	if msgs := tr.to("B"); len(msgs) != 1 || msgs[0].Type != MsgAnswer || msgs[0].Payload.(RelayedDescription).From != "A" {
		t.Fatalf("B got %+v, want answer from A", msgs)
	}

	tr.reset()
	r.Disconnect("A")
	if got := tr.types("B"); !equalTypes(got, []string{MsgUserLeft, MsgSessionEnded}) {
		t.Fatalf("B types=%v, want [user-left session-ended]", got)
	}
	if p := tr.to("B")[1].Payload.(SessionEnded); p.By != "alice" {
		t.Fatalf("session-ended by=%q, want alice", p.By)
	}
	if _, ok := r.Rooms().Get("r1"); ok {
		t.Fatalf("room r1 survived creator disconnect")
	}
}

func TestNegotiationTouchesRoom(t *testing.T) {
	r, _, clk := newTestRelay(t)
	mustHandle(t, r, "A", Event{Kind: EventCreateRoom, RoomID: "r1"})
	mustHandle(t, r, "B", Event{Kind: EventJoinRoom, RoomID: "r1"})

	clk.Advance(5 * time.Minute)
	mustHandle(t, r, "B", Event{Kind: EventOffer, RoomID: "r1", Description: testOffer})

	room, _ := r.Rooms().Get("r1")
	if !room.LastActivity.Equal(clk.Now()) {
		t.Fatalf("lastActivity=%v, want %v", room.LastActivity, clk.Now())
	}
}
