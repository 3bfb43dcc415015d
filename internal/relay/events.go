package relay

import (
	"encoding/json"
	"errors"
)

// ConnID identifies one live transport session. It is assigned by the
// transport and is opaque to the relay.
type ConnID string

type EventKind string

const (
	EventRegister     EventKind = "register"
	EventCreateRoom   EventKind = "create-room"
	EventJoinRoom     EventKind = "join-room"
	EventAcceptJoin   EventKind = "accept-join"
	EventStartSharing EventKind = "start-sharing"
	EventOffer        EventKind = "offer"
	EventAnswer       EventKind = "answer"
	EventICECandidate EventKind = "ice-candidate"
	EventEndSession   EventKind = "end-session"
)

// Outbound message types.
const (
	MsgUserJoined     = "user-joined"
	MsgRoomCreated    = "room-created"
	MsgJoinRequest    = "join-request"
	MsgJoinAccepted   = "join-accepted"
	MsgSharingStarted = "sharing-started"
	MsgOffer          = "offer"
	MsgAnswer         = "answer"
	MsgICECandidate   = "ice-candidate"
	MsgSessionEnded   = "session-ended"
	MsgUserLeft       = "user-left"
	MsgError          = "error"
)

var ErrUnknownEvent = errors.New("relay: unknown event")

// Event is a decoded inbound signaling event. Which fields are meaningful
// depends on Kind:
//
//   - register: DisplayName, UserID
//   - create-room, join-room, start-sharing, end-session: RoomID
//   - accept-join: RoomID, Target
//   - offer: RoomID, Description
//   - answer: RoomID, Description, Target
//   - ice-candidate: RoomID, Candidate, optional Target
type Event struct {
	Kind        EventKind
	RoomID      string
	DisplayName string
	UserID      string
	Target      ConnID
	Description json.RawMessage
	Candidate   json.RawMessage
}

// Message is an outbound event. Payload is one of the payload structs below
// and is encoded by the transport.
type Message struct {
	Type    string
	Payload any
}

type UserJoined struct {
	DisplayName string `json:"displayName"`
	UserID      string `json:"userId"`
}

type RoomCreated struct {
	RoomID string `json:"roomId"`
}

type JoinRequest struct {
	RoomID       string `json:"roomId"`
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
	ConnectionID ConnID `json:"connectionId"`
}

type JoinAccepted struct {
	RoomID string `json:"roomId"`
}

type SharingStarted struct {
	Initiator string `json:"initiator"`
}

// RelayedDescription carries an offer or answer. The description is passed
// through byte for byte.
type RelayedDescription struct {
	Description json.RawMessage `json:"description"`
	From        ConnID          `json:"from"`
}

type RelayedCandidate struct {
	Candidate json.RawMessage `json:"candidate"`
	From      ConnID          `json:"from"`
}

type SessionEnded struct {
	By string `json:"by"`
}

type UserLeft struct {
	DisplayName string `json:"displayName"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
