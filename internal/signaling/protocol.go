package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/relay"
)

const (
	messageTypeAuth      = "auth"
	messageTypeConnected = "connected"
)

var errBadMessage = errors.New("bad message")

// envelope is the wire shape of every inbound frame. apiKey/token are only
// read from the first frame when the connection authenticates in-band.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	APIKey  string          `json:"apiKey,omitempty"`
	Token   string          `json:"token,omitempty"`
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type connectedPayload struct {
	ConnectionID relay.ConnID `json:"connectionId"`
}

// payloadFields is the union of every inbound payload. Clients written
// against older servers send username and targetSocketId; both are accepted
// as aliases.
type payloadFields struct {
	RoomID             string          `json:"roomId"`
	DisplayName        string          `json:"displayName"`
	Username           string          `json:"username"`
	UserID             string          `json:"userId"`
	TargetConnectionID string          `json:"targetConnectionId"`
	TargetSocketID     string          `json:"targetSocketId"`
	To                 string          `json:"to"`
	Description        json.RawMessage `json:"description"`
	Candidate          json.RawMessage `json:"candidate"`
}

func parseEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", errBadMessage, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return envelope{}, fmt.Errorf("%w: missing type", errBadMessage)
	}
	return env, nil
}

// decodeEvent converts an envelope into a relay event.
//
// Room-scoped events accept the room id either as a bare JSON string or as
// {"roomId": "..."}.
func decodeEvent(env envelope) (relay.Event, error) {
	kind := relay.EventKind(env.Type)
	switch kind {
	case relay.EventCreateRoom, relay.EventJoinRoom, relay.EventStartSharing, relay.EventEndSession:
		roomID, err := decodeRoomRef(env.Payload)
		if err != nil {
			return relay.Event{}, err
		}
		if kind == relay.EventCreateRoom && roomID == "" {
			return relay.Event{}, fmt.Errorf("%w: roomId is required", errBadMessage)
		}
		return relay.Event{Kind: kind, RoomID: roomID}, nil

	case relay.EventRegister, relay.EventAcceptJoin, relay.EventOffer, relay.EventAnswer, relay.EventICECandidate:
		var p payloadFields
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return relay.Event{}, fmt.Errorf("%w: %s payload: %v", errBadMessage, kind, err)
			}
		}
		ev := relay.Event{Kind: kind, RoomID: p.RoomID}
		switch kind {
		case relay.EventRegister:
			ev.DisplayName = firstNonEmpty(p.DisplayName, p.Username)
			ev.UserID = p.UserID
		case relay.EventAcceptJoin:
			ev.Target = relay.ConnID(firstNonEmpty(p.TargetConnectionID, p.TargetSocketID))
		case relay.EventOffer:
			ev.Description = p.Description
		case relay.EventAnswer:
			ev.Description = p.Description
			ev.Target = relay.ConnID(p.To)
		case relay.EventICECandidate:
			ev.Candidate = p.Candidate
			ev.Target = relay.ConnID(p.To)
		}
		return ev, nil

	default:
		return relay.Event{}, fmt.Errorf("%w: unknown type %q", errBadMessage, env.Type)
	}
}

func decodeRoomRef(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var obj struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("%w: room id must be a string or {\"roomId\": string}", errBadMessage)
	}
	return obj.RoomID, nil
}

func encodeMessage(msg relay.Message) ([]byte, error) {
	return json.Marshal(outbound{Type: msg.Type, Payload: msg.Payload})
}

func errorMessage(text string) relay.Message {
	return relay.Message{Type: relay.MsgError, Payload: relay.ErrorPayload{Message: text}}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
