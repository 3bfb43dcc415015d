// Package relay implements the screen-share session relay: the connection
// registry, the room table and the event router that forwards WebRTC
// negotiation messages between room participants.
//
// A Relay is not safe for concurrent use. It is owned by exactly one goroutine
// (see signaling.Hub) which processes one event to completion before the next.
package relay
