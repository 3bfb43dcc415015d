// Package signaling is the WebSocket transport for the screen-share relay.
//
// A Hub goroutine owns the relay and is the only writer of its state. Each
// connection runs a read pump that forwards decoded events to the hub and a
// write pump that drains the connection's send queue and keeps it alive with
// pings.
package signaling
