// Package signaling implements the WebSocket relay that room members use to
// exchange session descriptions and ICE candidates.
//
// The relay never looks inside a signal payload: it authenticates the
// connection, scopes it to a room, and forwards envelopes to the addressed
// target. Membership changes surface as user-connected and user-disconnected
// events.
package signaling
