// Package server implements the relaychat realtime core: the session registry,
// group membership resolution, message fan-out, the per-connection state
// machine and presence tracking, together with the HTTP and WebSocket surface
// that exposes them.
//
// The implementation is organized into specialized files for each component so
// that each can be tested in isolation behind the Transport interface.
package server
