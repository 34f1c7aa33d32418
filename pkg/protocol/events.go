// Package protocol is the small wire-level vocabulary shared between the
// gateway WebSocket surface and any client: just the event name a
// broadcast outbound envelope carries. Trimmed from the teacher's much
// larger events.go/methods.go (RPC method names for agent/session/skill/
// team CRUD, channel-instance management, zalo QR pairing) — those back a
// managed multi-tenant admin panel with no SPEC_FULL.md component; spec §1
// only specifies that the web panel "subscribes to the outbound bus", not
// a request/response RPC surface (see DESIGN.md).
package protocol

// EventOutbound is the single event name the gateway broadcaster pushes
// for every outbound envelope it relays (spec §1's web panel scope).
const EventOutbound = "outbound"
