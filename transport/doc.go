// Package transport exposes a fleet to clients: a WebSocket Hub that fans
// session sync events out to the viewers of each session room, and an HTTP
// Server with task, sync and action endpoints.
//
// Hub.Broadcast has the signature of session.BroadcastFunc so a Manager can
// push applied actions straight to connected clients:
//
//	hub := transport.NewHub()
//	manager.SetBroadcast(hub.Broadcast)
package transport
