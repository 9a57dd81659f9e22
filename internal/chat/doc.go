// Package chat implements the room relay core.
//
// A single Coordinator goroutine owns the session registry and room
// membership and applies every mutation from one FIFO mailbox. Each
// connection is served by a Session that parses frames into commands,
// forwards chat text to the Coordinator, writes Coordinator deliveries back
// to its peer and closes the peer when heartbeats stop.
package chat
