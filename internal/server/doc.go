// Package server exposes the relay over HTTP: the WebSocket endpoint that
// hands connections to chat sessions, the visitor counter, health and room
// reports, Prometheus metrics and a browser test page. It also runs the
// process lifecycle that starts and stops those services.
package server
