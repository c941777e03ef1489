// Package session owns the link-level helpers shared by TCP connections:
// the hello handshake, reliability defaults, and reconnect backoff.
package session
