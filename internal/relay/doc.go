// Package relay tracks the signaling peers currently connected to the relay
// and fans messages out between them.
//
// The Registry is the single shared resource of the signaling relay: every
// membership change and every broadcast snapshot is taken under one mutex.
// Delivery happens outside the lock and is best-effort per recipient.
package relay
