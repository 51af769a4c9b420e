// Package signaling relays offer/answer/ICE/transcript envelopes between the
// peers connected to the relay over WebSocket.
//
// The broker does not interpret envelope payloads. It checks that each text
// frame is a JSON object with a known "kind" and forwards the original bytes
// to every other registered peer.
package signaling
