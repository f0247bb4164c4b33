// Package connection implements the realtime Connection Manager.
//
// The Connection Manager:
//   - Owns exactly one WebSocket connection to the COREos realtime endpoint
//   - Buffers outbound frames while disconnected and flushes them in
//     submission order once the connection opens
//   - Reconnects after unexpected closures with capped exponential backoff
//     and a finite retry budget
//   - Delivers inbound frames to registered observers in arrival order
package connection
