// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single WebSocket connection to the Gateway
//   - Performs the challenge/connect/hello-ok handshake before reporting connected
//   - Routes responses to the correlator and events to the dispatcher
//   - Buffers outbound messages in the outbox while disconnected
//   - Reconnects with jittered exponential backoff after unexpected closures
//   - Emits a Status on every state transition
package connection
