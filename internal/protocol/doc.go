// Package protocol defines the Gateway WebSocket wire protocol.
//
// Every WebSocket text message is one JSON frame of one of three kinds:
//   - Request:  {"type":"req","id":...,"method":...,"params":...}
//   - Response: {"type":"res","id":...,"ok":...,"payload":...|"error":{...}}
//   - Event:    {"type":"event","event":...,"payload":...,"seq":...}
//
// The package also carries the handshake and chat payloads, and the error
// taxonomy shared by the connection, correlator and outbox packages.
package protocol
