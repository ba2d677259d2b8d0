// Package rpc implements the line-delimited JSON-RPC envelope used between
// Gray Link peers.
//
// Every message on the wire is a single compact JSON object terminated by a
// newline. An [Envelope] is one of four kinds:
//
//   - Request:      {"jsonrpc":"2.0","id":7,"method":"ping","params":{...}}
//   - Notification: {"jsonrpc":"2.0","method":"disconnect","params":{...}}
//   - Response:     {"jsonrpc":"2.0","id":7,"result":"pong"}
//   - Error:        {"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"..."}}
//
// Batch arrays are never accepted.
//
// # Decode Modes
//
// [Decode] runs in one of two modes. [Strict] is used before a connection is
// registered: unknown keys, duplicate keys and any schema violation are
// rejected and no reply envelope is produced, so an unauthenticated peer learns
// nothing from probing. [Lenient] is used after registration: unknown keys are
// ignored and malformed input yields an Error envelope for the sender.
// Duplicate keys are rejected in both modes.
//
// Params, result and error data are carried as [json.RawMessage] and never
// examined by the codec.
//
// [LineBuffer] assembles complete lines from arbitrary transport reads and
// enforces a maximum line length.
package rpc
