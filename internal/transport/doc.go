// Package transport carries newline-delimited RPC traffic between two
// endpoints.
//
// A Transport is a byte pipe with three callbacks (ready, data, closed) and
// a goroutine-safe, queued Send. The device package drives the protocol on
// top of it and never touches a net.Conn directly.
//
// # Variants
//
//   - Socket: a stream socket (TCP) with an encryption policy exchange and
//     an optional TLS upgrade. Usable only once its phase reaches Ready.
//   - WebSocket: one text frame per line, served from the admin API.
//   - Synthetic: in-process transport for tests. NewPipe links two of them.
//
// # Encryption negotiation
//
// Before any RPC traffic each Socket endpoint sends one plaintext line
// announcing its local policy:
//
//	ENCRYPTION disabled|enabled|requested|required
//
// Both endpoints then apply the same decision table (see Decide). When the
// outcome is to encrypt, the dialing side becomes the TLS client and the
// accepting side the TLS server. A failed handshake, or a peer that refuses
// encryption while the local policy is Required, closes the transport with
// rpc.ReasonEncryptionRequired.
//
// # Thread Safety
//
// Send, Close, Status and RemoteAddr are safe for concurrent use. Handler
// callbacks are invoked from a single goroutine per transport and never
// concurrently with each other.
package transport
