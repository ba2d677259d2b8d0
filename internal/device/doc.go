// Package device implements the per-connection RPC actor and the registry
// that owns every live connection.
//
// # Device
//
// A Device wraps one transport.Transport. It assembles lines, decodes
// envelopes, correlates responses with the requests it sent, dispatches
// inbound requests to the Registry's method table and runs the registration
// handshake. Every state transition happens on the Device's own goroutine,
// fed by an unbounded mailbox; the exported methods are safe to call from
// any goroutine because they either post to that mailbox or touch only the
// mutex-guarded request table.
//
// # Registration
//
// When the transport becomes ready each side sends a "register" request with
// its name, roles and protocol version. A Device is Registered once it has
// sent its own request, had it accepted, and accepted the peer's. Until then
// input is decoded strictly and anything other than registration traffic is
// dropped without a reply. A Device that does not register within the
// registration period is closed with rpc.ReasonRegistrationTimeout.
//
// # Requests
//
// Request ids are positive, JSON-safe integers allocated under the same
// mutex that guards the outstanding-request table, and are never reused
// while outstanding. Every request is resolved exactly once: by a response,
// an error, a timeout from the Scheduler, or the Device closing.
//
// # Usage
//
//	reg, err := device.NewRegistry(device.Options{Name: "daemon1"})
//	if err != nil {
//	    return err
//	}
//	reg.RegisterMethod("ping", func(ctx context.Context, c *device.Call) (any, error) {
//	    return "pong", nil
//	})
//	go device.NewScheduler(reg, 0).Run(ctx)
//	go reg.Serve(ctx, listener)
package device
