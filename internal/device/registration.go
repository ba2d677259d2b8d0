package device

import (
	"encoding/json"
	"errors"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

// beginRegistration sends our register request once the transport is ready.
func (d *Device) beginRegistration() {
	if d.isClosed() {
		return
	}
	params := RegisterParams{Name: d.cfg.name, Roles: d.cfg.roles, Version: d.cfg.version}
	id, err := d.sendRequest(nil, MethodRegister, params, NoTimeout, d.onRegisterResult, false)
	if err != nil {
		if !errors.Is(err, ErrDeviceClosed) {
			d.log.Warn("failed to send registration", d.kv("error", err)...)
		}
		return
	}

	d.mu.Lock()
	d.registerID = id
	d.state |= RegistrationSent
	d.mu.Unlock()
	d.log.Debug("registration sent", d.kv("id", id, "name", d.cfg.name)...)
}

// onRegisterResult handles the peer's answer to our register request.
func (d *Device) onRegisterResult(r Result) {
	if r.Err != nil {
		if r.Err.Code == rpc.CodeDeviceDisconnected {
			return
		}
		d.log.Warn("registration rejected by peer", d.kv(errorKV(r.Err)...)...)
		d.close(rpc.ReasonFatalError, false)
		return
	}

	var res RegisterResult
	if err := json.Unmarshal(r.Value, &res); err != nil || !res.Accepted {
		d.log.Warn("registration not accepted by peer", d.kv("result", string(r.Value))...)
		d.close(rpc.ReasonFatalError, false)
		return
	}

	d.mu.Lock()
	d.state |= LocalAccepted
	d.mu.Unlock()
	d.log.Debug("peer accepted registration", d.kv("filed_as", res.Name)...)
	d.checkRegistered()
}

// handlePeerRegister handles the peer's register request before this side
// has accepted it. Malformed requests are dropped without a reply.
func (d *Device) handlePeerRegister(env rpc.Envelope) {
	params, err := decodeRegisterParams(env.Params)
	if err != nil || !validName(params.Name) {
		d.stats.protocolErrors.Add(1)
		d.log.Debug("dropping malformed registration", d.kv("id", env.ID)...)
		return
	}

	d.mu.Lock()
	already := d.state&RemoteAccepted != 0
	d.mu.Unlock()
	if already {
		d.log.Debug("dropping repeated registration", d.kv("id", env.ID)...)
		return
	}

	if ok, required := d.cfg.accepts(params.Version); !ok {
		d.log.Warn("rejecting peer protocol version",
			d.kv("peer", params.Name, "version", params.Version, "required", required)...)
		d.reply(rpc.NewErrorEnvelope(env.ID, rpc.NewError(rpc.CodeNotSupported, "unsupported protocol version",
			map[string]string{"version": params.Version, "required": required})))
		d.close(rpc.ReasonFatalError, false)
		return
	}

	previous := d.ID()
	name := d.owner.rename(d, params.Name)

	d.mu.Lock()
	d.previousID = previous
	d.peer = PeerInfo{Name: params.Name, Roles: params.Roles, Version: params.Version}
	d.state |= RemoteAccepted
	d.mu.Unlock()

	d.log.Debug("accepted peer registration",
		"device", name, "previous_id", previous, "roles", params.Roles.String(), "version", params.Version)

	resp, err := rpc.NewResponse(env.ID, RegisterResult{Accepted: true, Name: name})
	if err == nil {
		d.reply(resp)
	}
	d.checkRegistered()
}

// decodeRegisterParams reads register params member by member. The name
// becomes the connection id, so a duplicated or case-varied key is refused
// rather than resolved last-wins.
func decodeRegisterParams(raw []byte) (RegisterParams, error) {
	var p RegisterParams
	if len(raw) == 0 {
		return p, errors.New("missing params")
	}
	err := rpc.UnmarshalObject(raw, map[string]any{
		"name":    &p.Name,
		"roles":   &p.Roles,
		"version": &p.Version,
	})
	return p, err
}

// checkRegistered reports the transition to Registered exactly once.
func (d *Device) checkRegistered() {
	now := d.owner.now()
	d.mu.Lock()
	if d.closed || !d.state.Registered() || !d.registeredAt.IsZero() {
		d.mu.Unlock()
		return
	}
	d.registeredAt = now
	d.mu.Unlock()

	d.log.Info("device registered",
		d.kv("direction", d.direction, "remote", d.remote, "took", now.Sub(d.connectedAt).String())...)
	d.owner.emit(d.event(EventRegistered, rpc.ReasonUnknown, now, d.stats.snapshot()))
}
