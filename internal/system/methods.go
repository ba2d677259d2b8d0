package system

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/device"
	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

// Method names.
const (
	MethodPing        = "ping"
	MethodVersion     = "version"
	MethodEcho        = "echo"
	MethodDevicesList = "devices.list"
)

// Info identifies the running build.
type Info struct {
	Name      string
	Version   string
	Commit    string
	StartedAt time.Time
}

// VersionResult is the result of the version method.
type VersionResult struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Commit   string `json:"commit,omitempty"`
	Protocol string `json:"protocol"`
	JSONRPC  string `json:"jsonrpc"`
	Uptime   string `json:"uptime"`
}

// Register adds the built-in methods to reg.
//
// Parameters:
//   - reg: Registry whose dispatch table receives the methods
//   - info: Build identity reported by version
//
// Returns:
//   - error: If a method cannot be registered
func Register(reg *device.Registry, info Info) error {
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	methods := map[string]device.MethodFunc{
		MethodPing:        ping,
		MethodEcho:        echo,
		MethodVersion:     version(reg, info),
		MethodDevicesList: devicesList(reg),
	}
	for name, fn := range methods {
		if err := reg.RegisterMethod(name, fn); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return nil
}

func ping(context.Context, *device.Call) (any, error) {
	return "pong", nil
}

func echo(_ context.Context, c *device.Call) (any, error) {
	if len(c.Params) == 0 {
		return nil, nil
	}
	return json.RawMessage(c.Params), nil
}

func version(reg *device.Registry, info Info) device.MethodFunc {
	return func(context.Context, *device.Call) (any, error) {
		return VersionResult{
			Name:     reg.Name(),
			Version:  info.Version,
			Commit:   info.Commit,
			Protocol: reg.Version(),
			JSONRPC:  rpc.ProtocolVersion,
			Uptime:   time.Since(info.StartedAt).Round(time.Second).String(),
		}, nil
	}
}

// devicesListParams filters devices.list.
type devicesListParams struct {
	RegisteredOnly bool `json:"registered_only"`
}

func devicesList(reg *device.Registry) device.MethodFunc {
	return func(_ context.Context, c *device.Call) (any, error) {
		var params devicesListParams
		if err := c.Bind(&params); err != nil {
			return nil, err
		}
		snaps := reg.Snapshots()
		out := make([]device.Snapshot, 0, len(snaps))
		for _, s := range snaps {
			if params.RegisteredOnly && !s.Registered {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	}
}
