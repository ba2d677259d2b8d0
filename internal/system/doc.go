// Package system provides the built-in RPC methods every graylink daemon
// answers: ping, version, echo and devices.list.
//
// Real application methods live with the components that own them and are
// added to the same device.Registry with RegisterMethod.
package system
