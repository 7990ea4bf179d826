package domain

import "fmt"

// InstancePorts are the three well-known ports of one slot. All instances
// share the host network namespace, so these are host ports.
type InstancePorts struct {
	HTTP   int `json:"http"`
	Signal int `json:"signal"`
	Native int `json:"native"`
}

// PortAllocator maps a slot index to its ports as base + index. The scheme
// is injective across slots by construction and keeps the allocation free of
// any bookkeeping state: the same slot always gets the same ports for the
// lifetime of a configuration.
type PortAllocator struct {
	HTTPBase   int
	SignalBase int
	NativeBase int
}

// PortsFor returns the ports for slot. Pure and total; slot range checking
// is the caller's responsibility.
func (a PortAllocator) PortsFor(slot int) InstancePorts {
	return InstancePorts{
		HTTP:   a.HTTPBase + slot,
		Signal: a.SignalBase + slot,
		Native: a.NativeBase + slot,
	}
}

// StreamURL is the address of the slot's browser streaming client, served by
// the simulator's own HTTP endpoint.
func (a PortAllocator) StreamURL(slot int) string {
	return fmt.Sprintf("http://localhost:%d/streaming/webrtc-client/", a.PortsFor(slot).HTTP)
}
