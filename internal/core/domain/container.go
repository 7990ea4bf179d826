package domain

// ManagedLabel marks containers owned by this manager. Engine listing is
// filtered on it so unrelated containers on the host are never touched.
const ManagedLabel = "simbay.managed"

// InstanceLabel carries the slot index on each managed container.
const InstanceLabel = "simbay.instance"

// CreateSpec describes the container to create for a slot, in engine-neutral
// terms. The docker adapter translates it into SDK types; nothing outside the
// adapter imports the SDK.
type CreateSpec struct {
	Name        string
	Image       string
	Env         []string
	Cmd         []string
	Binds       []string // host:container bind mounts
	Labels      map[string]string
	User        string
	NetworkMode string
	Runtime     string
	MemoryBytes int64
	ShmBytes    int64
	GPUEnabled  bool
	Ports       InstancePorts
}
