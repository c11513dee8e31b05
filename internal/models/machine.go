package models

import "time"

// Machine is the core domain object representing a compute instance in a cluster.
// Shared between the server and storage layers.
type Machine struct {
	ID           string    `json:"id"`
	ClusterID    string    `json:"clusterId"`
	Name         string    `json:"name"`
	IPAddress    string    `json:"ipAddress"`
	InstanceType string    `json:"instanceType"`
	Tags         TagSet    `json:"tags"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// MachineInput carries the fields needed to register a new machine.
type MachineInput struct {
	Name         string `json:"name"`
	IPAddress    string `json:"ipAddress"`
	InstanceType string `json:"instanceType"`
	Tags         TagSet `json:"tags"`
}

// MachinePatch is a partial update. Nil or empty fields keep the prior value.
type MachinePatch struct {
	Name         *string `json:"name,omitempty"`
	IPAddress    *string `json:"ipAddress,omitempty"`
	InstanceType *string `json:"instanceType,omitempty"`
}

// Apply copies the set fields of p onto m.
func (p MachinePatch) Apply(m *Machine) {
	if p.Name != nil && *p.Name != "" {
		m.Name = *p.Name
	}
	if p.IPAddress != nil && *p.IPAddress != "" {
		m.IPAddress = *p.IPAddress
	}
	if p.InstanceType != nil && *p.InstanceType != "" {
		m.InstanceType = *p.InstanceType
	}
}

// Empty reports whether the patch changes nothing.
func (p MachinePatch) Empty() bool {
	return (p.Name == nil || *p.Name == "") &&
		(p.IPAddress == nil || *p.IPAddress == "") &&
		(p.InstanceType == nil || *p.InstanceType == "")
}

// MachineStatus is a machine together with its recorded lifecycle state.
type MachineStatus struct {
	Machine Machine        `json:"machine"`
	State   LifecycleState `json:"state"`
}
